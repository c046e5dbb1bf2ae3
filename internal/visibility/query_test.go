package visibility

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/orchestrator/internal/errkind"
)

func TestParseQuerySingleConjunct(t *testing.T) {
	filter, err := ParseQuery(`WorkflowType = 'ProcessOrder'`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"workflow_type": "ProcessOrder"}, filter.Equals)
	assert.Empty(t, filter.FreeText)
}

func TestParseQueryMultipleConjuncts(t *testing.T) {
	filter, err := ParseQuery(`WorkflowType = 'ProcessOrder' AND Status = 'Running' AND TaskQueue = 'orders'`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"workflow_type": "ProcessOrder",
		"status":        "Running",
		"task_queue":    "orders",
	}, filter.Equals)
}

func TestParseQueryFieldNamesAreCaseInsensitive(t *testing.T) {
	filter, err := ParseQuery(`workflowid = 'order-7'`)
	require.NoError(t, err)
	assert.Equal(t, "order-7", filter.Equals["workflow_id"])
}

func TestParseQueryStateAliasesStatus(t *testing.T) {
	filter, err := ParseQuery(`State = 'Completed'`)
	require.NoError(t, err)
	assert.Equal(t, "Completed", filter.Equals["status"])
}

func TestParseQueryQuoteStyles(t *testing.T) {
	filter, err := ParseQuery(`WorkflowType = "ProcessOrder" AND TaskQueue = orders`)
	require.NoError(t, err)
	assert.Equal(t, "ProcessOrder", filter.Equals["workflow_type"])
	assert.Equal(t, "orders", filter.Equals["task_queue"])
}

func TestParseQueryUnknownFieldFoldsIntoFreeText(t *testing.T) {
	filter, err := ParseQuery(`CustomField = 'abc' AND Status = 'Running'`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "Running"}, filter.Equals)
	assert.Equal(t, `CustomField = 'abc'`, filter.FreeText)
}

func TestParseQueryBareTermIsFreeText(t *testing.T) {
	filter, err := ParseQuery(`order-7`)
	require.NoError(t, err)
	assert.Empty(t, filter.Equals)
	assert.Equal(t, "order-7", filter.FreeText)
}

func TestParseQueryQuotedValueMayContainAnd(t *testing.T) {
	filter, err := ParseQuery(`WorkflowType = 'fetch and store'`)
	require.NoError(t, err)
	assert.Equal(t, "fetch and store", filter.Equals["workflow_type"])
}

func TestParseQueryRepeatedFieldKeepsLastValue(t *testing.T) {
	filter, err := ParseQuery(`Status = 'Running' AND Status = 'Failed'`)
	require.NoError(t, err)
	assert.Equal(t, "Failed", filter.Equals["status"])
}

func TestParseQueryEmptyIsNoFilter(t *testing.T) {
	filter, err := ParseQuery("  ")
	require.NoError(t, err)
	assert.Empty(t, filter.Equals)
	assert.Empty(t, filter.FreeText)
}

func TestParseQueryOnlyConnectivesRejected(t *testing.T) {
	_, err := ParseQuery("AND AND")
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(err))
}
