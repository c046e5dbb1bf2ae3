package runtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextExposesTaskScope(t *testing.T) {
	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ctx := NewContext(ContextParams{
		Namespace:   "orders",
		WorkflowID:  "order-wf",
		RunID:       "run-1",
		TaskQueue:   "orders",
		StartedAt:   started,
		ReplayCount: 2,
		Metadata:    map[string]string{"worker": "worker-1"},
	})

	assert.Equal(t, "orders", ctx.Namespace())
	assert.Equal(t, "order-wf", ctx.WorkflowID())
	assert.Equal(t, "run-1", ctx.RunID())
	assert.Equal(t, "orders", ctx.TaskQueue())
	assert.Equal(t, started, ctx.StartedAt())
	assert.Equal(t, 2, ctx.ReplayCount())

	worker, ok := ctx.Metadata("worker")
	require.True(t, ok)
	assert.Equal(t, "worker-1", worker)
	_, ok = ctx.Metadata("missing")
	assert.False(t, ok)
}

func TestContextClockDefaultsToStartedAt(t *testing.T) {
	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ctx := NewContext(ContextParams{StartedAt: started})

	// The logical clock is pinned: two reads any distance apart agree.
	first := ctx.Now()
	second := ctx.Now()
	assert.Equal(t, started, first)
	assert.Equal(t, first, second)
}

func TestContextCaptureDelegatesToEffects(t *testing.T) {
	effects := NewEffectStore()
	ctx := NewContext(ContextParams{Effects: effects})

	v, err := ctx.Capture("roll", func() (json.RawMessage, error) {
		return json.RawMessage(`4`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`4`), v)
	assert.True(t, effects.Recorded("roll"))
}

func TestContinueAsNewError(t *testing.T) {
	err := NewContinueAsNewError(json.RawMessage(`{"cursor":"abc"}`))
	assert.EqualError(t, err, "workflow continues as new")
	assert.Equal(t, json.RawMessage(`{"cursor":"abc"}`), err.Input)
}
