package store

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
)

func executionRow(state string, version int64) func(dest ...any) error {
	return func(dest ...any) error {
		vals := make([]any, 26)
		vals[0], vals[1], vals[2] = "ns-1", "order-wf", "run-1"
		vals[3], vals[4] = "ProcessOrder", "orders"
		vals[5] = state
		vals[7] = int64(4)
		vals[25] = version
		return setDest(dest, vals...)
	}
}

func TestExecutionCreateDefaults(t *testing.T) {
	db := &mockDB{}
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(execTag(1), nil)

	exec := &model.WorkflowExecution{NamespaceID: "ns-1", WorkflowID: "order-wf"}
	err := NewExecutionStore(db).Create(context.Background(), exec)
	require.NoError(t, err)

	assert.NotEmpty(t, exec.RunID)
	assert.Equal(t, model.StateRunning, exec.State)
	assert.Equal(t, int64(1), exec.NextEventID)
	assert.Equal(t, int64(1), exec.Version)
}

func TestExecutionCreateRequiresKey(t *testing.T) {
	db := &mockDB{}

	err := NewExecutionStore(db).Create(context.Background(), &model.WorkflowExecution{})
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(err))
	db.AssertNotCalled(t, "Exec")
}

func TestExecutionUpdate(t *testing.T) {
	db := &mockDB{}
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(execTag(1), nil)

	exec := &model.WorkflowExecution{
		NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-1",
		State: model.StateRunning, Version: 3,
	}
	err := NewExecutionStore(db).Update(context.Background(), exec, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), exec.Version)
}

func TestExecutionUpdateStaleVersion(t *testing.T) {
	db := &mockDB{}
	// The losing writer in a concurrent update race: the conditional update
	// matches nothing because the persisted version has already moved on.
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(execTag(0), nil)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(4)) },
	})

	exec := &model.WorkflowExecution{
		NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-1", Version: 3,
	}
	err := NewExecutionStore(db).Update(context.Background(), exec, 3)
	require.Error(t, err)
	assert.Equal(t, errkind.ConcurrencyConflict, errkind.KindOf(err))
	assert.Equal(t, int64(3), exec.Version)
}

func TestExecutionUpdateGone(t *testing.T) {
	db := &mockDB{}
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(execTag(0), nil)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(errRow(pgx.ErrNoRows))

	exec := &model.WorkflowExecution{
		NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-gone", Version: 1,
	}
	err := NewExecutionStore(db).Update(context.Background(), exec, 1)
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestExecutionUpdateWithEvents(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	tx.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "history_events")
	}), mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(4)) },
	})
	tx.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(execTag(1), nil)

	exec := &model.WorkflowExecution{
		NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-1",
		State: model.StateCompleted, NextEventID: 6, Version: 3,
	}
	events := []model.HistoryEvent{{EventID: 5, EventType: model.EventWorkflowExecutionCompleted}}
	err := NewExecutionStore(db).UpdateWithEvents(context.Background(), exec, 3, events)
	require.NoError(t, err)
	assert.Equal(t, int64(4), exec.Version)
	assert.Equal(t, 1, tx.commits)
}

func TestExecutionUpdateWithEventsRollsBackOnConflict(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	tx.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "history_events")
	}), mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(4)) },
	})
	tx.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.HasPrefix(sql, "INSERT")
	}), mock.Anything).Return(execTag(1), nil)
	// The conditional update loses: another writer already moved the version.
	tx.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.HasPrefix(sql, "UPDATE")
	}), mock.Anything).Return(execTag(0), nil)
	tx.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "workflow_executions")
	}), mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(4)) },
	})

	exec := &model.WorkflowExecution{
		NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-1",
		State: model.StateCompleted, NextEventID: 6, Version: 3,
	}
	events := []model.HistoryEvent{{EventID: 5, EventType: model.EventWorkflowExecutionCompleted}}
	err := NewExecutionStore(db).UpdateWithEvents(context.Background(), exec, 3, events)
	require.Error(t, err)
	assert.Equal(t, errkind.ConcurrencyConflict, errkind.KindOf(err))
	// The batch was inserted inside the transaction; the conflict rolls it
	// back so the log never runs ahead of next_event_id.
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestExecutionContinueAsNew(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	tx.On("QueryRow", mock.Anything, mock.Anything, mock.MatchedBy(func(args []any) bool {
		return len(args) == 3 && args[2] == "run-1"
	})).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(4)) },
	})
	tx.On("QueryRow", mock.Anything, mock.Anything, mock.MatchedBy(func(args []any) bool {
		return len(args) == 3 && args[2] == "run-2"
	})).Return(errRow(pgx.ErrNoRows))
	tx.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(execTag(1), nil)

	old := &model.WorkflowExecution{
		NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-1",
		State: model.StateContinuedAsNew, NextEventID: 6, Version: 2,
	}
	next := &model.WorkflowExecution{
		NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-2",
		State: model.StateRunning, NextEventID: 2, Version: 1,
	}
	closing := model.HistoryEvent{EventID: 5, EventType: model.EventWorkflowExecutionContinuedAsNew}
	started := model.HistoryEvent{EventID: 1, EventType: model.EventWorkflowExecutionStarted}

	err := NewExecutionStore(db).ContinueAsNew(context.Background(), old, 2, closing, next, started)
	require.NoError(t, err)
	assert.Equal(t, int64(3), old.Version)
	assert.Equal(t, 1, tx.commits)
}

func TestExecutionContinueAsNewRollsBackWhenLogMoved(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	// A concurrent signal already claimed event 5 on the old run.
	tx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(5)) },
	})

	old := &model.WorkflowExecution{
		NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-1",
		State: model.StateContinuedAsNew, NextEventID: 6, Version: 2,
	}
	next := &model.WorkflowExecution{
		NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-2",
	}
	closing := model.HistoryEvent{EventID: 5, EventType: model.EventWorkflowExecutionContinuedAsNew}
	started := model.HistoryEvent{EventID: 1, EventType: model.EventWorkflowExecutionStarted}

	err := NewExecutionStore(db).ContinueAsNew(context.Background(), old, 2, closing, next, started)
	require.Error(t, err)
	assert.Equal(t, errkind.HistoryEvent, errkind.KindOf(err))
	// No successor row and no events survive the failed handoff.
	tx.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestExecutionGetCurrentNotFound(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(errRow(pgx.ErrNoRows))

	_, err := NewExecutionStore(db).GetCurrent(context.Background(), "ns-1", "missing")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestExecutionListFiltersByState(t *testing.T) {
	db := &mockDB{}
	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "workflow_state = $2")
	}), mock.Anything).Return(newMockRows(executionRow(model.StateRunning, 1)), nil)

	state := model.StateRunning
	execs, nextToken, err := NewExecutionStore(db).List(context.Background(), "ns-1", &state, 10, "")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.StateRunning, execs[0].State)
	assert.Empty(t, nextToken)
}

func TestExecutionTerminate(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	tx.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.HasPrefix(sql, "SELECT")
	}), mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error {
			return setDest(dest, model.StateRunning, int64(2), int64(5))
		},
	})
	tx.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.HasPrefix(sql, "UPDATE")
	}), mock.Anything).Return(&mockRow{scanFunc: executionRow(model.StateTerminated, 3)})

	exec, err := NewExecutionStore(db).Terminate(context.Background(), "ns-1", "order-wf", "run-1", "operator request")
	require.NoError(t, err)
	assert.Equal(t, model.StateTerminated, exec.State)
	assert.Equal(t, 1, tx.commits)
}

func TestExecutionTerminateAlreadyClosed(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	tx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error {
			return setDest(dest, model.StateCompleted, int64(2), int64(5))
		},
	})

	_, err := NewExecutionStore(db).Terminate(context.Background(), "ns-1", "order-wf", "run-1", "late")
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidWorkflowState, errkind.KindOf(err))
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}
