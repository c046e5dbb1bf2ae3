package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
)

func historyBatch(eventIDs ...int64) []model.HistoryEvent {
	events := make([]model.HistoryEvent, len(eventIDs))
	for i, id := range eventIDs {
		events[i] = model.HistoryEvent{
			NamespaceID: "ns-1", WorkflowID: "order-wf", RunID: "run-1",
			EventID: id, EventType: model.EventActivityTaskScheduled,
		}
	}
	return events
}

func TestAppendEventsEmptyBatch(t *testing.T) {
	db := &mockDB{}

	err := NewHistoryStore(db).AppendEvents(context.Background(), "ns-1", "order-wf", "run-1", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(err))
	db.AssertNotCalled(t, "Begin")
}

func TestAppendEventsNonContiguousBatch(t *testing.T) {
	db := &mockDB{}

	err := NewHistoryStore(db).AppendEvents(context.Background(), "ns-1", "order-wf", "run-1",
		historyBatch(5, 7))
	require.Error(t, err)
	assert.Equal(t, errkind.HistoryEvent, errkind.KindOf(err))
	db.AssertNotCalled(t, "Begin")
}

func TestAppendEventsGapAtTail(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	tx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(3)) },
	})

	// Log tail is event 3; a batch starting at 5 would leave a gap and must
	// roll back without touching the log.
	err := NewHistoryStore(db).AppendEvents(context.Background(), "ns-1", "order-wf", "run-1",
		historyBatch(5, 6))
	require.Error(t, err)
	assert.Equal(t, errkind.HistoryEvent, errkind.KindOf(err))
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
	tx.AssertNotCalled(t, "Exec")
}

func TestAppendEventsStaleTail(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	tx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(6)) },
	})

	// A writer holding a stale tail tries to re-append event 5.
	err := NewHistoryStore(db).AppendEvents(context.Background(), "ns-1", "order-wf", "run-1",
		historyBatch(5))
	require.Error(t, err)
	assert.Equal(t, errkind.HistoryEvent, errkind.KindOf(err))
	assert.Equal(t, 0, tx.commits)
}

func TestAppendEventsFirstBatch(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	tx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(errRow(pgx.ErrNoRows))
	tx.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(execTag(1), nil)

	events := historyBatch(1, 2, 3)
	err := NewHistoryStore(db).AppendEvents(context.Background(), "ns-1", "order-wf", "run-1", events)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.commits)
	tx.AssertNumberOfCalls(t, "Exec", 3)

	// Zero timestamps are filled in on write.
	for _, e := range events {
		assert.False(t, e.EventTimestamp.IsZero())
	}
}

func TestAppendEventsDuplicate(t *testing.T) {
	db := &mockDB{}
	tx := beginTx(db)
	tx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(errRow(pgx.ErrNoRows))
	tx.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: pgUniqueViolation})

	err := NewHistoryStore(db).AppendEvents(context.Background(), "ns-1", "order-wf", "run-1",
		historyBatch(1))
	require.Error(t, err)
	assert.Equal(t, errkind.HistoryEvent, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "duplicate event")
	assert.Equal(t, 0, tx.commits)
}

func TestGetHistory(t *testing.T) {
	db := &mockDB{}
	row := func(eventID int64) func(dest ...any) error {
		return func(dest ...any) error {
			vals := make([]any, 9)
			vals[0], vals[1], vals[2] = "ns-1", "order-wf", "run-1"
			vals[3] = eventID
			vals[4] = model.EventWorkflowExecutionStarted
			return setDest(dest, vals...)
		}
	}
	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "ORDER BY event_id")
	}), mock.Anything).Return(newMockRows(row(1), row(2)), nil)

	events, err := NewHistoryStore(db).GetHistory(context.Background(), "ns-1", "order-wf", "run-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].EventID)
	assert.Equal(t, int64(2), events[1].EventID)
}

func TestValidateSequence(t *testing.T) {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(5), int64(5)) },
	}).Once()

	ok, err := NewHistoryStore(db).ValidateSequence(context.Background(), "ns-1", "order-wf", "run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A missing event: 4 rows but the highest ID is 5.
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return setDest(dest, int64(4), int64(5)) },
	}).Once()

	ok, err = NewHistoryStore(db).ValidateSequence(context.Background(), "ns-1", "order-wf", "run-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiveOlderThan(t *testing.T) {
	db := &mockDB{}
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(execTag(250), nil)

	removed, err := NewHistoryStore(db).ArchiveOlderThan(context.Background(), "ns-1",
		time.Now().AddDate(0, 0, -30), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(250), removed)
}
