package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
)

// HistoryStore persists the append-only event log. Events are immutable and
// per-run event IDs are dense: the only deletions allowed are whole-range
// archival below the namespace retention threshold.
type HistoryStore struct {
	db DB
}

func NewHistoryStore(db DB) *HistoryStore {
	return &HistoryStore{db: db}
}

const eventColumns = `namespace_id, workflow_id, run_id, event_id, event_type,
	event_timestamp, task_id, version, event_data`

func scanEvent(row interface{ Scan(dest ...any) error }) (model.HistoryEvent, error) {
	var e model.HistoryEvent
	err := row.Scan(&e.NamespaceID, &e.WorkflowID, &e.RunID, &e.EventID, &e.EventType,
		&e.EventTimestamp, &e.TaskID, &e.Version, &e.EventData)
	return e, err
}

// AppendEvents atomically appends a batch to one run's log. The batch must be
// contiguous and start exactly at lastEventId+1; anything else is rejected
// with HistoryEventError and the transaction rolls back.
func (s *HistoryStore) AppendEvents(ctx context.Context, namespaceID, workflowID, runID string, events []model.HistoryEvent) error {
	if err := validateBatch(events); err != nil {
		return err
	}
	return inTx(ctx, s.db, "append events", func(tx pgx.Tx) error {
		return appendEventsTx(ctx, tx, namespaceID, workflowID, runID, events)
	})
}

// validateBatch rejects empty and non-contiguous batches before any
// transaction is opened.
func validateBatch(events []model.HistoryEvent) error {
	if len(events) == 0 {
		return errkind.New(errkind.InvalidRequest, "event batch is empty")
	}
	for i := 1; i < len(events); i++ {
		if events[i].EventID != events[i-1].EventID+1 {
			return errkind.Newf(errkind.HistoryEvent,
				"non-contiguous batch: event %d follows event %d",
				events[i].EventID, events[i-1].EventID)
		}
	}
	return nil
}

// appendEventsTx inserts one run's batch inside the caller's transaction. It
// locks the current tail of the log so concurrent appends for the same run
// serialize; an empty log locks nothing and the primary key catches the race
// on the first event.
func appendEventsTx(ctx context.Context, tx pgx.Tx, namespaceID, workflowID, runID string, events []model.HistoryEvent) error {
	if err := validateBatch(events); err != nil {
		return err
	}

	var lastEventID int64
	err := tx.QueryRow(ctx,
		`SELECT event_id FROM history_events
		 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
		 ORDER BY event_id DESC
		 LIMIT 1
		 FOR UPDATE`,
		namespaceID, workflowID, runID,
	).Scan(&lastEventID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return storeErr("lock history tail", err)
	}

	if events[0].EventID != lastEventID+1 {
		return errkind.Newf(errkind.HistoryEvent,
			"batch starts at event %d, log tail is %d", events[0].EventID, lastEventID)
	}

	for i := range events {
		e := &events[i]
		if e.EventTimestamp.IsZero() {
			e.EventTimestamp = time.Now().UTC()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO history_events (`+eventColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			namespaceID, workflowID, runID, e.EventID, e.EventType,
			e.EventTimestamp, e.TaskID, e.Version, e.EventData,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errkind.Newf(errkind.HistoryEvent,
					"duplicate event %d for run %s", e.EventID, runID)
			}
			return storeErr("insert event", err)
		}
	}
	return nil
}

// GetHistory returns events in ascending event ID order starting at
// fromEventID, at most maxEvents of them.
func (s *HistoryStore) GetHistory(ctx context.Context, namespaceID, workflowID, runID string, fromEventID int64, maxEvents int) ([]model.HistoryEvent, error) {
	if fromEventID < 1 {
		fromEventID = 1
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM history_events
		 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3 AND event_id >= $4
		 ORDER BY event_id
		 LIMIT $5`,
		namespaceID, workflowID, runID, fromEventID, maxEvents)
	if err != nil {
		return nil, storeErr("get history", err)
	}
	defer rows.Close()

	var events []model.HistoryEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, storeErr("scan event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate events", err)
	}
	return events, nil
}

func (s *HistoryStore) GetEvent(ctx context.Context, namespaceID, workflowID, runID string, eventID int64) (*model.HistoryEvent, error) {
	e, err := scanEvent(s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM history_events
		 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3 AND event_id = $4`,
		namespaceID, workflowID, runID, eventID))
	if err != nil {
		return nil, storeErr("get event", err)
	}
	return &e, nil
}

func (s *HistoryStore) GetEventCount(ctx context.Context, namespaceID, workflowID, runID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM history_events
		 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
		namespaceID, workflowID, runID,
	).Scan(&count)
	if err != nil {
		return 0, storeErr("count events", err)
	}
	return count, nil
}

// ValidateSequence reports whether the run's event IDs form the dense
// sequence 1..N. count == max(event_id) iff there are no gaps.
func (s *HistoryStore) ValidateSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error) {
	var count, max int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(MAX(event_id), 0) FROM history_events
		 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
		namespaceID, workflowID, runID,
	).Scan(&count, &max)
	if err != nil {
		return false, storeErr("validate sequence", err)
	}
	return count == max, nil
}

// ArchiveOlderThan bulk-deletes up to batch events older than threshold in
// the namespace. Returns the number removed; callers loop until zero.
func (s *HistoryStore) ArchiveOlderThan(ctx context.Context, namespaceID string, threshold time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 1000
	}
	tag, err := s.db.Exec(ctx,
		`DELETE FROM history_events
		 WHERE ctid IN (
		     SELECT ctid FROM history_events
		     WHERE namespace_id = $1 AND event_timestamp < $2
		     LIMIT $3
		 )`,
		namespaceID, threshold, batch)
	if err != nil {
		return 0, storeErr("archive events", err)
	}
	return tag.RowsAffected(), nil
}
