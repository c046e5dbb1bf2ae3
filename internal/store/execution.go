package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/platform"
)

// ExecutionStore persists mutable workflow execution state. Every successful
// mutation bumps version by exactly one; writers must present the version they
// loaded and lose with ConcurrencyConflict when it is stale.
type ExecutionStore struct {
	db DB
}

func NewExecutionStore(db DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `namespace_id, workflow_id, run_id, workflow_type, task_queue,
	workflow_state, execution_state, next_event_id, last_processed_event_id,
	workflow_timeout_seconds, run_timeout_seconds, task_timeout_seconds,
	retry_policy, cron_schedule, parent_workflow_id, parent_run_id, initiated_id,
	completion_event_id, memo, search_attributes, auto_reset_points,
	started_at, completed_at, last_updated_at, shard_id, version`

func scanExecution(row interface{ Scan(dest ...any) error }) (model.WorkflowExecution, error) {
	var e model.WorkflowExecution
	err := row.Scan(&e.NamespaceID, &e.WorkflowID, &e.RunID, &e.WorkflowType, &e.TaskQueue,
		&e.State, &e.ExecutionState, &e.NextEventID, &e.LastProcessedEventID,
		&e.WorkflowTimeoutSecs, &e.RunTimeoutSecs, &e.TaskTimeoutSecs,
		&e.RetryPolicy, &e.CronSchedule, &e.ParentWorkflowID, &e.ParentRunID, &e.InitiatedID,
		&e.CompletionEventID, &e.Memo, &e.SearchAttributes, &e.AutoResetPoints,
		&e.StartedAt, &e.CompletedAt, &e.LastUpdatedAt, &e.ShardID, &e.Version)
	return e, err
}

func (s *ExecutionStore) Create(ctx context.Context, exec *model.WorkflowExecution) error {
	return createExecution(ctx, s.db, exec)
}

func createExecution(ctx context.Context, db DB, exec *model.WorkflowExecution) error {
	if exec.NamespaceID == "" || exec.WorkflowID == "" {
		return errkind.New(errkind.InvalidRequest, "namespace and workflow id are required")
	}
	if exec.RunID == "" {
		exec.RunID = platform.NewID()
	}
	if exec.State == "" {
		exec.State = model.StateRunning
	}
	if exec.NextEventID < 1 {
		exec.NextEventID = 1
	}
	if exec.Version < 1 {
		exec.Version = 1
	}
	now := time.Now().UTC()
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
	exec.LastUpdatedAt = now

	_, err := db.Exec(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		         $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		exec.NamespaceID, exec.WorkflowID, exec.RunID, exec.WorkflowType, exec.TaskQueue,
		exec.State, exec.ExecutionState, exec.NextEventID, exec.LastProcessedEventID,
		exec.WorkflowTimeoutSecs, exec.RunTimeoutSecs, exec.TaskTimeoutSecs,
		exec.RetryPolicy, exec.CronSchedule, exec.ParentWorkflowID, exec.ParentRunID,
		exec.InitiatedID, exec.CompletionEventID, exec.Memo, exec.SearchAttributes,
		exec.AutoResetPoints, exec.StartedAt, exec.CompletedAt, exec.LastUpdatedAt,
		exec.ShardID, exec.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.Newf(errkind.AlreadyExists, "execution %s/%s already exists",
				exec.WorkflowID, exec.RunID)
		}
		return storeErr("create execution", err)
	}
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, namespaceID, workflowID, runID string) (*model.WorkflowExecution, error) {
	e, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions
		 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
		namespaceID, workflowID, runID))
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return &e, nil
}

// GetCurrent returns the most recently started run of a workflow ID.
func (s *ExecutionStore) GetCurrent(ctx context.Context, namespaceID, workflowID string) (*model.WorkflowExecution, error) {
	e, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions
		 WHERE namespace_id = $1 AND workflow_id = $2
		 ORDER BY started_at DESC
		 LIMIT 1`,
		namespaceID, workflowID))
	if err != nil {
		return nil, storeErr("get current execution", err)
	}
	return &e, nil
}

// Update applies exec's mutable fields if the persisted version still equals
// expectedVersion. On success exec.Version becomes expectedVersion+1. The
// losing writer in a race gets ConcurrencyConflict and effects no change.
func (s *ExecutionStore) Update(ctx context.Context, exec *model.WorkflowExecution, expectedVersion int64) error {
	return updateExecution(ctx, s.db, exec, expectedVersion)
}

func updateExecution(ctx context.Context, db DB, exec *model.WorkflowExecution, expectedVersion int64) error {
	tag, err := db.Exec(ctx,
		`UPDATE workflow_executions
		 SET workflow_state = $4, execution_state = $5, next_event_id = $6,
		     last_processed_event_id = $7, completion_event_id = $8, memo = $9,
		     search_attributes = $10, auto_reset_points = $11, completed_at = $12,
		     last_updated_at = now(), version = $13 + 1
		 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3 AND version = $13`,
		exec.NamespaceID, exec.WorkflowID, exec.RunID,
		exec.State, exec.ExecutionState, exec.NextEventID,
		exec.LastProcessedEventID, exec.CompletionEventID, exec.Memo,
		exec.SearchAttributes, exec.AutoResetPoints, exec.CompletedAt,
		expectedVersion,
	)
	if err != nil {
		return storeErr("update execution", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(ctx, db, exec.NamespaceID, exec.WorkflowID, exec.RunID, expectedVersion)
	}
	exec.Version = expectedVersion + 1
	exec.LastUpdatedAt = time.Now().UTC()
	return nil
}

// UpdateWithEvents appends the batch to the execution's log and applies the
// optimistic update in one transaction, so the log tail and next_event_id
// advance together or not at all.
func (s *ExecutionStore) UpdateWithEvents(ctx context.Context, exec *model.WorkflowExecution, expectedVersion int64, events []model.HistoryEvent) error {
	if len(events) == 0 {
		return updateExecution(ctx, s.db, exec, expectedVersion)
	}
	return inTx(ctx, s.db, "update execution with events", func(tx pgx.Tx) error {
		if err := appendEventsTx(ctx, tx, exec.NamespaceID, exec.WorkflowID, exec.RunID, events); err != nil {
			return err
		}
		return updateExecution(ctx, tx, exec, expectedVersion)
	})
}

// ContinueAsNew hands a workflow ID over to its successor run in one
// transaction: the old run's ContinuedAsNew event and terminal update, the
// new row and its started event. A failure anywhere rolls the whole handoff
// back, so the old run stays current and no successor row survives.
func (s *ExecutionStore) ContinueAsNew(ctx context.Context, old *model.WorkflowExecution, expectedVersion int64, closing model.HistoryEvent, next *model.WorkflowExecution, started model.HistoryEvent) error {
	return inTx(ctx, s.db, "continue as new", func(tx pgx.Tx) error {
		if err := appendEventsTx(ctx, tx, old.NamespaceID, old.WorkflowID, old.RunID, []model.HistoryEvent{closing}); err != nil {
			return err
		}
		if err := updateExecution(ctx, tx, old, expectedVersion); err != nil {
			return err
		}
		if err := createExecution(ctx, tx, next); err != nil {
			return err
		}
		return appendEventsTx(ctx, tx, next.NamespaceID, next.WorkflowID, next.RunID, []model.HistoryEvent{started})
	})
}

// UpdateWithNextEventID advances only next_event_id under the same
// optimistic-concurrency discipline as Update.
func (s *ExecutionStore) UpdateWithNextEventID(ctx context.Context, namespaceID, workflowID, runID string, expectedVersion, nextEventID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_executions
		 SET next_event_id = $4, last_updated_at = now(), version = $5 + 1
		 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3 AND version = $5`,
		namespaceID, workflowID, runID, nextEventID, expectedVersion,
	)
	if err != nil {
		return storeErr("update execution next event id", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(ctx, s.db, namespaceID, workflowID, runID, expectedVersion)
	}
	return nil
}

// versionConflict decides whether a zero-row conditional update means the
// execution is gone or the caller raced another writer.
func versionConflict(ctx context.Context, db DB, namespaceID, workflowID, runID string, expectedVersion int64) error {
	var current int64
	err := db.QueryRow(ctx,
		`SELECT version FROM workflow_executions
		 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
		namespaceID, workflowID, runID,
	).Scan(&current)
	if err != nil {
		return storeErr("get execution version", err)
	}
	return errkind.Newf(errkind.ConcurrencyConflict,
		"execution %s/%s version is %d, expected %d", workflowID, runID, current, expectedVersion)
}

func (s *ExecutionStore) List(ctx context.Context, namespaceID string, state *string, pageSize int, pageToken string) ([]model.WorkflowExecution, string, error) {
	offset, err := DecodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	pageSize = clampPageSize(pageSize, 100, 500)

	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE namespace_id = $1`
	args := []any{namespaceID}
	argIdx := 2
	if state != nil {
		query += fmt.Sprintf(` AND workflow_state = $%d`, argIdx)
		args = append(args, *state)
		argIdx++
	}
	query += ` ORDER BY started_at DESC, workflow_id, run_id`
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, pageSize+1, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", storeErr("list executions", err)
	}
	defer rows.Close()

	var execs []model.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, "", storeErr("scan execution", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", storeErr("iterate executions", err)
	}

	nextToken := ""
	if len(execs) > pageSize {
		execs = execs[:pageSize]
		nextToken = EncodePageToken(offset + pageSize)
	}
	return execs, nextToken, nil
}

// Terminate force-closes a running execution. The row is locked for the
// duration of the transaction so concurrent updates serialize behind it.
func (s *ExecutionStore) Terminate(ctx context.Context, namespaceID, workflowID, runID, reason string) (*model.WorkflowExecution, error) {
	var terminated model.WorkflowExecution
	err := inTx(ctx, s.db, "terminate execution", func(tx pgx.Tx) error {
		var state string
		var version, nextEventID int64
		err := tx.QueryRow(ctx,
			`SELECT workflow_state, version, next_event_id FROM workflow_executions
			 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
			 FOR UPDATE`,
			namespaceID, workflowID, runID,
		).Scan(&state, &version, &nextEventID)
		if err != nil {
			return storeErr("lock execution", err)
		}
		if model.IsTerminalState(state) {
			return errkind.Newf(errkind.InvalidWorkflowState,
				"execution %s/%s is already %s", workflowID, runID, state)
		}

		terminated, err = scanExecution(tx.QueryRow(ctx,
			`UPDATE workflow_executions
			 SET workflow_state = $4, completed_at = now(),
			     completion_event_id = next_event_id,
			     last_updated_at = now(), version = version + 1
			 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
			 RETURNING `+executionColumns,
			namespaceID, workflowID, runID, model.StateTerminated))
		if err != nil {
			return storeErr("terminate execution", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &terminated, nil
}
