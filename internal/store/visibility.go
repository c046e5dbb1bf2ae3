package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
)

// VisibilityStore persists the eventually consistent execution projection.
// The workflow_executions table stays authoritative; every successful
// execution mutation writes through here.
type VisibilityStore struct {
	db DB
}

func NewVisibilityStore(db DB) *VisibilityStore {
	return &VisibilityStore{db: db}
}

// ListFilter is the normalized form of a visibility query: exact-match
// conjuncts on projection columns plus an optional free-text term.
type ListFilter struct {
	// Equals maps projection column names (workflow_type, workflow_id,
	// status, task_queue) to required values.
	Equals map[string]string
	// FreeText matches workflow_id, workflow_type, status or task_queue.
	FreeText string
}

var filterColumns = map[string]bool{
	"workflow_type": true,
	"workflow_id":   true,
	"status":        true,
	"task_queue":    true,
}

const visibilityColumns = `namespace_id, workflow_id, run_id, workflow_type, task_queue,
	status, start_time, close_time, history_length, memo, search_attributes,
	parent_workflow_id, parent_run_id, updated_at`

func scanVisibility(row interface{ Scan(dest ...any) error }) (model.VisibilityRecord, error) {
	var v model.VisibilityRecord
	err := row.Scan(&v.NamespaceID, &v.WorkflowID, &v.RunID, &v.WorkflowType, &v.TaskQueue,
		&v.Status, &v.StartTime, &v.CloseTime, &v.HistoryLength, &v.Memo,
		&v.SearchAttributes, &v.ParentWorkflowID, &v.ParentRunID, &v.UpdatedAt)
	return v, err
}

func (s *VisibilityStore) Upsert(ctx context.Context, rec *model.VisibilityRecord) error {
	if rec.NamespaceID == "" || rec.WorkflowID == "" || rec.RunID == "" {
		return errkind.New(errkind.InvalidRequest, "visibility record key is incomplete")
	}
	rec.UpdatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx,
		`INSERT INTO visibility_records (`+visibilityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (namespace_id, workflow_id, run_id) DO UPDATE
		 SET workflow_type = EXCLUDED.workflow_type,
		     task_queue = EXCLUDED.task_queue,
		     status = EXCLUDED.status,
		     start_time = EXCLUDED.start_time,
		     close_time = EXCLUDED.close_time,
		     history_length = EXCLUDED.history_length,
		     memo = EXCLUDED.memo,
		     search_attributes = EXCLUDED.search_attributes,
		     parent_workflow_id = EXCLUDED.parent_workflow_id,
		     parent_run_id = EXCLUDED.parent_run_id,
		     updated_at = EXCLUDED.updated_at`,
		rec.NamespaceID, rec.WorkflowID, rec.RunID, rec.WorkflowType, rec.TaskQueue,
		rec.Status, rec.StartTime, rec.CloseTime, rec.HistoryLength, rec.Memo,
		rec.SearchAttributes, rec.ParentWorkflowID, rec.ParentRunID, rec.UpdatedAt,
	)
	if err != nil {
		return storeErr("upsert visibility record", err)
	}
	return nil
}

// buildFilter renders filter into WHERE clauses appended after the namespace
// predicate. Unknown filter columns are rejected up front.
func buildFilter(filter ListFilter, args []any) (string, []any, error) {
	clause := ""
	for _, col := range sortedKeys(filter.Equals) {
		if !filterColumns[col] {
			return "", nil, errkind.Newf(errkind.InvalidRequest, "unknown filter column %q", col)
		}
		clause += fmt.Sprintf(` AND %s = $%d`, col, len(args)+1)
		args = append(args, filter.Equals[col])
	}
	if filter.FreeText != "" {
		pattern := "%" + filter.FreeText + "%"
		clause += fmt.Sprintf(
			` AND (workflow_id ILIKE $%d OR workflow_type ILIKE $%d OR status ILIKE $%d OR task_queue ILIKE $%d)`,
			len(args)+1, len(args)+1, len(args)+1, len(args)+1)
		args = append(args, pattern)
	}
	return clause, args, nil
}

func (s *VisibilityStore) List(ctx context.Context, namespaceID string, filter ListFilter, pageSize int, pageToken string) ([]model.VisibilityRecord, string, error) {
	offset, err := DecodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	pageSize = clampPageSize(pageSize, 100, 500)

	args := []any{namespaceID}
	clause, args, err := buildFilter(filter, args)
	if err != nil {
		return nil, "", err
	}
	query := `SELECT ` + visibilityColumns + ` FROM visibility_records WHERE namespace_id = $1` +
		clause +
		fmt.Sprintf(` ORDER BY start_time DESC, workflow_id, run_id LIMIT $%d OFFSET $%d`,
			len(args)+1, len(args)+2)
	args = append(args, pageSize+1, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", storeErr("list visibility records", err)
	}
	defer rows.Close()

	records, err := collectVisibility(rows)
	if err != nil {
		return nil, "", err
	}

	nextToken := ""
	if len(records) > pageSize {
		records = records[:pageSize]
		nextToken = EncodePageToken(offset + pageSize)
	}
	return records, nextToken, nil
}

func (s *VisibilityStore) Count(ctx context.Context, namespaceID string, filter ListFilter) (int64, error) {
	args := []any{namespaceID}
	clause, args, err := buildFilter(filter, args)
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM visibility_records WHERE namespace_id = $1`+clause,
		args...,
	).Scan(&count)
	if err != nil {
		return 0, storeErr("count visibility records", err)
	}
	return count, nil
}

// UpdateTags replaces the tag set of one execution.
func (s *VisibilityStore) UpdateTags(ctx context.Context, namespaceID, workflowID, runID string, tags map[string]string) error {
	return inTx(ctx, s.db, "update tags", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM workflow_tags
			 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
			namespaceID, workflowID, runID)
		if err != nil {
			return storeErr("clear tags", err)
		}
		for _, key := range sortedKeys(tags) {
			_, err := tx.Exec(ctx,
				`INSERT INTO workflow_tags (namespace_id, workflow_id, run_id, tag_key, tag_value)
				 VALUES ($1, $2, $3, $4, $5)`,
				namespaceID, workflowID, runID, key, tags[key])
			if err != nil {
				return storeErr("insert tag", err)
			}
		}
		return nil
	})
}

// SearchByTags returns records matching the given tags: all of them when
// matchAll is set, any of them otherwise.
func (s *VisibilityStore) SearchByTags(ctx context.Context, namespaceID string, tags map[string]string, matchAll bool, pageSize int, pageToken string) ([]model.VisibilityRecord, string, error) {
	if len(tags) == 0 {
		return nil, "", errkind.New(errkind.InvalidRequest, "at least one tag is required")
	}
	offset, err := DecodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	pageSize = clampPageSize(pageSize, 100, 500)

	args := []any{namespaceID}
	pairs := ""
	for _, key := range sortedKeys(tags) {
		if pairs != "" {
			pairs += ", "
		}
		pairs += fmt.Sprintf("($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, key, tags[key])
	}

	query := `SELECT ` + visibilityColumns + ` FROM visibility_records v
		 WHERE v.namespace_id = $1 AND (
		     SELECT COUNT(*) FROM workflow_tags t
		     WHERE t.namespace_id = v.namespace_id
		       AND t.workflow_id = v.workflow_id
		       AND t.run_id = v.run_id
		       AND (t.tag_key, t.tag_value) IN (` + pairs + `)
		 ) >= $` + fmt.Sprint(len(args)+1)
	if matchAll {
		args = append(args, len(tags))
	} else {
		args = append(args, 1)
	}
	query += fmt.Sprintf(` ORDER BY v.start_time DESC, v.workflow_id, v.run_id LIMIT $%d OFFSET $%d`,
		len(args)+1, len(args)+2)
	args = append(args, pageSize+1, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", storeErr("search by tags", err)
	}
	defer rows.Close()

	records, err := collectVisibility(rows)
	if err != nil {
		return nil, "", err
	}

	nextToken := ""
	if len(records) > pageSize {
		records = records[:pageSize]
		nextToken = EncodePageToken(offset + pageSize)
	}
	return records, nextToken, nil
}

// ArchiveOlderThan removes projections of executions closed before threshold.
func (s *VisibilityStore) ArchiveOlderThan(ctx context.Context, namespaceID string, threshold time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM visibility_records
		 WHERE namespace_id = $1 AND close_time IS NOT NULL AND close_time < $2`,
		namespaceID, threshold)
	if err != nil {
		return 0, storeErr("archive visibility records", err)
	}
	return tag.RowsAffected(), nil
}

func (s *VisibilityStore) Delete(ctx context.Context, namespaceID, workflowID, runID string) error {
	return inTx(ctx, s.db, "delete visibility record", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM workflow_tags
			 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
			namespaceID, workflowID, runID)
		if err != nil {
			return storeErr("delete tags", err)
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM visibility_records
			 WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
			namespaceID, workflowID, runID)
		if err != nil {
			return storeErr("delete visibility record", err)
		}
		return nil
	})
}

func collectVisibility(rows pgx.Rows) ([]model.VisibilityRecord, error) {
	var records []model.VisibilityRecord
	for rows.Next() {
		v, err := scanVisibility(rows)
		if err != nil {
			return nil, storeErr("scan visibility record", err)
		}
		records = append(records, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate visibility records", err)
	}
	return records, nil
}
