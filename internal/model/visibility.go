package model

import (
	"encoding/json"
	"time"
)

// VisibilityRecord is the eventually consistent projection of an execution
// used for listing and searching. The workflow_executions table stays
// authoritative.
type VisibilityRecord struct {
	NamespaceID      string          `json:"namespace_id" db:"namespace_id"`
	WorkflowID       string          `json:"workflow_id" db:"workflow_id"`
	RunID            string          `json:"run_id" db:"run_id"`
	WorkflowType     string          `json:"workflow_type" db:"workflow_type"`
	TaskQueue        string          `json:"task_queue" db:"task_queue"`
	Status           string          `json:"status" db:"status"`
	StartTime        time.Time       `json:"start_time" db:"start_time"`
	CloseTime        *time.Time      `json:"close_time,omitempty" db:"close_time"`
	HistoryLength    int64           `json:"history_length" db:"history_length"`
	Memo             json.RawMessage `json:"memo,omitempty" db:"memo"`
	SearchAttributes json.RawMessage `json:"search_attributes,omitempty" db:"search_attributes"`
	ParentWorkflowID *string         `json:"parent_workflow_id,omitempty" db:"parent_workflow_id"`
	ParentRunID      *string         `json:"parent_run_id,omitempty" db:"parent_run_id"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}
