package model

import (
	"encoding/json"
	"time"
)

// Workflow execution states.
const (
	StateRunning        = "Running"
	StateCompleted      = "Completed"
	StateFailed         = "Failed"
	StateCanceled       = "Canceled"
	StateTerminated     = "Terminated"
	StateContinuedAsNew = "ContinuedAsNew"
	StateTimedOut       = "TimedOut"
)

// IsTerminalState reports whether state ends the current run. ContinuedAsNew
// is terminal for the run; the continuation lives in a fresh run row.
func IsTerminalState(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCanceled, StateTerminated,
		StateContinuedAsNew, StateTimedOut:
		return true
	}
	return false
}

type WorkflowExecution struct {
	NamespaceID          string          `json:"namespace_id" db:"namespace_id"`
	WorkflowID           string          `json:"workflow_id" db:"workflow_id"`
	RunID                string          `json:"run_id" db:"run_id"`
	WorkflowType         string          `json:"workflow_type" db:"workflow_type"`
	TaskQueue            string          `json:"task_queue" db:"task_queue"`
	State                string          `json:"state" db:"workflow_state"`
	ExecutionState       []byte          `json:"execution_state,omitempty" db:"execution_state"`
	NextEventID          int64           `json:"next_event_id" db:"next_event_id"`
	LastProcessedEventID int64           `json:"last_processed_event_id" db:"last_processed_event_id"`
	WorkflowTimeoutSecs  int             `json:"workflow_timeout_seconds" db:"workflow_timeout_seconds"`
	RunTimeoutSecs       int             `json:"run_timeout_seconds" db:"run_timeout_seconds"`
	TaskTimeoutSecs      int             `json:"task_timeout_seconds" db:"task_timeout_seconds"`
	RetryPolicy          json.RawMessage `json:"retry_policy,omitempty" db:"retry_policy"`
	CronSchedule         *string         `json:"cron_schedule,omitempty" db:"cron_schedule"`
	ParentWorkflowID     *string         `json:"parent_workflow_id,omitempty" db:"parent_workflow_id"`
	ParentRunID          *string         `json:"parent_run_id,omitempty" db:"parent_run_id"`
	InitiatedID          *int64          `json:"initiated_id,omitempty" db:"initiated_id"`
	CompletionEventID    *int64          `json:"completion_event_id,omitempty" db:"completion_event_id"`
	Memo                 json.RawMessage `json:"memo,omitempty" db:"memo"`
	SearchAttributes     json.RawMessage `json:"search_attributes,omitempty" db:"search_attributes"`
	AutoResetPoints      json.RawMessage `json:"auto_reset_points,omitempty" db:"auto_reset_points"`
	StartedAt            time.Time       `json:"started_at" db:"started_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	LastUpdatedAt        time.Time       `json:"last_updated_at" db:"last_updated_at"`
	ShardID              int             `json:"shard_id" db:"shard_id"`
	Version              int64           `json:"version" db:"version"`
}

// IsTerminal reports whether the execution has reached a terminal state.
func (e *WorkflowExecution) IsTerminal() bool {
	return IsTerminalState(e.State)
}

// CanTransitionTo validates a state transition: Running may move to any
// terminal state, terminal states accept nothing.
func (e *WorkflowExecution) CanTransitionTo(state string) bool {
	if e.IsTerminal() {
		return false
	}
	if state == StateRunning {
		return e.State == StateRunning
	}
	return IsTerminalState(state)
}
