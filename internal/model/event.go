package model

import (
	"encoding/json"
	"time"
)

// History event types.
const (
	EventWorkflowExecutionStarted        = "WorkflowExecutionStarted"
	EventWorkflowTaskScheduled           = "WorkflowTaskScheduled"
	EventWorkflowTaskStarted             = "WorkflowTaskStarted"
	EventWorkflowTaskCompleted           = "WorkflowTaskCompleted"
	EventWorkflowTaskFailed              = "WorkflowTaskFailed"
	EventActivityTaskScheduled           = "ActivityTaskScheduled"
	EventActivityTaskCompleted           = "ActivityTaskCompleted"
	EventActivityTaskFailed              = "ActivityTaskFailed"
	EventTimerStarted                    = "TimerStarted"
	EventTimerFired                      = "TimerFired"
	EventWorkflowExecutionSignaled       = "WorkflowExecutionSignaled"
	EventMarkerRecorded                  = "MarkerRecorded"
	EventWorkflowExecutionCompleted      = "WorkflowExecutionCompleted"
	EventWorkflowExecutionFailed         = "WorkflowExecutionFailed"
	EventWorkflowExecutionCanceled       = "WorkflowExecutionCanceled"
	EventWorkflowExecutionTerminated     = "WorkflowExecutionTerminated"
	EventWorkflowExecutionContinuedAsNew = "WorkflowExecutionContinuedAsNew"
	EventWorkflowExecutionTimedOut       = "WorkflowExecutionTimedOut"
)

// HistoryEvent is one immutable, sequentially numbered record in a run's
// event log. Event IDs are dense: 1..N with no gaps.
type HistoryEvent struct {
	NamespaceID    string          `json:"namespace_id" db:"namespace_id"`
	WorkflowID     string          `json:"workflow_id" db:"workflow_id"`
	RunID          string          `json:"run_id" db:"run_id"`
	EventID        int64           `json:"event_id" db:"event_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	EventTimestamp time.Time       `json:"event_timestamp" db:"event_timestamp"`
	TaskID         int64           `json:"task_id" db:"task_id"`
	Version        int64           `json:"version" db:"version"`
	EventData      json.RawMessage `json:"event_data,omitempty" db:"event_data"`
}
