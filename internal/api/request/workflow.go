package request

import "encoding/json"

type StartWorkflow struct {
	WorkflowID       string          `json:"workflow_id"`
	WorkflowType     string          `json:"workflow_type" validate:"required"`
	TaskQueue        string          `json:"task_queue" validate:"required"`
	Input            json.RawMessage `json:"input"`
	Memo             json.RawMessage `json:"memo"`
	SearchAttributes json.RawMessage `json:"search_attributes"`
	WorkflowTimeout  int             `json:"workflow_timeout_seconds" validate:"gte=0"`
	RunTimeout       int             `json:"run_timeout_seconds" validate:"gte=0"`
	TaskTimeout      int             `json:"task_timeout_seconds" validate:"gte=0"`
}

type SignalWorkflow struct {
	SignalName string          `json:"signal_name" validate:"required"`
	Input      json.RawMessage `json:"input"`
}

type TerminateWorkflow struct {
	Reason string `json:"reason" validate:"max=1024"`
}
