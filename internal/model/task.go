package model

import (
	"encoding/json"
	"time"
)

// Task queue types.
const (
	TaskQueueTypeWorkflow = "Workflow"
	TaskQueueTypeActivity = "Activity"
)

type TaskQueueItem struct {
	NamespaceID   string          `json:"namespace_id" db:"namespace_id"`
	TaskQueueName string          `json:"task_queue_name" db:"task_queue_name"`
	TaskQueueType string          `json:"task_queue_type" db:"task_queue_type"`
	TaskID        int64           `json:"task_id" db:"task_id"`
	WorkflowID    string          `json:"workflow_id" db:"workflow_id"`
	RunID         string          `json:"run_id" db:"run_id"`
	ScheduledAt   time.Time       `json:"scheduled_at" db:"scheduled_at"`
	ExpiryAt      *time.Time      `json:"expiry_at,omitempty" db:"expiry_at"`
	TaskData      json.RawMessage `json:"task_data,omitempty" db:"task_data"`
	PartitionHash int             `json:"partition_hash" db:"partition_hash"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TaskLease grants one worker exclusive, time-bounded delivery of a task.
// At most one unexpired lease exists per task.
type TaskLease struct {
	LeaseID        string    `json:"lease_id" db:"lease_id"`
	NamespaceID    string    `json:"namespace_id" db:"namespace_id"`
	TaskQueueName  string    `json:"task_queue_name" db:"task_queue_name"`
	TaskQueueType  string    `json:"task_queue_type" db:"task_queue_type"`
	TaskID         int64     `json:"task_id" db:"task_id"`
	WorkerIdentity string    `json:"worker_identity" db:"worker_identity"`
	LeasedAt       time.Time `json:"leased_at" db:"leased_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at" db:"lease_expires_at"`
	HeartbeatAt    time.Time `json:"heartbeat_at" db:"heartbeat_at"`
	AttemptCount   int       `json:"attempt_count" db:"attempt_count"`
}

// QueueStats is a point-in-time snapshot of one task queue.
type QueueStats struct {
	QueueName    string `json:"queue_name"`
	PendingTasks int64  `json:"pending_tasks"`
	ActiveLeases int64  `json:"active_leases"`
}
