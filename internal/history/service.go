// Package history owns the authoritative record of every workflow run: the
// append-only event log and the mutable execution row beside it. All writes
// are gated on shard ownership, so only one process in the cluster mutates a
// given workflow at a time.
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/platform"
)

// NamespaceStore resolves namespaces for request validation.
type NamespaceStore interface {
	GetByName(ctx context.Context, name string) (*model.Namespace, error)
	GetByID(ctx context.Context, id string) (*model.Namespace, error)
	List(ctx context.Context, pageSize int, pageToken string) ([]model.Namespace, string, error)
}

// ExecutionStore persists mutable execution state.
type ExecutionStore interface {
	Create(ctx context.Context, exec *model.WorkflowExecution) error
	Get(ctx context.Context, namespaceID, workflowID, runID string) (*model.WorkflowExecution, error)
	GetCurrent(ctx context.Context, namespaceID, workflowID string) (*model.WorkflowExecution, error)
	UpdateWithEvents(ctx context.Context, exec *model.WorkflowExecution, expectedVersion int64, events []model.HistoryEvent) error
	UpdateWithNextEventID(ctx context.Context, namespaceID, workflowID, runID string, expectedVersion, nextEventID int64) error
	Terminate(ctx context.Context, namespaceID, workflowID, runID, reason string) (*model.WorkflowExecution, error)
	ContinueAsNew(ctx context.Context, old *model.WorkflowExecution, expectedVersion int64, closing model.HistoryEvent, next *model.WorkflowExecution, started model.HistoryEvent) error
}

// EventStore persists the append-only event log.
type EventStore interface {
	AppendEvents(ctx context.Context, namespaceID, workflowID, runID string, events []model.HistoryEvent) error
	GetHistory(ctx context.Context, namespaceID, workflowID, runID string, fromEventID int64, maxEvents int) ([]model.HistoryEvent, error)
	GetEventCount(ctx context.Context, namespaceID, workflowID, runID string) (int64, error)
	ValidateSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error)
	ArchiveOlderThan(ctx context.Context, namespaceID string, threshold time.Time, batch int) (int64, error)
}

// TaskWriter hands workflow tasks to the matching service.
type TaskWriter interface {
	Enqueue(ctx context.Context, item *model.TaskQueueItem) error
}

// VisibilityWriter receives the write-through projection of every successful
// execution mutation.
type VisibilityWriter interface {
	Upsert(ctx context.Context, rec *model.VisibilityRecord) error
	ArchiveOlderThan(ctx context.Context, namespaceID string, threshold time.Time) (int64, error)
}

// ShardOwner answers whether this process may mutate a given workflow.
type ShardOwner interface {
	ShardFor(workflowID string) int
	RequireOwnership(shardID int) error
}

type Service struct {
	namespaces NamespaceStore
	executions ExecutionStore
	events     EventStore
	tasks      TaskWriter
	visibility VisibilityWriter
	shards     ShardOwner
	logger     zerolog.Logger
}

func NewService(namespaces NamespaceStore, executions ExecutionStore, events EventStore,
	tasks TaskWriter, visibility VisibilityWriter, shards ShardOwner, logger zerolog.Logger) *Service {
	return &Service{
		namespaces: namespaces,
		executions: executions,
		events:     events,
		tasks:      tasks,
		visibility: visibility,
		shards:     shards,
		logger:     logger.With().Str("component", "history").Logger(),
	}
}

// StartWorkflowRequest carries everything needed to begin a new run. Input is
// an opaque payload passed through to the started event.
type StartWorkflowRequest struct {
	Namespace        string
	WorkflowID       string
	WorkflowType     string
	TaskQueue        string
	Input            json.RawMessage
	Memo             json.RawMessage
	SearchAttributes json.RawMessage
	WorkflowTimeout  int
	RunTimeout       int
	TaskTimeout      int
}

// startedEventData is the payload of a WorkflowExecutionStarted event.
type startedEventData struct {
	WorkflowType  string          `json:"workflow_type"`
	TaskQueue     string          `json:"task_queue"`
	Input         json.RawMessage `json:"input,omitempty"`
	PreviousRunID string          `json:"previous_run_id,omitempty"`
	Attempt       int             `json:"attempt"`
}

// StartWorkflow creates a new execution: the row, the first history event and
// the initial workflow task, plus the visibility projection. A running
// execution under the same workflow ID blocks the start.
func (s *Service) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (*model.WorkflowExecution, error) {
	if req.Namespace == "" || req.WorkflowType == "" || req.TaskQueue == "" {
		return nil, errkind.New(errkind.InvalidRequest, "namespace, workflow type and task queue are required")
	}
	ns, err := s.namespaces.GetByName(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	if ns.Status != model.NamespaceStatusActive {
		return nil, errkind.Newf(errkind.InvalidWorkflowState, "namespace %q is %s", ns.Name, ns.Status)
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = platform.NewID()
	}
	shardID := s.shards.ShardFor(workflowID)
	if err := s.shards.RequireOwnership(shardID); err != nil {
		return nil, err
	}

	current, err := s.executions.GetCurrent(ctx, ns.ID, workflowID)
	if err != nil && errkind.KindOf(err) != errkind.NotFound {
		return nil, err
	}
	if current != nil && !current.IsTerminal() {
		return nil, errkind.Newf(errkind.AlreadyExists,
			"workflow %s already has running run %s", workflowID, current.RunID)
	}

	exec := &model.WorkflowExecution{
		NamespaceID:         ns.ID,
		WorkflowID:          workflowID,
		WorkflowType:        req.WorkflowType,
		TaskQueue:           req.TaskQueue,
		State:               model.StateRunning,
		NextEventID:         2,
		WorkflowTimeoutSecs: req.WorkflowTimeout,
		RunTimeoutSecs:      req.RunTimeout,
		TaskTimeoutSecs:     req.TaskTimeout,
		Memo:                req.Memo,
		SearchAttributes:    req.SearchAttributes,
		ShardID:             shardID,
		Version:             1,
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		return nil, err
	}

	if err := s.appendStarted(ctx, exec, req.Input, ""); err != nil {
		return nil, err
	}
	if err := s.enqueueWorkflowTask(ctx, exec, 1); err != nil {
		return nil, err
	}
	if err := s.visibility.Upsert(ctx, projectExecution(exec)); err != nil {
		s.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("visibility upsert failed")
	}

	s.logger.Info().
		Str("namespace", ns.Name).
		Str("workflow_id", workflowID).
		Str("run_id", exec.RunID).
		Str("workflow_type", req.WorkflowType).
		Msg("workflow started")
	return exec, nil
}

func (s *Service) appendStarted(ctx context.Context, exec *model.WorkflowExecution, input json.RawMessage, previousRunID string) error {
	event, err := startedEvent(exec, input, previousRunID)
	if err != nil {
		return err
	}
	return s.events.AppendEvents(ctx, exec.NamespaceID, exec.WorkflowID, exec.RunID,
		[]model.HistoryEvent{event})
}

// startedEvent builds event 1 of a fresh run.
func startedEvent(exec *model.WorkflowExecution, input json.RawMessage, previousRunID string) (model.HistoryEvent, error) {
	data, err := json.Marshal(startedEventData{
		WorkflowType:  exec.WorkflowType,
		TaskQueue:     exec.TaskQueue,
		Input:         input,
		PreviousRunID: previousRunID,
		Attempt:       1,
	})
	if err != nil {
		return model.HistoryEvent{}, errkind.Wrap(errkind.InvalidRequest, "encode started event", err)
	}
	return model.HistoryEvent{
		NamespaceID: exec.NamespaceID,
		WorkflowID:  exec.WorkflowID,
		RunID:       exec.RunID,
		EventID:     1,
		EventType:   model.EventWorkflowExecutionStarted,
		TaskID:      1,
		EventData:   data,
	}, nil
}

func (s *Service) enqueueWorkflowTask(ctx context.Context, exec *model.WorkflowExecution, taskID int64) error {
	err := s.tasks.Enqueue(ctx, &model.TaskQueueItem{
		NamespaceID:   exec.NamespaceID,
		TaskQueueName: exec.TaskQueue,
		TaskQueueType: model.TaskQueueTypeWorkflow,
		TaskID:        taskID,
		WorkflowID:    exec.WorkflowID,
		RunID:         exec.RunID,
		PartitionHash: platform.PartitionHash(exec.TaskQueue, model.DefaultShardCount),
	})
	// Already-enqueued means a concurrent writer got there first; the task
	// will be delivered either way.
	if err != nil && errkind.KindOf(err) != errkind.AlreadyExists {
		return err
	}
	return nil
}

// AppendEvents validates shard ownership, then delegates to the store's
// transactional append. The batch either lands whole or not at all.
func (s *Service) AppendEvents(ctx context.Context, namespaceID, workflowID, runID string, events []model.HistoryEvent) error {
	if err := s.shards.RequireOwnership(s.shards.ShardFor(workflowID)); err != nil {
		return err
	}
	return s.events.AppendEvents(ctx, namespaceID, workflowID, runID, events)
}

// GetHistory pages through a run's log in ascending event order. The second
// return value is the next fromEventID, zero when the log is exhausted.
func (s *Service) GetHistory(ctx context.Context, namespaceID, workflowID, runID string, fromEventID int64, maxEvents int) ([]model.HistoryEvent, int64, error) {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	if maxEvents > 5000 {
		maxEvents = 5000
	}
	events, err := s.events.GetHistory(ctx, namespaceID, workflowID, runID, fromEventID, maxEvents)
	if err != nil {
		return nil, 0, err
	}
	var next int64
	if len(events) == maxEvents {
		next = events[len(events)-1].EventID + 1
	}
	return events, next, nil
}

// ValidateHistory reports false iff the run's event log has a gap.
func (s *Service) ValidateHistory(ctx context.Context, namespaceID, workflowID, runID string) (bool, error) {
	return s.events.ValidateSequence(ctx, namespaceID, workflowID, runID)
}

// UpdateExecution applies a state transition under optimistic concurrency.
// Terminal executions reject further updates; transitions into a terminal
// state fill in completedAt and completionEventId when the caller did not.
func (s *Service) UpdateExecution(ctx context.Context, exec *model.WorkflowExecution, expectedVersion int64) error {
	if err := s.shards.RequireOwnership(s.shards.ShardFor(exec.WorkflowID)); err != nil {
		return err
	}
	return s.applyExecutionUpdate(ctx, exec, expectedVersion, nil)
}

// applyExecutionUpdate validates the transition against the persisted row,
// then writes the update and any decided events in one store transaction.
func (s *Service) applyExecutionUpdate(ctx context.Context, exec *model.WorkflowExecution, expectedVersion int64, events []model.HistoryEvent) error {
	persisted, err := s.executions.Get(ctx, exec.NamespaceID, exec.WorkflowID, exec.RunID)
	if err != nil {
		return err
	}
	if persisted.IsTerminal() {
		return errkind.Newf(errkind.InvalidWorkflowState,
			"execution %s/%s is already %s", exec.WorkflowID, exec.RunID, persisted.State)
	}
	if !persisted.CanTransitionTo(exec.State) {
		return errkind.Newf(errkind.InvalidWorkflowState,
			"cannot transition %s/%s from %s to %s", exec.WorkflowID, exec.RunID, persisted.State, exec.State)
	}

	if model.IsTerminalState(exec.State) {
		if exec.CompletedAt == nil {
			now := time.Now().UTC()
			exec.CompletedAt = &now
		}
		if exec.CompletionEventID == nil {
			id := exec.NextEventID
			exec.CompletionEventID = &id
		}
	}

	if err := s.executions.UpdateWithEvents(ctx, exec, expectedVersion, events); err != nil {
		return err
	}
	if err := s.visibility.Upsert(ctx, projectExecution(exec)); err != nil {
		s.logger.Error().Err(err).Str("workflow_id", exec.WorkflowID).Msg("visibility upsert failed")
	}
	return nil
}

// projectExecution builds the visibility record for an execution snapshot.
func projectExecution(exec *model.WorkflowExecution) *model.VisibilityRecord {
	return &model.VisibilityRecord{
		NamespaceID:      exec.NamespaceID,
		WorkflowID:       exec.WorkflowID,
		RunID:            exec.RunID,
		WorkflowType:     exec.WorkflowType,
		TaskQueue:        exec.TaskQueue,
		Status:           exec.State,
		StartTime:        exec.StartedAt,
		CloseTime:        exec.CompletedAt,
		HistoryLength:    exec.NextEventID - 1,
		Memo:             exec.Memo,
		SearchAttributes: exec.SearchAttributes,
		ParentWorkflowID: exec.ParentWorkflowID,
		ParentRunID:      exec.ParentRunID,
	}
}
