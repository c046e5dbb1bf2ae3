package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/platform"
)

type signalEventData struct {
	SignalName string          `json:"signal_name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type terminatedEventData struct {
	Reason string `json:"reason,omitempty"`
}

type continuedAsNewEventData struct {
	NewRunID string          `json:"new_run_id"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// resolveRun loads the target execution, by run ID when given, otherwise the
// current run, and checks shard ownership.
func (s *Service) resolveRun(ctx context.Context, namespaceID, workflowID, runID string) (*model.WorkflowExecution, error) {
	if err := s.shards.RequireOwnership(s.shards.ShardFor(workflowID)); err != nil {
		return nil, err
	}
	if runID != "" {
		return s.executions.Get(ctx, namespaceID, workflowID, runID)
	}
	return s.executions.GetCurrent(ctx, namespaceID, workflowID)
}

// SignalWorkflow delivers an external signal: one WorkflowExecutionSignaled
// event plus a workflow task so a worker picks the run up again. The event
// and the next_event_id advance commit in one transaction. Signals to closed
// runs are rejected.
func (s *Service) SignalWorkflow(ctx context.Context, namespaceID, workflowID, runID, signalName string, input json.RawMessage) error {
	if signalName == "" {
		return errkind.New(errkind.InvalidRequest, "signal name is required")
	}
	exec, err := s.resolveRun(ctx, namespaceID, workflowID, runID)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		return errkind.Newf(errkind.InvalidWorkflowState,
			"cannot signal %s/%s: execution is %s", workflowID, exec.RunID, exec.State)
	}

	data, err := json.Marshal(signalEventData{SignalName: signalName, Input: input})
	if err != nil {
		return errkind.Wrap(errkind.InvalidRequest, "encode signal event", err)
	}
	eventID := exec.NextEventID
	event := model.HistoryEvent{
		NamespaceID: exec.NamespaceID,
		WorkflowID:  exec.WorkflowID,
		RunID:       exec.RunID,
		EventID:     eventID,
		EventType:   model.EventWorkflowExecutionSignaled,
		TaskID:      eventID,
		EventData:   data,
	}
	exec.NextEventID = eventID + 1
	if err := s.executions.UpdateWithEvents(ctx, exec, exec.Version, []model.HistoryEvent{event}); err != nil {
		return err
	}
	if err := s.enqueueWorkflowTask(ctx, exec, eventID); err != nil {
		return err
	}

	s.logger.Info().
		Str("workflow_id", workflowID).
		Str("run_id", exec.RunID).
		Str("signal", signalName).
		Msg("workflow signaled")
	return nil
}

// TerminateWorkflow force-closes a run: terminal state transition, a
// WorkflowExecutionTerminated event and the closing visibility upsert.
func (s *Service) TerminateWorkflow(ctx context.Context, namespaceID, workflowID, runID, reason string) (*model.WorkflowExecution, error) {
	exec, err := s.resolveRun(ctx, namespaceID, workflowID, runID)
	if err != nil {
		return nil, err
	}

	terminated, err := s.executions.Terminate(ctx, exec.NamespaceID, exec.WorkflowID, exec.RunID, reason)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(terminatedEventData{Reason: reason})
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encode terminated event", err)
	}
	eventID := terminated.NextEventID
	err = s.events.AppendEvents(ctx, terminated.NamespaceID, terminated.WorkflowID, terminated.RunID,
		[]model.HistoryEvent{{
			NamespaceID: terminated.NamespaceID,
			WorkflowID:  terminated.WorkflowID,
			RunID:       terminated.RunID,
			EventID:     eventID,
			EventType:   model.EventWorkflowExecutionTerminated,
			TaskID:      eventID,
			EventData:   data,
		}})
	if err != nil {
		// The run is already closed; a missing terminated event is tolerable
		// and the log stays gap-free.
		s.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to append terminated event")
	} else {
		if err := s.executions.UpdateWithNextEventID(ctx, terminated.NamespaceID, terminated.WorkflowID,
			terminated.RunID, terminated.Version, eventID+1); err != nil {
			s.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to advance next event id")
		} else {
			terminated.Version++
			terminated.NextEventID = eventID + 1
		}
	}

	if err := s.visibility.Upsert(ctx, projectExecution(terminated)); err != nil {
		s.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("visibility upsert failed")
	}

	s.logger.Info().
		Str("workflow_id", workflowID).
		Str("run_id", terminated.RunID).
		Str("reason", reason).
		Msg("workflow terminated")
	return terminated, nil
}

// ContinueAsNew closes the current run with ContinuedAsNew and starts a fresh
// run under the same workflow ID. The new run's started event records the
// previous run so replays can follow the chain.
func (s *Service) ContinueAsNew(ctx context.Context, namespaceID, workflowID, runID string, input json.RawMessage) (*model.WorkflowExecution, error) {
	exec, err := s.resolveRun(ctx, namespaceID, workflowID, runID)
	if err != nil {
		return nil, err
	}
	if exec.IsTerminal() {
		return nil, errkind.Newf(errkind.InvalidWorkflowState,
			"cannot continue %s/%s: execution is %s", workflowID, exec.RunID, exec.State)
	}

	next := &model.WorkflowExecution{
		NamespaceID:         exec.NamespaceID,
		WorkflowID:          exec.WorkflowID,
		RunID:               platform.NewID(),
		WorkflowType:        exec.WorkflowType,
		TaskQueue:           exec.TaskQueue,
		State:               model.StateRunning,
		NextEventID:         2,
		WorkflowTimeoutSecs: exec.WorkflowTimeoutSecs,
		RunTimeoutSecs:      exec.RunTimeoutSecs,
		TaskTimeoutSecs:     exec.TaskTimeoutSecs,
		Memo:                exec.Memo,
		SearchAttributes:    exec.SearchAttributes,
		ShardID:             exec.ShardID,
		Version:             1,
	}

	data, err := json.Marshal(continuedAsNewEventData{NewRunID: next.RunID, Input: input})
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encode continued-as-new event", err)
	}
	closingEventID := exec.NextEventID
	closing := model.HistoryEvent{
		NamespaceID: exec.NamespaceID,
		WorkflowID:  exec.WorkflowID,
		RunID:       exec.RunID,
		EventID:     closingEventID,
		EventType:   model.EventWorkflowExecutionContinuedAsNew,
		TaskID:      closingEventID,
		EventData:   data,
	}
	started, err := startedEvent(next, input, exec.RunID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec.State = model.StateContinuedAsNew
	exec.CompletedAt = &now
	exec.CompletionEventID = &closingEventID
	exec.NextEventID = closingEventID + 1

	// Closing the old run and creating its successor commit together: a failed
	// handoff rolls back whole and never leaves an orphan Running row behind.
	if err := s.executions.ContinueAsNew(ctx, exec, exec.Version, closing, next, started); err != nil {
		return nil, err
	}
	if err := s.visibility.Upsert(ctx, projectExecution(exec)); err != nil {
		s.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("visibility upsert failed")
	}

	if err := s.enqueueWorkflowTask(ctx, next, 1); err != nil {
		return nil, err
	}
	if err := s.visibility.Upsert(ctx, projectExecution(next)); err != nil {
		s.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("visibility upsert failed")
	}

	s.logger.Info().
		Str("workflow_id", workflowID).
		Str("old_run_id", exec.RunID).
		Str("new_run_id", next.RunID).
		Msg("workflow continued as new")
	return next, nil
}

// TaskResult is what a worker hands back after executing one workflow task:
// the new events it decided on and the resulting execution snapshot.
type TaskResult struct {
	Events          []model.HistoryEvent
	Execution       *model.WorkflowExecution
	ExpectedVersion int64
}

// SubmitTaskResult appends the worker's decisions and advances the execution
// under optimistic concurrency, in one store transaction. Either both land or
// neither does: a conflicting concurrent update rolls the whole batch back.
func (s *Service) SubmitTaskResult(ctx context.Context, result TaskResult) error {
	if result.Execution == nil {
		return errkind.New(errkind.InvalidRequest, "task result execution is required")
	}
	exec := result.Execution
	if err := s.shards.RequireOwnership(s.shards.ShardFor(exec.WorkflowID)); err != nil {
		return err
	}
	return s.applyExecutionUpdate(ctx, exec, result.ExpectedVersion, result.Events)
}
