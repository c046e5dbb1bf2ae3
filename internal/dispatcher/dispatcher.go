// Package dispatcher is the worker-facing pipeline: it polls the matching
// service, replays history into a deterministic runtime scope, invokes the
// registered workflow and hands the resulting decisions back to the history
// service before settling the task lease.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/history"
	"github.com/edvin/orchestrator/internal/metrics"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/runtime"
)

// Matcher is the matching-service surface a worker needs.
type Matcher interface {
	PollTask(ctx context.Context, namespaceID, queueName, queueType, worker string, timeout time.Duration) (*model.TaskQueueItem, *model.TaskLease, error)
	HeartbeatTask(ctx context.Context, leaseID string) error
	CompleteTask(ctx context.Context, leaseID string) error
	FailTask(ctx context.Context, leaseID, reason string, requeue bool) error
}

// HistoryClient is the history-service surface a worker needs.
type HistoryClient interface {
	GetHistory(ctx context.Context, namespaceID, workflowID, runID string, fromEventID int64, maxEvents int) ([]model.HistoryEvent, int64, error)
	SubmitTaskResult(ctx context.Context, result history.TaskResult) error
	ContinueAsNew(ctx context.Context, namespaceID, workflowID, runID string, input json.RawMessage) (*model.WorkflowExecution, error)
}

// ExecutionReader loads the execution snapshot a task refers to.
type ExecutionReader interface {
	Get(ctx context.Context, namespaceID, workflowID, runID string) (*model.WorkflowExecution, error)
}

// Config sizes one dispatcher instance.
type Config struct {
	NamespaceID    string
	TaskQueue      string
	WorkerIdentity string
	Concurrency    int
	PollTimeout    time.Duration
	// HeartbeatInterval must stay well below the lease duration.
	HeartbeatInterval time.Duration
}

type Dispatcher struct {
	matcher    Matcher
	histories  HistoryClient
	executions ExecutionReader
	registry   *Registry
	cfg        Config
	logger     zerolog.Logger
}

func New(matcher Matcher, histories HistoryClient, executions ExecutionReader,
	registry *Registry, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	return &Dispatcher{
		matcher:    matcher,
		histories:  histories,
		executions: executions,
		registry:   registry,
		cfg:        cfg,
		logger: logger.With().
			Str("component", "dispatcher").
			Str("task_queue", cfg.TaskQueue).
			Str("worker", cfg.WorkerIdentity).
			Logger(),
	}
}

// Run polls and executes tasks until ctx is canceled, with cfg.Concurrency
// independent poll loops.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Concurrency; i++ {
		g.Go(func() error {
			return d.pollLoop(ctx)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, lease, err := d.matcher.PollTask(ctx, d.cfg.NamespaceID, d.cfg.TaskQueue,
			model.TaskQueueTypeWorkflow, d.cfg.WorkerIdentity, d.cfg.PollTimeout)
		if err != nil {
			if errkind.KindOf(err) == errkind.Canceled {
				return nil
			}
			d.logger.Error().Err(err).Msg("poll failed")
			continue
		}
		if task == nil {
			continue
		}
		d.processTask(ctx, task, lease)
	}
}

// processTask drives one leased task to completion or failure. Infrastructure
// failures requeue the task for another attempt; deterministic failures do
// not, leaving the event log intact for investigation.
func (d *Dispatcher) processTask(ctx context.Context, task *model.TaskQueueItem, lease *model.TaskLease) {
	logger := d.logger.With().
		Str("workflow_id", task.WorkflowID).
		Str("run_id", task.RunID).
		Int64("task_id", task.TaskID).
		Logger()

	stopHeartbeat := d.startHeartbeater(ctx, lease.LeaseID, logger)
	defer stopHeartbeat()

	err := d.executeTask(ctx, task, lease)
	if err == nil {
		if err := d.matcher.CompleteTask(ctx, lease.LeaseID); err != nil {
			logger.Error().Err(err).Msg("failed to complete task")
		}
		metrics.TasksDispatched.WithLabelValues(task.TaskQueueName, "completed").Inc()
		return
	}

	requeue := isTransient(err)
	if failErr := d.matcher.FailTask(ctx, lease.LeaseID, err.Error(), requeue); failErr != nil {
		logger.Error().Err(failErr).Msg("failed to fail task")
	}
	outcome := "dropped"
	if requeue {
		outcome = "requeued"
	}
	metrics.TasksDispatched.WithLabelValues(task.TaskQueueName, outcome).Inc()
	logger.Warn().Err(err).Bool("requeue", requeue).Msg("task failed")
}

func (d *Dispatcher) executeTask(ctx context.Context, task *model.TaskQueueItem, lease *model.TaskLease) error {
	exec, err := d.executions.Get(ctx, task.NamespaceID, task.WorkflowID, task.RunID)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		// A task can outlive its run (terminate races, redelivery); nothing
		// left to do.
		return nil
	}

	wf, ok := d.registry.Resolve(exec.WorkflowType)
	if !ok {
		return errkind.Newf(errkind.WorkflowNotRegistered,
			"workflow type %q is not registered on queue %s", exec.WorkflowType, d.cfg.TaskQueue)
	}

	events, err := d.loadHistory(ctx, exec)
	if err != nil {
		return err
	}
	input, startedAt, err := startedFacts(events)
	if err != nil {
		return err
	}

	effects := runtime.NewEffectStore()
	if err := effects.SeedFromHistory(events); err != nil {
		return err
	}

	wctx := runtime.NewContext(runtime.ContextParams{
		Namespace:   exec.NamespaceID,
		WorkflowID:  exec.WorkflowID,
		RunID:       exec.RunID,
		TaskQueue:   exec.TaskQueue,
		StartedAt:   startedAt,
		ReplayCount: lease.AttemptCount - 1,
		Metadata:    map[string]string{"worker": d.cfg.WorkerIdentity},
		Clock:       runtime.FixedTime(lastEventTime(events, startedAt)),
		Effects:     effects,
	})

	output, wfErr := wf(wctx, input)
	return d.settle(ctx, exec, effects, output, wfErr)
}

// settle turns the workflow outcome into history decisions: new effect
// markers first, then the closing event when the run ended.
func (d *Dispatcher) settle(ctx context.Context, exec *model.WorkflowExecution,
	effects *runtime.EffectStore, output json.RawMessage, wfErr error) error {

	decided, nextEventID, err := markerEvents(exec, effects)
	if err != nil {
		return err
	}

	var contErr *runtime.ContinueAsNewError
	switch {
	case wfErr == nil:
		data, err := json.Marshal(struct {
			Result json.RawMessage `json:"result,omitempty"`
		}{Result: output})
		if err != nil {
			return errkind.Wrap(errkind.InvalidRequest, "encode completion event", err)
		}
		decided = append(decided, closingEvent(exec, nextEventID, model.EventWorkflowExecutionCompleted, data))
		exec.State = model.StateCompleted
		exec.NextEventID = nextEventID + 1

	case errors.As(wfErr, &contErr):
		// Persist any new markers under the old run, then let the history
		// service do the terminal transition and open the continuation.
		if len(decided) > 0 {
			exec.NextEventID = nextEventID
			if err := d.histories.SubmitTaskResult(ctx, history.TaskResult{
				Events: decided, Execution: exec, ExpectedVersion: exec.Version,
			}); err != nil {
				return err
			}
			exec.Version++
		}
		_, err := d.histories.ContinueAsNew(ctx, exec.NamespaceID, exec.WorkflowID, exec.RunID, contErr.Input)
		return err

	case errors.Is(wfErr, runtime.ErrVersionMismatch):
		return errkind.Wrap(errkind.WorkflowFailed, "version gate rejected persisted version", wfErr)

	case isTransient(wfErr):
		return wfErr

	default:
		data, err := json.Marshal(struct {
			Reason string `json:"reason"`
		}{Reason: wfErr.Error()})
		if err != nil {
			return errkind.Wrap(errkind.InvalidRequest, "encode failure event", err)
		}
		decided = append(decided, closingEvent(exec, nextEventID, model.EventWorkflowExecutionFailed, data))
		exec.State = model.StateFailed
		exec.NextEventID = nextEventID + 1
	}

	return d.histories.SubmitTaskResult(ctx, history.TaskResult{
		Events:          decided,
		Execution:       exec,
		ExpectedVersion: exec.Version,
	})
}

func (d *Dispatcher) loadHistory(ctx context.Context, exec *model.WorkflowExecution) ([]model.HistoryEvent, error) {
	var events []model.HistoryEvent
	from := int64(1)
	for {
		page, next, err := d.histories.GetHistory(ctx, exec.NamespaceID, exec.WorkflowID, exec.RunID, from, 1000)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if next == 0 {
			return events, nil
		}
		from = next
	}
}

// startHeartbeater extends the lease in the background while the workflow
// runs. An expired lease stops the loop; the submit path will fail and the
// task is redelivered to whoever holds the next lease.
func (d *Dispatcher) startHeartbeater(ctx context.Context, leaseID string, logger zerolog.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.matcher.HeartbeatTask(ctx, leaseID); err != nil {
					logger.Warn().Err(err).Str("lease_id", leaseID).Msg("lease heartbeat failed")
					if errkind.KindOf(err) == errkind.TaskLeaseExpired {
						return
					}
				}
			}
		}
	}()
	return func() { close(done) }
}

// isTransient reports whether the failure is worth another delivery attempt.
func isTransient(err error) bool {
	switch errkind.KindOf(err) {
	case errkind.Persistence, errkind.ShardUnavailable, errkind.ConcurrencyConflict,
		errkind.Canceled, errkind.TaskLeaseExpired:
		return true
	}
	return false
}

// startedFacts extracts the run input and start time from event 1.
func startedFacts(events []model.HistoryEvent) (json.RawMessage, time.Time, error) {
	if len(events) == 0 || events[0].EventType != model.EventWorkflowExecutionStarted {
		return nil, time.Time{}, errkind.New(errkind.HistoryEvent, "history does not begin with a started event")
	}
	var data struct {
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(events[0].EventData, &data); err != nil {
		return nil, time.Time{}, errkind.Wrap(errkind.HistoryEvent, "decode started event", err)
	}
	return data.Input, events[0].EventTimestamp, nil
}

func lastEventTime(events []model.HistoryEvent, fallback time.Time) time.Time {
	if len(events) == 0 {
		return fallback
	}
	return events[len(events)-1].EventTimestamp
}

// markerEvents turns newly captured effects into MarkerRecorded events
// starting at the execution's next event ID.
func markerEvents(exec *model.WorkflowExecution, effects *runtime.EffectStore) ([]model.HistoryEvent, int64, error) {
	nextEventID := exec.NextEventID
	var decided []model.HistoryEvent
	for _, rec := range effects.PendingMarkers() {
		data, err := runtime.MarkerEventData(rec)
		if err != nil {
			return nil, 0, err
		}
		decided = append(decided, closingEvent(exec, nextEventID, model.EventMarkerRecorded, data))
		nextEventID++
	}
	return decided, nextEventID, nil
}

func closingEvent(exec *model.WorkflowExecution, eventID int64, eventType string, data json.RawMessage) model.HistoryEvent {
	return model.HistoryEvent{
		NamespaceID: exec.NamespaceID,
		WorkflowID:  exec.WorkflowID,
		RunID:       exec.RunID,
		EventID:     eventID,
		EventType:   eventType,
		TaskID:      eventID,
		EventData:   data,
	}
}
