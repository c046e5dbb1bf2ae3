// Package matching delivers tasks to workers. It layers long-polling and
// lease bookkeeping over the persistent task queue store; delivery is
// at-least-once and FIFO per queue by scheduled time.
package matching

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/metrics"
	"github.com/edvin/orchestrator/internal/model"
)

// TaskStore is the persistence surface under the matching service.
type TaskStore interface {
	Enqueue(ctx context.Context, item *model.TaskQueueItem) error
	Poll(ctx context.Context, namespaceID, queueName, queueType, worker string, leaseDuration time.Duration) (*model.TaskQueueItem, *model.TaskLease, error)
	Heartbeat(ctx context.Context, leaseID string, extension time.Duration) error
	Complete(ctx context.Context, leaseID string) error
	Fail(ctx context.Context, leaseID string, requeue bool, backoff time.Duration) error
	Stats(ctx context.Context, namespaceID, queueName, queueType string) (*model.QueueStats, error)
	ListQueues(ctx context.Context, namespaceID *string) (map[string]int64, error)
	ReclaimExpiredLeases(ctx context.Context) (int64, error)
	PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}

const (
	// pollSleepSlice bounds how long a poll loop sleeps between store
	// attempts, so cancellation is never delayed by more than this.
	pollSleepSlice = 250 * time.Millisecond

	// DefaultPollTimeout applies when the caller passes a non-positive
	// long-poll timeout.
	DefaultPollTimeout = 30 * time.Second
)

type Service struct {
	store              TaskStore
	logger             zerolog.Logger
	leaseDuration      time.Duration
	heartbeatExtension time.Duration
	requeueDelay       time.Duration
}

func NewService(store TaskStore, leaseDuration, heartbeatExtension, requeueDelay time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		store:              store,
		logger:             logger.With().Str("component", "matching").Logger(),
		leaseDuration:      leaseDuration,
		heartbeatExtension: heartbeatExtension,
		requeueDelay:       requeueDelay,
	}
}

// EnqueueTask writes one task. A duplicate task ID on the same queue means
// the task is already enqueued and counts as success.
func (s *Service) EnqueueTask(ctx context.Context, item *model.TaskQueueItem) error {
	err := s.store.Enqueue(ctx, item)
	if err != nil {
		if errkind.KindOf(err) == errkind.AlreadyExists {
			return nil
		}
		return err
	}
	s.logger.Debug().
		Str("queue", item.TaskQueueName).
		Int64("task_id", item.TaskID).
		Msg("task enqueued")
	return nil
}

// PollTask long-polls for the next ready task. Returns (nil, nil, nil) when
// the timeout elapses with nothing to deliver; the caller just polls again.
// Context cancellation cuts the wait short with a Canceled error. Store
// errors other than an empty queue are returned immediately.
func (s *Service) PollTask(ctx context.Context, namespaceID, queueName, queueType, worker string, timeout time.Duration) (*model.TaskQueueItem, *model.TaskLease, error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		task, lease, err := s.store.Poll(ctx, namespaceID, queueName, queueType, worker, s.leaseDuration)
		if err == nil {
			s.logger.Debug().
				Str("queue", queueName).
				Int64("task_id", task.TaskID).
				Str("worker", worker).
				Int("attempt", lease.AttemptCount).
				Msg("task leased")
			return task, lease, nil
		}
		if errkind.KindOf(err) != errkind.NotFound {
			return nil, nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil, nil
		}
		sleep := pollSleepSlice
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, nil, errkind.Wrap(errkind.Canceled, "poll task", ctx.Err())
		case <-time.After(sleep):
		}
	}
}

// HeartbeatTask extends a live lease by the configured extension.
func (s *Service) HeartbeatTask(ctx context.Context, leaseID string) error {
	return s.store.Heartbeat(ctx, leaseID, s.heartbeatExtension)
}

// CompleteTask removes the lease and its task.
func (s *Service) CompleteTask(ctx context.Context, leaseID string) error {
	return s.store.Complete(ctx, leaseID)
}

// FailTask releases the lease. With requeue the task is rescheduled after the
// configured delay for another attempt; without it the task is dropped and
// only the history remains for investigation.
func (s *Service) FailTask(ctx context.Context, leaseID, reason string, requeue bool) error {
	if err := s.store.Fail(ctx, leaseID, requeue, s.requeueDelay); err != nil {
		return err
	}
	s.logger.Warn().
		Str("lease_id", leaseID).
		Str("reason", reason).
		Bool("requeue", requeue).
		Msg("task failed")
	return nil
}

// QueueStats reports the pending and leased counts for one queue.
func (s *Service) QueueStats(ctx context.Context, namespaceID, queueName, queueType string) (*model.QueueStats, error) {
	return s.store.Stats(ctx, namespaceID, queueName, queueType)
}

// ListQueues maps queue names to pending task counts.
func (s *Service) ListQueues(ctx context.Context, namespaceID *string) (map[string]int64, error) {
	return s.store.ListQueues(ctx, namespaceID)
}

// RunReclaimer clears expired leases on a slow cadence so tasks abandoned by
// crashed workers become pollable again.
func (s *Service) RunReclaimer(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reclaimed, err := s.store.ReclaimExpiredLeases(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to reclaim expired task leases")
				continue
			}
			if reclaimed > 0 {
				metrics.LeasesReclaimed.Add(float64(reclaimed))
				s.logger.Info().Int64("reclaimed", reclaimed).Msg("reclaimed expired task leases")
			}
		}
	}
}

// RunPurge drops unleased tasks older than maxAge on the given cadence.
func (s *Service) RunPurge(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purged, err := s.store.PurgeOlderThan(ctx, time.Now().Add(-maxAge))
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to purge stale tasks")
				continue
			}
			if purged > 0 {
				s.logger.Info().Int64("purged", purged).Msg("purged stale tasks")
			}
		}
	}
}
