// Package metrics holds the Prometheus instrumentation shared by the server
// and worker binaries.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// TasksDispatched counts leased tasks by final outcome: completed,
	// requeued or dropped.
	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_dispatched_total",
			Help: "Total number of dispatched tasks by outcome",
		},
		[]string{"task_queue", "outcome"},
	)

	// LeasesReclaimed counts expired task leases cleared by the sweeper.
	LeasesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_leases_reclaimed_total",
			Help: "Total number of expired task leases reclaimed",
		},
	)

	taskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_task_queue_depth",
			Help: "Number of pending tasks per queue",
		},
		[]string{"task_queue"},
	)
)

// RegisterOwnedShards exposes how many shard leases this process holds.
func RegisterOwnedShards(ownedCount func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "orchestrator_owned_shards",
		Help: "Number of history shards owned by this process",
	}, func() float64 {
		return float64(ownedCount())
	}))
}

// QueueLister supplies queue depths, typically the matching service.
type QueueLister interface {
	ListQueues(ctx context.Context, namespaceID *string) (map[string]int64, error)
}

// RunQueueDepthCollector refreshes the per-queue depth gauge on the given
// cadence. Gauges for drained queues are reset rather than removed so a
// scrape between refreshes never sees a stale depth.
func RunQueueDepthCollector(ctx context.Context, queues QueueLister, interval time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			depths, err := queues.ListQueues(ctx, nil)
			if err != nil {
				logger.Error().Err(err).Msg("failed to collect task queue depths")
				continue
			}
			taskQueueDepth.Reset()
			for queue, depth := range depths {
				taskQueueDepth.WithLabelValues(queue).Set(float64(depth))
			}
		}
	}
}
