package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/platform"
)

// TaskQueueStore is the persistent layer under the matching service. Poll
// uses FOR UPDATE SKIP LOCKED so many workers can drain one queue without
// lock contention; delivery is at-least-once.
type TaskQueueStore struct {
	db DB
}

func NewTaskQueueStore(db DB) *TaskQueueStore {
	return &TaskQueueStore{db: db}
}

const taskColumns = `namespace_id, task_queue_name, task_queue_type, task_id, workflow_id,
	run_id, scheduled_at, expiry_at, task_data, partition_hash, created_at`

func scanTask(row interface{ Scan(dest ...any) error }) (model.TaskQueueItem, error) {
	var t model.TaskQueueItem
	err := row.Scan(&t.NamespaceID, &t.TaskQueueName, &t.TaskQueueType, &t.TaskID,
		&t.WorkflowID, &t.RunID, &t.ScheduledAt, &t.ExpiryAt, &t.TaskData,
		&t.PartitionHash, &t.CreatedAt)
	return t, err
}

// Enqueue inserts one task. A duplicate (namespace, queue, type, taskId) is
// reported as AlreadyExists and treated by callers as already-enqueued.
func (s *TaskQueueStore) Enqueue(ctx context.Context, item *model.TaskQueueItem) error {
	if item.TaskQueueName == "" || item.NamespaceID == "" {
		return errkind.New(errkind.InvalidRequest, "namespace and task queue name are required")
	}
	if item.TaskQueueType == "" {
		item.TaskQueueType = model.TaskQueueTypeWorkflow
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = time.Now().UTC()
	}
	item.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx,
		`INSERT INTO task_queues (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.NamespaceID, item.TaskQueueName, item.TaskQueueType, item.TaskID,
		item.WorkflowID, item.RunID, item.ScheduledAt, item.ExpiryAt, item.TaskData,
		item.PartitionHash, item.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.Newf(errkind.AlreadyExists, "task %d already enqueued on %s",
				item.TaskID, item.TaskQueueName)
		}
		return storeErr("enqueue task", err)
	}
	return nil
}

// Poll atomically selects the earliest ready task with no live lease and
// leases it to worker. Returns NotFound when the queue has nothing ready.
// The lease's attempt count reflects how many times the task has ever been
// leased, so redelivery after a crash is observable to workers.
func (s *TaskQueueStore) Poll(ctx context.Context, namespaceID, queueName, queueType, worker string, leaseDuration time.Duration) (*model.TaskQueueItem, *model.TaskLease, error) {
	var task model.TaskQueueItem
	var lease model.TaskLease

	err := inTx(ctx, s.db, "poll task", func(tx pgx.Tx) error {
		var attempts int
		row := tx.QueryRow(ctx,
			`SELECT `+taskColumns+`, attempt_count FROM task_queues
			 WHERE namespace_id = $1 AND task_queue_name = $2 AND task_queue_type = $3
			   AND scheduled_at <= now()
			   AND (expiry_at IS NULL OR expiry_at > now())
			   AND NOT EXISTS (
			       SELECT 1 FROM task_queue_leases l
			       WHERE l.namespace_id = task_queues.namespace_id
			         AND l.task_queue_name = task_queues.task_queue_name
			         AND l.task_queue_type = task_queues.task_queue_type
			         AND l.task_id = task_queues.task_id
			         AND l.lease_expires_at > now()
			   )
			 ORDER BY scheduled_at, task_id
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`,
			namespaceID, queueName, queueType)
		err := row.Scan(&task.NamespaceID, &task.TaskQueueName, &task.TaskQueueType,
			&task.TaskID, &task.WorkflowID, &task.RunID, &task.ScheduledAt, &task.ExpiryAt,
			&task.TaskData, &task.PartitionHash, &task.CreatedAt, &attempts)
		if err != nil {
			return storeErr("select ready task", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE task_queues SET attempt_count = attempt_count + 1
			 WHERE namespace_id = $1 AND task_queue_name = $2 AND task_queue_type = $3 AND task_id = $4`,
			task.NamespaceID, task.TaskQueueName, task.TaskQueueType, task.TaskID)
		if err != nil {
			return storeErr("bump task attempts", err)
		}

		lease = model.TaskLease{
			LeaseID:        platform.NewID(),
			NamespaceID:    task.NamespaceID,
			TaskQueueName:  task.TaskQueueName,
			TaskQueueType:  task.TaskQueueType,
			TaskID:         task.TaskID,
			WorkerIdentity: worker,
			AttemptCount:   attempts + 1,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO task_queue_leases (lease_id, namespace_id, task_queue_name,
			     task_queue_type, task_id, worker_identity, leased_at, lease_expires_at,
			     heartbeat_at, attempt_count)
			 VALUES ($1, $2, $3, $4, $5, $6, now(), now() + make_interval(secs => $7), now(), $8)
			 RETURNING leased_at, lease_expires_at, heartbeat_at`,
			lease.LeaseID, lease.NamespaceID, lease.TaskQueueName, lease.TaskQueueType,
			lease.TaskID, lease.WorkerIdentity, leaseDuration.Seconds(), lease.AttemptCount,
		).Scan(&lease.LeasedAt, &lease.LeaseExpiresAt, &lease.HeartbeatAt)
		if err != nil {
			return storeErr("create lease", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &task, &lease, nil
}

// Heartbeat extends a live lease by extension from now. A missing or expired
// lease yields TaskLeaseExpired.
func (s *TaskQueueStore) Heartbeat(ctx context.Context, leaseID string, extension time.Duration) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE task_queue_leases
		 SET lease_expires_at = now() + make_interval(secs => $2), heartbeat_at = now()
		 WHERE lease_id = $1 AND lease_expires_at > now()`,
		leaseID, extension.Seconds())
	if err != nil {
		return storeErr("heartbeat lease", err)
	}
	if tag.RowsAffected() == 0 {
		return errkind.Newf(errkind.TaskLeaseExpired, "lease %s is gone or expired", leaseID)
	}
	return nil
}

// Complete deletes the lease and its task atomically.
func (s *TaskQueueStore) Complete(ctx context.Context, leaseID string) error {
	return inTx(ctx, s.db, "complete task", func(tx pgx.Tx) error {
		ns, queue, qtype, taskID, err := deleteLease(ctx, tx, leaseID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM task_queues
			 WHERE namespace_id = $1 AND task_queue_name = $2 AND task_queue_type = $3 AND task_id = $4`,
			ns, queue, qtype, taskID)
		if err != nil {
			return storeErr("delete task", err)
		}
		return nil
	})
}

// Fail releases the lease. With requeue the task is rescheduled at
// now()+backoff for another attempt; without it the task is dropped.
func (s *TaskQueueStore) Fail(ctx context.Context, leaseID string, requeue bool, backoff time.Duration) error {
	return inTx(ctx, s.db, "fail task", func(tx pgx.Tx) error {
		ns, queue, qtype, taskID, err := deleteLease(ctx, tx, leaseID)
		if err != nil {
			return err
		}
		if requeue {
			_, err = tx.Exec(ctx,
				`UPDATE task_queues SET scheduled_at = now() + make_interval(secs => $5)
				 WHERE namespace_id = $1 AND task_queue_name = $2 AND task_queue_type = $3 AND task_id = $4`,
				ns, queue, qtype, taskID, backoff.Seconds())
			if err != nil {
				return storeErr("reschedule task", err)
			}
			return nil
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM task_queues
			 WHERE namespace_id = $1 AND task_queue_name = $2 AND task_queue_type = $3 AND task_id = $4`,
			ns, queue, qtype, taskID)
		if err != nil {
			return storeErr("delete task", err)
		}
		return nil
	})
}

func deleteLease(ctx context.Context, tx pgx.Tx, leaseID string) (ns, queue, qtype string, taskID int64, err error) {
	err = tx.QueryRow(ctx,
		`DELETE FROM task_queue_leases WHERE lease_id = $1
		 RETURNING namespace_id, task_queue_name, task_queue_type, task_id`,
		leaseID,
	).Scan(&ns, &queue, &qtype, &taskID)
	if err != nil {
		converted := storeErr("delete lease", err)
		if errkind.KindOf(converted) == errkind.NotFound {
			return "", "", "", 0, errkind.Newf(errkind.TaskLeaseExpired, "lease %s is gone", leaseID)
		}
		return "", "", "", 0, converted
	}
	return ns, queue, qtype, taskID, nil
}

// Stats returns the pending task and live lease counts for one queue.
func (s *TaskQueueStore) Stats(ctx context.Context, namespaceID, queueName, queueType string) (*model.QueueStats, error) {
	stats := &model.QueueStats{QueueName: queueName}
	err := s.db.QueryRow(ctx,
		`SELECT
		     (SELECT COUNT(*) FROM task_queues
		      WHERE namespace_id = $1 AND task_queue_name = $2 AND task_queue_type = $3),
		     (SELECT COUNT(*) FROM task_queue_leases
		      WHERE namespace_id = $1 AND task_queue_name = $2 AND task_queue_type = $3
		        AND lease_expires_at > now())`,
		namespaceID, queueName, queueType,
	).Scan(&stats.PendingTasks, &stats.ActiveLeases)
	if err != nil {
		return nil, storeErr("queue stats", err)
	}
	return stats, nil
}

// Depth counts tasks on the queue that are not currently leased.
func (s *TaskQueueStore) Depth(ctx context.Context, namespaceID, queueName, queueType string) (int64, error) {
	var depth int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_queues
		 WHERE namespace_id = $1 AND task_queue_name = $2 AND task_queue_type = $3
		   AND NOT EXISTS (
		       SELECT 1 FROM task_queue_leases l
		       WHERE l.namespace_id = task_queues.namespace_id
		         AND l.task_queue_name = task_queues.task_queue_name
		         AND l.task_queue_type = task_queues.task_queue_type
		         AND l.task_id = task_queues.task_id
		         AND l.lease_expires_at > now()
		   )`,
		namespaceID, queueName, queueType,
	).Scan(&depth)
	if err != nil {
		return 0, storeErr("queue depth", err)
	}
	return depth, nil
}

// ListQueues returns pending task counts per queue name, optionally scoped to
// one namespace.
func (s *TaskQueueStore) ListQueues(ctx context.Context, namespaceID *string) (map[string]int64, error) {
	query := `SELECT task_queue_name, COUNT(*) FROM task_queues`
	var args []any
	if namespaceID != nil {
		query += ` WHERE namespace_id = $1`
		args = append(args, *namespaceID)
	}
	query += ` GROUP BY task_queue_name`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list queues", err)
	}
	defer rows.Close()

	queues := make(map[string]int64)
	for rows.Next() {
		var name string
		var pending int64
		if err := rows.Scan(&name, &pending); err != nil {
			return nil, storeErr("scan queue", err)
		}
		queues[name] = pending
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate queues", err)
	}
	return queues, nil
}

// ReclaimExpiredLeases deletes lapsed leases, making their tasks eligible for
// re-polling. This is the recovery path when a worker crashes without failing
// its task.
func (s *TaskQueueStore) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM task_queue_leases WHERE lease_expires_at < now()`)
	if err != nil {
		return 0, storeErr("reclaim expired leases", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeOlderThan removes unleased tasks created before threshold.
func (s *TaskQueueStore) PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM task_queues
		 WHERE created_at < $1
		   AND NOT EXISTS (
		       SELECT 1 FROM task_queue_leases l
		       WHERE l.namespace_id = task_queues.namespace_id
		         AND l.task_queue_name = task_queues.task_queue_name
		         AND l.task_queue_type = task_queues.task_queue_type
		         AND l.task_id = task_queues.task_id
		         AND l.lease_expires_at > now()
		   )`,
		threshold)
	if err != nil {
		return 0, storeErr("purge tasks", err)
	}
	return tag.RowsAffected(), nil
}
