package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
)

// ShardStore manages the history_shards lease table. Acquisition, renewal and
// release are single conditional UPDATEs, so concurrent claimants are resolved
// by whichever transaction commits first.
type ShardStore struct {
	db DB
}

func NewShardStore(db DB) *ShardStore {
	return &ShardStore{db: db}
}

const shardColumns = `shard_id, owner_identity, lease_expires_at, acquired_at, last_heartbeat,
	range_start, range_end`

func scanShard(row interface{ Scan(dest ...any) error }) (model.Shard, error) {
	var sh model.Shard
	err := row.Scan(&sh.ShardID, &sh.OwnerIdentity, &sh.LeaseExpiresAt, &sh.AcquiredAt,
		&sh.LastHeartbeat, &sh.RangeStart, &sh.RangeEnd)
	return sh, err
}

// InitializeShards creates any missing shard rows for a cluster of count
// shards. Each shard covers one count-th of the 32-bit hash space. Existing
// rows are left untouched, so this is safe to run on every startup.
func (s *ShardStore) InitializeShards(ctx context.Context, count int) error {
	if count <= 0 {
		return errkind.New(errkind.InvalidRequest, "shard count must be positive")
	}
	rangeSize := int64(1<<32) / int64(count)

	return inTx(ctx, s.db, "initialize shards", func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			start := int64(i) * rangeSize
			end := start + rangeSize - 1
			if i == count-1 {
				end = 1<<32 - 1
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO history_shards (shard_id, range_start, range_end)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (shard_id) DO NOTHING`,
				i, start, end,
			)
			if err != nil {
				return storeErr("insert shard row", err)
			}
		}
		return nil
	})
}

// AcquireLease claims a shard for owner. Succeeds only if the shard is
// unowned or its current lease has expired; a live lease held by anyone,
// including the caller, loses to ShardUnavailable.
func (s *ShardStore) AcquireLease(ctx context.Context, shardID int, owner string, duration time.Duration) (*model.Shard, error) {
	sh, err := scanShard(s.db.QueryRow(ctx,
		`UPDATE history_shards
		 SET owner_identity = $2,
		     lease_expires_at = now() + make_interval(secs => $3),
		     acquired_at = now(),
		     last_heartbeat = now()
		 WHERE shard_id = $1
		   AND (owner_identity IS NULL OR lease_expires_at < now())
		 RETURNING `+shardColumns,
		shardID, owner, duration.Seconds()))
	if err == nil {
		return &sh, nil
	}
	if errkind.KindOf(storeErr("acquire shard lease", err)) != errkind.NotFound {
		return nil, storeErr("acquire shard lease", err)
	}

	// Conditional update matched nothing: either the shard row is missing or
	// someone else holds a live lease.
	if _, err := s.GetLease(ctx, shardID); err != nil {
		return nil, err
	}
	return nil, errkind.Newf(errkind.ShardUnavailable, "shard %d is leased by another owner", shardID)
}

// RenewLease extends the lease, but only for the current unexpired owner.
func (s *ShardStore) RenewLease(ctx context.Context, shardID int, owner string, duration time.Duration) (*model.Shard, error) {
	sh, err := scanShard(s.db.QueryRow(ctx,
		`UPDATE history_shards
		 SET lease_expires_at = now() + make_interval(secs => $3),
		     last_heartbeat = now()
		 WHERE shard_id = $1 AND owner_identity = $2 AND lease_expires_at > now()
		 RETURNING `+shardColumns,
		shardID, owner, duration.Seconds()))
	if err != nil {
		converted := storeErr("renew shard lease", err)
		if errkind.KindOf(converted) == errkind.NotFound {
			return nil, errkind.Newf(errkind.ShardUnavailable, "shard %d is not held by %s", shardID, owner)
		}
		return nil, converted
	}
	return &sh, nil
}

// ReleaseLease clears the lease if the caller owns it.
func (s *ShardStore) ReleaseLease(ctx context.Context, shardID int, owner string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE history_shards
		 SET owner_identity = NULL, lease_expires_at = NULL, acquired_at = NULL
		 WHERE shard_id = $1 AND owner_identity = $2`,
		shardID, owner,
	)
	if err != nil {
		return storeErr("release shard lease", err)
	}
	if tag.RowsAffected() == 0 {
		return errkind.Newf(errkind.ShardUnavailable, "shard %d is not held by %s", shardID, owner)
	}
	return nil
}

func (s *ShardStore) GetLease(ctx context.Context, shardID int) (*model.Shard, error) {
	sh, err := scanShard(s.db.QueryRow(ctx,
		`SELECT `+shardColumns+` FROM history_shards WHERE shard_id = $1`, shardID))
	if err != nil {
		return nil, storeErr("get shard lease", err)
	}
	return &sh, nil
}

// ListOwned returns the shards owner currently holds with an unexpired lease.
func (s *ShardStore) ListOwned(ctx context.Context, owner string) ([]model.Shard, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+shardColumns+` FROM history_shards
		 WHERE owner_identity = $1 AND lease_expires_at > now()
		 ORDER BY shard_id`, owner)
	if err != nil {
		return nil, storeErr("list owned shards", err)
	}
	defer rows.Close()
	return collectShards(rows)
}

func (s *ShardStore) ListAll(ctx context.Context) ([]model.Shard, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+shardColumns+` FROM history_shards ORDER BY shard_id`)
	if err != nil {
		return nil, storeErr("list shards", err)
	}
	defer rows.Close()
	return collectShards(rows)
}

// ReclaimExpired clears ownership columns on shards whose lease has lapsed.
// Purely observational: an expired lease already counts as unowned for
// acquisition.
func (s *ShardStore) ReclaimExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE history_shards
		 SET owner_identity = NULL, lease_expires_at = NULL, acquired_at = NULL
		 WHERE owner_identity IS NOT NULL AND lease_expires_at < now()`)
	if err != nil {
		return 0, storeErr("reclaim expired shard leases", err)
	}
	return tag.RowsAffected(), nil
}

func collectShards(rows pgx.Rows) ([]model.Shard, error) {
	var shards []model.Shard
	for rows.Next() {
		sh, err := scanShard(rows)
		if err != nil {
			return nil, storeErr("scan shard", err)
		}
		shards = append(shards, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate shards", err)
	}
	return shards, nil
}
