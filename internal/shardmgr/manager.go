// Package shardmgr tracks which history shards this process owns. Ownership
// is lease-based: a shard belongs to whoever holds its unexpired lease, and
// leases are renewed well before they lapse so healthy owners keep their
// shards across ticks.
package shardmgr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/platform"
)

// LeaseStore is the persistence surface the manager needs.
type LeaseStore interface {
	InitializeShards(ctx context.Context, count int) error
	AcquireLease(ctx context.Context, shardID int, owner string, duration time.Duration) (*model.Shard, error)
	RenewLease(ctx context.Context, shardID int, owner string, duration time.Duration) (*model.Shard, error)
	ReleaseLease(ctx context.Context, shardID int, owner string) error
	ReclaimExpired(ctx context.Context) (int64, error)
}

type Manager struct {
	store         LeaseStore
	logger        zerolog.Logger
	owner         string
	shardCount    int
	leaseDuration time.Duration

	mu    sync.RWMutex
	owned map[int]model.Shard
}

func NewManager(store LeaseStore, owner string, shardCount int, leaseDuration time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		store:         store,
		logger:        logger.With().Str("component", "shardmgr").Logger(),
		owner:         owner,
		shardCount:    shardCount,
		leaseDuration: leaseDuration,
		owned:         make(map[int]model.Shard),
	}
}

// ShardFor maps a workflow ID onto its shard. The mapping is fixed for the
// lifetime of a cluster; changing the shard count strands in-flight state.
func (m *Manager) ShardFor(workflowID string) int {
	return platform.ShardID(workflowID, m.shardCount)
}

// Owns reports whether this process currently holds the shard's lease.
func (m *Manager) Owns(shardID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.owned[shardID]
	return ok
}

// RequireOwnership gates shard-scoped writes on a held lease.
func (m *Manager) RequireOwnership(shardID int) error {
	if !m.Owns(shardID) {
		return errkind.Newf(errkind.ShardUnavailable, "shard %d is not owned by %s", shardID, m.owner)
	}
	return nil
}

// OwnedShards returns the shard IDs currently held, in no particular order.
func (m *Manager) OwnedShards() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int, 0, len(m.owned))
	for id := range m.owned {
		ids = append(ids, id)
	}
	return ids
}

// OwnedCount returns how many shards this process holds.
func (m *Manager) OwnedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.owned)
}

// Run drives the ownership lifecycle until ctx is canceled: create missing
// shard rows, grab whatever is free, then renew owned leases and retry the
// rest on every tick. On shutdown all held leases are released so peers can
// take over without waiting for expiry.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.store.InitializeShards(ctx, m.shardCount); err != nil {
		return err
	}
	m.acquireAll(ctx)

	ticker := time.NewTicker(m.leaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.releaseAll()
			return nil
		case <-ticker.C:
			m.renewOwned(ctx)
			m.acquireAll(ctx)
		}
	}
}

// RunReclaimer periodically clears lapsed leases left behind by crashed
// owners. Expired leases already count as unowned for acquisition, so this
// only keeps the shard table tidy for observers.
func (m *Manager) RunReclaimer(ctx context.Context) error {
	ticker := time.NewTicker(m.leaseDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reclaimed, err := m.store.ReclaimExpired(ctx)
			if err != nil {
				m.logger.Error().Err(err).Msg("failed to reclaim expired shard leases")
				continue
			}
			if reclaimed > 0 {
				m.logger.Info().Int64("reclaimed", reclaimed).Msg("reclaimed expired shard leases")
			}
		}
	}
}

// acquireAll tries to claim every shard this process does not already hold.
// Losing to a live lease is the normal case in a multi-node cluster.
func (m *Manager) acquireAll(ctx context.Context) {
	for shardID := 0; shardID < m.shardCount; shardID++ {
		if m.Owns(shardID) {
			continue
		}
		sh, err := m.store.AcquireLease(ctx, shardID, m.owner, m.leaseDuration)
		if err != nil {
			if errkind.KindOf(err) != errkind.ShardUnavailable {
				m.logger.Error().Err(err).Int("shard_id", shardID).Msg("shard acquisition failed")
			}
			continue
		}
		m.mu.Lock()
		m.owned[shardID] = *sh
		m.mu.Unlock()
		m.logger.Info().Int("shard_id", shardID).Msg("acquired shard")
	}
}

// renewOwned extends every held lease. A failed renewal means the lease is
// lost; the shard is dropped immediately so no writes proceed under a lease
// someone else may now hold.
func (m *Manager) renewOwned(ctx context.Context) {
	for _, shardID := range m.OwnedShards() {
		sh, err := m.store.RenewLease(ctx, shardID, m.owner, m.leaseDuration)
		if err != nil {
			m.mu.Lock()
			delete(m.owned, shardID)
			m.mu.Unlock()
			m.logger.Warn().Err(err).Int("shard_id", shardID).Msg("lost shard lease")
			continue
		}
		m.mu.Lock()
		m.owned[shardID] = *sh
		m.mu.Unlock()
	}
}

// releaseAll hands back every held lease during shutdown. Uses a fresh
// context because the run context is already canceled by the time we get
// here.
func (m *Manager) releaseAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, shardID := range m.OwnedShards() {
		if err := m.store.ReleaseLease(ctx, shardID, m.owner); err != nil {
			m.logger.Warn().Err(err).Int("shard_id", shardID).Msg("failed to release shard lease")
		}
		m.mu.Lock()
		delete(m.owned, shardID)
		m.mu.Unlock()
	}
	m.logger.Info().Msg("released all shard leases")
}
