package shardmgr

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
)

type mockLeaseStore struct {
	mock.Mock
}

func (m *mockLeaseStore) InitializeShards(ctx context.Context, count int) error {
	return m.Called(ctx, count).Error(0)
}

func (m *mockLeaseStore) AcquireLease(ctx context.Context, shardID int, owner string, duration time.Duration) (*model.Shard, error) {
	args := m.Called(ctx, shardID, owner, duration)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Shard), args.Error(1)
}

func (m *mockLeaseStore) RenewLease(ctx context.Context, shardID int, owner string, duration time.Duration) (*model.Shard, error) {
	args := m.Called(ctx, shardID, owner, duration)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Shard), args.Error(1)
}

func (m *mockLeaseStore) ReleaseLease(ctx context.Context, shardID int, owner string) error {
	return m.Called(ctx, shardID, owner).Error(0)
}

func (m *mockLeaseStore) ReclaimExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func leasedShard(shardID int, owner string) *model.Shard {
	expires := time.Now().Add(time.Minute)
	return &model.Shard{ShardID: shardID, OwnerIdentity: &owner, LeaseExpiresAt: &expires}
}

func newTestManager(store *mockLeaseStore, shardCount int) *Manager {
	return NewManager(store, "host-a@100", shardCount, time.Minute, zerolog.Nop())
}

func TestShardForIsStable(t *testing.T) {
	m := newTestManager(&mockLeaseStore{}, 512)

	first := m.ShardFor("order-wf-42")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, m.ShardFor("order-wf-42"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 512)
}

func TestAcquireAllClaimsFreeShards(t *testing.T) {
	store := &mockLeaseStore{}
	m := newTestManager(store, 4)

	// Shards 1 and 3 are held by a peer.
	for _, id := range []int{0, 2} {
		store.On("AcquireLease", mock.Anything, id, "host-a@100", time.Minute).
			Return(leasedShard(id, "host-a@100"), nil)
	}
	for _, id := range []int{1, 3} {
		store.On("AcquireLease", mock.Anything, id, "host-a@100", time.Minute).
			Return(nil, errkind.Newf(errkind.ShardUnavailable, "shard %d is leased by another owner", id))
	}

	m.acquireAll(context.Background())

	assert.True(t, m.Owns(0))
	assert.False(t, m.Owns(1))
	assert.True(t, m.Owns(2))
	assert.False(t, m.Owns(3))
	assert.Equal(t, 2, m.OwnedCount())
}

func TestAcquireAllSkipsOwnedShards(t *testing.T) {
	store := &mockLeaseStore{}
	m := newTestManager(store, 2)
	m.owned[0] = *leasedShard(0, "host-a@100")

	store.On("AcquireLease", mock.Anything, 1, "host-a@100", time.Minute).
		Return(leasedShard(1, "host-a@100"), nil)

	m.acquireAll(context.Background())

	assert.Equal(t, 2, m.OwnedCount())
	store.AssertNumberOfCalls(t, "AcquireLease", 1)
}

func TestRenewOwnedDropsLostShard(t *testing.T) {
	store := &mockLeaseStore{}
	m := newTestManager(store, 4)
	m.owned[0] = *leasedShard(0, "host-a@100")
	m.owned[2] = *leasedShard(2, "host-a@100")

	store.On("RenewLease", mock.Anything, 0, "host-a@100", time.Minute).
		Return(leasedShard(0, "host-a@100"), nil)
	store.On("RenewLease", mock.Anything, 2, "host-a@100", time.Minute).
		Return(nil, errkind.Newf(errkind.ShardUnavailable, "shard 2 is not held by host-a@100"))

	m.renewOwned(context.Background())

	assert.True(t, m.Owns(0))
	// A failed renewal drops the shard immediately, before any further writes.
	assert.False(t, m.Owns(2))
}

func TestRequireOwnership(t *testing.T) {
	m := newTestManager(&mockLeaseStore{}, 4)
	m.owned[1] = *leasedShard(1, "host-a@100")

	require.NoError(t, m.RequireOwnership(1))

	err := m.RequireOwnership(3)
	require.Error(t, err)
	assert.Equal(t, errkind.ShardUnavailable, errkind.KindOf(err))
}

func TestReleaseAll(t *testing.T) {
	store := &mockLeaseStore{}
	m := newTestManager(store, 4)
	m.owned[0] = *leasedShard(0, "host-a@100")
	m.owned[3] = *leasedShard(3, "host-a@100")

	store.On("ReleaseLease", mock.Anything, 0, "host-a@100").Return(nil)
	store.On("ReleaseLease", mock.Anything, 3, "host-a@100").Return(nil)

	m.releaseAll()

	assert.Equal(t, 0, m.OwnedCount())
	store.AssertExpectations(t)
}

func TestRunInitializeFailureStops(t *testing.T) {
	store := &mockLeaseStore{}
	m := newTestManager(store, 4)
	store.On("InitializeShards", mock.Anything, 4).
		Return(errkind.New(errkind.Persistence, "initialize shards: connection refused"))

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.Persistence, errkind.KindOf(err))
	store.AssertNotCalled(t, "AcquireLease")
}
