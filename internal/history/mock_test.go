package history

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/platform"
)

type mockNamespaceStore struct {
	mock.Mock
}

func (m *mockNamespaceStore) GetByName(ctx context.Context, name string) (*model.Namespace, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Namespace), args.Error(1)
}

func (m *mockNamespaceStore) GetByID(ctx context.Context, id string) (*model.Namespace, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Namespace), args.Error(1)
}

func (m *mockNamespaceStore) List(ctx context.Context, pageSize int, pageToken string) ([]model.Namespace, string, error) {
	args := m.Called(ctx, pageSize, pageToken)
	var namespaces []model.Namespace
	if args.Get(0) != nil {
		namespaces = args.Get(0).([]model.Namespace)
	}
	return namespaces, args.String(1), args.Error(2)
}

type mockExecutionStore struct {
	mock.Mock
}

func (m *mockExecutionStore) Create(ctx context.Context, exec *model.WorkflowExecution) error {
	return m.Called(ctx, exec).Error(0)
}

func (m *mockExecutionStore) Get(ctx context.Context, namespaceID, workflowID, runID string) (*model.WorkflowExecution, error) {
	args := m.Called(ctx, namespaceID, workflowID, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowExecution), args.Error(1)
}

func (m *mockExecutionStore) GetCurrent(ctx context.Context, namespaceID, workflowID string) (*model.WorkflowExecution, error) {
	args := m.Called(ctx, namespaceID, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowExecution), args.Error(1)
}

func (m *mockExecutionStore) UpdateWithEvents(ctx context.Context, exec *model.WorkflowExecution, expectedVersion int64, events []model.HistoryEvent) error {
	return m.Called(ctx, exec, expectedVersion, events).Error(0)
}

func (m *mockExecutionStore) UpdateWithNextEventID(ctx context.Context, namespaceID, workflowID, runID string, expectedVersion, nextEventID int64) error {
	return m.Called(ctx, namespaceID, workflowID, runID, expectedVersion, nextEventID).Error(0)
}

func (m *mockExecutionStore) ContinueAsNew(ctx context.Context, old *model.WorkflowExecution, expectedVersion int64, closing model.HistoryEvent, next *model.WorkflowExecution, started model.HistoryEvent) error {
	return m.Called(ctx, old, expectedVersion, closing, next, started).Error(0)
}

func (m *mockExecutionStore) Terminate(ctx context.Context, namespaceID, workflowID, runID, reason string) (*model.WorkflowExecution, error) {
	args := m.Called(ctx, namespaceID, workflowID, runID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowExecution), args.Error(1)
}

type mockEventStore struct {
	mock.Mock
}

func (m *mockEventStore) AppendEvents(ctx context.Context, namespaceID, workflowID, runID string, events []model.HistoryEvent) error {
	return m.Called(ctx, namespaceID, workflowID, runID, events).Error(0)
}

func (m *mockEventStore) GetHistory(ctx context.Context, namespaceID, workflowID, runID string, fromEventID int64, maxEvents int) ([]model.HistoryEvent, error) {
	args := m.Called(ctx, namespaceID, workflowID, runID, fromEventID, maxEvents)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.HistoryEvent), args.Error(1)
}

func (m *mockEventStore) GetEventCount(ctx context.Context, namespaceID, workflowID, runID string) (int64, error) {
	args := m.Called(ctx, namespaceID, workflowID, runID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockEventStore) ValidateSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error) {
	args := m.Called(ctx, namespaceID, workflowID, runID)
	return args.Bool(0), args.Error(1)
}

func (m *mockEventStore) ArchiveOlderThan(ctx context.Context, namespaceID string, threshold time.Time, batch int) (int64, error) {
	args := m.Called(ctx, namespaceID, threshold, batch)
	return args.Get(0).(int64), args.Error(1)
}

type mockTaskWriter struct {
	mock.Mock
}

func (m *mockTaskWriter) Enqueue(ctx context.Context, item *model.TaskQueueItem) error {
	return m.Called(ctx, item).Error(0)
}

type mockVisibilityWriter struct {
	mock.Mock
}

func (m *mockVisibilityWriter) Upsert(ctx context.Context, rec *model.VisibilityRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockVisibilityWriter) ArchiveOlderThan(ctx context.Context, namespaceID string, threshold time.Time) (int64, error) {
	args := m.Called(ctx, namespaceID, threshold)
	return args.Get(0).(int64), args.Error(1)
}

// fakeShardOwner grants or denies ownership of every shard.
type fakeShardOwner struct {
	owned bool
}

func (f *fakeShardOwner) ShardFor(workflowID string) int {
	return platform.ShardID(workflowID, model.DefaultShardCount)
}

func (f *fakeShardOwner) RequireOwnership(shardID int) error {
	if f.owned {
		return nil
	}
	return errkind.Newf(errkind.ShardUnavailable, "shard %d is not owned by this process", shardID)
}
