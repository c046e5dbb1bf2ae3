package handler

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/orchestrator/internal/history"
	"github.com/edvin/orchestrator/internal/model"
	"github.com/edvin/orchestrator/internal/visibility"
)

type mockNamespaceRegistry struct {
	mock.Mock
}

func (m *mockNamespaceRegistry) Create(ctx context.Context, ns *model.Namespace) error {
	return m.Called(ctx, ns).Error(0)
}

func (m *mockNamespaceRegistry) GetByName(ctx context.Context, name string) (*model.Namespace, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Namespace), args.Error(1)
}

func (m *mockNamespaceRegistry) List(ctx context.Context, pageSize int, pageToken string) ([]model.Namespace, string, error) {
	args := m.Called(ctx, pageSize, pageToken)
	var namespaces []model.Namespace
	if args.Get(0) != nil {
		namespaces = args.Get(0).([]model.Namespace)
	}
	return namespaces, args.String(1), args.Error(2)
}

func (m *mockNamespaceRegistry) Archive(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

type mockWorkflowService struct {
	mock.Mock
}

func (m *mockWorkflowService) StartWorkflow(ctx context.Context, req history.StartWorkflowRequest) (*model.WorkflowExecution, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowExecution), args.Error(1)
}

func (m *mockWorkflowService) SignalWorkflow(ctx context.Context, namespaceID, workflowID, runID, signalName string, input json.RawMessage) error {
	return m.Called(ctx, namespaceID, workflowID, runID, signalName, input).Error(0)
}

func (m *mockWorkflowService) TerminateWorkflow(ctx context.Context, namespaceID, workflowID, runID, reason string) (*model.WorkflowExecution, error) {
	args := m.Called(ctx, namespaceID, workflowID, runID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WorkflowExecution), args.Error(1)
}

func (m *mockWorkflowService) GetHistory(ctx context.Context, namespaceID, workflowID, runID string, fromEventID int64, maxEvents int) ([]model.HistoryEvent, int64, error) {
	args := m.Called(ctx, namespaceID, workflowID, runID, fromEventID, maxEvents)
	var events []model.HistoryEvent
	if args.Get(0) != nil {
		events = args.Get(0).([]model.HistoryEvent)
	}
	return events, args.Get(1).(int64), args.Error(2)
}

type mockWorkflowIndex struct {
	mock.Mock
}

func (m *mockWorkflowIndex) List(ctx context.Context, req visibility.ListRequest) ([]model.VisibilityRecord, string, error) {
	args := m.Called(ctx, req)
	var records []model.VisibilityRecord
	if args.Get(0) != nil {
		records = args.Get(0).([]model.VisibilityRecord)
	}
	return records, args.String(1), args.Error(2)
}
