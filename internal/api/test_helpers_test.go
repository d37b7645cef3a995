package api

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/store"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateRun(ctx context.Context, run store.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	args := m.Called(ctx, runID)
	if value := args.Get(0); value != nil {
		return value.(*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	args := m.Called(ctx)
	var result []store.RunSummary
	if value := args.Get(0); value != nil {
		result = value.([]store.RunSummary)
	}
	return result, args.Error(1)
}

func (m *MockStore) DeleteRun(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	args := m.Called(ctx, runID, afterSeq)
	var result []store.RunEvent
	if value := args.Get(0); value != nil {
		result = value.([]store.RunEvent)
	}
	return result, args.Error(1)
}

func (m *MockStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ListRunSteps(ctx context.Context, runID string) ([]store.RunStep, error) {
	args := m.Called(ctx, runID)
	var result []store.RunStep
	if value := args.Get(0); value != nil {
		result = value.([]store.RunStep)
	}
	return result, args.Error(1)
}

func (m *MockStore) ListEvidence(ctx context.Context, runID string) ([]store.Evidence, error) {
	args := m.Called(ctx, runID)
	var result []store.Evidence
	if value := args.Get(0); value != nil {
		result = value.([]store.Evidence)
	}
	return result, args.Error(1)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(event events.RunEvent) int {
	args := m.Called(event)
	return args.Int(0)
}

func (m *MockBroker) Subscribe(ctx context.Context, runID string) <-chan events.RunEvent {
	args := m.Called(ctx, runID)
	if value := args.Get(0); value != nil {
		if ch, ok := value.(chan events.RunEvent); ok {
			return ch
		}
		if ch, ok := value.(<-chan events.RunEvent); ok {
			return ch
		}
	}
	return nil
}

type MockWorkflowService struct {
	mock.Mock
}

func (m *MockWorkflowService) StartRun(ctx context.Context, runID string, query string) error {
	args := m.Called(ctx, runID, query)
	return args.Error(0)
}

func (m *MockWorkflowService) CancelRun(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

// MockCheckedWorkflowService also reports backend health.
type MockCheckedWorkflowService struct {
	MockWorkflowService
}

func (m *MockCheckedWorkflowService) CheckHealth(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newTestServer(t *testing.T, store store.Store, broker Broker, workflows WorkflowService) *httptest.Server {
	t.Helper()
	server := NewServer(store, broker, workflows, nil)
	return httptest.NewServer(server.Router())
}
