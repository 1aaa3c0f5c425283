package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) AppendEvent(ctx context.Context, record *EventRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) AppendEvents(ctx context.Context, records []*EventRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockStore) QueryEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]EventRecord), args.Error(1)
}

func (m *MockStore) CreateSagaInstance(ctx context.Context, record *SagaInstanceRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) UpdateSagaInstance(ctx context.Context, record *SagaInstanceRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) GetSagaInstance(ctx context.Context, id string) (*SagaInstanceRecord, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*SagaInstanceRecord)
	return record, args.Error(1)
}

func (m *MockStore) FetchStalledSagas(ctx context.Context, olderThan time.Duration, limit int) ([]SagaInstanceRecord, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Get(0).([]SagaInstanceRecord), args.Error(1)
}

func (m *MockStore) CreateSagaStep(ctx context.Context, record *SagaStepRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) UpdateSagaStep(ctx context.Context, record *SagaStepRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) ListSagaSteps(ctx context.Context, sagaID string) ([]SagaStepRecord, error) {
	args := m.Called(ctx, sagaID)
	return args.Get(0).([]SagaStepRecord), args.Error(1)
}

func (m *MockStore) UpsertProjection(ctx context.Context, record *ProjectionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) GetProjection(ctx context.Context, projection, aggregateID string) (*ProjectionRecord, error) {
	args := m.Called(ctx, projection, aggregateID)
	record, _ := args.Get(0).(*ProjectionRecord)
	return record, args.Error(1)
}

func (m *MockStore) DeleteProjection(ctx context.Context, projection, aggregateID string) error {
	args := m.Called(ctx, projection, aggregateID)
	return args.Error(0)
}
