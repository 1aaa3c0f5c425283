// Package memstore provides an in-memory Store implementation. It is used in
// tests and in embedded setups where durability is handled elsewhere.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fundlyhub/eventflow/storage"
)

// MemStore keeps the event log and saga/projection state in process memory.
// All methods are safe for concurrent use.
type MemStore struct {
	mu          sync.RWMutex
	events      []storage.EventRecord
	eventIDs    map[string]struct{}
	nextEventID int64
	sagas       map[string]storage.SagaInstanceRecord
	steps       map[string][]storage.SagaStepRecord
	projections map[string]storage.ProjectionRecord
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{
		eventIDs:    make(map[string]struct{}),
		sagas:       make(map[string]storage.SagaInstanceRecord),
		steps:       make(map[string][]storage.SagaStepRecord),
		projections: make(map[string]storage.ProjectionRecord),
	}
}

func (s *MemStore) AppendEvent(ctx context.Context, record *storage.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(record)
}

func (s *MemStore) AppendEvents(ctx context.Context, records []*storage.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Reject the whole batch up front so a duplicate in the middle cannot
	// leave a partial append behind.
	for _, record := range records {
		if _, ok := s.eventIDs[record.EventID]; ok {
			return fmt.Errorf("event %s: %w", record.EventID, storage.ErrDuplicateEventID)
		}
	}
	for _, record := range records {
		if err := s.appendLocked(record); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) appendLocked(record *storage.EventRecord) error {
	if _, ok := s.eventIDs[record.EventID]; ok {
		return fmt.Errorf("event %s: %w", record.EventID, storage.ErrDuplicateEventID)
	}
	s.nextEventID++
	record.ID = s.nextEventID
	s.events = append(s.events, *record)
	s.eventIDs[record.EventID] = struct{}{}
	return nil
}

func (s *MemStore) QueryEvents(ctx context.Context, filter storage.EventFilter) ([]storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.EventRecord
	for _, record := range s.events {
		if filter.EventType != "" && record.EventType != filter.EventType {
			continue
		}
		if filter.AggregateID != "" && record.AggregateID != filter.AggregateID {
			continue
		}
		if filter.CorrelationID != "" && record.CorrelationID != filter.CorrelationID {
			continue
		}
		if filter.From != 0 && record.Timestamp < filter.From {
			continue
		}
		if filter.To != 0 && record.Timestamp > filter.To {
			continue
		}
		out = append(out, record)
	}

	// Insertion order breaks timestamp ties so replay is deterministic.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemStore) CreateSagaInstance(ctx context.Context, record *storage.SagaInstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[record.ID]; ok {
		return fmt.Errorf("saga %s already exists", record.ID)
	}
	s.sagas[record.ID] = *record
	return nil
}

func (s *MemStore) UpdateSagaInstance(ctx context.Context, record *storage.SagaInstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[record.ID]; !ok {
		return fmt.Errorf("saga %s: %w", record.ID, storage.ErrSagaNotFound)
	}
	s.sagas[record.ID] = *record
	return nil
}

func (s *MemStore) GetSagaInstance(ctx context.Context, id string) (*storage.SagaInstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sagas[id]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", id, storage.ErrSagaNotFound)
	}
	return &record, nil
}

func (s *MemStore) FetchStalledSagas(ctx context.Context, olderThan time.Duration, limit int) ([]storage.SagaInstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threshold := time.Now().Add(-olderThan)
	var out []storage.SagaInstanceRecord
	for _, record := range s.sagas {
		if record.Status != storage.SagaStatusPending && record.Status != storage.SagaStatusCompensating {
			continue
		}
		if record.UpdatedAt.After(threshold) {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) CreateSagaStep(ctx context.Context, record *storage.SagaStepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[record.SagaID] = append(s.steps[record.SagaID], *record)
	return nil
}

func (s *MemStore) UpdateSagaStep(ctx context.Context, record *storage.SagaStepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[record.SagaID]
	for i := range steps {
		if steps[i].ID == record.ID {
			steps[i] = *record
			return nil
		}
	}
	return fmt.Errorf("saga step %s not found", record.ID)
}

func (s *MemStore) ListSagaSteps(ctx context.Context, sagaID string) ([]storage.SagaStepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]storage.SagaStepRecord, len(s.steps[sagaID]))
	copy(steps, s.steps[sagaID])
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	return steps, nil
}

func (s *MemStore) UpsertProjection(ctx context.Context, record *storage.ProjectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projections[projectionKey(record.Projection, record.AggregateID)] = *record
	return nil
}

func (s *MemStore) GetProjection(ctx context.Context, projection, aggregateID string) (*storage.ProjectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.projections[projectionKey(projection, aggregateID)]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *MemStore) DeleteProjection(ctx context.Context, projection, aggregateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projections, projectionKey(projection, aggregateID))
	return nil
}

func projectionKey(projection, aggregateID string) string {
	return projection + "/" + aggregateID
}
