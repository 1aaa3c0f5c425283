package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlyhub/eventflow/storage"
)

func eventRecord(eventID, eventType, aggregateID string, ts int64) *storage.EventRecord {
	return &storage.EventRecord{
		EventID:     eventID,
		EventType:   eventType,
		AggregateID: aggregateID,
		Timestamp:   ts,
		Version:     "1.0",
		Payload:     []byte(`{}`),
	}
}

func TestMemStore_AppendAndQuery(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.AppendEvent(ctx, eventRecord("evt-1", "donation.completed", "camp-1", 100)))
	require.NoError(t, store.AppendEvent(ctx, eventRecord("evt-2", "donation.completed", "camp-2", 200)))
	require.NoError(t, store.AppendEvent(ctx, eventRecord("evt-3", "campaign.created", "camp-1", 300)))

	all, err := store.QueryEvents(ctx, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	byAggregate, err := store.QueryEvents(ctx, storage.EventFilter{AggregateID: "camp-1"})
	require.NoError(t, err)
	require.Len(t, byAggregate, 2)

	byType, err := store.QueryEvents(ctx, storage.EventFilter{EventType: "campaign.created"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "evt-3", byType[0].EventID)

	byRange, err := store.QueryEvents(ctx, storage.EventFilter{From: 150, To: 250})
	require.NoError(t, err)
	require.Len(t, byRange, 1)
	assert.Equal(t, "evt-2", byRange[0].EventID)

	limited, err := store.QueryEvents(ctx, storage.EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemStore_QueryOrdering(t *testing.T) {
	ctx := context.Background()
	store := New()

	// Same timestamp: insertion order must break the tie.
	require.NoError(t, store.AppendEvent(ctx, eventRecord("evt-b", "donation.completed", "camp-1", 200)))
	require.NoError(t, store.AppendEvent(ctx, eventRecord("evt-c", "donation.completed", "camp-1", 200)))
	require.NoError(t, store.AppendEvent(ctx, eventRecord("evt-a", "donation.completed", "camp-1", 100)))

	events, err := store.QueryEvents(ctx, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt-a", events[0].EventID)
	assert.Equal(t, "evt-b", events[1].EventID)
	assert.Equal(t, "evt-c", events[2].EventID)
}

func TestMemStore_DuplicateEventID(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.AppendEvent(ctx, eventRecord("evt-1", "donation.completed", "camp-1", 100)))
	err := store.AppendEvent(ctx, eventRecord("evt-1", "donation.completed", "camp-1", 200))
	assert.ErrorIs(t, err, storage.ErrDuplicateEventID)
}

func TestMemStore_AppendEventsIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.AppendEvent(ctx, eventRecord("evt-2", "donation.completed", "camp-1", 100)))

	err := store.AppendEvents(ctx, []*storage.EventRecord{
		eventRecord("evt-1", "donation.completed", "camp-1", 200),
		eventRecord("evt-2", "donation.completed", "camp-1", 300), // duplicate
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateEventID)

	// The batch must not have been partially applied.
	events, err := store.QueryEvents(ctx, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-2", events[0].EventID)
}

func TestMemStore_SagaLifecycle(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Now().UTC()

	instance := &storage.SagaInstanceRecord{
		ID:        "saga-1",
		SagaType:  "campaign_creation",
		Status:    storage.SagaStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateSagaInstance(ctx, instance))
	assert.Error(t, store.CreateSagaInstance(ctx, instance), "duplicate id is rejected")

	instance.Status = storage.SagaStatusCompleted
	require.NoError(t, store.UpdateSagaInstance(ctx, instance))

	loaded, err := store.GetSagaInstance(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, storage.SagaStatusCompleted, loaded.Status)

	_, err = store.GetSagaInstance(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrSagaNotFound)

	err = store.UpdateSagaInstance(ctx, &storage.SagaInstanceRecord{ID: "missing"})
	assert.ErrorIs(t, err, storage.ErrSagaNotFound)
}

func TestMemStore_FetchStalledSagas(t *testing.T) {
	ctx := context.Background()
	store := New()
	stale := time.Now().UTC().Add(-time.Hour)
	now := time.Now().UTC()

	records := []*storage.SagaInstanceRecord{
		{ID: "stalled-pending", Status: storage.SagaStatusPending, UpdatedAt: stale},
		{ID: "stalled-compensating", Status: storage.SagaStatusCompensating, UpdatedAt: stale},
		{ID: "old-but-done", Status: storage.SagaStatusCompleted, UpdatedAt: stale},
		{ID: "fresh-pending", Status: storage.SagaStatusPending, UpdatedAt: now},
	}
	for _, record := range records {
		require.NoError(t, store.CreateSagaInstance(ctx, record))
	}

	stalled, err := store.FetchStalledSagas(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(stalled))
	for _, record := range stalled {
		ids = append(ids, record.ID)
	}
	assert.ElementsMatch(t, []string{"stalled-pending", "stalled-compensating"}, ids)

	limited, err := store.FetchStalledSagas(ctx, 10*time.Minute, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemStore_SagaSteps(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.CreateSagaStep(ctx, &storage.SagaStepRecord{
		ID: "step-2", SagaID: "saga-1", StepNumber: 2, StepName: "second", Status: storage.StepStatusPending,
	}))
	require.NoError(t, store.CreateSagaStep(ctx, &storage.SagaStepRecord{
		ID: "step-1", SagaID: "saga-1", StepNumber: 1, StepName: "first", Status: storage.StepStatusCompleted,
	}))

	steps, err := store.ListSagaSteps(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "first", steps[0].StepName)
	assert.Equal(t, "second", steps[1].StepName)

	require.NoError(t, store.UpdateSagaStep(ctx, &storage.SagaStepRecord{
		ID: "step-2", SagaID: "saga-1", StepNumber: 2, StepName: "second", Status: storage.StepStatusCompleted,
	}))
	steps, err = store.ListSagaSteps(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StepStatusCompleted, steps[1].Status)

	assert.Error(t, store.UpdateSagaStep(ctx, &storage.SagaStepRecord{ID: "missing", SagaID: "saga-1"}))
}

func TestMemStore_Projections(t *testing.T) {
	ctx := context.Background()
	store := New()

	missing, err := store.GetProjection(ctx, "campaign_stats", "camp-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.UpsertProjection(ctx, &storage.ProjectionRecord{
		Projection:  "campaign_stats",
		AggregateID: "camp-1",
		Data:        []byte(`{"total_raised":100}`),
		UpdatedAt:   time.Now().UTC(),
	}))
	require.NoError(t, store.UpsertProjection(ctx, &storage.ProjectionRecord{
		Projection:  "campaign_stats",
		AggregateID: "camp-1",
		Data:        []byte(`{"total_raised":200}`),
		UpdatedAt:   time.Now().UTC(),
	}))

	loaded, err := store.GetProjection(ctx, "campaign_stats", "camp-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.JSONEq(t, `{"total_raised":200}`, string(loaded.Data))

	require.NoError(t, store.DeleteProjection(ctx, "campaign_stats", "camp-1"))
	gone, err := store.GetProjection(ctx, "campaign_stats", "camp-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
