package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlyhub/eventflow/storage"
)

func newStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

func sampleEvent() *storage.EventRecord {
	return &storage.EventRecord{
		EventID:       "evt-1",
		EventType:     "donation.completed",
		AggregateID:   "camp-1",
		Timestamp:     1700000000000,
		Version:       "1.0",
		CorrelationID: "op-1",
		CausationID:   "",
		Metadata:      []byte(`{"actor":"user-1"}`),
		Payload:       []byte(`{"amount":500}`),
	}
}

func TestPGStore_AppendEvent(t *testing.T) {
	store, mock := newStore(t)
	record := sampleEvent()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO domain_events")).
		WithArgs(record.EventID, record.EventType, record.AggregateID, record.Timestamp,
			record.Version, record.CorrelationID, record.CausationID, record.Metadata, record.Payload).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.AppendEvent(context.Background(), record))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_AppendEvent_Duplicate(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO domain_events")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "domain_events_event_id_key"})

	err := store.AppendEvent(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, storage.ErrDuplicateEventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_AppendEvents_Transactional(t *testing.T) {
	store, mock := newStore(t)

	first := sampleEvent()
	second := sampleEvent()
	second.EventID = "evt-2"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO domain_events")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO domain_events")).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, store.AppendEvents(context.Background(), []*storage.EventRecord{first, second}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_AppendEvents_RollsBackOnDuplicate(t *testing.T) {
	store, mock := newStore(t)

	first := sampleEvent()
	second := sampleEvent()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO domain_events")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO domain_events")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := store.AppendEvents(context.Background(), []*storage.EventRecord{first, second})
	assert.ErrorIs(t, err, storage.ErrDuplicateEventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func eventRows(records ...*storage.EventRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "event_id", "event_type", "aggregate_id", "ts", "version",
		"correlation_id", "causation_id", "metadata", "payload",
	})
	for i, r := range records {
		rows.AddRow(int64(i+1), r.EventID, r.EventType, r.AggregateID, r.Timestamp,
			r.Version, r.CorrelationID, r.CausationID, r.Metadata, r.Payload)
	}
	return rows
}

func TestPGStore_QueryEvents_BuildsFilter(t *testing.T) {
	store, mock := newStore(t)
	record := sampleEvent()

	mock.ExpectQuery(`SELECT .+ FROM domain_events WHERE event_type = \$1 AND aggregate_id = \$2 AND ts >= \$3 ORDER BY ts, id LIMIT \$4`).
		WithArgs("donation.completed", "camp-1", int64(1600000000000), 10).
		WillReturnRows(eventRows(record))

	events, err := store.QueryEvents(context.Background(), storage.EventFilter{
		EventType:   "donation.completed",
		AggregateID: "camp-1",
		From:        1600000000000,
		Limit:       10,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].EventID)
	assert.Equal(t, int64(1), events[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_QueryEvents_NoFilter(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery(`SELECT .+ FROM domain_events ORDER BY ts, id`).
		WillReturnRows(eventRows())

	events, err := store.QueryEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_SagaInstanceRoundTrip(t *testing.T) {
	store, mock := newStore(t)
	now := time.Now().UTC()

	record := &storage.SagaInstanceRecord{
		ID:          "saga-1",
		SagaType:    "campaign_creation",
		AggregateID: "camp-1",
		Status:      storage.SagaStatusPending,
		Data:        []byte(`{"slug":"save-the-bees"}`),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO saga_instances")).
		WithArgs(record.ID, record.SagaType, record.AggregateID, record.Status, record.CurrentStep,
			record.Data, record.ErrorMessage, record.CreatedAt, record.UpdatedAt, record.CompletedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.CreateSagaInstance(context.Background(), record))

	mock.ExpectQuery(regexp.QuoteMeta("FROM saga_instances")).
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "saga_type", "aggregate_id", "status", "current_step",
			"data", "error_message", "created_at", "updated_at", "completed_at",
		}).AddRow("saga-1", "campaign_creation", "camp-1", storage.SagaStatusPending, 0,
			record.Data, "", now, now, nil))

	loaded, err := store.GetSagaInstance(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "campaign_creation", loaded.SagaType)
	assert.Nil(t, loaded.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_GetSagaInstance_NotFound(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM saga_instances")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetSagaInstance(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrSagaNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_FetchStalledSagas(t *testing.T) {
	store, mock := newStore(t)
	stale := time.Now().UTC().Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM saga_instances")).
		WithArgs(storage.SagaStatusPending, storage.SagaStatusCompensating, sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "saga_type", "aggregate_id", "status", "current_step",
			"data", "error_message", "created_at", "updated_at", "completed_at",
		}).AddRow("saga-1", "campaign_creation", "camp-1", storage.SagaStatusPending, 2,
			[]byte(`{}`), "", stale, stale, nil))

	stalled, err := store.FetchStalledSagas(context.Background(), 10*time.Minute, 5)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "saga-1", stalled[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_ListSagaSteps(t *testing.T) {
	store, mock := newStore(t)
	executedAt := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM saga_steps")).
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "saga_id", "step_number", "step_name", "status",
			"attempt_count", "error_message", "executed_at", "compensated_at",
		}).
			AddRow("step-1", "saga-1", 1, "validate_slug", storage.StepStatusCompleted, 1, "", executedAt, nil).
			AddRow("step-2", "saga-1", 2, "create_campaign", storage.StepStatusFailed, 3, "boom", nil, nil))

	steps, err := store.ListSagaSteps(context.Background(), "saga-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "validate_slug", steps[0].StepName)
	require.NotNil(t, steps[0].ExecutedAt)
	assert.Equal(t, 3, steps[1].AttemptCount)
	assert.Equal(t, "boom", steps[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_Projections(t *testing.T) {
	store, mock := newStore(t)
	now := time.Now().UTC()

	record := &storage.ProjectionRecord{
		Projection:  "campaign_stats",
		AggregateID: "camp-1",
		Data:        []byte(`{"total_raised":100}`),
		UpdatedAt:   now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO projections")).
		WithArgs(record.Projection, record.AggregateID, record.Data, record.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpsertProjection(context.Background(), record))

	mock.ExpectQuery(regexp.QuoteMeta("FROM projections")).
		WithArgs("campaign_stats", "camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"projection", "aggregate_id", "data", "updated_at"}).
			AddRow(record.Projection, record.AggregateID, record.Data, record.UpdatedAt))

	loaded, err := store.GetProjection(context.Background(), "campaign_stats", "camp-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.JSONEq(t, `{"total_raised":100}`, string(loaded.Data))

	mock.ExpectQuery(regexp.QuoteMeta("FROM projections")).
		WithArgs("campaign_stats", "missing").
		WillReturnError(sql.ErrNoRows)

	absent, err := store.GetProjection(context.Background(), "campaign_stats", "missing")
	require.NoError(t, err)
	assert.Nil(t, absent)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM projections")).
		WithArgs("campaign_stats", "camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.DeleteProjection(context.Background(), "campaign_stats", "camp-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_QueryEvents_QueryError(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM domain_events")).
		WillReturnError(errors.New("connection refused"))

	_, err := store.QueryEvents(context.Background(), storage.EventFilter{})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
