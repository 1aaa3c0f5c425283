package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrDuplicateEventID is returned by AppendEvent(s) when the event id is
	// already present in the log.
	ErrDuplicateEventID = errors.New("duplicate event id")
	// ErrSagaNotFound is returned by GetSagaInstance for an unknown id.
	ErrSagaNotFound = errors.New("saga instance not found")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so callers can append
// events inside their own transactions.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Saga instance lifecycle states.
const (
	SagaStatusPending      = "pending"
	SagaStatusCompleted    = "completed"
	SagaStatusFailed       = "failed"
	SagaStatusCompensating = "compensating"
)

// Saga step lifecycle states.
const (
	StepStatusPending     = "pending"
	StepStatusCompleted   = "completed"
	StepStatusFailed      = "failed"
	StepStatusCompensated = "compensated"
)

// EventRecord is the database representation of a domain event. Event rows
// are append-only: the store exposes no update or delete for them.
type EventRecord struct {
	ID            int64
	EventID       string
	EventType     string
	AggregateID   string
	Timestamp     int64
	Version       string
	CorrelationID string
	CausationID   string
	Metadata      []byte
	Payload       []byte
}

// EventFilter narrows a QueryEvents call. Zero values mean "no constraint".
// From and To bound the event timestamp in epoch milliseconds, inclusive.
type EventFilter struct {
	EventType     string
	AggregateID   string
	CorrelationID string
	From          int64
	To            int64
	Limit         int
}

// SagaInstanceRecord is the database representation of one saga execution.
type SagaInstanceRecord struct {
	ID           string
	SagaType     string
	AggregateID  string
	Status       string
	CurrentStep  int
	Data         []byte
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// SagaStepRecord is the database representation of one step of a saga
// instance, ordered by StepNumber.
type SagaStepRecord struct {
	ID            string
	SagaID        string
	StepNumber    int
	StepName      string
	Status        string
	AttemptCount  int
	ErrorMessage  string
	ExecutedAt    *time.Time
	CompensatedAt *time.Time
}

// ProjectionRecord is a read-model row derived from the event stream, keyed
// by projection name and aggregate id. Disposable: it can always be rebuilt
// by replaying events.
type ProjectionRecord struct {
	Projection  string
	AggregateID string
	Data        []byte
	UpdatedAt   time.Time
}

// Store defines the persistence operations the event engine needs: an
// append-only event log plus single-row saga and projection state. Concurrent
// saga instances never contend on the same row.
type Store interface {
	// AppendEvent durably appends one event. Returns an error on duplicate
	// event id.
	AppendEvent(ctx context.Context, record *EventRecord) error
	// AppendEvents appends a batch of events; either all are appended or the
	// call fails.
	AppendEvents(ctx context.Context, records []*EventRecord) error
	// QueryEvents returns events matching the filter ordered by timestamp
	// ascending.
	QueryEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error)

	// CreateSagaInstance persists a new saga instance.
	CreateSagaInstance(ctx context.Context, record *SagaInstanceRecord) error
	// UpdateSagaInstance updates a saga instance row keyed by its id.
	UpdateSagaInstance(ctx context.Context, record *SagaInstanceRecord) error
	// GetSagaInstance loads a saga instance by id.
	GetSagaInstance(ctx context.Context, id string) (*SagaInstanceRecord, error)
	// FetchStalledSagas returns saga instances that have not progressed for
	// longer than olderThan and are not in a terminal state.
	FetchStalledSagas(ctx context.Context, olderThan time.Duration, limit int) ([]SagaInstanceRecord, error)

	// CreateSagaStep persists a new saga step.
	CreateSagaStep(ctx context.Context, record *SagaStepRecord) error
	// UpdateSagaStep updates a saga step row keyed by its id.
	UpdateSagaStep(ctx context.Context, record *SagaStepRecord) error
	// ListSagaSteps returns all steps of a saga ordered by step number.
	ListSagaSteps(ctx context.Context, sagaID string) ([]SagaStepRecord, error)

	// UpsertProjection inserts or replaces a projection row.
	UpsertProjection(ctx context.Context, record *ProjectionRecord) error
	// GetProjection loads a projection row, or nil if absent.
	GetProjection(ctx context.Context, projection, aggregateID string) (*ProjectionRecord, error)
	// DeleteProjection removes a projection row, for compensation and
	// rebuild.
	DeleteProjection(ctx context.Context, projection, aggregateID string) error
}
