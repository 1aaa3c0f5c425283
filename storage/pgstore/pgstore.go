// Package pgstore implements the Store interface on Postgres through
// database/sql. Register the pgx stdlib driver (jackc/pgx/v5/stdlib) and pass
// the resulting *sql.DB.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/fundlyhub/eventflow/storage"
)

const (
	tableEvents      = "domain_events"
	tableSagas       = "saga_instances"
	tableSagaSteps   = "saga_steps"
	tableProjections = "projections"
)

// pgUniqueViolation is the Postgres error code for unique constraint violations.
const pgUniqueViolation = "23505"

const (
	appendEventQuery = `
		INSERT INTO %s (event_id, event_type, aggregate_id, ts, version, correlation_id, causation_id, metadata, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	eventColumns = `id, event_id, event_type, aggregate_id, ts, version, correlation_id, causation_id, metadata, payload`

	createSagaQuery = `
		INSERT INTO %s (id, saga_type, aggregate_id, status, current_step, data, error_message, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	updateSagaQuery = `
		UPDATE %s
		SET status = $1, current_step = $2, data = $3, error_message = $4, updated_at = $5, completed_at = $6
		WHERE id = $7`

	getSagaQuery = `
		SELECT id, saga_type, aggregate_id, status, current_step, data, error_message, created_at, updated_at, completed_at
		FROM %s
		WHERE id = $1`

	fetchStalledSagasQuery = `
		SELECT id, saga_type, aggregate_id, status, current_step, data, error_message, created_at, updated_at, completed_at
		FROM %s
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4`

	createStepQuery = `
		INSERT INTO %s (id, saga_id, step_number, step_name, status, attempt_count, error_message, executed_at, compensated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	updateStepQuery = `
		UPDATE %s
		SET status = $1, attempt_count = $2, error_message = $3, executed_at = $4, compensated_at = $5
		WHERE id = $6`

	listStepsQuery = `
		SELECT id, saga_id, step_number, step_name, status, attempt_count, error_message, executed_at, compensated_at
		FROM %s
		WHERE saga_id = $1
		ORDER BY step_number`

	upsertProjectionQuery = `
		INSERT INTO %s (projection, aggregate_id, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (projection, aggregate_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`

	getProjectionQuery = `
		SELECT projection, aggregate_id, data, updated_at
		FROM %s
		WHERE projection = $1 AND aggregate_id = $2`

	deleteProjectionQuery = `DELETE FROM %s WHERE projection = $1 AND aggregate_id = $2`
)

// PGStore is the Postgres-backed Store.
type PGStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a PGStore over the given connection pool.
func New(db *sql.DB, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{
		db:     db,
		logger: logger,
	}
}

func (s *PGStore) AppendEvent(ctx context.Context, record *storage.EventRecord) error {
	return s.appendEvent(ctx, s.db, record)
}

func (s *PGStore) AppendEvents(ctx context.Context, records []*storage.EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, record := range records {
		if err := s.appendEvent(ctx, tx, record); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) appendEvent(ctx context.Context, db storage.DBTX, record *storage.EventRecord) error {
	query := fmt.Sprintf(appendEventQuery, tableEvents)
	_, err := db.ExecContext(ctx, query,
		record.EventID,
		record.EventType,
		record.AggregateID,
		record.Timestamp,
		record.Version,
		record.CorrelationID,
		record.CausationID,
		record.Metadata,
		record.Payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("event %s: %w", record.EventID, storage.ErrDuplicateEventID)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PGStore) QueryEvents(ctx context.Context, filter storage.EventFilter) ([]storage.EventRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.EventType != "" {
		conds = append(conds, "event_type = "+arg(filter.EventType))
	}
	if filter.AggregateID != "" {
		conds = append(conds, "aggregate_id = "+arg(filter.AggregateID))
	}
	if filter.CorrelationID != "" {
		conds = append(conds, "correlation_id = "+arg(filter.CorrelationID))
	}
	if filter.From != 0 {
		conds = append(conds, "ts >= "+arg(filter.From))
	}
	if filter.To != 0 {
		conds = append(conds, "ts <= "+arg(filter.To))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", eventColumns, tableEvents)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts, id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]storage.EventRecord, error) {
	var events []storage.EventRecord
	for rows.Next() {
		var event storage.EventRecord
		if err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.EventType,
			&event.AggregateID,
			&event.Timestamp,
			&event.Version,
			&event.CorrelationID,
			&event.CausationID,
			&event.Metadata,
			&event.Payload,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PGStore) CreateSagaInstance(ctx context.Context, record *storage.SagaInstanceRecord) error {
	query := fmt.Sprintf(createSagaQuery, tableSagas)
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.SagaType,
		record.AggregateID,
		record.Status,
		record.CurrentStep,
		record.Data,
		record.ErrorMessage,
		record.CreatedAt,
		record.UpdatedAt,
		record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create saga instance: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateSagaInstance(ctx context.Context, record *storage.SagaInstanceRecord) error {
	query := fmt.Sprintf(updateSagaQuery, tableSagas)
	_, err := s.db.ExecContext(ctx, query,
		record.Status,
		record.CurrentStep,
		record.Data,
		record.ErrorMessage,
		record.UpdatedAt,
		record.CompletedAt,
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga instance: %w", err)
	}
	return nil
}

func (s *PGStore) GetSagaInstance(ctx context.Context, id string) (*storage.SagaInstanceRecord, error) {
	query := fmt.Sprintf(getSagaQuery, tableSagas)
	record, err := scanSaga(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("saga %s: %w", id, storage.ErrSagaNotFound)
		}
		return nil, fmt.Errorf("failed to get saga instance: %w", err)
	}
	return record, nil
}

func (s *PGStore) FetchStalledSagas(ctx context.Context, olderThan time.Duration, limit int) ([]storage.SagaInstanceRecord, error) {
	threshold := time.Now().UTC().Add(-olderThan)
	query := fmt.Sprintf(fetchStalledSagasQuery, tableSagas)
	rows, err := s.db.QueryContext(ctx, query,
		storage.SagaStatusPending,
		storage.SagaStatusCompensating,
		threshold,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled sagas: %w", err)
	}
	defer rows.Close()

	var sagas []storage.SagaInstanceRecord
	for rows.Next() {
		record, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga row: %w", err)
		}
		sagas = append(sagas, *record)
	}
	return sagas, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSaga(row rowScanner) (*storage.SagaInstanceRecord, error) {
	var record storage.SagaInstanceRecord
	if err := row.Scan(
		&record.ID,
		&record.SagaType,
		&record.AggregateID,
		&record.Status,
		&record.CurrentStep,
		&record.Data,
		&record.ErrorMessage,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *PGStore) CreateSagaStep(ctx context.Context, record *storage.SagaStepRecord) error {
	query := fmt.Sprintf(createStepQuery, tableSagaSteps)
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.SagaID,
		record.StepNumber,
		record.StepName,
		record.Status,
		record.AttemptCount,
		record.ErrorMessage,
		record.ExecutedAt,
		record.CompensatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create saga step: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateSagaStep(ctx context.Context, record *storage.SagaStepRecord) error {
	query := fmt.Sprintf(updateStepQuery, tableSagaSteps)
	_, err := s.db.ExecContext(ctx, query,
		record.Status,
		record.AttemptCount,
		record.ErrorMessage,
		record.ExecutedAt,
		record.CompensatedAt,
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga step: %w", err)
	}
	return nil
}

func (s *PGStore) ListSagaSteps(ctx context.Context, sagaID string) ([]storage.SagaStepRecord, error) {
	query := fmt.Sprintf(listStepsQuery, tableSagaSteps)
	rows, err := s.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query saga steps: %w", err)
	}
	defer rows.Close()

	var steps []storage.SagaStepRecord
	for rows.Next() {
		var step storage.SagaStepRecord
		if err := rows.Scan(
			&step.ID,
			&step.SagaID,
			&step.StepNumber,
			&step.StepName,
			&step.Status,
			&step.AttemptCount,
			&step.ErrorMessage,
			&step.ExecutedAt,
			&step.CompensatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan saga step row: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *PGStore) UpsertProjection(ctx context.Context, record *storage.ProjectionRecord) error {
	query := fmt.Sprintf(upsertProjectionQuery, tableProjections)
	_, err := s.db.ExecContext(ctx, query,
		record.Projection,
		record.AggregateID,
		record.Data,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert projection: %w", err)
	}
	return nil
}

func (s *PGStore) GetProjection(ctx context.Context, projection, aggregateID string) (*storage.ProjectionRecord, error) {
	query := fmt.Sprintf(getProjectionQuery, tableProjections)
	var record storage.ProjectionRecord
	err := s.db.QueryRowContext(ctx, query, projection, aggregateID).Scan(
		&record.Projection,
		&record.AggregateID,
		&record.Data,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get projection: %w", err)
	}
	return &record, nil
}

func (s *PGStore) DeleteProjection(ctx context.Context, projection, aggregateID string) error {
	query := fmt.Sprintf(deleteProjectionQuery, tableProjections)
	if _, err := s.db.ExecContext(ctx, query, projection, aggregateID); err != nil {
		return fmt.Errorf("failed to delete projection: %w", err)
	}
	return nil
}

// EnsureTables creates the engine's tables if they do not exist.
func (s *PGStore) EnsureTables(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			version TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			causation_id TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			payload JSONB NOT NULL
		)`, tableEvents),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_type_ts_idx ON %s (event_type, ts)`, tableEvents, tableEvents),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_aggregate_idx ON %s (aggregate_id, ts)`, tableEvents, tableEvents),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INT NOT NULL DEFAULT 0,
			data JSONB,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`, tableSagas),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			saga_id TEXT NOT NULL,
			step_number INT NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			executed_at TIMESTAMPTZ,
			compensated_at TIMESTAMPTZ
		)`, tableSagaSteps),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_saga_idx ON %s (saga_id, step_number)`, tableSagaSteps, tableSagaSteps),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			projection TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (projection, aggregate_id)
		)`, tableProjections),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure tables: %w", err)
		}
	}
	return nil
}
