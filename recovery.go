package eventflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fundlyhub/eventflow/storage"
)

// SagaRecoveryService finds saga instances that stopped making progress,
// usually because the process died mid-saga, and rolls them back so no
// partial state survives. Run RecoverStalledSagas periodically as a Runner
// job.
type SagaRecoveryService struct {
	store        storage.Store
	orchestrator *Orchestrator
	logger       *zap.Logger
	metrics      MetricsCollector
	stalledAfter time.Duration
	batchSize    int
}

// NewSagaRecoveryService creates a recovery service over the given
// orchestrator.
func NewSagaRecoveryService(store storage.Store, orchestrator *Orchestrator, logger *zap.Logger, metrics MetricsCollector, opts ...RecoveryOption) *SagaRecoveryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}

	options := &recoveryOptions{
		stalledAfter: defaultStalledThreshold,
		batchSize:    defaultRecoveryBatch,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &SagaRecoveryService{
		store:        store,
		orchestrator: orchestrator,
		logger:       logger,
		metrics:      metrics,
		stalledAfter: options.stalledAfter,
		batchSize:    options.batchSize,
	}
}

// RecoverStalledSagas compensates one batch of stalled saga instances. Each
// instance ends in the failed state with its completed steps rolled back.
func (s *SagaRecoveryService) RecoverStalledSagas(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("saga.recovery.duration", time.Since(start), nil)
	}()

	stalled, err := s.store.FetchStalledSagas(ctx, s.stalledAfter, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch stalled sagas: %w", err)
	}
	if len(stalled) == 0 {
		return nil
	}

	s.logger.Info("Found stalled sagas", zap.Int("count", len(stalled)))

	recovered := 0
	for _, instance := range stalled {
		select {
		case <-ctx.Done():
			s.logger.Warn("Context cancelled during saga recovery", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}

		reason := fmt.Sprintf("stalled in %s for over %s, compensated by recovery", instance.Status, s.stalledAfter)
		if err := s.orchestrator.Abort(ctx, instance.ID, reason); err != nil {
			s.logger.Error("Failed to recover stalled saga",
				zap.String("saga_id", instance.ID),
				zap.String("saga_type", instance.SagaType),
				zap.Error(err),
			)
			s.metrics.IncrementCounter("saga.recovery.failed", map[string]string{"saga_type": instance.SagaType})
			continue
		}
		recovered++
		s.metrics.IncrementCounter("saga.recovery.recovered", map[string]string{"saga_type": instance.SagaType})
	}

	s.logger.Info("Saga recovery completed",
		zap.Int("recovered", recovered),
		zap.Duration("stalled_threshold", s.stalledAfter),
	)
	return nil
}

// Jobs returns the runner jobs for saga recovery and, when a memory-backed
// idempotency store is used, expiry of its processed-event records.
func Jobs(recovery *SagaRecoveryService, idempotency *MemoryIdempotencyStore, interval time.Duration) []Job {
	jobs := []Job{
		{
			Name:     "saga_recovery",
			Interval: interval,
			Run:      recovery.RecoverStalledSagas,
		},
	}
	if idempotency != nil {
		jobs = append(jobs, Job{
			Name:     "idempotency_purge",
			Interval: interval,
			Run: func(ctx context.Context) error {
				_, err := idempotency.PurgeExpired(ctx)
				return err
			},
		})
	}
	return jobs
}
