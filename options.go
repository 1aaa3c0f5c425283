package eventflow

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize        = 256
	defaultMaxAttempts      = 3
	defaultCompensationTry  = 3
	defaultIdempotencyTTL   = 1 * time.Hour
	defaultStalledThreshold = 10 * time.Minute
	defaultRecoveryBatch    = 50
)

//
// Bus Options
//

type busOptions struct {
	logger         *zap.Logger
	metrics        MetricsCollector
	queueSize      int
	publishMW      []PublishMiddleware
	handlerMW      []HandlerMiddleware
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	breaker        *BreakerConfig
}

type BusOption func(*busOptions)

// WithLogger sets the bus logger.
func WithLogger(logger *zap.Logger) BusOption {
	return func(o *busOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the bus metrics collector.
func WithMetrics(metrics MetricsCollector) BusOption {
	return func(o *busOptions) {
		o.metrics = metrics
	}
}

// WithQueueSize sets the per-subscription delivery queue size.
func WithQueueSize(size int) BusOption {
	return func(o *busOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

// WithPublishMiddleware appends middleware to the publish pipeline, between
// the built-in logging and schema validation stages.
func WithPublishMiddleware(mw ...PublishMiddleware) BusOption {
	return func(o *busOptions) {
		o.publishMW = append(o.publishMW, mw...)
	}
}

// WithHandlerMiddleware appends middleware to the handle pipeline, closest to
// the handler.
func WithHandlerMiddleware(mw ...HandlerMiddleware) BusOption {
	return func(o *busOptions) {
		o.handlerMW = append(o.handlerMW, mw...)
	}
}

// WithIdempotency enables duplicate-delivery suppression backed by the given
// store. A zero TTL falls back to the default.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) BusOption {
	return func(o *busOptions) {
		o.idempotency = store
		if ttl > 0 {
			o.idempotencyTTL = ttl
		}
	}
}

// WithCircuitBreaker enables per-handler circuit breaking.
func WithCircuitBreaker(cfg BreakerConfig) BusOption {
	return func(o *busOptions) {
		o.breaker = &cfg
	}
}

//
// Orchestrator Options
//

type orchestratorOptions struct {
	maxAttempts          int
	compensationAttempts int
	backoff              BackoffStrategy
}

type OrchestratorOption func(*orchestratorOptions)

// WithStepMaxAttempts sets how many times a forward action is tried before
// the saga compensates.
func WithStepMaxAttempts(attempts int) OrchestratorOption {
	return func(o *orchestratorOptions) {
		if attempts > 0 {
			o.maxAttempts = attempts
		}
	}
}

// WithCompensationMaxAttempts sets how many times a compensation is retried
// before being logged as unresolved.
func WithCompensationMaxAttempts(attempts int) OrchestratorOption {
	return func(o *orchestratorOptions) {
		if attempts > 0 {
			o.compensationAttempts = attempts
		}
	}
}

// WithBackoffStrategy sets the delay strategy between retry attempts.
func WithBackoffStrategy(strategy BackoffStrategy) OrchestratorOption {
	return func(o *orchestratorOptions) {
		if strategy != nil {
			o.backoff = strategy
		}
	}
}

//
// SagaRecoveryService Options
//

type recoveryOptions struct {
	stalledAfter time.Duration
	batchSize    int
}

type RecoveryOption func(*recoveryOptions)

// WithStalledThreshold sets how long a saga may sit without progress before
// recovery compensates it.
func WithStalledThreshold(d time.Duration) RecoveryOption {
	return func(o *recoveryOptions) {
		if d > 0 {
			o.stalledAfter = d
		}
	}
}

// WithRecoveryBatchSize sets how many stalled sagas one sweep picks up.
func WithRecoveryBatchSize(size int) RecoveryOption {
	return func(o *recoveryOptions) {
		if size > 0 {
			o.batchSize = size
		}
	}
}
