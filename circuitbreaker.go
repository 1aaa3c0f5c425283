package eventflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrHandlerSuspended is returned by the circuit-breaker middleware when a
// delivery is skipped because the handler's breaker is open.
var ErrHandlerSuspended = errors.New("handler suspended by circuit breaker")

// BreakerConfig tunes the per-handler circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// Window bounds how far apart consecutive failures may be and still
	// count as one streak.
	Window time.Duration
	// CoolDown is how long deliveries are skipped before a trial delivery
	// is allowed.
	CoolDown time.Duration
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           1 * time.Minute,
		CoolDown:         30 * time.Second,
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker guards one handler. After FailureThreshold consecutive
// failures within Window it opens; once CoolDown elapses a single trial
// delivery decides whether it closes again or re-opens.
type circuitBreaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
}

func newCircuitBreaker(cfg BreakerConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg}
}

// allow reports whether a delivery may proceed. In the open state it permits
// exactly one trial delivery after the cool-down.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.openedAt) >= cb.cfg.CoolDown {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// A trial delivery is already in flight.
		return false
	}
	return false
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failures = 0
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.state == breakerHalfOpen {
		cb.state = breakerOpen
		cb.openedAt = now
		cb.lastFailure = now
		return
	}

	if cb.failures > 0 && now.Sub(cb.lastFailure) > cb.cfg.Window {
		cb.failures = 0
	}
	cb.failures++
	cb.lastFailure = now

	if cb.failures >= cb.cfg.FailureThreshold {
		cb.state = breakerOpen
		cb.openedAt = now
	}
}

// CircuitBreakerMiddleware suspends deliveries to a handler after repeated
// consecutive failures. Skipped deliveries surface as ErrHandlerSuspended,
// which the bus logs without counting as a handler failure.
func CircuitBreakerMiddleware(cfg BreakerConfig, logger *zap.Logger, metrics MetricsCollector) HandlerMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}

	var (
		mu       sync.Mutex
		breakers = make(map[string]*circuitBreaker)
	)
	breakerFor := func(name string) *circuitBreaker {
		mu.Lock()
		defer mu.Unlock()
		cb, ok := breakers[name]
		if !ok {
			cb = newCircuitBreaker(cfg)
			breakers[name] = cb
		}
		return cb
	}

	return func(info SubscriptionInfo, next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, event Event) error {
			cb := breakerFor(info.Name)

			if !cb.allow() {
				metrics.IncrementCounter("bus.breaker.skipped", map[string]string{"handler": info.Name})
				return ErrHandlerSuspended
			}

			err := next(ctx, event)
			if err != nil {
				cb.recordFailure()
				if cb.currentState() == breakerOpen {
					metrics.IncrementCounter("bus.breaker.opened", map[string]string{"handler": info.Name})
					logger.Warn("Circuit breaker opened",
						zap.String("handler", info.Name),
						zap.Duration("cool_down", cfg.CoolDown),
					)
				}
				return err
			}

			cb.recordSuccess()
			return nil
		}
	}
}

func (cb *circuitBreaker) currentState() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
