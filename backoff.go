package eventflow

import (
	"math"
	"time"
)

// BackoffStrategy computes the delay before a retry attempt. Attempts are
// numbered from 1.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay geometrically from BaseDelay, capped at
// MaxDelay.
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// Delay implements BackoffStrategy.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if capped := float64(b.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// DefaultBackoffStrategy returns the backoff used when none is configured.
func DefaultBackoffStrategy() BackoffStrategy {
	return ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}
}
