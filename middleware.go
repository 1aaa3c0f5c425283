package eventflow

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// publishLoggingMiddleware records every publish attempt and its outcome.
func publishLoggingMiddleware(logger *zap.Logger, metrics MetricsCollector) PublishMiddleware {
	return func(next PublishFunc) PublishFunc {
		return func(ctx context.Context, event Event) error {
			start := time.Now()
			err := next(ctx, event)
			metrics.RecordDuration("bus.publish.duration", time.Since(start), map[string]string{
				"event_type": event.Type,
			})

			if err != nil {
				metrics.IncrementCounter("bus.publish.rejected", map[string]string{"event_type": event.Type})
				logger.Warn("Publish rejected",
					zap.String("event_id", event.ID),
					zap.String("event_type", event.Type),
					zap.Error(err),
				)
				return err
			}

			metrics.IncrementCounter("bus.publish.accepted", map[string]string{"event_type": event.Type})
			logger.Debug("Event accepted for publish",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.String("aggregate_id", event.AggregateID),
			)
			return nil
		}
	}
}

// validationMiddleware rejects events whose payload fails the schema check
// for their type and version. A rejected event is never stored.
func validationMiddleware() PublishMiddleware {
	return func(next PublishFunc) PublishFunc {
		return func(ctx context.Context, event Event) error {
			if err := ValidateEvent(event); err != nil {
				return err
			}
			return next(ctx, event)
		}
	}
}

// handlerLoggingMiddleware records every handle attempt and its outcome.
func handlerLoggingMiddleware(logger *zap.Logger, metrics MetricsCollector) HandlerMiddleware {
	return func(info SubscriptionInfo, next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, event Event) error {
			start := time.Now()
			err := next(ctx, event)
			metrics.RecordDuration("bus.handle.duration", time.Since(start), map[string]string{
				"handler":    info.Name,
				"event_type": info.EventType,
			})

			if err != nil {
				logger.Debug("Handle attempt failed",
					zap.String("handler", info.Name),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
				return err
			}

			logger.Debug("Event handled",
				zap.String("handler", info.Name),
				zap.String("event_id", event.ID),
			)
			return nil
		}
	}
}
