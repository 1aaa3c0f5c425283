package eventflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fundlyhub/eventflow/storage"
)

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// HandlerFunc processes one delivered event.
type HandlerFunc func(ctx context.Context, event Event) error

// SubscriptionInfo identifies a subscription to handler middleware.
type SubscriptionInfo struct {
	Name      string
	EventType string
}

// PublishFunc is one stage of the publish pipeline.
type PublishFunc func(ctx context.Context, event Event) error

// PublishMiddleware wraps the publish path.
type PublishMiddleware func(next PublishFunc) PublishFunc

// HandlerMiddleware wraps the handle path of every subscription.
type HandlerMiddleware func(info SubscriptionInfo, next HandlerFunc) HandlerFunc

type delivery struct {
	ctx   context.Context
	event Event
	wg    *sync.WaitGroup
}

func (d delivery) done() {
	if d.wg != nil {
		d.wg.Done()
	}
}

// subscription owns one serial dispatch goroutine, so a handler observes
// events of its type in publish order.
type subscription struct {
	info     SubscriptionInfo
	handler  HandlerFunc
	ch       chan delivery
	quit     chan struct{}
	quitOnce sync.Once
}

func (s *subscription) enqueue(d delivery) {
	select {
	case <-s.quit:
		d.done()
		return
	default:
	}
	select {
	case s.ch <- d:
	case <-s.quit:
		d.done()
	}
}

func (s *subscription) stop() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})
}

// Bus is the in-process event bus. Publish durably appends the event to the
// store before any subscriber sees it; fan-out to subscribers is asynchronous
// and independent per handler. Construct one at startup and share it by
// reference.
type Bus struct {
	store     storage.Store
	logger    *zap.Logger
	metrics   MetricsCollector
	queueSize int
	prepare   PublishFunc
	handlerMW []HandlerMiddleware

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an event bus backed by the given store.
func NewBus(store storage.Store, opts ...BusOption) *Bus {
	options := &busOptions{
		logger:         zap.NewNop(),
		metrics:        NewNopMetricsCollector(),
		queueSize:      defaultQueueSize,
		idempotencyTTL: defaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(options)
	}

	b := &Bus{
		store:     store,
		logger:    options.logger,
		metrics:   options.metrics,
		queueSize: options.queueSize,
		subs:      make(map[string][]*subscription),
	}

	// Publish pipeline, innermost first: schema validation, then custom
	// middleware, then logging outermost.
	chain := PublishFunc(func(ctx context.Context, event Event) error { return nil })
	chain = validationMiddleware()(chain)
	for i := len(options.publishMW) - 1; i >= 0; i-- {
		chain = options.publishMW[i](chain)
	}
	chain = publishLoggingMiddleware(b.logger, b.metrics)(chain)
	b.prepare = chain

	// Handle pipeline: logging, idempotency, circuit breaker, then any
	// custom middleware closest to the handler.
	var handlerMW []HandlerMiddleware
	handlerMW = append(handlerMW, handlerLoggingMiddleware(b.logger, b.metrics))
	if options.idempotency != nil {
		handlerMW = append(handlerMW, IdempotencyMiddleware(options.idempotency, options.idempotencyTTL, b.logger))
	}
	if options.breaker != nil {
		handlerMW = append(handlerMW, CircuitBreakerMiddleware(*options.breaker, b.logger, b.metrics))
	}
	handlerMW = append(handlerMW, options.handlerMW...)
	b.handlerMW = handlerMW

	return b
}

// Subscribe registers a handler for one event type. The name identifies the
// handler for idempotency and circuit-breaker bookkeeping and must be stable
// across restarts. The returned function removes the subscription.
func (b *Bus) Subscribe(eventType, name string, handler HandlerFunc) (func(), error) {
	info := SubscriptionInfo{Name: name, EventType: eventType}
	for i := len(b.handlerMW) - 1; i >= 0; i-- {
		handler = b.handlerMW[i](info, handler)
	}

	sub := &subscription{
		info:    info,
		handler: handler,
		ch:      make(chan delivery, b.queueSize),
		quit:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(sub)

	b.logger.Debug("Subscribed handler",
		zap.String("event_type", eventType),
		zap.String("handler", name),
	)

	return func() { b.unsubscribe(sub) }, nil
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	subs := b.subs[sub.info.EventType]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.info.EventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.stop()
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.quit:
			// Release batch publishers waiting on undelivered events.
			for {
				select {
				case d := <-sub.ch:
					d.done()
				default:
					return
				}
			}
		case d := <-sub.ch:
			b.deliver(sub, d)
		}
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) {
	defer d.done()

	err := sub.handler(d.ctx, d.event)
	if err == nil {
		return
	}
	if errors.Is(err, ErrHandlerSuspended) {
		b.logger.Debug("Delivery skipped, handler suspended",
			zap.String("handler", sub.info.Name),
			zap.String("event_id", d.event.ID),
		)
		return
	}
	// Handler errors never propagate to the publisher or other handlers.
	b.metrics.IncrementCounter("bus.handler_failed", map[string]string{
		"handler":    sub.info.Name,
		"event_type": d.event.Type,
	})
	b.logger.Warn("Handler failed",
		zap.String("handler", sub.info.Name),
		zap.String("event_id", d.event.ID),
		zap.Error(err),
	)
}

// Publish validates the event, durably appends it to the store and fans it
// out to subscribers. It returns once the append succeeded; handler dispatch
// completes asynchronously. A validation or store failure means no subscriber
// ever sees the event.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	events := []Event{event}
	if err := b.beginPublish(ctx, events); err != nil {
		return err
	}

	if err := b.store.AppendEvent(ctx, eventToRecord(events[0])); err != nil {
		return convertStoreError(err)
	}

	b.fanOut(ctx, events[0], nil)
	return nil
}

// PublishBatch validates and appends the events as one unit, then fans them
// out and waits for every handler dispatch to complete. If any event fails
// validation or the append fails, none are published.
func (b *Bus) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := b.beginPublish(ctx, events); err != nil {
		return err
	}

	records := make([]*storage.EventRecord, len(events))
	for i, event := range events {
		records[i] = eventToRecord(event)
	}
	if err := b.store.AppendEvents(ctx, records); err != nil {
		return convertStoreError(err)
	}

	var wg sync.WaitGroup
	for _, event := range events {
		b.fanOut(ctx, event, &wg)
	}
	wg.Wait()
	return nil
}

func (b *Bus) beginPublish(ctx context.Context, events []Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	for i := range events {
		otel.GetTextMapPropagator().Inject(ctx, NewMetadataCarrier(&events[i]))
		if err := b.prepare(ctx, events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) fanOut(ctx context.Context, event Event, wg *sync.WaitGroup) {
	b.mu.RLock()
	targets := make([]*subscription, len(b.subs[event.Type]))
	copy(targets, b.subs[event.Type])
	b.mu.RUnlock()

	// Handlers keep running after the publish call returns, so detach the
	// delivery context from the caller's cancellation.
	dctx := context.WithoutCancel(ctx)
	for _, sub := range targets {
		if wg != nil {
			wg.Add(1)
		}
		sub.enqueue(delivery{ctx: dctx, event: event, wg: wg})
	}
}

// Close stops all subscriptions and waits for in-flight deliveries to finish.
// Publishing after Close returns ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	b.wg.Wait()
}

// QueryEvents reads events back from the store, ordered by timestamp
// ascending. It is the replay entry point for projections and audits.
func (b *Bus) QueryEvents(ctx context.Context, filter storage.EventFilter) ([]Event, error) {
	records, err := b.store.QueryEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	events := make([]Event, len(records))
	for i, record := range records {
		events[i] = recordToEvent(record)
	}
	return events, nil
}

func eventToRecord(event Event) *storage.EventRecord {
	var metadata []byte
	if len(event.Metadata) > 0 {
		metadata, _ = json.Marshal(event.Metadata)
	}
	return &storage.EventRecord{
		EventID:       event.ID,
		EventType:     event.Type,
		AggregateID:   event.AggregateID,
		Timestamp:     event.Timestamp,
		Version:       event.Version,
		CorrelationID: event.CorrelationID,
		CausationID:   event.CausationID,
		Metadata:      metadata,
		Payload:       event.Payload,
	}
}

func recordToEvent(record storage.EventRecord) Event {
	event := Event{
		ID:            record.EventID,
		Type:          record.EventType,
		AggregateID:   record.AggregateID,
		Timestamp:     record.Timestamp,
		Version:       record.Version,
		CorrelationID: record.CorrelationID,
		CausationID:   record.CausationID,
		Payload:       record.Payload,
	}
	if len(record.Metadata) > 0 {
		_ = json.Unmarshal(record.Metadata, &event.Metadata)
	}
	return event
}

func convertStoreError(err error) error {
	if errors.Is(err, storage.ErrDuplicateEventID) {
		return ErrEventAlreadyExists
	}
	return err
}
