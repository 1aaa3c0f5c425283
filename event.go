package eventflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEventAlreadyExists is returned when appending an event with a duplicate id.
	ErrEventAlreadyExists = errors.New("event already exists")
	// ErrUnknownEventType is returned when no schema is registered for a (type, version) pair.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrInvalidPayload is returned when an event payload fails schema validation.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Event is an immutable record of a domain occurrence. Once published its
// fields never change; corrections are modeled as new events.
type Event struct {
	ID            string            `json:"event_id"`
	Type          string            `json:"event_type"`
	AggregateID   string            `json:"aggregate_id"`
	Timestamp     int64             `json:"timestamp"`
	Version       string            `json:"version"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// EventOption customizes an event at construction time.
type EventOption func(*Event)

// WithCorrelationID links the event to a logical operation.
func WithCorrelationID(id string) EventOption {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithCausationID records the id of the event that triggered this one.
func WithCausationID(id string) EventOption {
	return func(e *Event) {
		e.CausationID = id
	}
}

// WithMetadata merges the given keys into the event metadata.
func WithMetadata(meta map[string]string) EventOption {
	return func(e *Event) {
		for k, v := range meta {
			e.Metadata[k] = v
		}
	}
}

// NewEvent creates an event of the given type for an aggregate. The payload is
// marshaled to JSON and the schema version is resolved from the catalog, so
// the event is ready to pass schema validation at publish time.
func NewEvent(eventType, aggregateID string, payload interface{}, opts ...EventOption) (Event, error) {
	version, ok := currentVersion(eventType)
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		AggregateID: aggregateID,
		Timestamp:   time.Now().UnixMilli(),
		Version:     version,
		Metadata:    make(map[string]string),
		Payload:     raw,
	}

	for _, opt := range opts {
		opt(&event)
	}

	return event, nil
}

func validateEnvelope(event Event) error {
	if event.ID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.Type == "" {
		return fmt.Errorf("event_type is required")
	}
	if event.AggregateID == "" {
		return fmt.Errorf("aggregate_id is required")
	}
	if event.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// MetadataCarrier adapts event metadata to the OpenTelemetry TextMapCarrier
// interface so trace context can ride along with the event.
type MetadataCarrier struct {
	event *Event
}

// NewMetadataCarrier creates a carrier over the event's metadata map.
func NewMetadataCarrier(event *Event) MetadataCarrier {
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	return MetadataCarrier{event: event}
}

// Get implements propagation.TextMapCarrier.
func (c MetadataCarrier) Get(key string) string {
	return c.event.Metadata[key]
}

// Set implements propagation.TextMapCarrier.
func (c MetadataCarrier) Set(key, value string) {
	c.event.Metadata[key] = value
}

// Keys implements propagation.TextMapCarrier.
func (c MetadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c.event.Metadata))
	for k := range c.event.Metadata {
		keys = append(keys, k)
	}
	return keys
}
