package unit

import "time"

// Event is anything published on the event bus.
type Event interface {
	Type() string
	Domain() string
	Payload() any
	Timestamp() time.Time
	CorrelationID() string
}

// EventPublisher accepts events for asynchronous delivery.
type EventPublisher interface {
	Publish(event Event) error
}
