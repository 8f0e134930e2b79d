package unit

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is the concrete Event used by the domain packages.
type DomainEvent struct {
	EventType          string    `json:"event_type"`
	EventDomain        string    `json:"domain"`
	Data               any       `json:"payload,omitempty"`
	EventTimestamp     time.Time `json:"timestamp"`
	EventCorrelationID string    `json:"correlation_id"`
}

// NewDomainEvent stamps a new event. An empty correlationID gets a fresh UUID.
func NewDomainEvent(domain, eventType, correlationID string, payload any) *DomainEvent {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return &DomainEvent{
		EventType:          eventType,
		EventDomain:        domain,
		Data:               payload,
		EventTimestamp:     time.Now(),
		EventCorrelationID: correlationID,
	}
}

func (e *DomainEvent) Type() string          { return e.EventType }
func (e *DomainEvent) Domain() string        { return e.EventDomain }
func (e *DomainEvent) Payload() any          { return e.Data }
func (e *DomainEvent) Timestamp() time.Time  { return e.EventTimestamp }
func (e *DomainEvent) CorrelationID() string { return e.EventCorrelationID }

var _ Event = (*DomainEvent)(nil)
