package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names. Each participant publishes only to its own topic; messages
// are keyed by order ID so events of one order stay in one partition.
const (
	TopicOrderEvents     = "order.events"
	TopicPaymentEvents   = "payment.events"
	TopicInventoryEvents = "inventory.events"
	TopicDeadLetter      = "saga.deadletter"
)

const (
	TypeOrderCreated   = "OrderCreated"
	TypeOrderCompleted = "OrderCompleted"
	TypeOrderFailed    = "OrderFailed"
	TypeOrderCancelled = "OrderCancelled"

	TypePaymentProcessed = "PaymentProcessed"
	TypePaymentFailed    = "PaymentFailed"
	TypePaymentRefunded  = "PaymentRefunded"

	TypeInventoryReserved  = "InventoryReserved"
	TypeInventoryFailed    = "InventoryFailed"
	TypeInventoryAllocated = "InventoryAllocated"
	TypeInventoryReleased  = "InventoryReleased"

	TypeCompensationFailed = "CompensationFailed"
)

// Envelope is the wire format shared by every topic.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// New wraps a payload in a fresh envelope. The correlation ID is the order
// ID the event belongs to; it doubles as the partition key.
func New(eventType, correlationID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       data,
	}, nil
}

// ErrMalformedPayload marks a payload that cannot be decoded for its event
// type. Consumers treat it as permanent and dead-letter the message instead
// of retrying it.
var ErrMalformedPayload = errors.New("malformed event payload")

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedPayload, e.EventType, err)
	}
	return nil
}
