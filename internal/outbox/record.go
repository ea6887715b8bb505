package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/order-saga/internal/event"
)

// Record is one staged event. Rows are append-only: the published flag goes
// false→true exactly once and rows are never deleted, so the table doubles
// as an audit log and a replay source.
//
// The event ID is assigned when the row is staged, which keeps it stable
// across publish retries — downstream idempotency depends on that.
type Record struct {
	EventID       string
	EventType     string
	CorrelationID string
	Payload       json.RawMessage
	CreatedAt     time.Time
	Published     bool
}

// Stage assigns a fresh event ID and wraps a payload into an unpublished
// record ready to be inserted alongside the domain write.
func Stage(eventType, correlationID string, payload any) (Record, error) {
	env, err := event.New(eventType, correlationID, payload)
	if err != nil {
		return Record{}, err
	}
	return Record{
		EventID:       env.EventID,
		EventType:     env.EventType,
		CorrelationID: env.CorrelationID,
		Payload:       env.Payload,
		CreatedAt:     env.Timestamp,
	}, nil
}

// Envelope rebuilds the wire envelope for this record.
func (r Record) Envelope() event.Envelope {
	return event.Envelope{
		EventID:       r.EventID,
		EventType:     r.EventType,
		Timestamp:     r.CreatedAt,
		CorrelationID: r.CorrelationID,
		Payload:       r.Payload,
	}
}

// Store is the participant-local outbox table. Staging happens inside the
// participant's own domain transaction and is therefore not part of this
// interface; the relay only reads and marks.
type Store interface {
	// FetchUnpublished returns unpublished records in creation order.
	FetchUnpublished(ctx context.Context, limit int) ([]Record, error)

	// MarkPublished flips the published flag for one record.
	MarkPublished(ctx context.Context, eventID string) error
}
