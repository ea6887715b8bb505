package order

import (
	"context"

	"github.com/example/order-saga/internal/outbox"
)

// Store persists orders, saga state and the order-side outbox. CreateOrder
// and SaveTransition are single transactional units: the domain write and
// its outbox rows commit together or not at all. That is what makes the
// saga crash-only — on restart everything resumes from persisted state.
type Store interface {
	// CreateOrder inserts the order, its items, the initial saga state and
	// the staged OrderCreated row in one transaction.
	CreateOrder(ctx context.Context, o *Order, saga *SagaState, rec outbox.Record) error

	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetSaga(ctx context.Context, orderID string) (*SagaState, error)

	// SaveTransition atomically persists the mutated saga state, the order
	// status it implies and any outbox rows the transition produced.
	SaveTransition(ctx context.Context, saga *SagaState, status Status, recs []outbox.Record) error
}
