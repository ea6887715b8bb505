package inventory

import (
	"context"
	"time"

	"github.com/example/order-saga/internal/outbox"
)

// CounterUpdate carries the new counter values for one product, applied
// only if the stored version still equals PriorVersion. The write bumps
// the version, so concurrent writers conflict instead of interleaving.
type CounterUpdate struct {
	ProductID    string
	Available    int
	Reserved     int
	Allocated    int
	PriorVersion int64
}

// Store owns the inventory document store: items, reservations and the
// inventory-side outbox. All multi-document writes are atomic.
type Store interface {
	GetItems(ctx context.Context, productIDs []string) (map[string]*Item, error)

	// Restock adds external stock, the one operation allowed to change the
	// available+reserved+allocated sum.
	Restock(ctx context.Context, productID string, quantity int) error

	// ApplyReservation writes the reservation, all counter moves and the
	// staged event in one transaction. Fails with ErrAlreadyReserved when
	// the order already holds a reservation, or ErrVersionConflict when a
	// counter was touched concurrently.
	ApplyReservation(ctx context.Context, res *Reservation, updates []CounterUpdate, rec outbox.Record) error

	GetReservation(ctx context.Context, orderID string) (*Reservation, error)

	// TransitionReservation moves RESERVED to ALLOCATED or RELEASED,
	// guarded on the current status so the two transitions stay mutually
	// exclusive and each fires at most once.
	TransitionReservation(ctx context.Context, orderID string, to ReservationStatus, updates []CounterUpdate, rec outbox.Record) error

	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}
