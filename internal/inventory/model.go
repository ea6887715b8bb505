package inventory

import (
	"errors"
	"time"

	"github.com/example/order-saga/internal/event"
)

var (
	ErrUnknownProduct      = errors.New("unknown product")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrVersionConflict     = errors.New("version conflict")
	ErrAlreadyReserved     = errors.New("order already has a reservation")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrNotTransitionable   = errors.New("reservation is not in RESERVED state")
)

// Item is one product's stock counters. The version token guards every
// counter write: available + reserved + allocated stays constant for all
// operations except restock, and no counter goes negative.
type Item struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Allocated int    `json:"allocated"`
	Version   int64  `json:"version"`
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationAllocated ReservationStatus = "ALLOCATED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is a time-bounded hold on stock, one per order. RESERVED
// moves to exactly one of ALLOCATED or RELEASED, never both.
type Reservation struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	Items     []event.Item      `json:"items"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
}

func (r *Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationReserved && now.After(r.ExpiresAt)
}
