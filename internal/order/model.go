package order

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-saga/internal/event"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

var (
	ErrEmptyOrder      = errors.New("order must have at least one item")
	ErrMissingCustomer = errors.New("customer id is required")
	ErrInvalidQuantity = errors.New("item quantity must be positive")
	ErrInvalidPrice    = errors.New("item unit price must be positive")
	ErrOrderNotFound   = errors.New("order not found")
	ErrSagaNotFound    = errors.New("saga state not found")
	ErrNotCancellable  = errors.New("order can no longer be cancelled")
)

type Order struct {
	ID              string       `json:"id"`
	CustomerID      string       `json:"customer_id"`
	Items           []event.Item `json:"items"`
	ShippingAddress string       `json:"shipping_address"`
	Status          Status       `json:"status"`
	TotalAmount     int64        `json:"total_amount"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// New validates the request and builds a pending order. Amounts are minor
// units; the total is always the sum of quantity times unit price.
func New(customerID string, items []event.Item, shippingAddress string) (*Order, error) {
	if customerID == "" {
		return nil, ErrMissingCustomer
	}
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}

	var total int64
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if item.UnitPrice <= 0 {
			return nil, ErrInvalidPrice
		}
		total += int64(item.Quantity) * item.UnitPrice
	}

	now := time.Now().UTC()
	return &Order{
		ID:              uuid.New().String(),
		CustomerID:      customerID,
		Items:           items,
		ShippingAddress: shippingAddress,
		Status:          StatusPending,
		TotalAmount:     total,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}
