package payment

import (
	"errors"
	"time"
)

type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusRefunded Status = "REFUNDED"
)

type Kind string

const (
	KindCharge Kind = "CHARGE"
	KindRefund Kind = "REFUND"
)

var (
	ErrAlreadyRecorded = errors.New("payment record already exists")
	ErrChargeNotFound  = errors.New("charge not found")
)

// Transaction is one payment record. Records are immutable once written;
// a refund is a new REFUND record referencing the charge, never an update
// of the charge itself.
type Transaction struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	Kind          Kind      `json:"kind"`
	Amount        int64     `json:"amount"`
	Status        Status    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	RefundOf      string    `json:"refund_of,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
