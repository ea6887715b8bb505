package event

import "time"

// Compensation action names carried in OrderFailed.
const (
	CompensationRefundPayment    = "REFUND_PAYMENT"
	CompensationReleaseInventory = "RELEASE_INVENTORY"
)

// Release reasons carried in InventoryReleased.
const (
	ReleaseReasonExpired      = "EXPIRED"
	ReleaseReasonCompensation = "COMPENSATION"
)

type Item struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type OrderCreated struct {
	OrderID         string    `json:"orderId"`
	CustomerID      string    `json:"customerId"`
	Items           []Item    `json:"items"`
	TotalAmount     int64     `json:"totalAmount"`
	ShippingAddress string    `json:"shippingAddress"`
	CreatedAt       time.Time `json:"createdAt"`
}

type OrderCompleted struct {
	OrderID     string    `json:"orderId"`
	CompletedAt time.Time `json:"completedAt"`
}

// OrderFailed carries the authoritative compensation list. Consumers apply
// exactly what is listed, never what they infer from their own state.
type OrderFailed struct {
	OrderID       string   `json:"orderId"`
	Reason        string   `json:"reason"`
	Compensations []string `json:"compensations"`
}

type OrderCancelled struct {
	OrderID     string    `json:"orderId"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}

type PaymentProcessed struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type PaymentFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type PaymentRefunded struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
}

type InventoryReserved struct {
	ReservationID string    `json:"reservationId"`
	OrderID       string    `json:"orderId"`
	Items         []Item    `json:"items"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type InventoryFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type InventoryAllocated struct {
	ReservationID string `json:"reservationId"`
	OrderID       string `json:"orderId"`
}

type InventoryReleased struct {
	ReservationID string `json:"reservationId"`
	OrderID       string `json:"orderId"`
	Reason        string `json:"reason"`
}

type CompensationFailed struct {
	OrderID string `json:"orderId"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
}
