package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/order-saga/internal/compensation"
	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/idempotency"
	"github.com/example/order-saga/internal/outbox"
)

// Policy is the authoritative charge decision. There is no external gateway
// yet, so the decision is simulated but deterministic.
type Policy interface {
	Authorize(customerID string, amount int64) (ok bool, reason string)
}

// LimitPolicy declines any order above a fixed amount, a stand-in balance
// check until a real gateway is wired up.
type LimitPolicy struct {
	MaxAmount int64
}

func (p LimitPolicy) Authorize(_ string, amount int64) (bool, string) {
	if amount > p.MaxAmount {
		return false, "insufficient funds"
	}
	return true, ""
}

// Stager stages outbox rows with no accompanying domain write.
type Stager interface {
	Stage(ctx context.Context, rec outbox.Record) error
}

// Handler is the payment participant: it charges on OrderCreated and
// refunds on OrderFailed(REFUND_PAYMENT).
type Handler struct {
	store  Store
	stager Stager
	guard  idempotency.Guard
	policy Policy
	engine *compensation.Engine
	log    *zap.Logger
}

func NewHandler(store Store, stager Stager, guard idempotency.Guard, policy Policy, maxCompensationAttempts uint64, log *zap.Logger) *Handler {
	h := &Handler{
		store:  store,
		stager: stager,
		guard:  guard,
		policy: policy,
		log:    log.Named("payment"),
	}
	h.engine = compensation.NewEngine(h.escalate, maxCompensationAttempts, log)
	h.engine.Register(event.CompensationRefundPayment, h.Refund)
	return h
}

// HandleEvent consumes order.events.
func (h *Handler) HandleEvent(ctx context.Context, env event.Envelope) error {
	switch env.EventType {
	case event.TypeOrderCreated, event.TypeOrderFailed:
	default:
		return nil
	}

	first, err := h.guard.FirstDelivery(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !first {
		h.log.Debug("duplicate delivery", zap.String("eventId", env.EventID))
		return nil
	}

	if err := h.process(ctx, env); err != nil {
		if relErr := h.guard.Release(ctx, env.EventID); relErr != nil {
			h.log.Error("release idempotency key", zap.String("eventId", env.EventID), zap.Error(relErr))
		}
		return err
	}
	return nil
}

func (h *Handler) process(ctx context.Context, env event.Envelope) error {
	switch env.EventType {
	case event.TypeOrderCreated:
		return h.charge(ctx, env)
	case event.TypeOrderFailed:
		return h.engine.HandleOrderFailed(ctx, env)
	}
	return nil
}

func (h *Handler) charge(ctx context.Context, env event.Envelope) error {
	var p event.OrderCreated
	if err := env.Decode(&p); err != nil {
		return err
	}

	ok, reason := h.policy.Authorize(p.CustomerID, p.TotalAmount)

	txn := &Transaction{
		ID:        uuid.New().String(),
		OrderID:   p.OrderID,
		Kind:      KindCharge,
		Amount:    p.TotalAmount,
		CreatedAt: time.Now().UTC(),
	}

	var rec outbox.Record
	var err error
	if ok {
		txn.Status = StatusSuccess
		rec, err = outbox.Stage(event.TypePaymentProcessed, p.OrderID, event.PaymentProcessed{
			PaymentID: txn.ID,
			OrderID:   p.OrderID,
			Amount:    p.TotalAmount,
			Status:    string(StatusSuccess),
		})
	} else {
		txn.Status = StatusFailed
		txn.FailureReason = reason
		rec, err = outbox.Stage(event.TypePaymentFailed, p.OrderID, event.PaymentFailed{
			OrderID: p.OrderID,
			Reason:  reason,
		})
	}
	if err != nil {
		return err
	}

	if err := h.store.CreateTransaction(ctx, txn, rec); err != nil {
		// A charge already on record means this OrderCreated was already
		// handled under another event ID; the earlier outcome stands.
		if errors.Is(err, ErrAlreadyRecorded) {
			h.log.Warn("charge already recorded", zap.String("orderId", p.OrderID))
			return nil
		}
		return err
	}

	h.log.Info("payment decided",
		zap.String("orderId", p.OrderID),
		zap.String("status", string(txn.Status)),
		zap.Int64("amount", p.TotalAmount))
	return nil
}

// Refund compensates a successful charge. Refunding a never-charged,
// declined or already-refunded order is a no-op.
func (h *Handler) Refund(ctx context.Context, orderID string) error {
	charge, err := h.store.GetCharge(ctx, orderID)
	if errors.Is(err, ErrChargeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if charge.Status != StatusSuccess {
		return nil
	}

	refund := &Transaction{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Kind:      KindRefund,
		Amount:    charge.Amount,
		Status:    StatusRefunded,
		RefundOf:  charge.ID,
		CreatedAt: time.Now().UTC(),
	}
	rec, err := outbox.Stage(event.TypePaymentRefunded, orderID, event.PaymentRefunded{
		PaymentID: refund.ID,
		OrderID:   orderID,
		Amount:    refund.Amount,
	})
	if err != nil {
		return err
	}

	if err := h.store.CreateTransaction(ctx, refund, rec); err != nil {
		if errors.Is(err, ErrAlreadyRecorded) {
			return nil
		}
		return err
	}

	h.log.Info("payment refunded", zap.String("orderId", orderID), zap.Int64("amount", refund.Amount))
	return nil
}

func (h *Handler) escalate(ctx context.Context, orderID, action, reason string) error {
	rec, err := outbox.Stage(event.TypeCompensationFailed, orderID, event.CompensationFailed{
		OrderID: orderID,
		Action:  action,
		Reason:  reason,
	})
	if err != nil {
		return err
	}
	return h.stager.Stage(ctx, rec)
}
