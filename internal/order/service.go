package order

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/idempotency"
	"github.com/example/order-saga/internal/outbox"
)

// Service is the order participant: the CreateOrder/CancelOrder ingress and
// the saga state machine consuming payment and inventory outcome events.
type Service struct {
	store Store
	guard idempotency.Guard
	log   *zap.Logger
}

func NewService(store Store, guard idempotency.Guard, log *zap.Logger) *Service {
	return &Service{store: store, guard: guard, log: log.Named("saga")}
}

// CreateOrder persists the order, its saga state and the staged
// OrderCreated event in one transaction, then returns. The caller never
// waits for the saga to finish — the relay takes it from here.
func (s *Service) CreateOrder(ctx context.Context, customerID string, items []event.Item, shippingAddress string) (*Order, error) {
	o, err := New(customerID, items, shippingAddress)
	if err != nil {
		return nil, err
	}

	rec, err := outbox.Stage(event.TypeOrderCreated, o.ID, event.OrderCreated{
		OrderID:         o.ID,
		CustomerID:      o.CustomerID,
		Items:           o.Items,
		TotalAmount:     o.TotalAmount,
		ShippingAddress: o.ShippingAddress,
		CreatedAt:       o.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateOrder(ctx, o, NewSagaState(o.ID), rec); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	s.log.Info("order created",
		zap.String("orderId", o.ID),
		zap.Int64("totalAmount", o.TotalAmount))
	return o, nil
}

// GetOrder returns the order with its current saga-derived status.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// CancelOrder routes an in-flight order onto the compensating path.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) error {
	saga, err := s.store.GetSaga(ctx, orderID)
	if err != nil {
		return err
	}

	emits, err := saga.Cancel(reason)
	if err != nil {
		return err
	}

	recs, err := stageEmits(orderID, emits)
	if err != nil {
		return err
	}
	if err := s.store.SaveTransition(ctx, saga, saga.OrderStatus(), recs); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}

	s.log.Info("order cancelled", zap.String("orderId", orderID), zap.String("reason", reason))
	return nil
}

// HandleEvent feeds one bus event through the transition function. It is
// idempotent by event ID and persists the transition atomically with any
// events it produces.
func (s *Service) HandleEvent(ctx context.Context, env event.Envelope) error {
	first, err := s.guard.FirstDelivery(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !first {
		s.log.Debug("duplicate delivery", zap.String("eventId", env.EventID))
		return nil
	}

	if err := s.process(ctx, env); err != nil {
		// Give the redelivery a chance to retry the whole handler.
		if relErr := s.guard.Release(ctx, env.EventID); relErr != nil {
			s.log.Error("release idempotency key", zap.String("eventId", env.EventID), zap.Error(relErr))
		}
		return err
	}
	return nil
}

func (s *Service) process(ctx context.Context, env event.Envelope) error {
	saga, err := s.store.GetSaga(ctx, env.CorrelationID)
	if err != nil {
		return fmt.Errorf("load saga %s: %w", env.CorrelationID, err)
	}

	result, err := saga.Apply(env)
	if err != nil {
		return err
	}
	if result.Anomaly != "" {
		s.log.Warn("event matched no transition",
			zap.String("orderId", saga.OrderID),
			zap.String("eventType", env.EventType),
			zap.String("anomaly", result.Anomaly))
		return nil
	}
	if !result.Changed {
		return nil
	}

	recs, err := stageEmits(saga.OrderID, result.Emits)
	if err != nil {
		return err
	}
	if err := s.store.SaveTransition(ctx, saga, saga.OrderStatus(), recs); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}

	s.log.Info("saga advanced",
		zap.String("orderId", saga.OrderID),
		zap.String("eventType", env.EventType),
		zap.String("step", string(saga.Step)))
	return nil
}

func stageEmits(orderID string, emits []Emit) ([]outbox.Record, error) {
	recs := make([]outbox.Record, 0, len(emits))
	for _, e := range emits {
		rec, err := outbox.Stage(e.EventType, orderID, e.Payload)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
