package inventory

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

// Stager stages outbox rows with no accompanying domain write.
type Stager interface {
	Stage(ctx context.Context, rec outbox.Record) error
}

type Config struct {
	// ReservationTTL is the window a reservation holds stock before the
	// reaper may release it.
	ReservationTTL time.Duration

	// CASRetries bounds how often a counter write is retried after a
	// version conflict before failing explicitly.
	CASRetries int

	// CompensationAttempts bounds release retries before escalation.
	CompensationAttempts uint64
}

// Handler is the inventory participant: it reserves stock on OrderCreated,
// allocates on OrderCompleted and releases on OrderFailed(RELEASE_INVENTORY).
type Handler struct {
	store  Store
	stager Stager
	guard  idempotency.Guard
	engine *compensation.Engine
	cfg    Config
	log    *zap.Logger
}

func NewHandler(store Store, stager Stager, guard idempotency.Guard, cfg Config, log *zap.Logger) *Handler {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = time.Minute
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = 3
	}
	h := &Handler{
		store:  store,
		stager: stager,
		guard:  guard,
		cfg:    cfg,
		log:    log.Named("inventory"),
	}
	h.engine = compensation.NewEngine(h.escalate, cfg.CompensationAttempts, log)
	h.engine.Register(event.CompensationReleaseInventory, h.ReleaseForCompensation)
	return h
}

// HandleEvent consumes order.events.
func (h *Handler) HandleEvent(ctx context.Context, env event.Envelope) error {
	switch env.EventType {
	case event.TypeOrderCreated, event.TypeOrderCompleted, event.TypeOrderFailed:
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
		var p event.OrderCreated
		if err := env.Decode(&p); err != nil {
			return err
		}
		return h.reserve(ctx, p)
	case event.TypeOrderCompleted:
		var p event.OrderCompleted
		if err := env.Decode(&p); err != nil {
			return err
		}
		return h.allocate(ctx, p.OrderID)
	case event.TypeOrderFailed:
		return h.engine.HandleOrderFailed(ctx, env)
	}
	return nil
}

// lineTotal is the summed quantity of one product across order lines.
type lineTotal struct {
	productID string
	quantity  int
}

// aggregateLines sums quantities per product, keeping first-seen order. One
// counter update per product is required: duplicate updates for the same key
// would overwrite each other and get the whole transact write rejected.
func aggregateLines(items []event.Item) []lineTotal {
	index := make(map[string]int, len(items))
	totals := make([]lineTotal, 0, len(items))
	for _, line := range items {
		if i, ok := index[line.ProductID]; ok {
			totals[i].quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(totals)
		totals = append(totals, lineTotal{productID: line.ProductID, quantity: line.Quantity})
	}
	return totals
}

// reserve attempts the all-or-nothing move of every line from available to
// reserved. Insufficient stock for any line emits InventoryFailed without
// touching a single counter.
func (h *Handler) reserve(ctx context.Context, p event.OrderCreated) error {
	lines := aggregateLines(p.Items)
	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.productID)
	}

	for attempt := 0; attempt < h.cfg.CASRetries; attempt++ {
		items, err := h.store.GetItems(ctx, productIDs)
		if errors.Is(err, ErrUnknownProduct) {
			return h.failReservation(ctx, p.OrderID, err.Error())
		}
		if err != nil {
			return err
		}

		updates := make([]CounterUpdate, 0, len(lines))
		for _, line := range lines {
			item := items[line.productID]
			if item.Available < line.quantity {
				return h.failReservation(ctx, p.OrderID,
					fmt.Sprintf("%s: %s", ErrInsufficientStock, line.productID))
			}
			updates = append(updates, CounterUpdate{
				ProductID:    item.ProductID,
				Available:    item.Available - line.quantity,
				Reserved:     item.Reserved + line.quantity,
				Allocated:    item.Allocated,
				PriorVersion: item.Version,
			})
		}

		now := time.Now().UTC()
		res := &Reservation{
			ID:        uuid.New().String(),
			OrderID:   p.OrderID,
			Items:     p.Items,
			Status:    ReservationReserved,
			ExpiresAt: now.Add(h.cfg.ReservationTTL),
			CreatedAt: now,
		}
		rec, err := outbox.Stage(event.TypeInventoryReserved, p.OrderID, event.InventoryReserved{
			ReservationID: res.ID,
			OrderID:       p.OrderID,
			Items:         p.Items,
			ExpiresAt:     res.ExpiresAt,
		})
		if err != nil {
			return err
		}

		err = h.store.ApplyReservation(ctx, res, updates, rec)
		switch {
		case errors.Is(err, ErrAlreadyReserved):
			h.log.Warn("reservation already exists", zap.String("orderId", p.OrderID))
			return nil
		case errors.Is(err, ErrVersionConflict):
			continue
		case err != nil:
			return err
		}

		h.log.Info("stock reserved",
			zap.String("orderId", p.OrderID),
			zap.String("reservationId", res.ID),
			zap.Time("expiresAt", res.ExpiresAt))
		return nil
	}
	return fmt.Errorf("reserve order %s: %w after %d attempts", p.OrderID, ErrVersionConflict, h.cfg.CASRetries)
}

func (h *Handler) failReservation(ctx context.Context, orderID, reason string) error {
	rec, err := outbox.Stage(event.TypeInventoryFailed, orderID, event.InventoryFailed{
		OrderID: orderID,
		Reason:  reason,
	})
	if err != nil {
		return err
	}
	if err := h.stager.Stage(ctx, rec); err != nil {
		return err
	}
	h.log.Info("reservation declined", zap.String("orderId", orderID), zap.String("reason", reason))
	return nil
}

// allocate turns the reservation into final consumption on order success.
func (h *Handler) allocate(ctx context.Context, orderID string) error {
	return h.transition(ctx, orderID, ReservationAllocated, "")
}

// ReleaseForCompensation is the RELEASE_INVENTORY compensation action.
func (h *Handler) ReleaseForCompensation(ctx context.Context, orderID string) error {
	return h.transition(ctx, orderID, ReservationReleased, event.ReleaseReasonCompensation)
}

// Release releases a reservation with the given reason; the reaper uses it
// with EXPIRED.
func (h *Handler) Release(ctx context.Context, orderID, reason string) error {
	return h.transition(ctx, orderID, ReservationReleased, reason)
}

// transition performs the guarded RESERVED→ALLOCATED or RESERVED→RELEASED
// move. The status condition on the reservation makes the two outcomes
// mutually exclusive even when the reaper races an allocation; a settled
// reservation makes this a no-op, which is what keeps redelivered
// completions and repeated compensations idempotent.
func (h *Handler) transition(ctx context.Context, orderID string, to ReservationStatus, releaseReason string) error {
	for attempt := 0; attempt < h.cfg.CASRetries; attempt++ {
		res, err := h.store.GetReservation(ctx, orderID)
		if errors.Is(err, ErrReservationNotFound) {
			h.log.Warn("no reservation for order", zap.String("orderId", orderID))
			return nil
		}
		if err != nil {
			return err
		}
		if res.Status != ReservationReserved {
			return nil
		}

		lines := aggregateLines(res.Items)
		productIDs := make([]string, 0, len(lines))
		for _, line := range lines {
			productIDs = append(productIDs, line.productID)
		}
		items, err := h.store.GetItems(ctx, productIDs)
		if err != nil {
			return err
		}

		updates := make([]CounterUpdate, 0, len(lines))
		for _, line := range lines {
			item := items[line.productID]
			if item.Reserved < line.quantity {
				return fmt.Errorf("reserved counter for %s below reservation quantity", line.productID)
			}
			u := CounterUpdate{
				ProductID:    item.ProductID,
				Available:    item.Available,
				Reserved:     item.Reserved - line.quantity,
				Allocated:    item.Allocated,
				PriorVersion: item.Version,
			}
			if to == ReservationAllocated {
				u.Allocated += line.quantity
			} else {
				u.Available += line.quantity
			}
			updates = append(updates, u)
		}

		rec, err := h.transitionRecord(res, to, releaseReason)
		if err != nil {
			return err
		}

		err = h.store.TransitionReservation(ctx, orderID, to, updates, rec)
		switch {
		case errors.Is(err, ErrNotTransitionable):
			// Lost the race; the other transition already settled it.
			return nil
		case errors.Is(err, ErrVersionConflict):
			continue
		case err != nil:
			return err
		}

		h.log.Info("reservation settled",
			zap.String("orderId", orderID),
			zap.String("status", string(to)),
			zap.String("reason", releaseReason))
		return nil
	}
	return fmt.Errorf("transition reservation %s: %w after %d attempts", orderID, ErrVersionConflict, h.cfg.CASRetries)
}

func (h *Handler) transitionRecord(res *Reservation, to ReservationStatus, releaseReason string) (outbox.Record, error) {
	if to == ReservationAllocated {
		return outbox.Stage(event.TypeInventoryAllocated, res.OrderID, event.InventoryAllocated{
			ReservationID: res.ID,
			OrderID:       res.OrderID,
		})
	}
	return outbox.Stage(event.TypeInventoryReleased, res.OrderID, event.InventoryReleased{
		ReservationID: res.ID,
		OrderID:       res.OrderID,
		Reason:        releaseReason,
	})
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
