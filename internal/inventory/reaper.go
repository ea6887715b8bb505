package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/order-saga/internal/event"
)

// Reaper periodically releases reservations whose expiry has passed while
// still RESERVED. The release goes through the same status-guarded
// transition as allocation, so a reservation can never be both allocated
// and expired-released.
type Reaper struct {
	store    Store
	handler  *Handler
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewReaper(store Store, handler *Handler, interval time.Duration, batch int, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Reaper{
		store:    store,
		handler:  handler,
		interval: interval,
		batch:    batch,
		log:      log.Named("reaper"),
	}
}

// Run scans until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.reapOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reap cycle", zap.Error(err))
			}
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context) error {
	expired, err := r.store.ListExpired(ctx, time.Now().UTC(), r.batch)
	if err != nil {
		return err
	}

	for _, res := range expired {
		if err := r.handler.Release(ctx, res.OrderID, event.ReleaseReasonExpired); err != nil {
			r.log.Error("release expired reservation",
				zap.String("orderId", res.OrderID),
				zap.String("reservationId", res.ID),
				zap.Error(err))
			continue
		}
		r.log.Info("expired reservation released",
			zap.String("orderId", res.OrderID),
			zap.String("reservationId", res.ID))
	}
	return nil
}
