package compensation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/order-saga/internal/event"
)

// Action undoes one previously successful step for one order. Actions must
// be idempotent: compensation delivery is at-least-once and the same
// OrderFailed can name the same action more than once.
type Action func(ctx context.Context, orderID string) error

// Escalate records a compensation that exhausted its retries. Participants
// stage a CompensationFailed event here so the state machine can park the
// saga for manual intervention.
type Escalate func(ctx context.Context, orderID, action, reason string) error

// Engine maps the compensation list of an OrderFailed event onto the
// actions its participant owns. Entries naming another participant's
// rollback are skipped — the list is authoritative, the owner is implied
// by registration.
type Engine struct {
	actions     map[string]Action
	escalate    Escalate
	log         *zap.Logger
	maxAttempts uint64
	maxInterval time.Duration
}

func NewEngine(escalate Escalate, maxAttempts uint64, log *zap.Logger) *Engine {
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &Engine{
		actions:     make(map[string]Action),
		escalate:    escalate,
		log:         log.Named("compensation"),
		maxAttempts: maxAttempts,
		maxInterval: 5 * time.Second,
	}
}

func (e *Engine) Register(name string, action Action) {
	e.actions[name] = action
}

// HandleOrderFailed applies every registered compensation the event lists.
// A compensation that keeps failing is escalated, not retried forever, and
// does not block the remaining entries.
func (e *Engine) HandleOrderFailed(ctx context.Context, env event.Envelope) error {
	var p event.OrderFailed
	if err := env.Decode(&p); err != nil {
		return err
	}

	for _, name := range p.Compensations {
		action, ok := e.actions[name]
		if !ok {
			continue
		}

		if err := e.runWithRetry(ctx, p.OrderID, action); err != nil {
			e.log.Error("compensation exhausted retries",
				zap.String("orderId", p.OrderID),
				zap.String("action", name),
				zap.Error(err))
			if escErr := e.escalate(ctx, p.OrderID, name, err.Error()); escErr != nil {
				return escErr
			}
			continue
		}

		e.log.Info("compensation applied",
			zap.String("orderId", p.OrderID),
			zap.String("action", name))
	}
	return nil
}

func (e *Engine) runWithRetry(ctx context.Context, orderID string, action Action) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = e.maxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, e.maxAttempts), ctx)
	return backoff.Retry(func() error { return action(ctx, orderID) }, policy)
}
