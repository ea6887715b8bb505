package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/order-saga/internal/bus"
)

// Relay drains a participant's outbox to the bus. It scans unpublished rows
// in creation order, publishes each keyed by correlation ID and marks it
// published only after the write is acknowledged. A failed publish stops the
// batch so later rows of the same order cannot overtake earlier ones.
type Relay struct {
	store       Store
	publisher   bus.Publisher
	log         *zap.Logger
	pollEvery   time.Duration
	pubTimeout  time.Duration
	batchSize   int
	maxAttempts uint64
}

type RelayConfig struct {
	PollInterval   time.Duration
	PublishTimeout time.Duration
	BatchSize      int
	MaxAttempts    uint64
}

func NewRelay(store Store, publisher bus.Publisher, cfg RelayConfig, log *zap.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &Relay{
		store:       store,
		publisher:   publisher,
		log:         log.Named("relay"),
		pollEvery:   cfg.PollInterval,
		pubTimeout:  cfg.PublishTimeout,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("drain cycle", zap.Error(err))
			}
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) error {
	records, err := r.store.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	// Relay lag dominates end-to-end saga latency, so it gets logged even
	// though metrics wiring lives outside this module.
	r.log.Info("draining outbox",
		zap.Int("batch", len(records)),
		zap.Duration("oldestAge", time.Since(records[0].CreatedAt)))

	for _, rec := range records {
		if err := r.publishOne(ctx, rec); err != nil {
			return err
		}
		if err := r.store.MarkPublished(ctx, rec.EventID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) publishOne(ctx context.Context, rec Record) error {
	op := func() error {
		pubCtx, cancel := context.WithTimeout(ctx, r.pubTimeout)
		defer cancel()
		return r.publisher.Publish(pubCtx, rec.CorrelationID, rec.Envelope())
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxAttempts), ctx)
	return backoff.Retry(op, policy)
}
