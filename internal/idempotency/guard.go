package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "processed:"

// DefaultRetention is how long processed event IDs are remembered. Events
// older than the bus's own retention cannot be redelivered, so this only
// needs to outlive the topic retention window.
const DefaultRetention = 7 * 24 * time.Hour

// Guard records processed event identifiers. FirstDelivery is an atomic
// check-and-insert: it returns true exactly once per event ID within the
// retention window. Handlers call it before applying any side effect and
// return success without re-applying when it reports a duplicate.
// Release undoes a FirstDelivery claim when the handler failed before
// committing its side effects, so the bus redelivery can try again.
type Guard interface {
	FirstDelivery(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// RedisGuard implements Guard with a SET NX per event ID. The namespace
// keeps consumers apart: payment and inventory both see the same OrderFailed
// event ID and each must get its own first delivery.
type RedisGuard struct {
	client    *redis.Client
	namespace string
	retention time.Duration
}

func NewRedisGuard(client *redis.Client, namespace string, retention time.Duration) *RedisGuard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisGuard{client: client, namespace: namespace, retention: retention}
}

func (g *RedisGuard) key(eventID string) string {
	return keyPrefix + g.namespace + ":" + eventID
}

func (g *RedisGuard) FirstDelivery(ctx context.Context, eventID string) (bool, error) {
	return g.client.SetNX(ctx, g.key(eventID), 1, g.retention).Result()
}

func (g *RedisGuard) Release(ctx context.Context, eventID string) error {
	return g.client.Del(ctx, g.key(eventID)).Err()
}

// MemoryGuard implements Guard in memory, for tests and single-process runs.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]struct{})}
}

func (g *MemoryGuard) FirstDelivery(_ context.Context, eventID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[eventID]; ok {
		return false, nil
	}
	g.seen[eventID] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, eventID)
	return nil
}
