package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/order-saga/internal/event"
)

type memOutbox struct {
	mu      sync.Mutex
	records []Record
}

func (m *memOutbox) add(eventType, correlationID string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{
		EventID:       eventType + "-" + correlationID,
		EventType:     eventType,
		CorrelationID: correlationID,
		Payload:       json.RawMessage(`{}`),
		CreatedAt:     time.Now().Add(time.Duration(len(m.records)) * time.Millisecond),
	}
	m.records = append(m.records, rec)
	return rec
}

func (m *memOutbox) FetchUnpublished(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if !rec.Published {
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memOutbox) MarkPublished(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].EventID == eventID {
			m.records[i].Published = true
		}
	}
	return nil
}

func (m *memOutbox) unpublished() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if !rec.Published {
			n++
		}
	}
	return n
}

type capturingPublisher struct {
	mu        sync.Mutex
	published []event.Envelope
	keys      []string
	failures  int
}

func (p *capturingPublisher) Publish(_ context.Context, key string, env event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, env)
	p.keys = append(p.keys, key)
	return nil
}

func newTestRelay(store Store, pub *capturingPublisher) *Relay {
	return NewRelay(store, pub, RelayConfig{
		PollInterval: time.Millisecond,
		MaxAttempts:  2,
	}, zap.NewNop())
}

func TestRelay_PublishesInCreationOrder(t *testing.T) {
	store := &memOutbox{}
	store.add(event.TypeOrderCreated, "order-1")
	store.add(event.TypeOrderCompleted, "order-1")

	pub := &capturingPublisher{}
	relay := newTestRelay(store, pub)

	require.NoError(t, relay.drainOnce(context.Background()))

	require.Len(t, pub.published, 2)
	assert.Equal(t, 0, store.unpublished())
	assert.True(t, pub.published[0].Timestamp.Before(pub.published[1].Timestamp))
	assert.Equal(t, []string{"order-1", "order-1"}, pub.keys)
}

func TestRelay_RebuildsEnvelopeVerbatim(t *testing.T) {
	store := &memOutbox{}
	rec := store.add(event.TypeOrderCreated, "order-9")
	pub := &capturingPublisher{}
	relay := newTestRelay(store, pub)

	require.NoError(t, relay.drainOnce(context.Background()))

	require.Len(t, pub.published, 1)
	env := pub.published[0]
	assert.Equal(t, rec.EventID, env.EventID)
	assert.Equal(t, rec.EventType, env.EventType)
	assert.Equal(t, rec.CorrelationID, env.CorrelationID)
}

func TestRelay_RetriesTransientFailure(t *testing.T) {
	store := &memOutbox{}
	store.add(event.TypeOrderCreated, "order-1")
	pub := &capturingPublisher{failures: 1}
	relay := newTestRelay(store, pub)

	require.NoError(t, relay.drainOnce(context.Background()))
	assert.Len(t, pub.published, 1)
	assert.Equal(t, 0, store.unpublished())
}

func TestRelay_PersistentFailureLeavesRowUnpublished(t *testing.T) {
	store := &memOutbox{}
	store.add(event.TypeOrderCreated, "order-1")
	store.add(event.TypeOrderCompleted, "order-1")
	pub := &capturingPublisher{failures: 10}
	relay := newTestRelay(store, pub)

	require.Error(t, relay.drainOnce(context.Background()))

	// Nothing marked, nothing skipped: the later row must not overtake.
	assert.Equal(t, 2, store.unpublished())
	assert.Empty(t, pub.published)
}

func TestRelay_EmptyOutboxIsQuiet(t *testing.T) {
	store := &memOutbox{}
	pub := &capturingPublisher{}
	relay := newTestRelay(store, pub)
	require.NoError(t, relay.drainOnce(context.Background()))
	assert.Empty(t, pub.published)
}

func TestStage_AssignsStableIdentity(t *testing.T) {
	rec, err := Stage(event.TypeOrderCreated, "order-1", event.OrderCreated{OrderID: "order-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.EventID)
	assert.False(t, rec.Published)

	env := rec.Envelope()
	assert.Equal(t, rec.EventID, env.EventID)
	assert.Equal(t, "order-1", env.CorrelationID)
}
