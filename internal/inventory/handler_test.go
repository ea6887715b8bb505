package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/idempotency"
	"github.com/example/order-saga/internal/outbox"
)

// memInventoryStore mirrors the Dynamo store's conditional-write semantics:
// version CAS on counters, one reservation per order, status-guarded
// transitions.
type memInventoryStore struct {
	mu           sync.Mutex
	items        map[string]*Item
	reservations map[string]*Reservation
	staged       []outbox.Record

	// conflictsLeft forces that many version conflicts before writes pass.
	conflictsLeft int
}

func newMemInventoryStore() *memInventoryStore {
	return &memInventoryStore{
		items:        make(map[string]*Item),
		reservations: make(map[string]*Reservation),
	}
}

func (m *memInventoryStore) GetItems(_ context.Context, productIDs []string) (map[string]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Item, len(productIDs))
	for _, id := range productIDs {
		item, ok := m.items[id]
		if !ok {
			return nil, ErrUnknownProduct
		}
		copied := *item
		out[id] = &copied
	}
	return out, nil
}

func (m *memInventoryStore) Restock(_ context.Context, productID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[productID]
	if !ok {
		item = &Item{ProductID: productID}
		m.items[productID] = item
	}
	item.Available += quantity
	item.Version++
	return nil
}

func (m *memInventoryStore) applyCounters(updates []CounterUpdate) error {
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return ErrVersionConflict
	}
	// A real transact write rejects two updates targeting the same key.
	seen := make(map[string]struct{}, len(updates))
	for _, u := range updates {
		if _, ok := seen[u.ProductID]; ok {
			return fmt.Errorf("duplicate update for product %s in one transaction", u.ProductID)
		}
		seen[u.ProductID] = struct{}{}
	}
	for _, u := range updates {
		item := m.items[u.ProductID]
		if item == nil || item.Version != u.PriorVersion {
			return ErrVersionConflict
		}
	}
	for _, u := range updates {
		item := m.items[u.ProductID]
		item.Available = u.Available
		item.Reserved = u.Reserved
		item.Allocated = u.Allocated
		item.Version = u.PriorVersion + 1
	}
	return nil
}

func (m *memInventoryStore) ApplyReservation(_ context.Context, res *Reservation, updates []CounterUpdate, rec outbox.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[res.OrderID]; ok {
		return ErrAlreadyReserved
	}
	if err := m.applyCounters(updates); err != nil {
		return err
	}
	copied := *res
	m.reservations[res.OrderID] = &copied
	m.staged = append(m.staged, rec)
	return nil
}

func (m *memInventoryStore) GetReservation(_ context.Context, orderID string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[orderID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	copied := *res
	return &copied, nil
}

func (m *memInventoryStore) TransitionReservation(_ context.Context, orderID string, to ReservationStatus, updates []CounterUpdate, rec outbox.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[orderID]
	if !ok || res.Status != ReservationReserved {
		return ErrNotTransitionable
	}
	if err := m.applyCounters(updates); err != nil {
		return err
	}
	res.Status = to
	m.staged = append(m.staged, rec)
	return nil
}

func (m *memInventoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, res := range m.reservations {
		if res.Expired(now) {
			out = append(out, *res)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memInventoryStore) Stage(_ context.Context, rec outbox.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged = append(m.staged, rec)
	return nil
}

func (m *memInventoryStore) stagedTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.staged))
	for _, rec := range m.staged {
		types = append(types, rec.EventType)
	}
	return types
}

func (m *memInventoryStore) item(productID string) Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[productID]
}

// sum is the conserved available+reserved+allocated total.
func (m *memInventoryStore) sum(productID string) int {
	item := m.item(productID)
	return item.Available + item.Reserved + item.Allocated
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func newTestInventoryHandler(t *testing.T, ttl time.Duration) (*Handler, *memInventoryStore) {
	t.Helper()
	store := newMemInventoryStore()
	require.NoError(t, store.Restock(context.Background(), "P1", 10))
	require.NoError(t, store.Restock(context.Background(), "P2", 5))
	h := NewHandler(store, store, idempotency.NewMemoryGuard(), Config{
		ReservationTTL:       ttl,
		CASRetries:           3,
		CompensationAttempts: 1,
	}, testLogger())
	return h, store
}

func createdEnv(t *testing.T, orderID string, items []event.Item) event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeOrderCreated, orderID, event.OrderCreated{
		OrderID: orderID, CustomerID: "cust-1", Items: items,
	})
	require.NoError(t, err)
	return env
}

func completedEnv(t *testing.T, orderID string) event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeOrderCompleted, orderID, event.OrderCompleted{OrderID: orderID})
	require.NoError(t, err)
	return env
}

func failedEnv(t *testing.T, orderID string, comps []string) event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeOrderFailed, orderID, event.OrderFailed{
		OrderID: orderID, Reason: "payment declined", Compensations: comps,
	})
	require.NoError(t, err)
	return env
}

var twoP1 = []event.Item{{ProductID: "P1", Quantity: 2, UnitPrice: 2999}}

// ============================================
// Reservation
// ============================================

func TestHandler_Reserve_MovesAvailableToReserved(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)

	require.NoError(t, h.HandleEvent(context.Background(), createdEnv(t, "order-1", twoP1)))

	item := store.item("P1")
	assert.Equal(t, 8, item.Available)
	assert.Equal(t, 2, item.Reserved)
	assert.Equal(t, 0, item.Allocated)
	assert.Equal(t, 10, store.sum("P1"))
	assert.Equal(t, []string{event.TypeInventoryReserved}, store.stagedTypes())

	res, err := store.GetReservation(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, ReservationReserved, res.Status)
	assert.WithinDuration(t, time.Now().Add(time.Minute), res.ExpiresAt, 5*time.Second)
}

func TestHandler_Reserve_InsufficientStock_AllOrNothing(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)

	// P1 has plenty, P2 does not: no counter may move.
	items := []event.Item{
		{ProductID: "P1", Quantity: 2, UnitPrice: 2999},
		{ProductID: "P2", Quantity: 6, UnitPrice: 999},
	}
	require.NoError(t, h.HandleEvent(context.Background(), createdEnv(t, "order-1", items)))

	assert.Equal(t, 10, store.item("P1").Available)
	assert.Equal(t, 5, store.item("P2").Available)
	assert.Equal(t, []string{event.TypeInventoryFailed}, store.stagedTypes())
	_, err := store.GetReservation(context.Background(), "order-1")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestHandler_Reserve_UnknownProduct_Fails(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)

	require.NoError(t, h.HandleEvent(context.Background(), createdEnv(t, "order-1",
		[]event.Item{{ProductID: "P9", Quantity: 1, UnitPrice: 100}})))

	assert.Equal(t, []string{event.TypeInventoryFailed}, store.stagedTypes())
}

func TestHandler_Reserve_RetriesVersionConflict(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)
	store.conflictsLeft = 2

	require.NoError(t, h.HandleEvent(context.Background(), createdEnv(t, "order-1", twoP1)))
	assert.Equal(t, 8, store.item("P1").Available)
}

func TestHandler_Reserve_ConflictBudgetExhausted_FailsExplicitly(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)
	store.conflictsLeft = 10

	err := h.HandleEvent(context.Background(), createdEnv(t, "order-1", twoP1))
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 10, store.item("P1").Available)
}

func TestHandler_Reserve_DuplicateDelivery_SingleReservation(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)
	ctx := context.Background()

	env := createdEnv(t, "order-1", twoP1)
	require.NoError(t, h.HandleEvent(ctx, env))
	require.NoError(t, h.HandleEvent(ctx, env))
	// Replay under a fresh event ID is caught by the reservation key.
	require.NoError(t, h.HandleEvent(ctx, createdEnv(t, "order-1", twoP1)))

	assert.Equal(t, 8, store.item("P1").Available)
	assert.Equal(t, []string{event.TypeInventoryReserved}, store.stagedTypes())
}

func TestHandler_Reserve_DuplicateProductLines_Accumulate(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)

	// The same product on two lines must yield one counter update for the
	// summed quantity.
	items := []event.Item{
		{ProductID: "P1", Quantity: 1, UnitPrice: 2999},
		{ProductID: "P1", Quantity: 1, UnitPrice: 2999},
	}
	require.NoError(t, h.HandleEvent(context.Background(), createdEnv(t, "order-1", items)))

	item := store.item("P1")
	assert.Equal(t, 8, item.Available)
	assert.Equal(t, 2, item.Reserved)
	assert.Equal(t, 10, store.sum("P1"))
	assert.Equal(t, []string{event.TypeInventoryReserved}, store.stagedTypes())
}

func TestHandler_DuplicateProductLines_AllocateAndRelease(t *testing.T) {
	items := []event.Item{
		{ProductID: "P1", Quantity: 2, UnitPrice: 2999},
		{ProductID: "P1", Quantity: 3, UnitPrice: 2999},
	}

	t.Run("allocate", func(t *testing.T) {
		h, store := newTestInventoryHandler(t, time.Minute)
		ctx := context.Background()
		require.NoError(t, h.HandleEvent(ctx, createdEnv(t, "order-1", items)))
		require.NoError(t, h.HandleEvent(ctx, completedEnv(t, "order-1")))

		item := store.item("P1")
		assert.Equal(t, 5, item.Available)
		assert.Equal(t, 0, item.Reserved)
		assert.Equal(t, 5, item.Allocated)
		assert.Equal(t, 10, store.sum("P1"))
	})

	t.Run("release", func(t *testing.T) {
		h, store := newTestInventoryHandler(t, time.Minute)
		ctx := context.Background()
		require.NoError(t, h.HandleEvent(ctx, createdEnv(t, "order-1", items)))
		require.NoError(t, h.HandleEvent(ctx,
			failedEnv(t, "order-1", []string{event.CompensationReleaseInventory})))

		item := store.item("P1")
		assert.Equal(t, 10, item.Available)
		assert.Equal(t, 0, item.Reserved)
		assert.Equal(t, 0, item.Allocated)
	})
}

// ============================================
// Allocation and release
// ============================================

func TestHandler_Allocate_OnOrderCompleted(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, h.HandleEvent(ctx, createdEnv(t, "order-1", twoP1)))
	require.NoError(t, h.HandleEvent(ctx, completedEnv(t, "order-1")))

	item := store.item("P1")
	assert.Equal(t, 8, item.Available)
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, 2, item.Allocated)
	assert.Equal(t, 10, store.sum("P1"))
	assert.Equal(t, []string{event.TypeInventoryReserved, event.TypeInventoryAllocated}, store.stagedTypes())

	res, err := store.GetReservation(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ReservationAllocated, res.Status)
}

func TestHandler_Release_OnCompensation_RestoresCounters(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, h.HandleEvent(ctx, createdEnv(t, "order-1", twoP1)))
	require.NoError(t, h.HandleEvent(ctx, failedEnv(t, "order-1", []string{event.CompensationReleaseInventory})))

	item := store.item("P1")
	assert.Equal(t, 10, item.Available)
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, 10, store.sum("P1"))

	res, err := store.GetReservation(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ReservationReleased, res.Status)

	types := store.stagedTypes()
	require.Len(t, types, 2)
	assert.Equal(t, event.TypeInventoryReleased, types[1])
}

func TestHandler_Release_Twice_IsNoOp(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, h.HandleEvent(ctx, createdEnv(t, "order-1", twoP1)))
	require.NoError(t, h.HandleEvent(ctx, failedEnv(t, "order-1", []string{event.CompensationReleaseInventory})))
	require.NoError(t, h.HandleEvent(ctx, failedEnv(t, "order-1", []string{event.CompensationReleaseInventory})))

	assert.Equal(t, 10, store.item("P1").Available)
	assert.Len(t, store.stagedTypes(), 2)
}

func TestHandler_Release_NoReservation_IsNoOp(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)

	require.NoError(t, h.HandleEvent(context.Background(),
		failedEnv(t, "order-1", []string{event.CompensationReleaseInventory})))
	assert.Empty(t, store.stagedTypes())
}

func TestHandler_AllocateThenRelease_MutuallyExclusive(t *testing.T) {
	h, store := newTestInventoryHandler(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, h.HandleEvent(ctx, createdEnv(t, "order-1", twoP1)))
	require.NoError(t, h.HandleEvent(ctx, completedEnv(t, "order-1")))

	// A release attempt after allocation settles nothing and moves nothing.
	require.NoError(t, h.Release(ctx, "order-1", event.ReleaseReasonExpired))

	item := store.item("P1")
	assert.Equal(t, 2, item.Allocated)
	assert.Equal(t, 0, item.Reserved)
	res, err := store.GetReservation(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ReservationAllocated, res.Status)
}
