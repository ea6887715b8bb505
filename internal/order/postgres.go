package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/outbox"
)

// PostgresStore is the relational store owning orders, order_items,
// saga_states and the order-side outbox table. It also implements
// outbox.Store for the relay.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a PostgreSQL connection pool.
func Connect(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *Order, saga *SagaState, rec outbox.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, customer_id, shipping_address, status, total_amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.CustomerID, o.ShippingAddress, o.Status, o.TotalAmount, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range o.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			 VALUES ($1, $2, $3, $4)`,
			o.ID, item.ProductID, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := insertSaga(ctx, tx, saga); err != nil {
		return err
	}
	if err := insertOutbox(ctx, tx, rec); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	err := s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, shipping_address, status, total_amount, created_at, updated_at
		 FROM orders WHERE id = $1`,
		orderID,
	).Scan(&o.ID, &o.CustomerID, &o.ShippingAddress, &o.Status, &o.TotalAmount, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, quantity, unit_price FROM order_items WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item event.Item
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}
	return &o, rows.Err()
}

func (s *PostgresStore) GetSaga(ctx context.Context, orderID string) (*SagaState, error) {
	var (
		saga         SagaState
		participants []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id, step, participants, cancelled, requires_intervention, updated_at
		 FROM saga_states WHERE order_id = $1`,
		orderID,
	).Scan(&saga.OrderID, &saga.Step, &participants, &saga.Cancelled, &saga.RequiresIntervention, &saga.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &saga.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return &saga, nil
}

func (s *PostgresStore) SaveTransition(ctx context.Context, saga *SagaState, status Status, recs []outbox.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
		saga.OrderID, status, saga.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	participants, err := json.Marshal(saga.Participants)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE saga_states
		 SET step = $2, participants = $3, cancelled = $4, requires_intervention = $5, updated_at = $6
		 WHERE order_id = $1`,
		saga.OrderID, saga.Step, participants, saga.Cancelled, saga.RequiresIntervention, saga.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}

	for _, rec := range recs {
		if err := insertOutbox(ctx, tx, rec); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FetchUnpublished implements outbox.Store.
func (s *PostgresStore) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, correlation_id, payload, created_at
		 FROM outbox WHERE published = FALSE
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		if err := rows.Scan(&rec.EventID, &rec.EventType, &rec.CorrelationID, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkPublished implements outbox.Store. The flag only ever goes
// false→true; rows stay for audit and replay.
func (s *PostgresStore) MarkPublished(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published = TRUE WHERE event_id = $1 AND published = FALSE`,
		eventID,
	)
	return err
}

func insertSaga(ctx context.Context, tx *sql.Tx, saga *SagaState) error {
	participants, err := json.Marshal(saga.Participants)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO saga_states (order_id, step, participants, cancelled, requires_intervention, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		saga.OrderID, saga.Step, participants, saga.Cancelled, saga.RequiresIntervention, saga.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert saga state: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, rec outbox.Record) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (event_id, event_type, correlation_id, payload, created_at, published)
		 VALUES ($1, $2, $3, $4, $5, FALSE)`,
		rec.EventID, rec.EventType, rec.CorrelationID, []byte(rec.Payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}
