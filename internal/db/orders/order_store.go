// Package ordersdb persists order records in Postgres.
package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"caravel/internal/orders"
	"caravel/internal/orders/saga"
)

// OrderStore implements orders.Store on Postgres. The version column carries
// the optimistic concurrency check: every write compares against the version
// it read, so two concurrent handlers cannot both apply a transition.
type OrderStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db, now: time.Now}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			items JSONB NOT NULL,
			total DOUBLE PRECISION NOT NULL,
			state TEXT NOT NULL,
			reservation_id TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders (owner_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts the order at its initial version. A duplicate id surfaces as
// a concurrency error since order ids are generated, never reused.
func (s *OrderStore) Create(ctx context.Context, o orders.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, owner_id, items, total, state, reservation_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.OwnerID, items, o.Total, string(o.State), o.ReservationID, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return orders.ErrConcurrentModification
	}
	return nil
}

// Load reads the order by id.
func (s *OrderStore) Load(ctx context.Context, id string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, items, total, state, reservation_id, version, created_at, updated_at
		FROM orders
		WHERE id = $1`,
		id,
	)
	return scanOrder(row)
}

// CompareAndSwap persists o if the stored version still equals
// expectedVersion. RowsAffected disambiguates a lost race from a missing row.
func (s *OrderStore) CompareAndSwap(ctx context.Context, expectedVersion int64, o orders.Order) (orders.Order, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return orders.Order{}, fmt.Errorf("encode items: %w", err)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET owner_id = $3, items = $4, total = $5, state = $6, reservation_id = $7,
			version = $2 + 1, updated_at = $8
		WHERE id = $1 AND version = $2`,
		o.ID, expectedVersion, o.OwnerID, items, o.Total, string(o.State), o.ReservationID, now,
	)
	if err != nil {
		return orders.Order{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return orders.Order{}, err
	}
	if affected == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists)
		if err != nil {
			return orders.Order{}, err
		}
		if !exists {
			return orders.Order{}, orders.ErrNotFound
		}
		return orders.Order{}, orders.ErrConcurrentModification
	}

	updated := o.Clone()
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = now
	return updated, nil
}

// ListStale returns ids of orders stuck in a non-terminal state with no
// writes since cutoff, oldest first. The watchdog feeds these back through
// the saga's timeout handling.
func (s *OrderStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM orders
		WHERE state NOT IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at
		LIMIT $5`,
		string(saga.StateConfirmed), string(saga.StateCancelled), string(saga.StateFailed), cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (orders.Order, error) {
	var (
		o     orders.Order
		items []byte
		state string
	)
	err := row.Scan(&o.ID, &o.OwnerID, &items, &o.Total, &state, &o.ReservationID, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.Order{}, orders.ErrNotFound
		}
		return orders.Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return orders.Order{}, fmt.Errorf("decode items: %w", err)
	}
	o.State = saga.State(state)
	return o, nil
}
