package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"caravel/internal/orders"
	"caravel/internal/orders/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newOrderMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func testOrder(t *testing.T) orders.Order {
	t.Helper()
	o, err := orders.NewOrder("order-1", "user-1", []orders.LineItem{
		{ProductID: "widget", Quantity: 2, UnitPrice: 5.0},
	}, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return o
}

func TestOrderStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_orders_owner").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewOrderStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestOrderStore_WithSchema_Success(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_orders_owner").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewOrderStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestOrderStore_Create(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	o := testOrder(t)
	mock.ExpectExec("INSERT INTO orders").
		WithArgs(o.ID, o.OwnerID, sqlmock.AnyArg(), o.Total, string(o.State), o.ReservationID, o.Version, o.CreatedAt, o.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewOrderStore(db)
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestOrderStore_Create_DuplicateID(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	o := testOrder(t)
	mock.ExpectExec("INSERT INTO orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewOrderStore(db)
	if err := store.Create(context.Background(), o); !errors.Is(err, orders.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestOrderStore_Load(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, owner_id, items, total, state").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner_id", "items", "total", "state", "reservation_id", "version", "created_at", "updated_at",
		}).AddRow(
			"order-1", "user-1", []byte(`[{"product_id":"widget","quantity":2,"unit_price":5}]`),
			10.0, "awaiting_payment", "rsv-1", int64(2), created, created,
		))
	mock.ExpectClose()

	store := NewOrderStore(db)
	o, err := store.Load(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if o.State != saga.StateAwaitingPayment || o.Version != 2 {
		t.Fatalf("unexpected order: %+v", o)
	}
	if len(o.Items) != 1 || o.Items[0].ProductID != "widget" {
		t.Fatalf("items did not round-trip: %+v", o.Items)
	}
}

func TestOrderStore_Load_NotFound(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, owner_id, items, total, state").
		WithArgs("order-missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owner_id", "items", "total", "state", "reservation_id", "version", "created_at", "updated_at",
		}))
	mock.ExpectClose()

	store := NewOrderStore(db)
	if _, err := store.Load(context.Background(), "order-missing"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOrderStore_CompareAndSwap(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	o := testOrder(t)
	o.State = saga.StateAwaitingInventory

	mock.ExpectExec("UPDATE orders").
		WithArgs(o.ID, int64(0), o.OwnerID, sqlmock.AnyArg(), o.Total, string(o.State), o.ReservationID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewOrderStore(db)
	updated, err := store.CompareAndSwap(context.Background(), 0, o)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("expected version 1, got %d", updated.Version)
	}
}

func TestOrderStore_CompareAndSwap_StaleVersion(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	o := testOrder(t)
	mock.ExpectExec("UPDATE orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(o.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectClose()

	store := NewOrderStore(db)
	if _, err := store.CompareAndSwap(context.Background(), 3, o); !errors.Is(err, orders.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestOrderStore_ListStale(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	cutoff := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id FROM orders").
		WithArgs("confirmed", "cancelled", "failed", cutoff, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("order-7").
			AddRow("order-3"))
	mock.ExpectClose()

	store := NewOrderStore(db)
	ids, err := store.ListStale(context.Background(), cutoff, 50)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(ids) != 2 || ids[0] != "order-7" || ids[1] != "order-3" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestOrderStore_CompareAndSwap_MissingRow(t *testing.T) {
	db, mock, cleanup := newOrderMockDB(t)
	t.Cleanup(cleanup)

	o := testOrder(t)
	mock.ExpectExec("UPDATE orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(o.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectClose()

	store := NewOrderStore(db)
	if _, err := store.CompareAndSwap(context.Background(), 0, o); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
