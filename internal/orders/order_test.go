package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"caravel/internal/orders/saga"
)

func TestNewOrder_ComputesTotal(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	order, err := NewOrder("order-1", "user-1", []LineItem{
		{ProductID: "sku-1", Quantity: 2, UnitPrice: 10},
		{ProductID: "sku-2", Quantity: 1, UnitPrice: 5.5},
	}, now)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if order.Total != 25.5 {
		t.Fatalf("unexpected total: %v", order.Total)
	}
	if order.State != saga.StateCreated {
		t.Fatalf("unexpected initial state: %s", order.State)
	}
	if order.Version != 0 {
		t.Fatalf("fresh order must start at version 0, got %d", order.Version)
	}
}

func TestNewOrder_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		owner string
		items []LineItem
	}{
		{name: "no items", owner: "user-1", items: nil},
		{name: "zero quantity", owner: "user-1", items: []LineItem{{ProductID: "sku-1", Quantity: 0, UnitPrice: 1}}},
		{name: "negative quantity", owner: "user-1", items: []LineItem{{ProductID: "sku-1", Quantity: -2, UnitPrice: 1}}},
		{name: "negative price", owner: "user-1", items: []LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: -0.01}}},
		{name: "missing product", owner: "user-1", items: []LineItem{{Quantity: 1, UnitPrice: 1}}},
		{name: "missing owner", owner: "", items: []LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 1}}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewOrder("order-1", tc.owner, tc.items, time.Now())
			if !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
}

func TestNewOrder_CopiesItems(t *testing.T) {
	t.Parallel()

	items := []LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 3}}
	order, err := NewOrder("order-1", "user-1", items, time.Now())
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	items[0].Quantity = 99
	if order.Items[0].Quantity != 1 {
		t.Fatalf("order items must be detached from the input slice")
	}
}

func TestInMemoryStore_LoadMissing(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	if _, err := store.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStore_CompareAndSwap_VersionAdvances(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	order, err := NewOrder("order-1", "user-1", []LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 2}}, time.Now())
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := store.Create(context.Background(), order); err != nil {
		t.Fatalf("Create: %v", err)
	}

	order.State = saga.StateAwaitingInventory
	updated, err := store.CompareAndSwap(context.Background(), 0, order)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("expected version 1, got %d", updated.Version)
	}

	// The stale version must now be rejected.
	if _, err := store.CompareAndSwap(context.Background(), 0, order); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestInMemoryStore_ListStale(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 2}}

	stale, err := NewOrder("order-stale", "user-1", items, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	fresh, err := NewOrder("order-fresh", "user-1", items, base)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	done, err := NewOrder("order-done", "user-1", items, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	done.State = saga.StateCancelled
	for _, o := range []Order{stale, fresh, done} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create %s: %v", o.ID, err)
		}
	}

	ids, err := store.ListStale(ctx, base.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != "order-stale" {
		t.Fatalf("expected only the stale non-terminal order, got %v", ids)
	}
}

func TestInMemoryStore_ConcurrentWriters_ExactlyOneWins(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	order, err := NewOrder("order-1", "user-1", []LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 2}}, time.Now())
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := store.Create(context.Background(), order); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempt := order.Clone()
			attempt.State = saga.StateAwaitingInventory
			_, err := store.CompareAndSwap(context.Background(), 0, attempt)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d/%d", wins, conflicts)
	}
}
