package orders

import (
	"errors"
	"fmt"
	"time"

	"caravel/internal/orders/saga"
)

// Domain sentinels. Business rejections and validation failures are permanent;
// callers must not retry them.
var (
	ErrInvalidOrder           = errors.New("invalid order")
	ErrNotFound               = errors.New("order not found")
	ErrConcurrentModification = errors.New("order version conflict")
	ErrOrderTerminal          = errors.New("order already in a terminal state")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrPaymentDeclined        = errors.New("payment declined")
	ErrUserNotFound           = errors.New("user not found")
)

// LineItem is a single ordered product. Items are immutable once the order is
// placed; corrections require a new order or a whole-order cancel.
type LineItem struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Subtotal returns quantity times unit price.
func (li LineItem) Subtotal() float64 {
	return float64(li.Quantity) * li.UnitPrice
}

// Order is the aggregate the saga orchestrator drives. Version is the
// optimistic-concurrency stamp owned by the store: every successful
// CompareAndSwap increments it.
type Order struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Items         []LineItem `json:"items"`
	Total         float64    `json:"total"`
	State         saga.State `json:"state"`
	ReservationID string     `json:"reservation_id,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewOrder validates the request and builds an order in the initial state at
// version 0. The total is fixed at creation time from the line-item subtotals.
func NewOrder(id, ownerID string, items []LineItem, now time.Time) (Order, error) {
	if id == "" {
		return Order{}, fmt.Errorf("%w: missing order id", ErrInvalidOrder)
	}
	if ownerID == "" {
		return Order{}, fmt.Errorf("%w: missing owner id", ErrInvalidOrder)
	}
	if len(items) == 0 {
		return Order{}, fmt.Errorf("%w: no line items", ErrInvalidOrder)
	}

	total := 0.0
	for i, item := range items {
		if item.ProductID == "" {
			return Order{}, fmt.Errorf("%w: item %d missing product id", ErrInvalidOrder, i)
		}
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidOrder, i)
		}
		if item.UnitPrice < 0 {
			return Order{}, fmt.Errorf("%w: item %d unit price must not be negative", ErrInvalidOrder, i)
		}
		total += item.Subtotal()
	}

	copied := make([]LineItem, len(items))
	copy(copied, items)

	return Order{
		ID:        id,
		OwnerID:   ownerID,
		Items:     copied,
		Total:     total,
		State:     saga.StateCreated,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy so stored records cannot be mutated through
// shared slices.
func (o Order) Clone() Order {
	items := make([]LineItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}
