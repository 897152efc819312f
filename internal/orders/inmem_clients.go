package orders

import (
	"context"
	"fmt"
	"sync"
)

// NewInMemoryCatalogClient constructs an in-memory catalog client with the
// given per-product stock levels.
func NewInMemoryCatalogClient(stock map[string]int) *InMemoryCatalogClient {
	levels := make(map[string]int, len(stock))
	for sku, qty := range stock {
		levels[sku] = qty
	}
	return &InMemoryCatalogClient{
		stock:        levels,
		reservations: make(map[string]Reservation),
		released:     make(map[string]bool),
	}
}

// InMemoryCatalogClient tracks reservations in memory. It deduplicates on the
// idempotency key the way the real catalog service is contracted to.
type InMemoryCatalogClient struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]Reservation
	released     map[string]bool
	reserveCalls int
	releaseCalls int
	nextID       int
}

func (c *InMemoryCatalogClient) ReserveInventory(_ context.Context, idemKey string, items []LineItem) (Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res, ok := c.reservations[idemKey]; ok {
		return res, nil
	}
	c.reserveCalls++

	for _, item := range items {
		if c.stock[item.ProductID] < item.Quantity {
			return Reservation{}, ErrInsufficientStock
		}
	}
	for _, item := range items {
		c.stock[item.ProductID] -= item.Quantity
	}

	c.nextID++
	res := Reservation{ID: fmt.Sprintf("rsv-%d", c.nextID)}
	c.reservations[idemKey] = res
	return res, nil
}

func (c *InMemoryCatalogClient) ReleaseReservation(_ context.Context, idemKey, reservationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released[idemKey] {
		return nil
	}
	c.releaseCalls++
	c.released[idemKey] = true
	_ = reservationID
	return nil
}

// ReserveCalls returns how many non-deduplicated reserves ran (for inspection).
func (c *InMemoryCatalogClient) ReserveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserveCalls
}

// ReleaseCalls returns how many non-deduplicated releases ran (for inspection).
func (c *InMemoryCatalogClient) ReleaseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseCalls
}

// Stock returns the remaining stock for a product (for inspection).
func (c *InMemoryCatalogClient) Stock(productID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stock[productID]
}

// NewInMemoryIdentityClient constructs an identity client that knows the
// given user ids.
func NewInMemoryIdentityClient(userIDs ...string) *InMemoryIdentityClient {
	users := make(map[string]UserProfile, len(userIDs))
	for _, id := range userIDs {
		users[id] = UserProfile{ID: id, Name: id}
	}
	return &InMemoryIdentityClient{users: users}
}

// InMemoryIdentityClient verifies users against a fixed set.
type InMemoryIdentityClient struct {
	mu    sync.Mutex
	users map[string]UserProfile
}

func (c *InMemoryIdentityClient) VerifyUser(_ context.Context, userID string) (UserProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	profile, ok := c.users[userID]
	if !ok {
		return UserProfile{}, ErrUserNotFound
	}
	return profile, nil
}

// NewInMemoryPaymentClient constructs an in-memory payment client.
func NewInMemoryPaymentClient() *InMemoryPaymentClient {
	return &InMemoryPaymentClient{
		authorized: make(map[string]float64),
		declined:   make(map[string]bool),
	}
}

// InMemoryPaymentClient tracks authorizations in memory. DeclineOrder marks
// an order so its authorization is rejected.
type InMemoryPaymentClient struct {
	mu             sync.Mutex
	authorized     map[string]float64
	declined       map[string]bool
	authorizeCalls int
}

func (c *InMemoryPaymentClient) Authorize(_ context.Context, idemKey, orderID string, amount float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.authorized[idemKey]; ok {
		return nil
	}
	c.authorizeCalls++
	if c.declined[orderID] {
		return ErrPaymentDeclined
	}
	c.authorized[idemKey] = amount
	return nil
}

// DeclineOrder makes future authorizations for orderID fail.
func (c *InMemoryPaymentClient) DeclineOrder(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declined[orderID] = true
}

// AuthorizeCalls returns how many non-deduplicated authorizations ran.
func (c *InMemoryPaymentClient) AuthorizeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorizeCalls
}

// WasAuthorized reports whether any authorization succeeded (for inspection).
func (c *InMemoryPaymentClient) WasAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.authorized) > 0
}
