package orders

import "context"

// Reservation is the catalog service's handle for reserved stock.
type Reservation struct {
	ID string
}

// UserProfile is the slice of the identity record the core needs.
type UserProfile struct {
	ID    string
	Email string
	Name  string
}

// CatalogClient reserves and releases inventory. Both calls carry an
// idempotency key; the catalog side deduplicates on it, so an abandoned call
// that completed remotely is safe to resend.
type CatalogClient interface {
	ReserveInventory(ctx context.Context, idemKey string, items []LineItem) (Reservation, error)
	ReleaseReservation(ctx context.Context, idemKey, reservationID string) error
}

// IdentityClient verifies that an order's owner exists.
type IdentityClient interface {
	VerifyUser(ctx context.Context, userID string) (UserProfile, error)
}

// PaymentClient authorizes a charge for an order total.
type PaymentClient interface {
	Authorize(ctx context.Context, idemKey, orderID string, amount float64) error
}
