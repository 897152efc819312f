// Package clients holds HTTP adapters for the downstream services the
// orchestrator calls: catalog (inventory), identity and payments. Each adapter
// sends the operation's idempotency key in the Idempotency-Key header so the
// downstream can deduplicate redelivered requests.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caravel/internal/orders"
)

const idempotencyHeader = "Idempotency-Key"

// defaultHTTPClient bounds a single request; retries are layered on top by
// the reliability wrappers.
var defaultHTTPClient = &http.Client{Timeout: 5 * time.Second}

type httpClient struct {
	baseURL string
	http    *http.Client
}

func newHTTPClient(baseURL string, hc *http.Client) httpClient {
	if hc == nil {
		hc = defaultHTTPClient
	}
	return httpClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c httpClient) do(ctx context.Context, method, path, idemKey string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(idempotencyHeader, idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c httpClient) health(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodGet, "/health", "", nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("health status %d", status)
	}
	return nil
}

// CatalogClient talks to the catalog service's inventory endpoints.
type CatalogClient struct {
	httpClient
}

// NewCatalogClient constructs a catalog adapter. A nil hc uses the default
// 5s-timeout client.
func NewCatalogClient(baseURL string, hc *http.Client) *CatalogClient {
	return &CatalogClient{newHTTPClient(baseURL, hc)}
}

func (c *CatalogClient) ReserveInventory(ctx context.Context, idemKey string, items []orders.LineItem) (orders.Reservation, error) {
	var out struct {
		ReservationID string `json:"reservation_id"`
	}
	status, err := c.do(ctx, http.MethodPost, "/reservations", idemKey, map[string]any{"items": items}, &out)
	if err != nil {
		return orders.Reservation{}, fmt.Errorf("catalog reserve: %w", err)
	}
	switch {
	case status == http.StatusConflict:
		return orders.Reservation{}, orders.ErrInsufficientStock
	case status < 200 || status >= 300:
		return orders.Reservation{}, fmt.Errorf("catalog reserve: status %d", status)
	}
	if out.ReservationID == "" {
		return orders.Reservation{}, fmt.Errorf("catalog reserve: empty reservation id")
	}
	return orders.Reservation{ID: out.ReservationID}, nil
}

func (c *CatalogClient) ReleaseReservation(ctx context.Context, idemKey, reservationID string) error {
	status, err := c.do(ctx, http.MethodPost, "/reservations/"+reservationID+"/release", idemKey, nil, nil)
	if err != nil {
		return fmt.Errorf("catalog release: %w", err)
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		// Already released or expired; the goal state holds.
		return nil
	default:
		return fmt.Errorf("catalog release: status %d", status)
	}
}

// Health pings the catalog service.
func (c *CatalogClient) Health(ctx context.Context) error { return c.health(ctx) }

// IdentityClient talks to the identity service.
type IdentityClient struct {
	httpClient
}

// NewIdentityClient constructs an identity adapter.
func NewIdentityClient(baseURL string, hc *http.Client) *IdentityClient {
	return &IdentityClient{newHTTPClient(baseURL, hc)}
}

func (c *IdentityClient) VerifyUser(ctx context.Context, userID string) (orders.UserProfile, error) {
	var out orders.UserProfile
	status, err := c.do(ctx, http.MethodGet, "/users/"+userID, "", nil, &out)
	if err != nil {
		return orders.UserProfile{}, fmt.Errorf("identity verify: %w", err)
	}
	switch {
	case status == http.StatusNotFound:
		return orders.UserProfile{}, orders.ErrUserNotFound
	case status < 200 || status >= 300:
		return orders.UserProfile{}, fmt.Errorf("identity verify: status %d", status)
	}
	return out, nil
}

// Health pings the identity service.
func (c *IdentityClient) Health(ctx context.Context) error { return c.health(ctx) }

// PaymentClient talks to the payment service.
type PaymentClient struct {
	httpClient
}

// NewPaymentClient constructs a payment adapter.
func NewPaymentClient(baseURL string, hc *http.Client) *PaymentClient {
	return &PaymentClient{newHTTPClient(baseURL, hc)}
}

func (c *PaymentClient) Authorize(ctx context.Context, idemKey, orderID string, amount float64) error {
	body := map[string]any{"order_id": orderID, "amount": amount}
	status, err := c.do(ctx, http.MethodPost, "/authorizations", idemKey, body, nil)
	if err != nil {
		return fmt.Errorf("payment authorize: %w", err)
	}
	switch {
	case status == http.StatusPaymentRequired || status == http.StatusUnprocessableEntity:
		return orders.ErrPaymentDeclined
	case status < 200 || status >= 300:
		return fmt.Errorf("payment authorize: status %d", status)
	}
	return nil
}

// Health pings the payment service.
func (c *PaymentClient) Health(ctx context.Context) error { return c.health(ctx) }
