package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"caravel/internal/observability"
	"caravel/internal/orders"
	"caravel/internal/orders/saga"
)

type stubService struct {
	orders    map[string]orders.Order
	placeErr  error
	cancelErr error
	placed    []string
}

func (s *stubService) PlaceOrder(_ context.Context, ownerID string, items []orders.LineItem) (orders.Order, error) {
	if s.placeErr != nil {
		return orders.Order{}, s.placeErr
	}
	o, err := orders.NewOrder(fmt.Sprintf("order-%d", len(s.placed)+1), ownerID, items, time.Now())
	if err != nil {
		return orders.Order{}, err
	}
	s.placed = append(s.placed, o.ID)
	return o, nil
}

func (s *stubService) GetOrder(_ context.Context, orderID string) (orders.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func (s *stubService) Cancel(_ context.Context, orderID string) (orders.Order, error) {
	if s.cancelErr != nil {
		return orders.Order{}, s.cancelErr
	}
	o := s.orders[orderID]
	o.State = saga.StateCancelled
	return o, nil
}

func newTestRouter(t *testing.T, svc *stubService, mutate func(*Config)) http.Handler {
	t.Helper()
	cfg := Config{
		Service: svc,
		Auth:    IdentityAuthenticator{Identity: orders.NewInMemoryIdentityClient("user-1", "user-2")},
		Metrics: observability.NewMetrics(),
		Logf:    t.Logf,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func doRequest(handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PlaceOrderCreatesForCaller(t *testing.T) {
	t.Parallel()

	svc := &stubService{orders: map[string]orders.Order{}}
	handler := newTestRouter(t, svc, nil)

	rec := doRequest(handler, http.MethodPost, "/orders", "user-1", map[string]any{
		"items": []orders.LineItem{{ProductID: "widget", Quantity: 2, UnitPrice: 5}},
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var o orders.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if o.OwnerID != "user-1" {
		t.Fatalf("owner should come from the token, got %q", o.OwnerID)
	}
	if o.Total != 10 {
		t.Fatalf("unexpected total %v", o.Total)
	}
}

func TestRouter_RequiresBearerToken(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, &stubService{}, nil)

	rec := doRequest(handler, http.MethodPost, "/orders", "", map[string]any{"items": []orders.LineItem{}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = doRequest(handler, http.MethodPost, "/orders", "user-ghost", map[string]any{"items": []orders.LineItem{}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", rec.Code)
	}
}

func TestRouter_MalformedBodyIsBadRequest(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, &stubService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRouter_InvalidOrderMapsTo400(t *testing.T) {
	t.Parallel()

	svc := &stubService{placeErr: orders.ErrInvalidOrder}
	handler := newTestRouter(t, svc, nil)

	rec := doRequest(handler, http.MethodPost, "/orders", "user-1", map[string]any{"items": []orders.LineItem{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRouter_GetOrderHidesForeignOrders(t *testing.T) {
	t.Parallel()

	ownOrder, _ := orders.NewOrder("order-own", "user-1", []orders.LineItem{{ProductID: "w", Quantity: 1, UnitPrice: 1}}, time.Now())
	otherOrder, _ := orders.NewOrder("order-other", "user-2", []orders.LineItem{{ProductID: "w", Quantity: 1, UnitPrice: 1}}, time.Now())
	svc := &stubService{orders: map[string]orders.Order{
		"order-own":   ownOrder,
		"order-other": otherOrder,
	}}
	handler := newTestRouter(t, svc, nil)

	rec := doRequest(handler, http.MethodGet, "/orders/order-own", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for own order, got %d", rec.Code)
	}

	rec = doRequest(handler, http.MethodGet, "/orders/order-other", "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign order must read as 404, got %d", rec.Code)
	}
}

func TestRouter_CancelTerminalOrderConflicts(t *testing.T) {
	t.Parallel()

	o, _ := orders.NewOrder("order-1", "user-1", []orders.LineItem{{ProductID: "w", Quantity: 1, UnitPrice: 1}}, time.Now())
	svc := &stubService{
		orders:    map[string]orders.Order{"order-1": o},
		cancelErr: orders.ErrOrderTerminal,
	}
	handler := newTestRouter(t, svc, nil)

	rec := doRequest(handler, http.MethodPost, "/orders/order-1/cancel", "user-1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRouter_ThrottleRejectsWithoutQueuing(t *testing.T) {
	t.Parallel()

	o, _ := orders.NewOrder("order-1", "user-1", []orders.LineItem{{ProductID: "w", Quantity: 1, UnitPrice: 1}}, time.Now())
	svc := &stubService{orders: map[string]orders.Order{"order-1": o}}
	metrics := observability.NewMetrics()
	handler := newTestRouter(t, svc, func(cfg *Config) {
		cfg.Metrics = metrics
		cfg.RateLimit = time.Hour
		cfg.RateBurst = 2
	})

	for i := 0; i < 2; i++ {
		if rec := doRequest(handler, http.MethodGet, "/orders/order-1", "user-1", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	start := time.Now()
	rec := doRequest(handler, http.MethodGet, "/orders/order-1", "user-1", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("throttled request must fail fast, took %v", time.Since(start))
	}
	if metrics.Snapshot().RateLimitRejects != 1 {
		t.Fatalf("reject not counted")
	}

	// A different caller has its own bucket.
	otherOrder, _ := orders.NewOrder("order-2", "user-2", []orders.LineItem{{ProductID: "w", Quantity: 1, UnitPrice: 1}}, time.Now())
	svc.orders["order-2"] = otherOrder
	if rec := doRequest(handler, http.MethodGet, "/orders/order-2", "user-2", nil); rec.Code != http.StatusOK {
		t.Fatalf("second caller should not be throttled, got %d", rec.Code)
	}
}

func TestRouter_HealthAggregatesComponents(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, &stubService{}, func(cfg *Config) {
		cfg.Checks = map[string]HealthCheck{
			"catalog":  func(context.Context) error { return nil },
			"payments": func(context.Context) error { return errors.New("connection refused") },
		}
	})

	rec := doRequest(handler, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a component is down, got %d", rec.Code)
	}
	var body struct {
		Status     string `json:"status"`
		Components map[string]struct {
			Status string `json:"status"`
		} `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "degraded" || body.Components["catalog"].Status != "ok" || body.Components["payments"].Status != "down" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestRouter_HealthyWhenAllComponentsUp(t *testing.T) {
	t.Parallel()

	handler := newTestRouter(t, &stubService{}, func(cfg *Config) {
		cfg.Checks = map[string]HealthCheck{
			"store": func(context.Context) error { return nil },
		}
	})

	rec := doRequest(handler, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	o, _ := orders.NewOrder("order-1", "user-1", []orders.LineItem{{ProductID: "w", Quantity: 1, UnitPrice: 1}}, time.Now())
	metrics := observability.NewMetrics()
	handler := newTestRouter(t, &stubService{orders: map[string]orders.Order{"order-1": o}}, func(cfg *Config) {
		cfg.Metrics = metrics
	})

	doRequest(handler, http.MethodGet, "/orders/order-1", "user-1", nil)

	rec := doRequest(handler, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap observability.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Operations["get_order"].Count != 1 {
		t.Fatalf("get_order span not recorded: %+v", snap.Operations)
	}
}
