// Package gateway is the HTTP edge: it authenticates callers, throttles them,
// translates requests into orchestrator calls and maps domain errors onto
// status codes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"caravel/internal/observability"
	"caravel/internal/orders"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// OrderService is the slice of the orchestrator the gateway needs.
type OrderService interface {
	PlaceOrder(ctx context.Context, ownerID string, items []orders.LineItem) (orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	Cancel(ctx context.Context, orderID string) (orders.Order, error)
}

// Authenticator resolves a bearer token to a user profile.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (orders.UserProfile, error)
}

// IdentityAuthenticator treats the bearer token as a user id and verifies it
// against the identity service. Real token validation lives in the identity
// service; the gateway only needs the resolved identity.
type IdentityAuthenticator struct {
	Identity orders.IdentityClient
}

func (a IdentityAuthenticator) Authenticate(ctx context.Context, token string) (orders.UserProfile, error) {
	return a.Identity.VerifyUser(ctx, token)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Config wires the router.
type Config struct {
	Service OrderService
	Auth    Authenticator
	Metrics *observability.Metrics
	// Checks maps component name to probe; all run on GET /health.
	Checks map[string]HealthCheck
	// WSHandler serves GET /ws when set.
	WSHandler http.HandlerFunc
	// RateLimit is the steady per-caller request rate; RateBurst the bucket
	// size. Zero disables throttling.
	RateLimit time.Duration
	RateBurst int
	Logf      func(format string, args ...any)
}

type router struct {
	cfg     Config
	limiter *callerLimiter
}

type ctxKey int

const callerKey ctxKey = 0

// New builds the gateway handler.
func New(cfg Config) http.Handler {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	rt := &router{
		cfg:     cfg,
		limiter: newCallerLimiter(cfg.RateLimit, cfg.RateBurst),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(rt.logRequests)

	r.Get("/health", rt.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.Handler(cfg.Metrics))
	if cfg.WSHandler != nil {
		r.Get("/ws", cfg.WSHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(rt.authenticate)
		r.Use(rt.throttle)
		r.Post("/orders", rt.handlePlaceOrder)
		r.Get("/orders/{orderID}", rt.handleGetOrder)
		r.Post("/orders/{orderID}/cancel", rt.handleCancelOrder)
	})

	return r
}

func (rt *router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		rt.cfg.Logf("gateway %s %s -> %d in %v", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (rt *router) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		profile, err := rt.cfg.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, orders.ErrUserNotFound) {
				writeError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			writeError(w, http.StatusBadGateway, "identity service unavailable")
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, profile)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (rt *router) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r.Context())
		if !rt.limiter.Allow(caller.ID) {
			rt.cfg.Metrics.AddRateLimitReject()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFrom(ctx context.Context) orders.UserProfile {
	profile, _ := ctx.Value(callerKey).(orders.UserProfile)
	return profile
}

func (rt *router) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	span := rt.cfg.Metrics.Start("place_order")

	var body struct {
		Items []orders.LineItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		span.End(err)
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	caller := callerFrom(r.Context())
	order, err := rt.cfg.Service.PlaceOrder(r.Context(), caller.ID, body.Items)
	span.End(err)
	if err != nil {
		rt.writeDomainError(w, err)
		return
	}
	rt.cfg.Metrics.Inc(observability.CounterOrdersPlaced)
	writeJSON(w, http.StatusCreated, order)
}

func (rt *router) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	span := rt.cfg.Metrics.Start("get_order")

	order, err := rt.loadOwnedOrder(r)
	span.End(err)
	if err != nil {
		rt.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (rt *router) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	span := rt.cfg.Metrics.Start("cancel_order")

	if _, err := rt.loadOwnedOrder(r); err != nil {
		span.End(err)
		rt.writeDomainError(w, err)
		return
	}

	order, err := rt.cfg.Service.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	span.End(err)
	if err != nil {
		rt.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// loadOwnedOrder fetches the order and hides other callers' orders behind a
// not-found, so order ids do not leak across tenants.
func (rt *router) loadOwnedOrder(r *http.Request) (orders.Order, error) {
	order, err := rt.cfg.Service.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		return orders.Order{}, err
	}
	if order.OwnerID != callerFrom(r.Context()).ID {
		return orders.Order{}, orders.ErrNotFound
	}
	return order, nil
}

func (rt *router) handleHealth(w http.ResponseWriter, r *http.Request) {
	type componentHealth struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := make(map[string]componentHealth, len(rt.cfg.Checks))
	healthy := true
	for name, check := range rt.cfg.Checks {
		if err := check(ctx); err != nil {
			components[name] = componentHealth{Status: "down", Error: err.Error()}
			healthy = false
			continue
		}
		components[name] = componentHealth{Status: "ok"}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
	})
}

func (rt *router) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orders.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, orders.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "unknown user")
	case errors.Is(err, orders.ErrOrderTerminal),
		errors.Is(err, orders.ErrConcurrentModification),
		errors.Is(err, orders.ErrInsufficientStock):
		writeError(w, http.StatusConflict, err.Error())
	default:
		rt.cfg.Logf("gateway internal error: %v", err)
		writeError(w, http.StatusBadGateway, "upstream failure")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
