package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"caravel/cmd/server/config"
	"caravel/internal/clients"
	ordersdb "caravel/internal/db/orders"
	"caravel/internal/events"
	"caravel/internal/gateway"
	"caravel/internal/idempotency"
	"caravel/internal/observability"
	"caravel/internal/orders"
	"caravel/internal/realtime"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	checks := make(map[string]gateway.HealthCheck)

	store, cleanupStore, err := buildStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer cleanupStore()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	countDeadLetter := func(topic, group string) {
		metrics.Inc(observability.CounterEventsDead)
		log.Printf("event dead-lettered on %s for group %s", topic, group)
	}
	var bus events.Bus
	var idem idempotency.Store
	if rdb != nil {
		bus = events.NewRedisBus(rdb, events.RedisBusConfig{
			MaxLen:            cfg.StreamMaxLen,
			VisibilityTimeout: cfg.VisibilityTimeout,
			OnDeadLetter:      countDeadLetter,
		})
		idem = idempotency.NewRedisStore(rdb, "", cfg.IdempotencyTTL)
	} else {
		log.Printf("REDIS_URL not set, using in-process event bus and idempotency store")
		bus = events.NewMemoryBus(events.MemoryBusConfig{OnDeadLetter: countDeadLetter})
		idem = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	}

	retry := orders.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	catalog, identity, payments := buildClients(cfg, retry, checks)

	orch := orders.NewOrchestrator(store, catalog, identity, payments, bus, idem, orders.OrchestratorConfig{
		StepTimeout: cfg.StepTimeout,
	})
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	scanner, ok := store.(orders.StaleScanner)
	if !ok {
		return fmt.Errorf("order store %T cannot list stalled orders", store)
	}
	watchdog := orders.NewWatchdog(orch, scanner, orders.WatchdogConfig{
		Interval:     cfg.WatchdogInterval,
		IdleDeadline: cfg.SagaIdleDeadline,
	})
	go watchdog.Run(ctx)

	hub := realtime.NewHub(log.Printf)
	go hub.Run(ctx)
	if err := bus.Subscribe(ctx, events.TopicOrderLifecycle, realtime.ConsumerGroup, hub.HandleEvent); err != nil {
		return fmt.Errorf("subscribe realtime: %w", err)
	}

	countOutcomes := func(_ context.Context, evt events.Envelope) error {
		switch evt.Type {
		case events.TypeOrderConfirmed:
			metrics.Inc(observability.CounterOrdersConfirmed)
		case events.TypeOrderCancelled:
			metrics.Inc(observability.CounterOrdersCancelled)
		case events.TypeOrderFailed:
			metrics.Inc(observability.CounterOrdersFailed)
		case events.TypeOrderCompensating:
			metrics.Inc(observability.CounterCompensations)
		}
		return nil
	}
	if err := bus.Subscribe(ctx, events.TopicOrderLifecycle, "metrics", countOutcomes); err != nil {
		return fmt.Errorf("subscribe metrics: %w", err)
	}

	handler := gateway.New(gateway.Config{
		Service:   orch,
		Auth:      gateway.IdentityAuthenticator{Identity: identity},
		Metrics:   metrics,
		Checks:    checks,
		WSHandler: hub.ServeWS,
		RateLimit: cfg.RateLimitInterval,
		RateBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:    cfg.GatewayAddr,
		Handler: handler,
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler(metrics))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("gateway listening on %s", cfg.GatewayAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("gateway shutdown: %v", err)
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		// Let in-flight saga steps settle before the stores close.
		orch.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

func buildStore(ctx context.Context, cfg config.Config, checks map[string]gateway.HealthCheck) (orders.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Printf("DATABASE_URL not set, using in-memory order store")
		return orders.NewInMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	store, err := ordersdb.NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}

	checks["store"] = db.PingContext
	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("close database: %v", err)
		}
	}
	return store, cleanup, nil
}

// buildClients wires the downstream service clients, each behind its own
// circuit breaker and the shared retry policy. Missing URLs fall back to
// seeded in-memory fakes so the server runs standalone in development.
func buildClients(cfg config.Config, retry orders.RetryPolicy, checks map[string]gateway.HealthCheck) (orders.CatalogClient, orders.IdentityClient, orders.PaymentClient) {
	breaker := func() *orders.CircuitBreaker {
		return orders.NewCircuitBreaker(orders.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 10 * time.Second,
		})
	}

	var catalog orders.CatalogClient
	if cfg.CatalogURL != "" {
		raw := clients.NewCatalogClient(cfg.CatalogURL, nil)
		checks["catalog"] = raw.Health
		catalog = orders.NewReliableCatalogClient(raw, breaker(), retry)
	} else {
		log.Printf("CATALOG_URL not set, using in-memory catalog with demo stock")
		catalog = orders.NewInMemoryCatalogClient(map[string]int{
			"widget": 100,
			"gadget": 100,
			"gizmo":  100,
		})
	}

	var identity orders.IdentityClient
	if cfg.IdentityURL != "" {
		raw := clients.NewIdentityClient(cfg.IdentityURL, nil)
		checks["identity"] = raw.Health
		identity = orders.NewReliableIdentityClient(raw, breaker(), retry)
	} else {
		log.Printf("IDENTITY_URL not set, using in-memory identity with demo users")
		identity = orders.NewInMemoryIdentityClient("demo-user", "demo-admin")
	}

	var payments orders.PaymentClient
	if cfg.PaymentURL != "" {
		raw := clients.NewPaymentClient(cfg.PaymentURL, nil)
		checks["payments"] = raw.Health
		payments = orders.NewReliablePaymentClient(raw, breaker(), retry)
	} else {
		log.Printf("PAYMENT_URL not set, using in-memory payment client")
		payments = orders.NewInMemoryPaymentClient()
	}

	return catalog, identity, payments
}
