package orders

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Permanent reports whether err must not be retried: validation failures,
// business rejections, concurrency conflicts and context cancellation all
// want a decision (compensate, re-evaluate, give up), not another attempt.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrPaymentDeclined) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrOrderTerminal) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCircuitOpen)
}

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// DefaultRetryPolicy returns the documented defaults: 3 attempts, 100ms base
// delay doubling per attempt, capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Do executes the function with retries according to the policy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return !Permanent(err) }
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := p.BaseDelay
		if delay > 0 {
			delay = delay << (attempt - 1)
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		delay = jitter(delay)
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls after repeated failures.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		state:      circuitClosed,
	}
}

// Execute runs the given function while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == circuitHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil {
		c.state = circuitClosed
		c.failures = 0
		return nil
	}

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

// ReliableCatalogClient wraps a CatalogClient with retry and breaker controls.
type ReliableCatalogClient struct {
	base    CatalogClient
	breaker *CircuitBreaker
	retry   RetryPolicy
}

// NewReliableCatalogClient constructs a reliability-wrapped catalog client.
func NewReliableCatalogClient(base CatalogClient, breaker *CircuitBreaker, retry RetryPolicy) *ReliableCatalogClient {
	return &ReliableCatalogClient{base: base, breaker: breaker, retry: retry}
}

func (c *ReliableCatalogClient) ReserveInventory(ctx context.Context, idemKey string, items []LineItem) (Reservation, error) {
	var res Reservation
	err := reliableDo(ctx, c.retry, c.breaker, func() error {
		var err error
		res, err = c.base.ReserveInventory(ctx, idemKey, items)
		return err
	})
	return res, err
}

func (c *ReliableCatalogClient) ReleaseReservation(ctx context.Context, idemKey, reservationID string) error {
	return reliableDo(ctx, c.retry, c.breaker, func() error {
		return c.base.ReleaseReservation(ctx, idemKey, reservationID)
	})
}

// ReliablePaymentClient wraps a PaymentClient with retry and breaker controls.
type ReliablePaymentClient struct {
	base    PaymentClient
	breaker *CircuitBreaker
	retry   RetryPolicy
}

// NewReliablePaymentClient constructs a reliability-wrapped payment client.
func NewReliablePaymentClient(base PaymentClient, breaker *CircuitBreaker, retry RetryPolicy) *ReliablePaymentClient {
	return &ReliablePaymentClient{base: base, breaker: breaker, retry: retry}
}

func (c *ReliablePaymentClient) Authorize(ctx context.Context, idemKey, orderID string, amount float64) error {
	return reliableDo(ctx, c.retry, c.breaker, func() error {
		return c.base.Authorize(ctx, idemKey, orderID, amount)
	})
}

// ReliableIdentityClient wraps an IdentityClient with retry and breaker controls.
type ReliableIdentityClient struct {
	base    IdentityClient
	breaker *CircuitBreaker
	retry   RetryPolicy
}

// NewReliableIdentityClient constructs a reliability-wrapped identity client.
func NewReliableIdentityClient(base IdentityClient, breaker *CircuitBreaker, retry RetryPolicy) *ReliableIdentityClient {
	return &ReliableIdentityClient{base: base, breaker: breaker, retry: retry}
}

func (c *ReliableIdentityClient) VerifyUser(ctx context.Context, userID string) (UserProfile, error) {
	var profile UserProfile
	err := reliableDo(ctx, c.retry, c.breaker, func() error {
		var err error
		profile, err = c.base.VerifyUser(ctx, userID)
		return err
	})
	return profile, err
}

func reliableDo(ctx context.Context, retry RetryPolicy, breaker *CircuitBreaker, fn func() error) error {
	attempt := func() error {
		if breaker != nil {
			return breaker.Execute(fn)
		}
		return fn()
	}
	return retry.Do(ctx, attempt)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
