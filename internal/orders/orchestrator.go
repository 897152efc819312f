package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"caravel/internal/events"
	"caravel/internal/idempotency"
	"caravel/internal/orders/saga"

	"github.com/google/uuid"
)

// ConsumerGroup is the orchestrator's own consumer group on the event bus.
const ConsumerGroup = "orchestrator"

// maxTransitionAttempts bounds the reload-and-re-evaluate loop on version
// conflicts. Conflicts mean another handler is making progress on the same
// order, so giving up here is safe.
const maxTransitionAttempts = 5

// Step name suffixes for idempotency keys: (order id, step name) identifies
// one side-effecting operation.
const (
	stepReserve   = "reserve"
	stepAuthorize = "authorize"
	stepRelease   = "release"
)

// Idempotency outcomes recorded per step.
const (
	outcomeAuthorized = "authorized"
	outcomeDeclined   = "declined"
	outcomeFailed     = "failed"
	outcomeReleased   = "released"
)

// OrchestratorConfig tunes the saga orchestrator.
type OrchestratorConfig struct {
	// StepTimeout is the budget for one downstream call, retries included.
	StepTimeout time.Duration
	NewID       func() string
	Now         func() time.Time
	Logf        func(format string, args ...any)
}

// Orchestrator drives each order through the fixed saga: reserve inventory,
// authorize payment, confirm; release the reservation when payment fails.
// All state mutation funnels through the store's CompareAndSwap, so multiple
// orchestrator instances and interleaved handlers stay safe without locks.
type Orchestrator struct {
	store    Store
	catalog  CatalogClient
	identity IdentityClient
	payments PaymentClient
	bus      events.Bus
	idem     idempotency.Store
	cfg      OrchestratorConfig

	bg sync.WaitGroup
}

// NewOrchestrator wires the orchestrator. Clients are expected to carry their
// own retry policy (see ReliableCatalogClient and friends); the orchestrator
// only classifies the final error.
func NewOrchestrator(store Store, catalog CatalogClient, identity IdentityClient, payments PaymentClient, bus events.Bus, idem idempotency.Store, cfg OrchestratorConfig) *Orchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Second
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Orchestrator{
		store:    store,
		catalog:  catalog,
		identity: identity,
		payments: payments,
		bus:      bus,
		idem:     idem,
		cfg:      cfg,
	}
}

// Start registers the orchestrator's event subscription. The payment step is
// event-driven: it runs when the order.reserved event is delivered, which
// makes redelivered events natural no-ops once the saga has advanced.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.bus.Subscribe(ctx, events.TopicOrderLifecycle, ConsumerGroup, o.handleLifecycleEvent)
}

// Wait blocks until in-flight background steps finish. Intended for shutdown.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// PlaceOrder validates the request, persists the order and dispatches the
// reservation step. It returns as soon as the order is durable and the first
// step is on its way; callers observe progress via GetOrder or pushed events.
func (o *Orchestrator) PlaceOrder(ctx context.Context, ownerID string, items []LineItem) (Order, error) {
	order, err := NewOrder(o.cfg.NewID(), ownerID, items, o.cfg.Now())
	if err != nil {
		return Order{}, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	if _, err := o.identity.VerifyUser(verifyCtx, ownerID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Order{}, fmt.Errorf("%w: owner %s", ErrUserNotFound, ownerID)
		}
		return Order{}, fmt.Errorf("verify owner: %w", err)
	}

	if err := o.store.Create(ctx, order); err != nil {
		return Order{}, fmt.Errorf("persist order: %w", err)
	}

	order, _, err = o.transition(ctx, order.ID, func(cur Order) (Order, bool) {
		if cur.State != saga.StateCreated {
			return cur, false
		}
		cur.State = saga.StateAwaitingInventory
		return cur, true
	})
	if err != nil {
		return Order{}, err
	}

	// The saga continues on a background context: a dropped gateway
	// connection must not abandon an accepted order. Idempotency keys, not
	// cancellation, protect the external side effects.
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		if err := o.runReservation(context.Background(), order.ID); err != nil {
			o.cfg.Logf("order %s: reservation step: %v", order.ID, err)
		}
	}()

	return order, nil
}

// GetOrder returns the current record, including its saga state.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return o.store.Load(ctx, orderID)
}

// Cancel requests a whole-order cancellation. Terminal orders are rejected;
// an order that already reached payment is compensated, not dropped.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (Order, error) {
	cur, err := o.store.Load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if cur.State.Terminal() {
		return cur, fmt.Errorf("%w: %s", ErrOrderTerminal, cur.State)
	}
	return o.failCurrentStep(ctx, orderID)
}

// HandleTimeout converts a missing downstream response into progress: the
// current step is treated as failed and the same failure/compensation branch
// runs. Safe to invoke for any order; terminal states are no-ops.
func (o *Orchestrator) HandleTimeout(ctx context.Context, orderID string) error {
	_, err := o.failCurrentStep(ctx, orderID)
	return err
}

// failCurrentStep drives the failure branch for whatever step the order is
// in. Created/AwaitingInventory cancel directly (nothing reserved yet);
// AwaitingPayment enters compensation; CompensatingInventory retries the
// release.
func (o *Orchestrator) failCurrentStep(ctx context.Context, orderID string) (Order, error) {
	cur, err := o.store.Load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	switch cur.State {
	case saga.StateCreated, saga.StateAwaitingInventory:
		updated, applied, err := o.transition(ctx, orderID, func(c Order) (Order, bool) {
			if c.State != saga.StateCreated && c.State != saga.StateAwaitingInventory {
				return c, false
			}
			c.State = saga.StateCancelled
			return c, true
		})
		if err != nil {
			return Order{}, err
		}
		if applied {
			o.reclaimReservation(ctx, orderID)
			o.publish(ctx, events.TypeOrderCancelled, updated)
		}
		return updated, nil

	case saga.StateAwaitingPayment:
		updated, applied, err := o.transition(ctx, orderID, func(c Order) (Order, bool) {
			if c.State != saga.StateAwaitingPayment {
				return c, false
			}
			c.State = saga.StateCompensatingInventory
			return c, true
		})
		if err != nil {
			return Order{}, err
		}
		if applied {
			o.publish(ctx, events.TypeOrderCompensating, updated)
			return updated, o.runRelease(ctx, orderID)
		}
		return updated, nil

	case saga.StateCompensatingInventory:
		// A pending release marker left by an instance that died mid-call
		// would otherwise park the saga until the marker's TTL expires.
		o.reclaimPendingKey(ctx, orderID, stepRelease)
		return cur, o.runRelease(ctx, orderID)

	default:
		// Terminal: nothing to do.
		return cur, nil
	}
}

// handleLifecycleEvent is the event-driven continuation into the payment
// step: only order.reserved events carry work for the orchestrator. A
// duplicate or stale delivery finds the order past AwaitingPayment and
// returns nil, which acknowledges the event without side effects.
func (o *Orchestrator) handleLifecycleEvent(ctx context.Context, evt events.Envelope) error {
	if evt.Type != events.TypeOrderReserved {
		return nil
	}
	if err := o.runPayment(ctx, evt.OrderID); err != nil {
		if Permanent(err) {
			return err
		}
		return events.Retryable(err)
	}
	return nil
}

func (o *Orchestrator) runReservation(ctx context.Context, orderID string) error {
	ord, err := o.store.Load(ctx, orderID)
	if err != nil {
		return err
	}
	if ord.State != saga.StateAwaitingInventory {
		return nil
	}

	key := orderID + ":" + stepReserve
	decision, outcome, err := o.idem.CheckAndReserve(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency check %s: %w", key, err)
	}

	var reservationID string
	switch decision {
	case idempotency.InProgress:
		// Another instance owns this step; its outcome or the watchdog sweep
		// will move the saga forward.
		return nil
	case idempotency.Done:
		if outcome == outcomeFailed {
			return o.cancelAfterReservationFailure(ctx, orderID)
		}
		reservationID = outcome
	case idempotency.Proceed:
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		res, callErr := o.catalog.ReserveInventory(callCtx, key, ord.Items)
		cancel()
		if callErr != nil {
			// Insufficient stock, or retries exhausted: both are permanent
			// for this step. Nothing was reserved under this key that the
			// catalog will honor, so cancelling needs no compensation.
			if rerr := o.idem.Complete(ctx, key, outcomeFailed); rerr != nil {
				o.cfg.Logf("order %s: record reserve failure: %v", orderID, rerr)
			}
			o.cfg.Logf("order %s: reservation failed: %v", orderID, callErr)
			return o.cancelAfterReservationFailure(ctx, orderID)
		}
		if err := o.idem.Complete(ctx, key, res.ID); err != nil {
			o.cfg.Logf("order %s: record reservation %s: %v", orderID, res.ID, err)
		}
		reservationID = res.ID
	}

	updated, applied, err := o.transition(ctx, orderID, func(c Order) (Order, bool) {
		if c.State != saga.StateAwaitingInventory {
			return c, false
		}
		c.State = saga.StateAwaitingPayment
		c.ReservationID = reservationID
		return c, true
	})
	if err != nil {
		return err
	}
	if !applied {
		// The order moved on while we were reserving (timeout or explicit
		// cancel). The stock is held with nobody to pay for it; release it.
		if updated.State != saga.StateAwaitingPayment && !updated.State.Terminal() {
			return nil
		}
		if updated.State == saga.StateCancelled || updated.State == saga.StateFailed {
			o.releaseOrphanReservation(ctx, orderID, reservationID)
		}
		return nil
	}

	o.publish(ctx, events.TypeOrderReserved, updated)
	return nil
}

func (o *Orchestrator) cancelAfterReservationFailure(ctx context.Context, orderID string) error {
	updated, applied, err := o.transition(ctx, orderID, func(c Order) (Order, bool) {
		if c.State != saga.StateAwaitingInventory {
			return c, false
		}
		c.State = saga.StateCancelled
		return c, true
	})
	if err != nil {
		return err
	}
	if applied {
		o.publish(ctx, events.TypeOrderCancelled, updated)
	}
	return nil
}

func (o *Orchestrator) runPayment(ctx context.Context, orderID string) error {
	ord, err := o.store.Load(ctx, orderID)
	if err != nil {
		return err
	}
	if ord.State != saga.StateAwaitingPayment {
		return nil
	}

	key := orderID + ":" + stepAuthorize
	decision, outcome, err := o.idem.CheckAndReserve(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency check %s: %w", key, err)
	}

	authorized := false
	switch decision {
	case idempotency.InProgress:
		return nil
	case idempotency.Done:
		authorized = outcome == outcomeAuthorized
	case idempotency.Proceed:
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		callErr := o.payments.Authorize(callCtx, key, ord.ID, ord.Total)
		cancel()
		switch {
		case callErr == nil:
			if err := o.idem.Complete(ctx, key, outcomeAuthorized); err != nil {
				o.cfg.Logf("order %s: record authorization: %v", orderID, err)
			}
			authorized = true
		case errors.Is(callErr, ErrPaymentDeclined):
			if err := o.idem.Complete(ctx, key, outcomeDeclined); err != nil {
				o.cfg.Logf("order %s: record decline: %v", orderID, err)
			}
			o.cfg.Logf("order %s: payment declined", orderID)
		default:
			// Retries exhausted; treat like a decline and compensate. The
			// key stays recorded so a redelivered event cannot double-charge.
			if err := o.idem.Complete(ctx, key, outcomeFailed); err != nil {
				o.cfg.Logf("order %s: record authorization failure: %v", orderID, err)
			}
			o.cfg.Logf("order %s: payment authorization failed: %v", orderID, callErr)
		}
	}

	if authorized {
		updated, applied, err := o.transition(ctx, orderID, func(c Order) (Order, bool) {
			if c.State != saga.StateAwaitingPayment {
				return c, false
			}
			c.State = saga.StateConfirmed
			return c, true
		})
		if err != nil {
			return err
		}
		if applied {
			o.publish(ctx, events.TypeOrderConfirmed, updated)
		}
		return nil
	}

	updated, applied, err := o.transition(ctx, orderID, func(c Order) (Order, bool) {
		if c.State != saga.StateAwaitingPayment {
			return c, false
		}
		c.State = saga.StateCompensatingInventory
		return c, true
	})
	if err != nil {
		return err
	}
	if applied {
		o.publish(ctx, events.TypeOrderCompensating, updated)
		return o.runRelease(ctx, orderID)
	}
	return nil
}

func (o *Orchestrator) runRelease(ctx context.Context, orderID string) error {
	ord, err := o.store.Load(ctx, orderID)
	if err != nil {
		return err
	}
	if ord.State != saga.StateCompensatingInventory {
		return nil
	}

	key := orderID + ":" + stepRelease
	decision, _, err := o.idem.CheckAndReserve(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency check %s: %w", key, err)
	}

	switch decision {
	case idempotency.InProgress:
		return nil
	case idempotency.Proceed:
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		callErr := o.catalog.ReleaseReservation(callCtx, key, ord.ReservationID)
		cancel()
		if callErr != nil {
			// Leave the key free so HandleTimeout can retry the release;
			// mark the saga failed for operator attention.
			if rerr := o.idem.Release(ctx, key); rerr != nil {
				o.cfg.Logf("order %s: release idempotency key: %v", orderID, rerr)
			}
			failed, applied, terr := o.transition(ctx, orderID, func(c Order) (Order, bool) {
				if c.State != saga.StateCompensatingInventory {
					return c, false
				}
				c.State = saga.StateFailed
				return c, true
			})
			if terr != nil {
				return terr
			}
			if applied {
				o.publish(ctx, events.TypeOrderFailed, failed)
			}
			return fmt.Errorf("release reservation %s: %w", ord.ReservationID, callErr)
		}
		if err := o.idem.Complete(ctx, key, outcomeReleased); err != nil {
			o.cfg.Logf("order %s: record release: %v", orderID, err)
		}
	}

	updated, applied, err := o.transition(ctx, orderID, func(c Order) (Order, bool) {
		if c.State != saga.StateCompensatingInventory {
			return c, false
		}
		c.State = saga.StateCancelled
		return c, true
	})
	if err != nil {
		return err
	}
	if applied {
		o.publish(ctx, events.TypeOrderCancelled, updated)
	}
	return nil
}

// releaseOrphanReservation frees stock that was reserved for an order which
// got cancelled while the reserve call was in flight. Best effort; the
// catalog deduplicates on the release key if this races with compensation.
func (o *Orchestrator) releaseOrphanReservation(ctx context.Context, orderID, reservationID string) {
	if reservationID == "" {
		return
	}
	key := orderID + ":" + stepRelease
	decision, _, err := o.idem.CheckAndReserve(ctx, key)
	if err != nil || decision != idempotency.Proceed {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	if err := o.catalog.ReleaseReservation(callCtx, key, reservationID); err != nil {
		o.cfg.Logf("order %s: release orphan reservation %s: %v", orderID, reservationID, err)
		if rerr := o.idem.Release(ctx, key); rerr != nil {
			o.cfg.Logf("order %s: release idempotency key: %v", orderID, rerr)
		}
		return
	}
	if err := o.idem.Complete(ctx, key, outcomeReleased); err != nil {
		o.cfg.Logf("order %s: record orphan release: %v", orderID, err)
	}
}

// reclaimReservation settles the reserve step of an order that was just
// cancelled. A Done record with a reservation id means an instance reserved
// stock and then died before advancing the saga; that stock is released. A
// pending marker means the owner died mid-call (or the call is still in
// flight, in which case its own completion handles the orphan); either way
// the marker is freed instead of lingering for the full TTL.
func (o *Orchestrator) reclaimReservation(ctx context.Context, orderID string) {
	key := orderID + ":" + stepReserve
	decision, outcome, err := o.idem.CheckAndReserve(ctx, key)
	if err != nil {
		o.cfg.Logf("order %s: reclaim reserve step: %v", orderID, err)
		return
	}
	if decision == idempotency.Done {
		if outcome != outcomeFailed {
			o.releaseOrphanReservation(ctx, orderID, outcome)
		}
		return
	}
	if err := o.idem.Release(ctx, key); err != nil {
		o.cfg.Logf("order %s: free reserve key: %v", orderID, err)
	}
}

// reclaimPendingKey frees the step's idempotency marker unless the step
// already completed. Duplicate downstream calls this can allow are safe: the
// services deduplicate on the idempotency key.
func (o *Orchestrator) reclaimPendingKey(ctx context.Context, orderID, step string) {
	key := orderID + ":" + step
	decision, _, err := o.idem.CheckAndReserve(ctx, key)
	if err != nil {
		o.cfg.Logf("order %s: reclaim %s step: %v", orderID, step, err)
		return
	}
	if decision == idempotency.Done {
		return
	}
	if err := o.idem.Release(ctx, key); err != nil {
		o.cfg.Logf("order %s: free %s key: %v", orderID, step, err)
	}
}

// transition implements the reload-and-re-evaluate discipline: load the
// current record, let decide re-check it, CompareAndSwap, and on a version
// conflict start over rather than blindly retrying the stale write.
func (o *Orchestrator) transition(ctx context.Context, orderID string, decide func(Order) (Order, bool)) (Order, bool, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := o.store.Load(ctx, orderID)
		if err != nil {
			return Order{}, false, err
		}
		next, apply := decide(cur)
		if !apply {
			return cur, false, nil
		}
		if !saga.CanTransition(cur.State, next.State) {
			return cur, false, fmt.Errorf("%w: %s -> %s", ErrOrderTerminal, cur.State, next.State)
		}
		updated, err := o.store.CompareAndSwap(ctx, cur.Version, next)
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return Order{}, false, err
		}
		return updated, true, nil
	}
	return Order{}, false, fmt.Errorf("%w: order %s", ErrConcurrentModification, orderID)
}

// publish emits a lifecycle event. Seq comes from the order's version, so it
// is monotonic within the order's stream; all types share one topic so that
// monotonicity holds per consumer group, not just per type. Publish failures
// are logged, not fatal: the watchdog converts a stalled continuation into
// progress.
func (o *Orchestrator) publish(ctx context.Context, eventType string, ord Order) {
	evt := events.Envelope{
		ID:         o.cfg.NewID(),
		OrderID:    ord.ID,
		Type:       eventType,
		State:      string(ord.State),
		Seq:        ord.Version,
		OccurredAt: o.cfg.Now(),
	}
	if err := o.bus.Publish(ctx, events.TopicOrderLifecycle, evt); err != nil {
		o.cfg.Logf("order %s: publish %s: %v", ord.ID, eventType, err)
	}
}
