package orders

import (
	"context"
	"sync"
	"time"
)

// Store is durable, versioned storage for order records. The orchestrator is
// the only writer; all mutation goes through CompareAndSwap so that two
// concurrent handlers (for example a duplicate event and a timeout) cannot
// both apply the same transition.
type Store interface {
	Create(ctx context.Context, o Order) error
	Load(ctx context.Context, id string) (Order, error)
	// CompareAndSwap persists o atomically if the stored version still equals
	// expectedVersion, returning the record with its version incremented.
	// It fails with ErrConcurrentModification when the version has advanced.
	CompareAndSwap(ctx context.Context, expectedVersion int64, o Order) (Order, error)
}

// InMemoryStore keeps orders in a map. It backs tests and the DSN-less
// wiring fallback; production deployments use the Postgres store.
type InMemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	now    func() time.Time
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders: make(map[string]Order),
		now:    time.Now,
	}
}

func (s *InMemoryStore) Create(ctx context.Context, o Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrConcurrentModification
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *InMemoryStore) Load(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *InMemoryStore) CompareAndSwap(ctx context.Context, expectedVersion int64, o Order) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return Order{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return Order{}, ErrConcurrentModification
	}

	next := o.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = s.now()
	s.orders[o.ID] = next
	return next.Clone(), nil
}

// ListStale returns ids of non-terminal orders last written before cutoff.
func (s *InMemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, o := range s.orders {
		if o.State.Terminal() || !o.UpdatedAt.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}
