// Package idempotency guards side-effecting operations against duplicate
// execution. Each store entry maps an operation key to its recorded outcome;
// entries expire after a TTL longer than the maximum plausible redelivery
// delay, after which redelivery risk is accepted.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Decision is the result of CheckAndReserve.
type Decision int

const (
	// Proceed means the key was unseen and is now reserved; the caller owns
	// the side effect and must Complete or Release the key.
	Proceed Decision = iota
	// InProgress means another caller reserved the key and has not finished;
	// wait or fail fast, never re-execute.
	InProgress
	// Done means the operation already ran; the recorded outcome is returned.
	Done
)

// DefaultTTL is the documented default entry lifetime.
const DefaultTTL = 24 * time.Hour

// Store records which operation keys have been applied.
type Store interface {
	// CheckAndReserve atomically tests the key. The returned outcome is only
	// meaningful when the decision is Done.
	CheckAndReserve(ctx context.Context, key string) (Decision, string, error)
	// Complete records the operation's outcome. Outcomes are never mutated,
	// only superseded by TTL expiry.
	Complete(ctx context.Context, key, outcome string) error
	// Release drops a pending reservation after a transient abort so a later
	// retry may re-execute.
	Release(ctx context.Context, key string) error
}

type entry struct {
	pending   bool
	outcome   string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore constructs a MemoryStore. A non-positive ttl falls back to
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) CheckAndReserve(ctx context.Context, key string) (Decision, string, error) {
	if err := ctx.Err(); err != nil {
		return Proceed, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		if e.pending {
			return InProgress, "", nil
		}
		return Done, e.outcome, nil
	}

	s.entries[key] = entry{pending: true, expiresAt: now.Add(s.ttl)}
	return Proceed, "", nil
}

func (s *MemoryStore) Complete(ctx context.Context, key, outcome string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{outcome: outcome, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.pending {
		delete(s.entries, key)
	}
	return nil
}
