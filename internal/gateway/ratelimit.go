package gateway

import (
	"sync"
	"time"
)

type bucket struct {
	tokens int
	last   time.Time
}

// callerLimiter is a token bucket per caller id. Allow never queues: a caller
// out of tokens is rejected immediately so one noisy client cannot build a
// backlog inside the gateway.
type callerLimiter struct {
	mu      sync.Mutex
	rate    time.Duration
	burst   int
	now     func() time.Time
	buckets map[string]*bucket
}

func newCallerLimiter(rate time.Duration, burst int) *callerLimiter {
	return &callerLimiter{
		rate:    rate,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *callerLimiter) Allow(caller string) bool {
	if l == nil || l.rate <= 0 || l.burst <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[caller]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[caller] = b
	} else {
		l.refill(b, now)
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (l *callerLimiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed < l.rate {
		return
	}
	add := int(elapsed / l.rate)
	if add <= 0 {
		return
	}
	b.tokens += add
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = b.last.Add(time.Duration(add) * l.rate)
}
