package events

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// MemoryBusConfig tunes in-process delivery.
type MemoryBusConfig struct {
	// Workers is the number of delivery shards per subscription. Events for
	// one order id always land on the same shard, so per-order ordering holds
	// while unrelated orders proceed in parallel.
	Workers int
	// RetryDelay is the pause before redelivering a retryable failure.
	RetryDelay time.Duration
	// MaxDeliveries bounds redelivery; an event still failing afterwards is
	// dead-lettered.
	MaxDeliveries int
	// Buffer is the per-shard queue depth.
	Buffer int
	// OnDeadLetter, when set, is invoked for every dead-lettered event.
	OnDeadLetter func(topic, group string)
	Sleep        func(context.Context, time.Duration) error
}

// MemoryBus delivers events in process. It backs tests and the wiring
// fallback when no Redis URL is configured, with the same contract as the
// Redis Streams bus: at-least-once, per-order ordering, dead-lettering.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription
	dead []DeadLetter
	cfg  MemoryBusConfig
}

// DeadLetter is an event that exhausted delivery, kept for inspection.
type DeadLetter struct {
	Topic string
	Group string
	Event Envelope
	Cause string
}

type memorySubscription struct {
	group   string
	handler Handler
	shards  []chan Envelope
}

// NewMemoryBus constructs a MemoryBus with defaults filled in.
func NewMemoryBus(cfg MemoryBusConfig) *MemoryBus {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 3
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 256
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepWithContext
	}
	return &MemoryBus{
		subs: make(map[string][]*memorySubscription),
		cfg:  cfg,
	}
}

// Publish fans the event out to every subscription on the topic. The event is
// enqueued (durably, for the lifetime of the process) before Publish returns.
func (b *MemoryBus) Publish(ctx context.Context, topic string, evt Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	subs := b.subs[topic]
	b.mu.Unlock()

	for _, sub := range subs {
		shard := sub.shards[shardFor(evt.OrderID, len(sub.shards))]
		select {
		case shard <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a consumer group on the topic and starts its delivery
// shards. Each group sees every event once delivery succeeds.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	sub := &memorySubscription{
		group:   group,
		handler: handler,
		shards:  make([]chan Envelope, b.cfg.Workers),
	}
	for i := range sub.shards {
		sub.shards[i] = make(chan Envelope, b.cfg.Buffer)
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	for _, shard := range sub.shards {
		go b.runShard(ctx, topic, sub, shard)
	}
	return nil
}

func (b *MemoryBus) runShard(ctx context.Context, topic string, sub *memorySubscription, shard chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-shard:
			b.deliver(ctx, topic, sub, evt)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, topic string, sub *memorySubscription, evt Envelope) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxDeliveries; attempt++ {
		err := sub.handler(ctx, evt)
		if err == nil {
			return
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
		if attempt < b.cfg.MaxDeliveries {
			if err := b.cfg.Sleep(ctx, b.cfg.RetryDelay); err != nil {
				return
			}
		}
	}

	b.mu.Lock()
	b.dead = append(b.dead, DeadLetter{Topic: topic, Group: sub.group, Event: evt, Cause: lastErr.Error()})
	b.mu.Unlock()
	if b.cfg.OnDeadLetter != nil {
		b.cfg.OnDeadLetter(topic, sub.group)
	}
}

// DeadLetters returns the events that exhausted delivery.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.dead))
	copy(out, b.dead)
	return out
}

func shardFor(orderID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return int(h.Sum32() % uint32(shards))
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
