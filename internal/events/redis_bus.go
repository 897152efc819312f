package events

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamClient is the minimal go-redis surface the RedisBus uses.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

// RedisBusConfig tunes the Redis Streams transport.
type RedisBusConfig struct {
	// StreamPrefix namespaces the per-topic streams.
	StreamPrefix string
	// MaxLen caps stream length approximately; zero means unbounded.
	MaxLen int64
	// Block is how long one XREADGROUP call waits for new entries.
	Block time.Duration
	// VisibilityTimeout is how long a delivered-but-unacked entry stays
	// invisible before the claim sweep redelivers it.
	VisibilityTimeout time.Duration
	// RetryDelay is the in-process pause between redeliveries of a retryable
	// handler failure.
	RetryDelay time.Duration
	// MaxDeliveries bounds in-process redelivery before the entry is left
	// pending for the claim sweep (crash-equivalent redelivery).
	MaxDeliveries int
	// OnDeadLetter, when set, is invoked for every entry moved to the DLQ.
	OnDeadLetter func(topic, group string)
	Logf         func(format string, args ...any)
	Sleep        func(context.Context, time.Duration) error
}

// RedisBus implements Bus on Redis Streams with consumer groups: XADD is the
// durable publish, XREADGROUP + XACK give at-least-once delivery per group,
// stream order gives per-order ordering, and an XAUTOCLAIM sweep redelivers
// entries whose consumer died mid-flight.
type RedisBus struct {
	client   StreamClient
	cfg      RedisBusConfig
	consumer string
}

// NewRedisBus constructs a RedisBus with defaults filled in.
func NewRedisBus(client StreamClient, cfg RedisBusConfig) *RedisBus {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "events:"
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 3
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepWithContext
	}
	return &RedisBus{
		client:   client,
		cfg:      cfg,
		consumer: "caravel-" + uuid.NewString(),
	}
}

func (b *RedisBus) stream(topic string) string {
	return b.cfg.StreamPrefix + topic
}

// Publish appends the event to the topic's stream. XADD is acknowledged by
// Redis before returning, which is the durability point of the contract.
func (b *RedisBus) Publish(ctx context.Context, topic string, evt Envelope) error {
	args := &redis.XAddArgs{
		Stream: b.stream(topic),
		Values: encodeEnvelope(evt),
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates the consumer group if needed and starts the read loop and
// the pending-claim sweep. Both stop when ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	stream := b.stream(topic)
	if err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}

	go b.readLoop(ctx, topic, group, handler)
	go b.claimLoop(ctx, topic, group, handler)
	return nil
}

func (b *RedisBus) readLoop(ctx context.Context, topic, group string, handler Handler) {
	stream := b.stream(topic)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == redis.Nil {
				continue
			}
			b.cfg.Logf("bus read %s/%s: %v", stream, group, err)
			if err := b.cfg.Sleep(ctx, b.cfg.RetryDelay); err != nil {
				return
			}
			continue
		}
		for _, str := range res {
			for _, msg := range str.Messages {
				b.process(ctx, topic, group, handler, msg)
			}
		}
	}
}

// claimLoop periodically reclaims entries left pending longer than the
// visibility timeout (consumer crash, in-process retry exhaustion) and runs
// them through the handler again.
func (b *RedisBus) claimLoop(ctx context.Context, topic, group string, handler Handler) {
	interval := b.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.stream(topic),
			Group:    group,
			Consumer: b.consumer,
			MinIdle:  b.cfg.VisibilityTimeout,
			Start:    "0-0",
			Count:    16,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.cfg.Logf("bus claim %s/%s: %v", topic, group, err)
			continue
		}
		for _, msg := range msgs {
			b.process(ctx, topic, group, handler, msg)
		}
	}
}

func (b *RedisBus) process(ctx context.Context, topic, group string, handler Handler, msg redis.XMessage) {
	stream := b.stream(topic)

	evt, err := decodeEnvelope(msg.Values)
	if err != nil {
		// Malformed entries can never succeed; dead-letter and move on.
		b.deadLetter(ctx, topic, group, msg, err)
		b.ack(ctx, stream, group, msg.ID)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxDeliveries; attempt++ {
		err := handler(ctx, evt)
		if err == nil {
			b.ack(ctx, stream, group, msg.ID)
			return
		}
		lastErr = err
		if !IsRetryable(err) {
			b.deadLetter(ctx, topic, group, msg, err)
			b.ack(ctx, stream, group, msg.ID)
			return
		}
		if attempt < b.cfg.MaxDeliveries {
			if err := b.cfg.Sleep(ctx, b.cfg.RetryDelay); err != nil {
				return
			}
		}
	}

	// Still retryable after the in-process ceiling: leave the entry pending
	// so the claim sweep redelivers it after the visibility timeout.
	b.cfg.Logf("bus %s/%s: entry %s left pending after %d attempts: %v",
		stream, group, msg.ID, b.cfg.MaxDeliveries, lastErr)
}

func (b *RedisBus) ack(ctx context.Context, stream, group, id string) {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil && ctx.Err() == nil {
		b.cfg.Logf("bus ack %s/%s %s: %v", stream, group, id, err)
	}
}

func (b *RedisBus) deadLetter(ctx context.Context, topic, group string, msg redis.XMessage, cause error) {
	values := make(map[string]any, len(msg.Values)+2)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["dlq_group"] = group
	values["dlq_cause"] = cause.Error()

	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(topic) + ".dlq",
		Values: values,
	}).Err()
	if err != nil && ctx.Err() == nil {
		b.cfg.Logf("bus dead-letter %s/%s %s: %v", topic, group, msg.ID, err)
	}
	if b.cfg.OnDeadLetter != nil {
		b.cfg.OnDeadLetter(topic, group)
	}
}

func encodeEnvelope(evt Envelope) map[string]any {
	return map[string]any{
		"id":          evt.ID,
		"order_id":    evt.OrderID,
		"type":        evt.Type,
		"state":       evt.State,
		"seq":         strconv.FormatInt(evt.Seq, 10),
		"occurred_at": evt.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeEnvelope(values map[string]any) (Envelope, error) {
	evt := Envelope{
		ID:      stringValue(values["id"]),
		OrderID: stringValue(values["order_id"]),
		Type:    stringValue(values["type"]),
		State:   stringValue(values["state"]),
	}
	if evt.ID == "" || evt.OrderID == "" || evt.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing required fields: %v", values)
	}

	seq, err := strconv.ParseInt(stringValue(values["seq"]), 10, 64)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope seq: %w", err)
	}
	evt.Seq = seq

	ts, err := time.Parse(time.RFC3339Nano, stringValue(values["occurred_at"]))
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope occurred_at: %w", err)
	}
	evt.OccurredAt = ts
	return evt, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
