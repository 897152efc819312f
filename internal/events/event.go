// Package events is the durable pub/sub layer between the order core and the
// rest of the platform: at-least-once delivery per consumer group, ordering
// within a single order's stream, dead-lettering for poison events.
package events

import "time"

// TopicOrderLifecycle carries every order lifecycle event. A single topic
// means a single stream per consumer group, so Seq stays non-decreasing per
// order for a group no matter which event types it consumes; separate topics
// would deliver through unsynchronized shards and let a later event overtake
// an earlier one.
const TopicOrderLifecycle = "order.lifecycle"

// Lifecycle event types, carried in Envelope.Type.
const (
	TypeOrderReserved     = "order.reserved"
	TypeOrderCompensating = "order.compensating"
	TypeOrderConfirmed    = "order.confirmed"
	TypeOrderCancelled    = "order.cancelled"
	TypeOrderFailed       = "order.failed"
)

// Envelope is the wire form of a domain event. Seq is assigned by the
// producer from the order's version at publish time, so it is monotonic
// within one order's stream. Duplicate IDs may be delivered; consumers treat
// them as no-ops.
type Envelope struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Type       string    `json:"type"`
	State      string    `json:"state"`
	Seq        int64     `json:"seq"`
	OccurredAt time.Time `json:"occurred_at"`
}
