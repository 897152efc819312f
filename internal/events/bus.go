package events

import (
	"context"
	"errors"
	"fmt"
)

// Handler consumes one event. Returning nil advances the group's checkpoint.
// Returning an error wrapped with Retryable schedules redelivery after a
// backoff; any other error routes the event to the topic's dead-letter
// channel so unrelated orders are not blocked behind a poison event.
type Handler func(ctx context.Context, evt Envelope) error

// Bus is the durable publish/subscribe transport.
type Bus interface {
	// Publish durably records the event before returning.
	Publish(ctx context.Context, topic string, evt Envelope) error
	// Subscribe invokes handler at least once per event for the given
	// consumer group, preserving order within a single order id's stream.
	// Delivery stops when ctx is cancelled.
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return fmt.Sprintf("retryable: %v", e.err) }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks a handler error as transient so the bus redelivers.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
