package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBrokerClosed is returned when operations are attempted on a closed transport.
	ErrBrokerClosed = errors.New("eventbus: broker is closed")

	// ErrNoRoute is returned when a message type has no publication route.
	ErrNoRoute = errors.New("eventbus: no destination registered for message type")

	// ErrAlreadyStarted is returned when Start is called on a running bus.
	ErrAlreadyStarted = errors.New("eventbus: bus already started")

	// ErrNoBroker is returned when a bus or publisher is created without a transport.
	ErrNoBroker = errors.New("eventbus: broker is nil")

	// ErrDestinationNotFound is returned by transports when a destination does not exist.
	// It is never retried.
	ErrDestinationNotFound = errors.New("eventbus: destination not found")

	// ErrMalformedMessage is returned when a message cannot be serialized or is
	// rejected by the transport as invalid. It is never retried.
	ErrMalformedMessage = errors.New("eventbus: malformed message")

	// ErrDeserialize is returned when an envelope body cannot be turned into
	// the subscription's message type.
	ErrDeserialize = errors.New("eventbus: deserialize")

	// ErrRetriesExhausted wraps the last failure once the attempt budget is spent.
	ErrRetriesExhausted = errors.New("eventbus: publish attempts exhausted")
)

// NonRetryableError marks a failure that must not consume further attempts.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so the publish pipeline fails immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsRetryable reports whether another publish attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nre *NonRetryableError
	switch {
	case errors.As(err, &nre):
		return false
	case errors.Is(err, ErrDestinationNotFound), errors.Is(err, ErrMalformedMessage):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrBrokerClosed):
		return false
	}
	return true
}

// BatchError is returned by PublishBatch when no entry of the batch
// could be delivered.
type BatchError struct {
	Response MessageBatchResponse
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("eventbus: batch publish failed for all %d messages", len(e.Response.Failed))
}

// Unwrap exposes the per-entry causes.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Response.Failed))
	for _, f := range e.Response.Failed {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
