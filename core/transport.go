package core

import "context"

// Transport defines the contract for message broker implementations.
// It is the only point of contact between the bus and the network.
// Each broker plugin must implement this interface.
type Transport interface {
	// Send delivers one message. The returned response carries the
	// transport-assigned MessageID. Failures wrapped with NonRetryable,
	// or matching ErrDestinationNotFound / ErrMalformedMessage, are final.
	Send(ctx context.Context, dest Destination, msg OutboundMessage) (MessageResponse, error)

	// SendBatch delivers msgs as one logical operation. Per-entry failures are
	// reported in the response; the error is reserved for whole-call failures.
	// Every reported entry carries its position in msgs as Index.
	SendBatch(ctx context.Context, dest Destination, msgs []OutboundMessage) (MessageBatchResponse, error)

	// Receive returns up to maxBatch envelopes from queue. It may block
	// (long polling) but must return promptly when ctx is done.
	Receive(ctx context.Context, queue Destination, maxBatch int) ([]Envelope, error)

	Close() error
}

// Provisioner is implemented by transports that can create destinations
// and subscribe queues to topics. Listeners and publishers call it on start.
type Provisioner interface {
	EnsureDestination(ctx context.Context, dest Destination) error
	BindQueue(ctx context.Context, topic, queue Destination) error
}
