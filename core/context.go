package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HandleContext is the per-delivery unit of work driven through the inbound
// pipeline. It is owned by exactly one in-flight dispatch and discarded once
// the ack decision is applied.
type HandleContext struct {
	// Subscription is the name of the subscription that received the envelope.
	Subscription string
	Queue        Destination
	MessageType  string
	Envelope     Envelope
	// Message is the deserialized message.
	Message    Message
	ReceivedAt time.Time
	// Attempt is the transport delivery count, starting at 1.
	Attempt int
	// Log is a logger carrying the delivery's fields.
	Log zerolog.Logger

	mu    sync.RWMutex
	store map[string]any
}

// NewHandleContext creates a HandleContext for the given envelope.
// This is called internally by the Listener for each received envelope.
func NewHandleContext(subscription string, queue Destination, messageType string, env Envelope, msg Message) *HandleContext {
	attempt := env.ReceiveCount()
	if attempt < 1 {
		attempt = 1
	}
	return &HandleContext{
		Subscription: subscription,
		Queue:        queue,
		MessageType:  messageType,
		Envelope:     env,
		Message:      msg,
		ReceivedAt:   time.Now(),
		Attempt:      attempt,
		Log:          zerolog.Nop(),
		store:        make(map[string]any),
	}
}

// UniqueKey returns the key of the materialized message, falling back to the
// unique-key attribute and then the transport ID.
func (c *HandleContext) UniqueKey() string {
	if c.Message != nil {
		return c.Message.UniqueKey()
	}
	if k := c.Envelope.Attributes()[AttrUniqueKey]; k != "" {
		return k
	}
	return c.Envelope.ID()
}

// Set stores a key-value pair in the context store.
// Used by middleware to pass data to downstream handlers.
func (c *HandleContext) Set(key string, val any) {
	c.mu.Lock()
	if c.store == nil {
		c.store = make(map[string]any)
	}
	c.store[key] = val
	c.mu.Unlock()
}

// Get retrieves a value from the context store.
func (c *HandleContext) Get(key string) (any, bool) {
	c.mu.RLock()
	val, ok := c.store[key]
	c.mu.RUnlock()
	return val, ok
}

// MessageAs returns the delivered message as T.
func MessageAs[T Message](c *HandleContext) (T, bool) {
	m, ok := c.Message.(T)
	return m, ok
}

// PublishContext is the unit of work for one single-message publish to one
// destination.
type PublishContext struct {
	Message     Message
	MessageType string
	Destination Destination
	Outbound    OutboundMessage
	// Attempt is the 1-based attempt currently running.
	Attempt int
}

// BatchContext is the unit of work for one batch publish to one destination.
type BatchContext struct {
	Destination Destination
	// Messages is the full input of the top-level call, for correlation.
	Messages []Message
	// Entries are the serialized messages to send on this attempt. Retry
	// narrows it to the entries that failed on the previous attempt.
	Entries []OutboundMessage
	// Attempt is the 1-based attempt currently running.
	Attempt int
}
