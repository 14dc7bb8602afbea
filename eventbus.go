// Package eventbus provides the top-level API for the event bus.
// It re-exports core types for convenience, so users can write:
//
//	bus := eventbus.New(transport)
//	eventbus.Subscribe(bus, eventbus.SubscriptionConfig{Queue: eventbus.QueueNamed("orders")}, handle)
//	bus.Start(ctx)
package eventbus

import (
	"github.com/miladsoleymani/eventbus/core"
)

// Re-export core types at the package level for ergonomic usage.
type (
	Message            = core.Message
	Base               = core.Base
	Destination        = core.Destination
	Transport          = core.Transport
	Envelope           = core.Envelope
	Bus                = core.Bus
	Option             = core.Option
	Publisher          = core.Publisher
	PublishConfig      = core.PublishConfig
	ListenerConfig     = core.ListenerConfig
	SubscriptionConfig = core.SubscriptionConfig
	HandleContext      = core.HandleContext
	HandleMiddleware   = core.HandleMiddleware
	MessageResponse    = core.MessageResponse
	BatchResponse      = core.MessageBatchResponse
)

// New creates a Bus bound to the given Transport.
func New(t Transport, fns ...Option) *Bus {
	return core.New(t, fns...)
}

// NewBase returns message metadata with a fresh ID and timestamp.
func NewBase() Base { return core.NewBase() }

// QueueNamed returns a queue destination.
func QueueNamed(name string) Destination { return core.QueueNamed(name) }

// TopicNamed returns a topic destination.
func TopicNamed(name string) Destination { return core.TopicNamed(name) }

// Subscribe registers handler for messages of type *T. See core.Subscribe.
func Subscribe[T any, PT interface {
	*T
	Message
}](b *Bus, cfg SubscriptionConfig, handler core.HandlerFunc[PT], mws ...HandleMiddleware) error {
	return core.Subscribe[T, PT](b, cfg, handler, mws...)
}

// Route directs publications of type *T to dest.
func Route[T any, PT interface {
	*T
	Message
}](b *Bus, dest Destination) {
	core.RouteType[T, PT](b.Publisher(), dest)
}
