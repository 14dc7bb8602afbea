package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrDuplicateSubscription is returned when two subscriptions share a name.
var ErrDuplicateSubscription = errors.New("eventbus: duplicate subscription name")

// Option configures a Bus.
type Option func(*options)

type options struct {
	serializer     Serializer
	logger         zerolog.Logger
	listener       ListenerConfig
	publisherOpts  []PublisherOption
	closeTransport bool
}

func defaults() options {
	return options{
		serializer:     JSONSerializer{},
		logger:         log.Logger,
		listener:       DefaultListenerConfig(),
		closeTransport: true,
	}
}

// WithSerializer sets the serializer used for inbound and outbound bodies.
func WithSerializer(s Serializer) Option {
	return func(o *options) { o.serializer = s }
}

// WithLogger sets the logger for the bus, its listeners and its publisher.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithListenerConfig sets the default tuning for every listener.
// Subscriptions may override individual fields.
func WithListenerConfig(cfg ListenerConfig) Option {
	return func(o *options) { o.listener = cfg.merge(DefaultListenerConfig()) }
}

// WithPublisherOptions configures the bus's publisher.
func WithPublisherOptions(fns ...PublisherOption) Option {
	return func(o *options) { o.publisherOpts = append(o.publisherOpts, fns...) }
}

// WithTransportClose controls whether Start closes the transport on return.
// Enabled by default.
func WithTransportClose(enabled bool) Option {
	return func(o *options) { o.closeTransport = enabled }
}

// Bus is the messaging bus: it owns one listener per subscription and a
// publisher, and runs them together until cancelled.
type Bus struct {
	transport Transport
	publisher *Publisher
	opts      options
	log       zerolog.Logger

	mu          sync.RWMutex
	middlewares []HandleMiddleware
	subs        []*subscription
	byType      map[string][]*subscription
	listeners   []*Listener
	started     bool
}

// New creates a Bus bound to the given Transport.
// It uses JSONSerializer and the global zerolog logger unless configured otherwise.
func New(t Transport, fns ...Option) *Bus {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	pubOpts := []PublisherOption{
		WithPublishSerializer(opts.serializer),
		WithPublishLogger(opts.logger),
	}
	pubOpts = append(pubOpts, opts.publisherOpts...)

	return &Bus{
		transport: t,
		publisher: NewPublisher(t, pubOpts...),
		opts:      opts,
		log:       opts.logger.With().Str("component", "bus").Logger(),
		byType:    make(map[string][]*subscription),
	}
}

// Publisher returns the bus's publisher.
func (b *Bus) Publisher() *Publisher { return b.publisher }

// Use registers middleware applied to every subscription. Middleware runs in
// registration order: the first registered is outermost. Must be called
// before Start.
func (b *Bus) Use(mws ...HandleMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mws...)
}

// SubscriptionConfig binds a message type to a queue.
type SubscriptionConfig struct {
	// Name identifies the subscription. Defaults to the queue name.
	Name string `yaml:"name"`
	// Queue is the queue the listener receives from.
	Queue Destination `yaml:"queue"`
	// Topic, when set, is bound to Queue so that messages published to the
	// topic are delivered to this subscription.
	Topic *Destination `yaml:"topic,omitempty"`
	// MessageType overrides the routing tag derived from the message type.
	MessageType string `yaml:"message_type"`
	// Loopback routes publications of this message type to Topic, or to
	// Queue when no topic is set.
	Loopback bool `yaml:"loopback"`
	// Listener overrides the bus's listener tuning.
	Listener ListenerConfig `yaml:"listener"`
}

// HandlerFunc handles one message and reports whether it succeeded.
// Returning false or an error leaves the message for redelivery.
type HandlerFunc[M Message] func(ctx context.Context, msg M) (bool, error)

// Subscribe registers handler for messages of type *T received on cfg.Queue.
// Optional middleware wraps only this subscription, inside the bus-wide
// middleware registered with Use.
//
//	core.Subscribe[OrderPlaced](bus, core.SubscriptionConfig{Queue: core.QueueNamed("orders")},
//	    func(ctx context.Context, msg *OrderPlaced) (bool, error) {
//	        return true, nil
//	    })
func Subscribe[T any, PT interface {
	*T
	Message
}](b *Bus, cfg SubscriptionConfig, handler HandlerFunc[PT], mws ...HandleMiddleware) error {
	if handler == nil {
		return errors.New("eventbus: handler is nil")
	}
	msgType := cfg.MessageType
	if msgType == "" {
		msgType = TypeOf(PT(new(T)))
	}

	terminal := func(ctx context.Context, hc *HandleContext) (bool, error) {
		msg, ok := hc.Message.(PT)
		if !ok {
			return false, fmt.Errorf("%w: got %T", ErrDeserialize, hc.Message)
		}
		return handler(ctx, msg)
	}

	return b.register(cfg, msgType, func() Message { return PT(new(T)) }, terminal, mws)
}

func (b *Bus) register(cfg SubscriptionConfig, msgType string, newMessage func() Message, terminal HandleFunc, mws []HandleMiddleware) error {
	if cfg.Queue.Name == "" {
		return errors.New("eventbus: subscription queue name is required")
	}
	cfg.Queue.Kind = Queue
	name := cfg.Name
	if name == "" {
		name = cfg.Queue.Name
	}

	sub := &subscription{
		name:        name,
		queue:       cfg.Queue,
		messageType: msgType,
		newMessage:  newMessage,
		handler:     terminal,
		middlewares: mws,
		config:      cfg.Listener.merge(b.opts.listener),
	}
	if cfg.Topic != nil && cfg.Topic.Name != "" {
		sub.topic = *cfg.Topic
		sub.topic.Kind = Topic
		sub.hasTopic = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	for _, s := range b.subs {
		if s.name == name {
			return fmt.Errorf("%w: %q", ErrDuplicateSubscription, name)
		}
	}
	b.subs = append(b.subs, sub)
	b.byType[msgType] = append(b.byType[msgType], sub)

	if cfg.Loopback {
		dest := sub.queue
		if sub.hasTopic {
			dest = sub.topic
		}
		b.publisher.Route(msgType, dest)
	}
	return nil
}

// SubscriptionInfo describes a registered subscription.
type SubscriptionInfo struct {
	Name        string
	Queue       Destination
	Topic       *Destination
	MessageType string
}

// Subscriptions returns the subscriptions registered for messageType.
func (b *Bus) Subscriptions(messageType string) []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.byType[messageType]
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		info := SubscriptionInfo{Name: s.name, Queue: s.queue, MessageType: s.messageType}
		if s.hasTopic {
			topic := s.topic
			info.Topic = &topic
		}
		out = append(out, info)
	}
	return out
}

// Listeners returns the listeners created by Start.
func (b *Bus) Listeners() []*Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Listener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

// Start provisions every listener and the publisher, then runs all listeners
// until ctx is cancelled. It blocks until every listener has drained.
//
// Any provisioning failure is returned immediately and nothing runs. Once
// running, a failing listener never stops the bus; only cancellation does.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.transport == nil {
		b.mu.Unlock()
		return ErrNoBroker
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true

	// Snapshot subscriptions and middleware under lock
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	mws := make([]HandleMiddleware, len(b.middlewares))
	copy(mws, b.middlewares)

	listeners := make([]*Listener, 0, len(subs))
	for _, sub := range subs {
		chain := make([]HandleMiddleware, 0, len(mws)+len(sub.middlewares))
		chain = append(chain, mws...)
		chain = append(chain, sub.middlewares...)
		handle := Chain(sub.handler, chain...)
		listeners = append(listeners, newListener(sub, handle, b.transport, b.opts.serializer, b.opts.logger))
	}
	b.listeners = listeners
	b.mu.Unlock()

	b.log.Info().Int("listeners", len(listeners)).Msg("Starting bus")

	setup, setupCtx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		setup.Go(func() error { return l.Setup(setupCtx) })
	}
	setup.Go(func() error { return b.publisher.Start(setupCtx) })
	if err := setup.Wait(); err != nil {
		b.log.Error().Err(err).Msg("Bus failed to start")
		b.closeTransport()
		return fmt.Errorf("eventbus: start: %w", err)
	}

	var run errgroup.Group
	for _, l := range listeners {
		l := l
		run.Go(func() error {
			if err := l.Run(ctx); err != nil {
				b.log.Error().Err(err).Str("subscription", l.Name()).Msg("Listener exited with error")
			}
			return nil
		})
	}
	<-ctx.Done()
	_ = run.Wait()

	b.log.Info().Msg("Bus stopped")
	return b.closeTransport()
}

func (b *Bus) closeTransport() error {
	if !b.opts.closeTransport {
		return nil
	}
	if err := b.transport.Close(); err != nil {
		return fmt.Errorf("eventbus: close transport: %w", err)
	}
	return nil
}
