package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ListenerState is the lifecycle state of a Listener.
type ListenerState int32

const (
	StateStopped ListenerState = iota
	StateStarting
	StatePolling
	StateDispatching
	StateStopping
)

func (s ListenerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// abandonGrace bounds how long a stopping listener waits for handlers that
// ignore cancellation after the drain timeout.
const abandonGrace = time.Second

// ListenerConfig tunes one listener's receive and dispatch loop.
type ListenerConfig struct {
	// MaxBatch is the maximum number of envelopes per Receive call.
	MaxBatch int `yaml:"max_batch"`
	// Concurrency bounds the number of in-flight dispatches.
	Concurrency int `yaml:"concurrency"`
	// DrainTimeout bounds the wait for in-flight dispatches on shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// ReceiveBackoff is the initial wait after a failed Receive; it doubles
	// on consecutive failures up to ReceiveBackoffMax.
	ReceiveBackoff    time.Duration `yaml:"receive_backoff"`
	ReceiveBackoffMax time.Duration `yaml:"receive_backoff_max"`
	// IdleWait is applied after a Receive that returned no envelopes.
	IdleWait time.Duration `yaml:"idle_wait"`
}

// DefaultListenerConfig returns the default listener tuning.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		MaxBatch:          10,
		Concurrency:       8,
		DrainTimeout:      10 * time.Second,
		ReceiveBackoff:    100 * time.Millisecond,
		ReceiveBackoffMax: 5 * time.Second,
	}
}

// merge returns c with zero fields taken from def.
func (c ListenerConfig) merge(def ListenerConfig) ListenerConfig {
	if c.MaxBatch <= 0 {
		c.MaxBatch = def.MaxBatch
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.ReceiveBackoff <= 0 {
		c.ReceiveBackoff = def.ReceiveBackoff
	}
	if c.ReceiveBackoffMax < c.ReceiveBackoff {
		c.ReceiveBackoffMax = max(def.ReceiveBackoffMax, c.ReceiveBackoff)
	}
	if c.IdleWait < 0 {
		c.IdleWait = 0
	}
	return c
}

// subscription is the resolved binding of one message type to one queue and
// one handler pipeline.
type subscription struct {
	name        string
	queue       Destination
	topic       Destination
	hasTopic    bool
	messageType string
	newMessage  func() Message
	handler     HandleFunc
	middlewares []HandleMiddleware
	config      ListenerConfig
}

// Listener runs the receive/dispatch loop for one subscription.
type Listener struct {
	sub        *subscription
	handle     HandleFunc
	transport  Transport
	serializer Serializer
	log        zerolog.Logger

	state atomic.Int32
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
}

func newListener(sub *subscription, handle HandleFunc, t Transport, s Serializer, logger zerolog.Logger) *Listener {
	return &Listener{
		sub:        sub,
		handle:     handle,
		transport:  t,
		serializer: s,
		log: logger.With().
			Str("subscription", sub.name).
			Str("queue", sub.queue.String()).
			Str("message_type", sub.messageType).
			Logger(),
		sem: semaphore.NewWeighted(int64(sub.config.Concurrency)),
	}
}

// Name returns the subscription name.
func (l *Listener) Name() string { return l.sub.name }

// State returns the current lifecycle state.
func (l *Listener) State() ListenerState { return ListenerState(l.state.Load()) }

func (l *Listener) setState(s ListenerState) { l.state.Store(int32(s)) }

// Setup provisions the subscription's queue and topic binding when the
// transport supports it. A Setup error is a startup failure.
func (l *Listener) Setup(ctx context.Context) error {
	l.setState(StateStarting)
	prov, ok := l.transport.(Provisioner)
	if !ok {
		return nil
	}
	if err := prov.EnsureDestination(ctx, l.sub.queue); err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("eventbus: subscription %q: provision %s: %w", l.sub.name, l.sub.queue, err)
	}
	if l.sub.hasTopic {
		if err := prov.EnsureDestination(ctx, l.sub.topic); err != nil {
			l.setState(StateStopped)
			return fmt.Errorf("eventbus: subscription %q: provision %s: %w", l.sub.name, l.sub.topic, err)
		}
		if err := prov.BindQueue(ctx, l.sub.topic, l.sub.queue); err != nil {
			l.setState(StateStopped)
			return fmt.Errorf("eventbus: subscription %q: bind %s to %s: %w", l.sub.name, l.sub.queue, l.sub.topic, err)
		}
	}
	return nil
}

// Start runs Setup and then the receive loop until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Setup(ctx); err != nil {
		return err
	}
	return l.Run(ctx)
}

// Run polls the subscription's queue and dispatches envelopes until ctx is
// cancelled, then drains in-flight dispatches. Receive failures are logged
// and retried with backoff; they never end the loop.
func (l *Listener) Run(ctx context.Context) error {
	// Handlers outlive the shutdown signal until the drain timeout.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	cfg := l.sub.config
	backoff := cfg.ReceiveBackoff

	l.log.Info().Int("concurrency", cfg.Concurrency).Int("max_batch", cfg.MaxBatch).Msg("Listener started")

loop:
	for ctx.Err() == nil {
		// Hold one slot while polling so nothing is received that cannot be dispatched.
		if err := l.sem.Acquire(ctx, 1); err != nil {
			break
		}
		l.setState(StatePolling)
		envs, err := l.transport.Receive(ctx, l.sub.queue, cfg.MaxBatch)
		l.sem.Release(1)

		if err != nil {
			if ctx.Err() != nil {
				l.release(handlerCtx, envs)
				break
			}
			l.log.Warn().Err(err).Dur("backoff", backoff).Msg("Failed to receive messages")
			if sleep(ctx, backoff) != nil {
				break
			}
			backoff = min(backoff*2, cfg.ReceiveBackoffMax)
			continue
		}
		backoff = cfg.ReceiveBackoff

		if len(envs) == 0 {
			if cfg.IdleWait > 0 && sleep(ctx, cfg.IdleWait) != nil {
				break
			}
			continue
		}

		l.setState(StateDispatching)
		l.log.Debug().Int("count", len(envs)).Msg("Received messages")
		for i, env := range envs {
			if err := l.sem.Acquire(ctx, 1); err != nil {
				l.release(handlerCtx, envs[i:])
				break loop
			}
			l.wg.Add(1)
			go func(env Envelope) {
				defer l.wg.Done()
				defer l.sem.Release(1)
				l.dispatch(handlerCtx, env)
			}(env)
		}
	}

	l.drain(cancelHandlers)
	return nil
}

// drain waits for in-flight dispatches, cancelling them once the drain
// timeout elapses.
func (l *Listener) drain(cancelHandlers context.CancelFunc) {
	l.setState(StateStopping)
	defer l.setState(StateStopped)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(l.sub.config.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		l.log.Info().Msg("Listener stopped")
		return
	case <-timer.C:
	}

	l.log.Warn().Dur("drain_timeout", l.sub.config.DrainTimeout).Msg("Drain timeout reached, cancelling in-flight handlers")
	cancelHandlers()
	select {
	case <-done:
		l.log.Info().Msg("Listener stopped")
	case <-time.After(abandonGrace):
		l.log.Error().Msg("Listener stopped with handlers still running")
	}
}

// release hands undispatched envelopes back to the transport.
func (l *Listener) release(ctx context.Context, envs []Envelope) {
	for _, env := range envs {
		if err := env.Nack(ctx); err != nil {
			l.log.Warn().Err(err).Str("envelope_id", env.ID()).Msg("Failed to release message")
		}
	}
}

// dispatch drives one envelope through the pipeline and applies the ack
// decision. An envelope is acknowledged only after its pipeline succeeded.
func (l *Listener) dispatch(ctx context.Context, env Envelope) {
	logger := l.log.With().Str("envelope_id", env.ID()).Logger()

	ok, err := l.process(ctx, env, logger)
	// The decision is applied even when the handler was cancelled.
	settleCtx := context.WithoutCancel(ctx)
	if err == nil && ok {
		if aerr := env.Ack(settleCtx); aerr != nil {
			logger.Error().Err(aerr).Msg("Failed to acknowledge message")
		}
		return
	}

	if err != nil {
		logger.Error().Err(err).Msg("Message handling failed, leaving for redelivery")
	} else {
		logger.Warn().Msg("Handler reported failure, leaving for redelivery")
	}
	if nerr := env.Nack(settleCtx); nerr != nil {
		logger.Warn().Err(nerr).Msg("Failed to release message")
	}
}

func (l *Listener) process(ctx context.Context, env Envelope, logger zerolog.Logger) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			logger.Error().Str("stack", string(buf[:n])).Msgf("PANIC recovered: %v", r)
			ok, err = false, fmt.Errorf("eventbus: panic recovered: %v", r)
		}
	}()

	msg, err := l.decode(env)
	if err != nil {
		return false, err
	}

	hc := NewHandleContext(l.sub.name, l.sub.queue, l.sub.messageType, env, msg)
	hc.Log = logger.With().Str("unique_key", msg.UniqueKey()).Int("attempt", hc.Attempt).Logger()
	return l.handle(ctx, hc)
}

func (l *Listener) decode(env Envelope) (Message, error) {
	if t := env.Attributes()[AttrMessageType]; t != "" && l.sub.messageType != "" && t != l.sub.messageType {
		return nil, fmt.Errorf("%w: envelope carries %q, subscription expects %q", ErrDeserialize, t, l.sub.messageType)
	}
	msg := l.sub.newMessage()
	if err := l.serializer.Deserialize(env.Body(), msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeserialize, err)
	}
	return msg, nil
}
