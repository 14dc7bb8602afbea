// Package memory provides an in-process transport with queue and topic
// semantics close to a hosted broker: received messages stay invisible until
// acknowledged or until their visibility timeout expires, and topics fan out
// to every bound queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miladsoleymani/eventbus/broker"
	"github.com/miladsoleymani/eventbus/core"
)

// ErrStaleReceipt is returned when a message is settled after it was
// redelivered or deleted.
var ErrStaleReceipt = errors.New("eventbus/memory: receipt is no longer valid")

func init() {
	broker.Register("memory", func(cfg broker.Config) (core.Transport, error) {
		opts, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(opts...), nil
	})
}

type queue struct {
	ready    []*record
	inflight map[string]*record
	notify   chan struct{}
}

func newQueue() *queue {
	return &queue{
		inflight: make(map[string]*record),
		notify:   make(chan struct{}),
	}
}

// wake releases every Receive blocked on q. Caller holds the lock.
func (q *queue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

type binding struct {
	account string
	pattern core.Pattern
	queue   string
}

// Transport implements core.Transport and core.Provisioner in memory.
type Transport struct {
	opts options

	mu       sync.Mutex
	queues   map[string]*queue
	topics   map[string]struct{}
	bindings []binding
	receipts uint64
	closed   bool
	closing  chan struct{}
	now      func() time.Time
}

// New creates an empty memory transport.
func New(fns ...Option) *Transport {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Transport{
		opts:    opts,
		queues:  make(map[string]*queue),
		topics:  make(map[string]struct{}),
		closing: make(chan struct{}),
		now:     time.Now,
	}
}

func key(d core.Destination) string {
	if d.Account == "" {
		return d.Name
	}
	return d.Account + "/" + d.Name
}

// queueLocked returns the queue for dest, creating it when allowed.
func (t *Transport) queueLocked(dest core.Destination, create bool) (*queue, error) {
	k := key(dest)
	if q, ok := t.queues[k]; ok {
		return q, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", core.ErrDestinationNotFound, dest)
	}
	q := newQueue()
	t.queues[k] = q
	return q, nil
}

func (t *Transport) Send(_ context.Context, dest core.Destination, msg core.OutboundMessage) (core.MessageResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, err := t.sendLocked(dest, msg)
	if err != nil {
		return core.MessageResponse{}, err
	}
	return core.MessageResponse{MessageID: id}, nil
}

func (t *Transport) SendBatch(_ context.Context, dest core.Destination, msgs []core.OutboundMessage) (core.MessageBatchResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.MessageBatchResponse{}, core.ErrBrokerClosed
	}

	var resp core.MessageBatchResponse
	for i, m := range msgs {
		id, err := t.sendLocked(dest, m)
		if err != nil {
			resp.Failed = append(resp.Failed, core.BatchEntryFailure{
				Index:     i,
				UniqueKey: m.UniqueKey,
				Retryable: core.IsRetryable(err),
				Err:       err,
			})
			continue
		}
		resp.Succeeded = append(resp.Succeeded, core.BatchEntrySuccess{Index: i, UniqueKey: m.UniqueKey, MessageID: id})
	}
	return resp, nil
}

func (t *Transport) sendLocked(dest core.Destination, msg core.OutboundMessage) (string, error) {
	if t.closed {
		return "", core.ErrBrokerClosed
	}
	if t.opts.maxMessageSize > 0 && len(msg.Body) > t.opts.maxMessageSize {
		return "", fmt.Errorf("%w: body of %d bytes exceeds %d", core.ErrMalformedMessage, len(msg.Body), t.opts.maxMessageSize)
	}

	id := uuid.NewString()
	if dest.Kind == core.Queue {
		q, err := t.queueLocked(dest, t.opts.autoCreate)
		if err != nil {
			return "", err
		}
		t.enqueueLocked(q, id, msg)
		return id, nil
	}

	if _, ok := t.topics[key(dest)]; !ok {
		if !t.opts.autoCreate {
			return "", fmt.Errorf("%w: %s", core.ErrDestinationNotFound, dest)
		}
		t.topics[key(dest)] = struct{}{}
	}
	delivered := make(map[string]bool)
	for _, b := range t.bindings {
		if b.account != dest.Account || delivered[b.queue] || !b.pattern.Match(dest.Name) {
			continue
		}
		delivered[b.queue] = true
		t.enqueueLocked(t.queues[b.queue], id, msg)
	}
	return id, nil
}

func (t *Transport) enqueueLocked(q *queue, id string, msg core.OutboundMessage) {
	q.ready = append(q.ready, &record{
		id:    id,
		body:  append([]byte(nil), msg.Body...),
		attrs: maps.Clone(msg.Attributes),
	})
	q.wake()
}

// Receive returns up to maxBatch visible messages, waiting up to the
// configured wait time for the first one.
func (t *Transport) Receive(ctx context.Context, dest core.Destination, maxBatch int) ([]core.Envelope, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	deadline := t.now().Add(t.opts.waitTime)
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, core.ErrBrokerClosed
		}
		q, err := t.queueLocked(dest, t.opts.autoCreate)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.expireLocked(q)
		if envs := t.takeLocked(key(dest), q, maxBatch); len(envs) > 0 {
			t.mu.Unlock()
			return envs, nil
		}
		notify := q.notify
		wait := deadline.Sub(t.now())
		if next, ok := nextVisible(q); ok {
			wait = min(wait, next.Sub(t.now()))
		}
		t.mu.Unlock()

		if wait <= 0 && !t.now().Before(deadline) {
			return nil, nil
		}
		timer := time.NewTimer(max(wait, time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-t.closing:
			timer.Stop()
			return nil, core.ErrBrokerClosed
		case <-notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// expireLocked returns inflight messages whose visibility timeout elapsed.
func (t *Transport) expireLocked(q *queue) {
	now := t.now()
	for id, r := range q.inflight {
		if now.Before(r.visibleAt) {
			continue
		}
		delete(q.inflight, id)
		t.requeueLocked(q, r)
	}
}

// requeueLocked makes r visible again, or moves it to the dead-letter queue
// once it has exhausted its receives.
func (t *Transport) requeueLocked(q *queue, r *record) {
	r.receipt = 0
	if t.opts.maxReceiveCount > 0 && r.receiveCount >= t.opts.maxReceiveCount && t.opts.deadLetterQueue != "" {
		dlq, _ := t.queueLocked(core.QueueNamed(t.opts.deadLetterQueue), true)
		if dlq != q {
			r.receiveCount = 0
			dlq.ready = append(dlq.ready, r)
			dlq.wake()
			return
		}
	}
	q.ready = append(q.ready, r)
	q.wake()
}

func (t *Transport) takeLocked(name string, q *queue, maxBatch int) []core.Envelope {
	n := min(maxBatch, len(q.ready))
	if n == 0 {
		return nil
	}
	visibleAt := t.now().Add(t.opts.visibilityTimeout)
	envs := make([]core.Envelope, 0, n)
	for _, r := range q.ready[:n] {
		t.receipts++
		r.receipt = t.receipts
		r.receiveCount++
		r.visibleAt = visibleAt
		q.inflight[r.id] = r
		envs = append(envs, &envelope{
			t:            t,
			queue:        name,
			id:           r.id,
			body:         r.body,
			attrs:        maps.Clone(r.attrs),
			receiveCount: r.receiveCount,
			receipt:      r.receipt,
		})
	}
	q.ready = q.ready[n:]
	return envs
}

func nextVisible(q *queue) (time.Time, bool) {
	var next time.Time
	for _, r := range q.inflight {
		if next.IsZero() || r.visibleAt.Before(next) {
			next = r.visibleAt
		}
	}
	return next, !next.IsZero()
}

// settle deletes (ack) or releases (nack) an inflight message.
func (t *Transport) settle(queueKey, id string, receipt uint64, del bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueKey]
	if !ok {
		return ErrStaleReceipt
	}
	r, ok := q.inflight[id]
	if !ok || r.receipt != receipt {
		return ErrStaleReceipt
	}
	if !del && t.opts.nackVisibility > 0 {
		// Stays inflight under a dead receipt until expireLocked requeues it.
		r.receipt = 0
		r.visibleAt = t.now().Add(t.opts.nackVisibility)
		q.wake()
		return nil
	}
	delete(q.inflight, id)
	if !del {
		t.requeueLocked(q, r)
	}
	return nil
}

func (t *Transport) EnsureDestination(_ context.Context, dest core.Destination) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrBrokerClosed
	}
	if dest.Kind == core.Topic {
		t.topics[key(dest)] = struct{}{}
		return nil
	}
	_, err := t.queueLocked(dest, true)
	return err
}

// BindQueue subscribes queue to topic. The topic name may be a pattern using
// "*" and "#" wildcards.
func (t *Transport) BindQueue(_ context.Context, topic, q core.Destination) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrBrokerClosed
	}
	if _, err := t.queueLocked(q, t.opts.autoCreate); err != nil {
		return err
	}
	b := binding{account: topic.Account, pattern: core.CompilePattern(topic.Name), queue: key(q)}
	for _, existing := range t.bindings {
		if existing.account == b.account && existing.pattern.String() == b.pattern.String() && existing.queue == b.queue {
			return nil
		}
	}
	t.bindings = append(t.bindings, b)
	return nil
}

// Depth returns the number of visible and inflight messages in a queue.
func (t *Transport) Depth(dest core.Destination) (visible, inflight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[key(dest)]
	if !ok {
		return 0, 0
	}
	return len(q.ready), len(q.inflight)
}

// Close stops the transport and wakes blocked receivers. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closing)
	return nil
}

// optsFromConfig extracts options from the broker.Config.Extra map.
func optsFromConfig(cfg broker.Config) ([]Option, error) {
	var opts []Option
	vis, err := cfg.Duration("visibility_timeout", 0)
	if err != nil {
		return nil, err
	}
	if vis > 0 {
		opts = append(opts, WithVisibilityTimeout(vis))
	}
	nack, err := cfg.Duration("nack_visibility", -1)
	if err != nil {
		return nil, err
	}
	if nack >= 0 {
		opts = append(opts, WithNackVisibility(nack))
	}
	wait, err := cfg.Duration("wait_time", 0)
	if err != nil {
		return nil, err
	}
	if wait > 0 {
		opts = append(opts, WithWaitTime(wait))
	}
	if n := cfg.Int("max_message_size", 0); n > 0 {
		opts = append(opts, WithMaxMessageSize(n))
	}
	opts = append(opts, WithAutoCreate(cfg.Bool("auto_create", true)))
	if n := cfg.Int("max_receive_count", 0); n > 0 {
		opts = append(opts, WithRedrivePolicy(n, cfg.String("dead_letter_queue", "")))
	}
	return opts, nil
}
