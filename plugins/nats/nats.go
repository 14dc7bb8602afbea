// Package nats provides a transport for NATS JetStream.
//
// Every destination is a stream holding one subject. Queue streams use the
// work-queue retention policy and are read by one durable consumer. A queue
// bound to a topic gets its own durable consumer on the topic stream, so
// every bound queue sees every message published to the topic.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/eventbus/broker"
	"github.com/miladsoleymani/eventbus/core"
)

func init() {
	broker.Register("nats", func(cfg broker.Config) (core.Transport, error) {
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("eventbus/nats: at least one broker URL is required")
		}
		opts, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(strings.Join(cfg.Brokers, ","), cfg.Group, opts...)
	})
}

// jetStream is the subset of jetstream.JetStream used by the transport.
type jetStream interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	PublishMsgAsync(msg *nats.Msg, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

// Transport implements core.Transport and core.Provisioner for JetStream.
type Transport struct {
	conn  *nats.Conn
	js    jetStream
	group string
	opts  options

	mu        sync.Mutex
	closed    bool
	own       map[string]jetstream.Consumer
	consumers map[string][]jetstream.Consumer
	bound     map[string]map[string]bool
	next      map[string]int
}

// New connects to url and creates a JetStream Transport. group prefixes the
// durable consumer names; it may be empty.
func New(url, group string, fns ...Option) (*Transport, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	nc, err := nats.Connect(url, opts.connOpts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus/nats: connect to %q: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventbus/nats: init jetstream: %w", err)
	}

	t := newTransport(js, group, opts)
	t.conn = nc
	return t, nil
}

func newTransport(js jetStream, group string, opts options) *Transport {
	return &Transport{
		js:        js,
		group:     group,
		opts:      opts,
		own:       make(map[string]jetstream.Consumer),
		consumers: make(map[string][]jetstream.Consumer),
		bound:     make(map[string]map[string]bool),
		next:      make(map[string]int),
	}
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrBrokerClosed
	}
	return nil
}

// subject returns the subject of a destination: prefix.kind[.account].name.
func (t *Transport) subject(d core.Destination) string {
	parts := []string{t.opts.subjectPrefix, d.Kind.String()}
	if d.Account != "" {
		parts = append(parts, d.Account)
	}
	return strings.Join(append(parts, d.Name), ".")
}

// streamName returns the stream backing a destination.
func (t *Transport) streamName(d core.Destination) string {
	return sanitize(t.subject(d))
}

// durable returns the durable consumer name of a queue.
func (t *Transport) durable(queue core.Destination) string {
	name := sanitize(queue.Account + "_" + queue.Name)
	if queue.Account == "" {
		name = sanitize(queue.Name)
	}
	if t.group != "" {
		name = sanitize(t.group) + "_" + name
	}
	return name
}

func (t *Transport) natsMsg(dest core.Destination, msg core.OutboundMessage) *nats.Msg {
	nm := nats.NewMsg(t.subject(dest))
	nm.Data = msg.Body
	for k, v := range msg.Attributes {
		nm.Header.Set(k, v)
	}
	return nm
}

// Send publishes msg with its unique key as the JetStream message ID, so
// the server drops duplicates within the duplicate window.
func (t *Transport) Send(ctx context.Context, dest core.Destination, msg core.OutboundMessage) (core.MessageResponse, error) {
	if err := t.checkOpen(); err != nil {
		return core.MessageResponse{}, err
	}
	ack, err := t.js.PublishMsg(ctx, t.natsMsg(dest, msg), jetstream.WithMsgID(msg.UniqueKey))
	if err != nil {
		return core.MessageResponse{}, fmt.Errorf("eventbus/nats: publish to %s: %w", dest, classify(err))
	}
	return core.MessageResponse{MessageID: pubAckID(ack)}, nil
}

func pubAckID(ack *jetstream.PubAck) string {
	if ack == nil {
		return ""
	}
	return ack.Stream + "/" + strconv.FormatUint(ack.Sequence, 10)
}

// SendBatch publishes msgs asynchronously and waits for every ack.
func (t *Transport) SendBatch(ctx context.Context, dest core.Destination, msgs []core.OutboundMessage) (core.MessageBatchResponse, error) {
	if err := t.checkOpen(); err != nil {
		return core.MessageBatchResponse{}, err
	}

	var resp core.MessageBatchResponse
	futures := make([]jetstream.PubAckFuture, len(msgs))
	for i, m := range msgs {
		f, err := t.js.PublishMsgAsync(t.natsMsg(dest, m), jetstream.WithMsgID(m.UniqueKey))
		if err != nil {
			resp.Failed = append(resp.Failed, entryFailure(i, m, classify(err)))
			continue
		}
		futures[i] = f
	}

	for i, f := range futures {
		if f == nil {
			continue
		}
		select {
		case ack := <-f.Ok():
			resp.Succeeded = append(resp.Succeeded, core.BatchEntrySuccess{Index: i, UniqueKey: msgs[i].UniqueKey, MessageID: pubAckID(ack)})
		case err := <-f.Err():
			resp.Failed = append(resp.Failed, entryFailure(i, msgs[i], classify(err)))
		case <-ctx.Done():
			return resp, fmt.Errorf("eventbus/nats: publish batch to %s: %w", dest, ctx.Err())
		}
	}
	return resp, nil
}

func entryFailure(i int, m core.OutboundMessage, err error) core.BatchEntryFailure {
	f := core.BatchEntryFailure{
		Index:     i,
		UniqueKey: m.UniqueKey,
		Retryable: core.IsRetryable(err),
		Err:       err,
	}
	var jsErr jetstream.JetStreamError
	if errors.As(err, &jsErr) && jsErr.APIError() != nil {
		f.Code = strconv.Itoa(int(jsErr.APIError().ErrorCode))
	}
	return f
}

// Receive drains every consumer of queue without waiting and, when nothing
// was ready, long-polls one consumer in rotation for up to the poll wait.
func (t *Transport) Receive(ctx context.Context, queue core.Destination, maxBatch int) ([]core.Envelope, error) {
	consumers, err := t.queueConsumers(ctx, queue)
	if err != nil {
		return nil, err
	}

	var envs []core.Envelope
	for _, c := range consumers {
		if len(envs) >= maxBatch {
			break
		}
		batch, err := c.FetchNoWait(maxBatch - len(envs))
		if err != nil {
			return envs, fmt.Errorf("eventbus/nats: fetch from %s: %w", queue, err)
		}
		envs = t.collect(envs, batch)
	}
	if len(envs) > 0 || ctx.Err() != nil {
		return envs, ctx.Err()
	}

	t.mu.Lock()
	i := t.next[queue.String()] % len(consumers)
	t.next[queue.String()] = i + 1
	t.mu.Unlock()

	wait := t.opts.pollWait
	if dl, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(dl))
	}
	if wait <= 0 {
		return nil, nil
	}
	batch, err := consumers[i].Fetch(maxBatch, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("eventbus/nats: fetch from %s: %w", queue, err)
	}
	return t.collect(envs, batch), ctx.Err()
}

func (t *Transport) collect(envs []core.Envelope, batch jetstream.MessageBatch) []core.Envelope {
	for msg := range batch.Messages() {
		envs = append(envs, &envelope{msg: msg, nakDelay: t.opts.nakDelay})
	}
	return envs
}

// queueConsumers returns the consumers feeding queue, creating the queue's
// own durable consumer on first use.
func (t *Transport) queueConsumers(ctx context.Context, queue core.Destination) ([]jetstream.Consumer, error) {
	key := queue.String()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.ErrBrokerClosed
	}
	own, ok := t.own[key]
	t.mu.Unlock()

	if !ok {
		c, err := t.createConsumer(ctx, t.streamName(queue), queue)
		if err != nil {
			return nil, err
		}
		own = c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.own[key] = own
	return append([]jetstream.Consumer{own}, t.consumers[key]...), nil
}

func (t *Transport) createConsumer(ctx context.Context, stream string, queue core.Destination) (jetstream.Consumer, error) {
	c, err := t.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:    t.durable(queue),
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    t.opts.ackWait,
		MaxDeliver: t.opts.maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus/nats: create consumer %q on %q: %w", t.durable(queue), stream, classify(err))
	}
	return c, nil
}

// EnsureDestination creates or updates the stream backing dest.
func (t *Transport) EnsureDestination(ctx context.Context, dest core.Destination) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	retention := t.opts.topicRetention
	if dest.Kind == core.Queue {
		retention = jetstream.WorkQueuePolicy
	}
	name := t.streamName(dest)
	_, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{t.subject(dest)},
		MaxMsgs:    t.opts.maxMsgs,
		MaxBytes:   t.opts.maxBytes,
		MaxAge:     t.opts.maxAge,
		Replicas:   t.opts.replicas,
		Retention:  retention,
		Storage:    t.opts.storage,
		Duplicates: t.opts.duplicates,
	})
	if err != nil {
		return fmt.Errorf("eventbus/nats: create stream %q: %w", name, classify(err))
	}
	return nil
}

// BindQueue creates queue's durable consumer on the topic stream.
func (t *Transport) BindQueue(ctx context.Context, topic, queue core.Destination) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	key := queue.String()
	t.mu.Lock()
	done := t.bound[key][topic.String()]
	t.mu.Unlock()
	if done {
		return nil
	}

	c, err := t.createConsumer(ctx, t.streamName(topic), queue)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound[key] == nil {
		t.bound[key] = make(map[string]bool)
	}
	t.bound[key][topic.String()] = true
	t.consumers[key] = append(t.consumers[key], c)
	return nil
}

// Close drains the NATS connection. Pending acks are flushed first.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		if err := t.conn.Drain(); err != nil {
			return fmt.Errorf("eventbus/nats: drain: %w", err)
		}
	}
	return nil
}

// classify maps NATS and JetStream errors onto the bus's retry
// classification.
func classify(err error) error {
	switch {
	case errors.Is(err, jetstream.ErrNoStreamResponse), errors.Is(err, jetstream.ErrStreamNotFound):
		return fmt.Errorf("%w: %w", core.ErrDestinationNotFound, err)
	case errors.Is(err, nats.ErrMaxPayload):
		return fmt.Errorf("%w: %w", core.ErrMalformedMessage, err)
	}
	var jsErr jetstream.JetStreamError
	if errors.As(err, &jsErr) {
		if api := jsErr.APIError(); api != nil && api.Code >= 400 && api.Code < 500 && api.Code != 408 {
			return core.NonRetryable(err)
		}
	}
	return err
}

// sanitize converts a subject to a valid stream or consumer name by
// replacing special characters.
func sanitize(subject string) string {
	buf := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		switch c {
		case '.', '*', '>', ' ', '/', '\\':
			buf[i] = '-'
		default:
			buf[i] = c
		}
	}
	return string(buf)
}

// optsFromConfig extracts options from broker.Config.
func optsFromConfig(cfg broker.Config) ([]Option, error) {
	var opts []Option
	if v := cfg.String("subject_prefix", ""); v != "" {
		opts = append(opts, WithSubjectPrefix(v))
	}
	if v := cfg.Int("max_deliver", 0); v != 0 {
		opts = append(opts, WithMaxDeliver(v))
	}
	if v := cfg.Int("replicas", 0); v > 0 {
		opts = append(opts, WithReplicas(v))
	}
	switch cfg.String("storage", "") {
	case "":
	case "file":
		opts = append(opts, WithStorage(jetstream.FileStorage))
	case "memory":
		opts = append(opts, WithStorage(jetstream.MemoryStorage))
	default:
		return nil, fmt.Errorf("eventbus/nats: storage must be \"file\" or \"memory\"")
	}
	switch cfg.String("topic_retention", "") {
	case "":
	case "limits":
		opts = append(opts, WithTopicRetention(jetstream.LimitsPolicy))
	case "interest":
		opts = append(opts, WithTopicRetention(jetstream.InterestPolicy))
	default:
		return nil, fmt.Errorf("eventbus/nats: topic_retention must be \"limits\" or \"interest\"")
	}

	durations := []struct {
		key string
		opt func(time.Duration) Option
	}{
		{"ack_wait", WithAckWait},
		{"max_age", WithMaxAge},
		{"nak_delay", WithNakDelay},
		{"poll_wait", WithPollWait},
		{"duplicate_window", WithDuplicateWindow},
	}
	for _, d := range durations {
		v, err := cfg.Duration(d.key, 0)
		if err != nil {
			return nil, err
		}
		if v > 0 {
			opts = append(opts, d.opt(v))
		}
	}
	return opts, nil
}
