// Package kafka provides a transport for Apache Kafka using segmentio/kafka-go.
//
// Both queues and topics are Kafka topics. A queue is consumed by its own
// consumer group, which also reads every topic bound to the queue, so each
// bound queue sees every record published to the topic.
package kafka

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/eventbus/broker"
	"github.com/miladsoleymani/eventbus/core"
)

// HeaderReceiveCount carries the delivery count of a requeued record.
const HeaderReceiveCount = "eventbus-receive-count"

func init() {
	broker.Register("kafka", func(cfg broker.Config) (core.Transport, error) {
		opts, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(cfg.Brokers, cfg.Group, opts...)
	})
}

type producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport implements core.Transport and core.Provisioner for Kafka.
//
// One writer is shared by all sends. Readers are created per queue on the
// first Receive. Offsets are committed on Ack; with concurrent dispatch a
// commit also covers earlier records of the same partition.
type Transport struct {
	brokers []string
	group   string
	opts    options

	writer       producer
	newReader    func(kafka.ReaderConfig) consumer
	createTopics func(ctx context.Context, topics ...kafka.TopicConfig) error

	mu       sync.Mutex
	readers  map[string]consumer
	bindings map[string][]string
	closed   bool
}

// New creates a Kafka Transport. group prefixes the consumer group of every
// queue; it may be empty.
func New(brokers []string, group string, fns ...Option) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("eventbus/kafka: at least one broker address is required")
	}

	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               opts.balancer,
		BatchSize:              opts.batchSize,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: opts.autoCreate,
	}
	if opts.dialer != nil {
		w.Transport = &kafka.Transport{
			TLS:  opts.dialer.TLS,
			SASL: opts.dialer.SASLMechanism,
		}
	}

	t := newTransport(brokers, group, opts, w)
	t.newReader = func(cfg kafka.ReaderConfig) consumer { return kafka.NewReader(cfg) }
	t.createTopics = t.createTopicsOnController
	return t, nil
}

func newTransport(brokers []string, group string, opts options, w producer) *Transport {
	return &Transport{
		brokers:  brokers,
		group:    group,
		opts:     opts,
		writer:   w,
		readers:  make(map[string]consumer),
		bindings: make(map[string][]string),
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

// topicName maps a destination onto a Kafka topic. Accounts become a name
// prefix since Kafka has no notion of ownership.
func topicName(d core.Destination) string {
	if d.Account == "" {
		return d.Name
	}
	return d.Account + "." + d.Name
}

func (t *Transport) groupID(queue core.Destination) string {
	if t.group == "" {
		return topicName(queue)
	}
	return t.group + "." + topicName(queue)
}

func record(topic string, msg core.OutboundMessage) kafka.Message {
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.UniqueKey),
		Value:   msg.Body,
		Headers: toHeaders(msg.Attributes),
	}
}

func (t *Transport) Send(ctx context.Context, dest core.Destination, msg core.OutboundMessage) (core.MessageResponse, error) {
	if err := t.checkOpen(); err != nil {
		return core.MessageResponse{}, err
	}
	topic := topicName(dest)
	if err := t.writer.WriteMessages(ctx, record(topic, msg)); err != nil {
		var werrs kafka.WriteErrors
		if errors.As(err, &werrs) && len(werrs) == 1 && werrs[0] != nil {
			err = werrs[0]
		}
		return core.MessageResponse{}, fmt.Errorf("eventbus/kafka: publish to %q: %w", topic, classify(err))
	}
	// Synchronous writes do not report offsets; the record key identifies it.
	return core.MessageResponse{MessageID: msg.UniqueKey}, nil
}

// SendBatch writes msgs in one call and maps the writer's per-record errors
// onto the response.
func (t *Transport) SendBatch(ctx context.Context, dest core.Destination, msgs []core.OutboundMessage) (core.MessageBatchResponse, error) {
	if err := t.checkOpen(); err != nil {
		return core.MessageBatchResponse{}, err
	}
	topic := topicName(dest)
	records := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		records[i] = record(topic, m)
	}

	err := t.writer.WriteMessages(ctx, records...)
	var (
		resp     core.MessageBatchResponse
		werrs    kafka.WriteErrors
		tooLarge kafka.MessageTooLargeError
	)
	switch {
	case err == nil:
		for i, m := range msgs {
			resp.Succeeded = append(resp.Succeeded, core.BatchEntrySuccess{Index: i, UniqueKey: m.UniqueKey, MessageID: m.UniqueKey})
		}
	case errors.As(err, &werrs) && len(werrs) == len(msgs):
		for i, m := range msgs {
			if werrs[i] == nil {
				resp.Succeeded = append(resp.Succeeded, core.BatchEntrySuccess{Index: i, UniqueKey: m.UniqueKey, MessageID: m.UniqueKey})
				continue
			}
			resp.Failed = append(resp.Failed, entryFailure(i, m, classify(werrs[i])))
		}
	case errors.As(err, &tooLarge):
		// The writer rejects the whole call; only the oversized record is final.
		for i, m := range msgs {
			cause := fmt.Errorf("eventbus/kafka: not sent: %w", err)
			if bytes.Equal(tooLarge.Message.Key, []byte(m.UniqueKey)) {
				cause = fmt.Errorf("%w: %w", core.ErrMalformedMessage, err)
			}
			resp.Failed = append(resp.Failed, entryFailure(i, m, cause))
		}
	default:
		return core.MessageBatchResponse{}, fmt.Errorf("eventbus/kafka: publish batch to %q: %w", topic, classify(err))
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
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		f.Code = kerr.Title()
	}
	return f
}

// Receive waits up to the poll wait for a first record, then collects more
// for up to the linger period. An idle poll returns no envelopes.
func (t *Transport) Receive(ctx context.Context, queue core.Destination, maxBatch int) ([]core.Envelope, error) {
	r, err := t.reader(queue)
	if err != nil {
		return nil, err
	}

	pollCtx, cancelPoll := context.WithTimeout(ctx, t.opts.pollWait)
	defer cancelPoll()
	first, err := r.FetchMessage(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventbus/kafka: fetch from %s: %w", queue, err)
	}

	envs := []core.Envelope{t.envelope(r, queue, first)}
	lingerCtx, cancelLinger := context.WithTimeout(ctx, t.opts.linger)
	defer cancelLinger()
	for len(envs) < maxBatch {
		m, err := r.FetchMessage(lingerCtx)
		if err != nil {
			break
		}
		envs = append(envs, t.envelope(r, queue, m))
	}
	return envs, nil
}

func (t *Transport) envelope(r consumer, queue core.Destination, raw kafka.Message) *envelope {
	return &envelope{
		transport:  t,
		reader:     r,
		queueTopic: topicName(queue),
		raw:        raw,
	}
}

// reader returns the consumer for queue, creating it on first use.
func (t *Transport) reader(queue core.Destination) (consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrBrokerClosed
	}
	key := topicName(queue)
	if r, ok := t.readers[key]; ok {
		return r, nil
	}

	cfg := kafka.ReaderConfig{
		Brokers:     t.brokers,
		GroupID:     t.groupID(queue),
		GroupTopics: append([]string{key}, t.bindings[key]...),
		MinBytes:    t.opts.minBytes,
		MaxBytes:    t.opts.maxBytes,
		MaxWait:     t.opts.maxWait,
		StartOffset: t.opts.startOffset,
	}
	if t.opts.dialer != nil {
		cfg.Dialer = t.opts.dialer
	}
	r := t.newReader(cfg)
	t.readers[key] = r
	return r, nil
}

// requeue writes a copy of raw back to the queue topic with an incremented
// delivery count.
func (t *Transport) requeue(ctx context.Context, queueTopic string, raw kafka.Message, count int) error {
	headers := make([]kafka.Header, 0, len(raw.Headers)+1)
	for _, h := range raw.Headers {
		if h.Key != HeaderReceiveCount {
			headers = append(headers, h)
		}
	}
	headers = append(headers, kafka.Header{Key: HeaderReceiveCount, Value: []byte(strconv.Itoa(count))})
	return t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   queueTopic,
		Key:     raw.Key,
		Value:   raw.Value,
		Headers: headers,
	})
}

// EnsureDestination creates the topic backing dest when auto-creation is
// enabled. An existing topic is not an error.
func (t *Transport) EnsureDestination(ctx context.Context, dest core.Destination) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if !t.opts.autoCreate {
		return nil
	}
	err := t.createTopics(ctx, kafka.TopicConfig{
		Topic:             topicName(dest),
		NumPartitions:     t.opts.partitions,
		ReplicationFactor: t.opts.replicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("eventbus/kafka: create topic %q: %w", topicName(dest), err)
	}
	return nil
}

// BindQueue adds topic to the topics read by queue's consumer group. A
// reader already running for queue is replaced on the next Receive.
func (t *Transport) BindQueue(_ context.Context, topic, queue core.Destination) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrBrokerClosed
	}
	qt, tt := topicName(queue), topicName(topic)
	for _, b := range t.bindings[qt] {
		if b == tt {
			return nil
		}
	}
	t.bindings[qt] = append(t.bindings[qt], tt)
	if r, ok := t.readers[qt]; ok {
		delete(t.readers, qt)
		if err := r.Close(); err != nil {
			return fmt.Errorf("eventbus/kafka: close reader %q: %w", qt, err)
		}
	}
	return nil
}

func (t *Transport) createTopicsOnController(ctx context.Context, topics ...kafka.TopicConfig) error {
	dialer := t.opts.dialer
	if dialer == nil {
		dialer = kafka.DefaultDialer
	}
	conn, err := dialer.DialContext(ctx, "tcp", t.brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer cc.Close()
	return cc.CreateTopics(topics...)
}

// Close flushes the writer and closes all readers.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if err := t.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("eventbus/kafka: close writer: %w", err))
	}
	for name, r := range t.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("eventbus/kafka: close reader %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// classify maps Kafka protocol errors onto the bus's retry classification.
func classify(err error) error {
	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return err
	}
	switch {
	case kerr == kafka.MessageSizeTooLarge:
		return fmt.Errorf("%w: %w", core.ErrMalformedMessage, err)
	case !kerr.Temporary():
		return core.NonRetryable(err)
	}
	return err
}

// toHeaders converts a string map to Kafka headers.
func toHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

// optsFromConfig extracts options from the broker.Config.
func optsFromConfig(cfg broker.Config) ([]Option, error) {
	var opts []Option
	if v := cfg.Int("batch_size", 0); v > 0 {
		opts = append(opts, WithBatchSize(v))
	}
	if v := cfg.Int("max_bytes", 0); v > 0 {
		opts = append(opts, WithMaxBytes(v))
	}
	if v := cfg.Int("partitions", 0); v > 0 {
		opts = append(opts, WithPartitions(v, cfg.Int("replication_factor", 1)))
	}
	switch cfg.String("start_offset", "") {
	case "":
	case "first":
		opts = append(opts, WithStartOffset(kafka.FirstOffset))
	case "last":
		opts = append(opts, WithStartOffset(kafka.LastOffset))
	default:
		return nil, fmt.Errorf("eventbus/kafka: start_offset must be \"first\" or \"last\"")
	}
	opts = append(opts,
		WithAutoCreate(cfg.Bool("auto_create", true)),
		WithRequeueOnNack(cfg.Bool("requeue_on_nack", true)),
	)

	durations := []struct {
		key string
		opt func(time.Duration) Option
	}{
		{"max_wait", WithMaxWait},
		{"poll_wait", WithPollWait},
		{"linger", WithLinger},
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
