package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/eventbus/broker"
	"github.com/miladsoleymani/eventbus/core"
)

type fakeJS struct {
	mu         sync.Mutex
	published  []*nats.Msg
	publishErr map[string]error
	streams    []jetstream.StreamConfig
	consumers  map[string]*fakeConsumer // stream/durable
	seq        uint64
}

func newFakeJS() *fakeJS {
	return &fakeJS{publishErr: map[string]error{}, consumers: map[string]*fakeConsumer{}}
}

func (f *fakeJS) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.publishErr[string(msg.Data)]; err != nil {
		return nil, err
	}
	f.published = append(f.published, msg)
	f.seq++
	return &jetstream.PubAck{Stream: "S", Sequence: f.seq}, nil
}

func (f *fakeJS) PublishMsgAsync(msg *nats.Msg, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error) {
	fut := &fakeFuture{ok: make(chan *jetstream.PubAck, 1), err: make(chan error, 1), msg: msg}
	ack, err := f.PublishMsg(context.Background(), msg, opts...)
	if err != nil {
		fut.err <- err
	} else {
		fut.ok <- ack
	}
	return fut, nil
}

func (f *fakeJS) CreateOrUpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, cfg)
	return nil, nil
}

func (f *fakeJS) CreateOrUpdateConsumer(_ context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stream + "/" + cfg.Durable
	c, ok := f.consumers[key]
	if !ok {
		c = &fakeConsumer{cfg: cfg}
		f.consumers[key] = c
	}
	return c, nil
}

type fakeFuture struct {
	ok  chan *jetstream.PubAck
	err chan error
	msg *nats.Msg
}

func (f *fakeFuture) Ok() <-chan *jetstream.PubAck { return f.ok }
func (f *fakeFuture) Err() <-chan error            { return f.err }
func (f *fakeFuture) Msg() *nats.Msg               { return f.msg }

type fakeConsumer struct {
	jetstream.Consumer
	cfg jetstream.ConsumerConfig

	mu      sync.Mutex
	pending []jetstream.Msg
	waits   []time.Duration
}

func (c *fakeConsumer) push(msgs ...jetstream.Msg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, msgs...)
}

func (c *fakeConsumer) take(n int) jetstream.MessageBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	n = min(n, len(c.pending))
	ch := make(chan jetstream.Msg, n)
	for _, m := range c.pending[:n] {
		ch <- m
	}
	close(ch)
	c.pending = c.pending[n:]
	return &fakeBatch{msgs: ch}
}

func (c *fakeConsumer) FetchNoWait(n int) (jetstream.MessageBatch, error) { return c.take(n), nil }

func (c *fakeConsumer) Fetch(n int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	c.mu.Lock()
	c.waits = append(c.waits, time.Millisecond)
	c.mu.Unlock()
	return c.take(n), nil
}

func (c *fakeConsumer) fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}

type fakeBatch struct {
	msgs chan jetstream.Msg
}

func (b *fakeBatch) Messages() <-chan jetstream.Msg { return b.msgs }
func (b *fakeBatch) Error() error                   { return nil }

type fakeMsg struct {
	jetstream.Msg
	data      []byte
	headers   nats.Header
	seq       uint64
	delivered uint64

	acked, naked bool
	nakDelay     time.Duration
}

func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return m.headers }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{
		Stream:       "eventbus-queue-billing",
		Sequence:     jetstream.SequencePair{Stream: m.seq},
		NumDelivered: m.delivered,
	}, nil
}
func (m *fakeMsg) DoubleAck(context.Context) error { m.acked = true; return nil }
func (m *fakeMsg) Nak() error                      { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.naked, m.nakDelay = true, d
	return nil
}

func newTestTransport(js *fakeJS) *Transport {
	opts := defaults()
	opts.pollWait = 10 * time.Millisecond
	return newTransport(js, "svc", opts)
}

func outbound(key string) core.OutboundMessage {
	return core.OutboundMessage{
		UniqueKey:  key,
		Body:       []byte(key),
		Attributes: map[string]string{core.AttrMessageType: "OrderPlaced"},
	}
}

func TestNames(t *testing.T) {
	tr := newTestTransport(newFakeJS())

	assert.Equal(t, "eventbus.topic.orders", tr.subject(core.TopicNamed("orders")))
	assert.Equal(t, "eventbus.queue.acme.billing", tr.subject(core.QueueNamed("billing").ForAccount("acme")))
	assert.Equal(t, "eventbus-topic-orders", tr.streamName(core.TopicNamed("orders")))
	assert.Equal(t, "svc_billing-v2", tr.durable(core.QueueNamed("billing.v2")))
	assert.Equal(t, "svc_acme_billing", tr.durable(core.QueueNamed("billing").ForAccount("acme")))
}

func TestSend(t *testing.T) {
	js := newFakeJS()
	tr := newTestTransport(js)

	resp, err := tr.Send(context.Background(), core.TopicNamed("orders"), outbound("k1"))
	require.NoError(t, err)
	assert.Equal(t, "S/1", resp.MessageID)

	require.Len(t, js.published, 1)
	msg := js.published[0]
	assert.Equal(t, "eventbus.topic.orders", msg.Subject)
	assert.Equal(t, "OrderPlaced", msg.Header.Get(core.AttrMessageType))
}

func TestSend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		is        error
	}{
		{"no stream", jetstream.ErrNoStreamResponse, false, core.ErrDestinationNotFound},
		{"payload", nats.ErrMaxPayload, false, core.ErrMalformedMessage},
		{"bad request", &jetstream.APIError{Code: 400, ErrorCode: 10060, Description: "bad"}, false, nil},
		{"unavailable", &jetstream.APIError{Code: 503, Description: "unavailable"}, true, nil},
		{"timeout", nats.ErrTimeout, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			js := newFakeJS()
			js.publishErr["k1"] = tt.err
			tr := newTestTransport(js)

			_, err := tr.Send(context.Background(), core.QueueNamed("q"), outbound("k1"))
			require.Error(t, err)
			assert.Equal(t, tt.retryable, core.IsRetryable(err))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestSendBatch(t *testing.T) {
	js := newFakeJS()
	js.publishErr["b"] = &jetstream.APIError{Code: 503, ErrorCode: 10008, Description: "unavailable"}
	tr := newTestTransport(js)

	resp, err := tr.SendBatch(context.Background(), core.QueueNamed("q"),
		[]core.OutboundMessage{outbound("a"), outbound("b"), outbound("c")})
	require.NoError(t, err)
	assert.Equal(t, core.BatchPartiallySucceeded, resp.Status())
	require.Len(t, resp.Succeeded, 2)
	assert.Equal(t, "a", resp.Succeeded[0].UniqueKey)
	assert.Equal(t, "c", resp.Succeeded[1].UniqueKey)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "b", resp.Failed[0].UniqueKey)
	assert.Equal(t, "10008", resp.Failed[0].Code)
	assert.True(t, resp.Failed[0].Retryable)
}

func TestProvisioning(t *testing.T) {
	js := newFakeJS()
	tr := newTestTransport(js)
	ctx := context.Background()
	topic, queue := core.TopicNamed("orders"), core.QueueNamed("billing")

	require.NoError(t, tr.EnsureDestination(ctx, topic))
	require.NoError(t, tr.EnsureDestination(ctx, queue))
	require.NoError(t, tr.BindQueue(ctx, topic, queue))
	require.NoError(t, tr.BindQueue(ctx, topic, queue))

	require.Len(t, js.streams, 2)
	assert.Equal(t, jetstream.InterestPolicy, js.streams[0].Retention)
	assert.Equal(t, []string{"eventbus.topic.orders"}, js.streams[0].Subjects)
	assert.Equal(t, jetstream.WorkQueuePolicy, js.streams[1].Retention)
	assert.Equal(t, 2*time.Minute, js.streams[1].Duplicates)

	require.Contains(t, js.consumers, "eventbus-topic-orders/svc_billing")
	c := js.consumers["eventbus-topic-orders/svc_billing"]
	assert.Equal(t, jetstream.AckExplicitPolicy, c.cfg.AckPolicy)
	assert.Len(t, tr.consumers[queue.String()], 1)
}

func TestReceive(t *testing.T) {
	js := newFakeJS()
	tr := newTestTransport(js)
	tr.opts.nakDelay = time.Second
	ctx := context.Background()
	topic, queue := core.TopicNamed("orders"), core.QueueNamed("billing")
	require.NoError(t, tr.BindQueue(ctx, topic, queue))

	envs, err := tr.Receive(ctx, queue, 10)
	require.NoError(t, err)
	assert.Empty(t, envs)

	own := js.consumers["eventbus-queue-billing/svc_billing"]
	bound := js.consumers["eventbus-topic-orders/svc_billing"]
	require.NotNil(t, own)
	require.NotNil(t, bound)

	direct := &fakeMsg{data: []byte("direct"), seq: 4, delivered: 2,
		headers: nats.Header{core.AttrMessageType: {"OrderPlaced"}, jetstream.MsgIDHeader: {"k1"}}}
	fanned := &fakeMsg{data: []byte("fanned"), seq: 9, delivered: 1}
	own.push(direct)
	bound.push(fanned)

	envs, err = tr.Receive(ctx, queue, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	env := envs[0]
	assert.Equal(t, "eventbus-queue-billing/4", env.ID())
	assert.Equal(t, "direct", string(env.Body()))
	assert.Equal(t, 2, env.ReceiveCount())
	assert.Equal(t, map[string]string{core.AttrMessageType: "OrderPlaced"}, env.Attributes())
	assert.Equal(t, "fanned", string(envs[1].Body()))

	require.NoError(t, env.Ack(ctx))
	assert.True(t, direct.acked)
	require.NoError(t, envs[1].Nack(ctx))
	assert.True(t, fanned.naked)
	assert.Equal(t, time.Second, fanned.nakDelay)
}

func TestReceive_RotatesLongPoll(t *testing.T) {
	js := newFakeJS()
	tr := newTestTransport(js)
	ctx := context.Background()
	queue := core.QueueNamed("billing")
	require.NoError(t, tr.BindQueue(ctx, core.TopicNamed("a"), queue))

	for i := 0; i < 4; i++ {
		_, err := tr.Receive(ctx, queue, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, js.consumers["eventbus-queue-billing/svc_billing"].fetches())
	assert.Equal(t, 2, js.consumers["eventbus-topic-a/svc_billing"].fetches())
}

func TestReceive_RespectsMaxBatch(t *testing.T) {
	js := newFakeJS()
	tr := newTestTransport(js)
	queue := core.QueueNamed("billing")
	_, err := tr.Receive(context.Background(), queue, 1)
	require.NoError(t, err)

	own := js.consumers["eventbus-queue-billing/svc_billing"]
	own.push(&fakeMsg{seq: 1}, &fakeMsg{seq: 2}, &fakeMsg{seq: 3})

	envs, err := tr.Receive(context.Background(), queue, 2)
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func TestClose(t *testing.T) {
	tr := newTestTransport(newFakeJS())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Send(context.Background(), core.QueueNamed("q"), outbound("k"))
	assert.ErrorIs(t, err, core.ErrBrokerClosed)
	_, err = tr.Receive(context.Background(), core.QueueNamed("q"), 1)
	assert.ErrorIs(t, err, core.ErrBrokerClosed)
	assert.ErrorIs(t, tr.EnsureDestination(context.Background(), core.QueueNamed("q")), core.ErrBrokerClosed)
}

func TestClassify_Passthrough(t *testing.T) {
	err := errors.New("boom")
	assert.Same(t, err, classify(err))
}

func TestOptsFromConfig(t *testing.T) {
	opts, err := optsFromConfig(broker.Config{Extra: map[string]any{
		"max_deliver":     5,
		"storage":         "memory",
		"topic_retention": "limits",
		"ack_wait":        "45s",
	}})
	require.NoError(t, err)

	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	assert.Equal(t, 5, o.maxDeliver)
	assert.Equal(t, jetstream.MemoryStorage, o.storage)
	assert.Equal(t, jetstream.LimitsPolicy, o.topicRetention)
	assert.Equal(t, 45*time.Second, o.ackWait)

	_, err = optsFromConfig(broker.Config{Extra: map[string]any{"storage": "tape"}})
	assert.Error(t, err)
}
