package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/eventbus/broker"
	"github.com/miladsoleymani/eventbus/core"
)

func out(key, body string) core.OutboundMessage {
	return core.OutboundMessage{
		UniqueKey:  key,
		Body:       []byte(body),
		Attributes: map[string]string{core.AttrUniqueKey: key},
	}
}

func TestSendReceiveAck(t *testing.T) {
	tr := New(WithWaitTime(10 * time.Millisecond))
	ctx := context.Background()
	q := core.QueueNamed("orders")

	resp, err := tr.Send(ctx, q, out("k1", "hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.MessageID)

	envs, err := tr.Receive(ctx, q, 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, resp.MessageID, envs[0].ID())
	assert.Equal(t, "hello", string(envs[0].Body()))
	assert.Equal(t, "k1", envs[0].Attributes()[core.AttrUniqueKey])
	assert.Equal(t, 1, envs[0].ReceiveCount())

	visible, inflight := tr.Depth(q)
	assert.Equal(t, 0, visible)
	assert.Equal(t, 1, inflight)

	require.NoError(t, envs[0].Ack(ctx))
	visible, inflight = tr.Depth(q)
	assert.Zero(t, visible+inflight)

	assert.ErrorIs(t, envs[0].Ack(ctx), ErrStaleReceipt)
}

func TestNackRedelivers(t *testing.T) {
	tr := New(WithWaitTime(10*time.Millisecond), WithNackVisibility(0))
	ctx := context.Background()
	q := core.QueueNamed("orders")
	_, err := tr.Send(ctx, q, out("k1", "x"))
	require.NoError(t, err)

	envs, err := tr.Receive(ctx, q, 1)
	require.NoError(t, err)
	require.NoError(t, envs[0].Nack(ctx))

	envs, err = tr.Receive(ctx, q, 1)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, 2, envs[0].ReceiveCount())
}

func TestNackVisibilityDelaysRedelivery(t *testing.T) {
	tr := New(WithWaitTime(10*time.Millisecond), WithNackVisibility(80*time.Millisecond))
	ctx := context.Background()
	q := core.QueueNamed("orders")
	_, err := tr.Send(ctx, q, out("k1", "not json"))
	require.NoError(t, err)

	envs, err := tr.Receive(ctx, q, 1)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.NoError(t, envs[0].Nack(ctx))
	assert.ErrorIs(t, envs[0].Ack(ctx), ErrStaleReceipt, "a nacked receipt cannot be settled again")

	again, err := tr.Receive(ctx, q, 1)
	require.NoError(t, err)
	assert.Empty(t, again, "a nacked message is not redelivered straight away")

	var redelivered []core.Envelope
	require.Eventually(t, func() bool {
		redelivered, err = tr.Receive(ctx, q, 1)
		return err == nil && len(redelivered) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, redelivered[0].ReceiveCount())
}

func TestNackVisibilityIsTheDefault(t *testing.T) {
	tr := New()
	assert.Positive(t, tr.opts.nackVisibility, "a poison message must not be redelivered in a tight loop")
}

func TestVisibilityTimeout(t *testing.T) {
	tr := New(WithVisibilityTimeout(20*time.Millisecond), WithWaitTime(200*time.Millisecond))
	ctx := context.Background()
	q := core.QueueNamed("orders")
	_, err := tr.Send(ctx, q, out("k1", "x"))
	require.NoError(t, err)

	first, err := tr.Receive(ctx, q, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Not acked: becomes visible again after the timeout.
	second, err := tr.Receive(ctx, q, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID(), second[0].ID())
	assert.Equal(t, 2, second[0].ReceiveCount())

	assert.ErrorIs(t, first[0].Ack(ctx), ErrStaleReceipt)
	assert.NoError(t, second[0].Ack(ctx))
}

func TestReceive_EmptyReturnsAfterWait(t *testing.T) {
	tr := New(WithWaitTime(20 * time.Millisecond))
	start := time.Now()
	envs, err := tr.Receive(context.Background(), core.QueueNamed("empty"), 10)
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReceive_WakesOnSend(t *testing.T) {
	tr := New(WithWaitTime(5 * time.Second))
	q := core.QueueNamed("orders")
	require.NoError(t, tr.EnsureDestination(context.Background(), q))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = tr.Send(context.Background(), q, out("k1", "x"))
	}()

	start := time.Now()
	envs, err := tr.Receive(context.Background(), q, 10)
	require.NoError(t, err)
	assert.Len(t, envs, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReceive_Cancel(t *testing.T) {
	tr := New(WithWaitTime(5 * time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := tr.Receive(ctx, core.QueueNamed("orders"), 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceive_Close(t *testing.T) {
	tr := New(WithWaitTime(5 * time.Second))
	time.AfterFunc(20*time.Millisecond, func() { _ = tr.Close() })

	_, err := tr.Receive(context.Background(), core.QueueNamed("orders"), 10)
	assert.ErrorIs(t, err, core.ErrBrokerClosed)

	_, err = tr.Send(context.Background(), core.QueueNamed("orders"), out("k", "x"))
	assert.ErrorIs(t, err, core.ErrBrokerClosed)
	assert.NoError(t, tr.Close())
}

func TestTopicFanOut(t *testing.T) {
	tr := New(WithWaitTime(10 * time.Millisecond))
	ctx := context.Background()
	topic := core.TopicNamed("orders.created")
	billing := core.QueueNamed("billing")
	shipping := core.QueueNamed("shipping")
	audit := core.QueueNamed("audit")

	require.NoError(t, tr.BindQueue(ctx, topic, billing))
	require.NoError(t, tr.BindQueue(ctx, topic, shipping))
	require.NoError(t, tr.BindQueue(ctx, topic, shipping))
	require.NoError(t, tr.BindQueue(ctx, core.TopicNamed("orders.#"), audit))

	_, err := tr.Send(ctx, topic, out("k1", "x"))
	require.NoError(t, err)

	for _, q := range []core.Destination{billing, shipping, audit} {
		envs, err := tr.Receive(ctx, q, 10)
		require.NoError(t, err)
		assert.Len(t, envs, 1, q.String())
	}
}

func TestAutoCreateDisabled(t *testing.T) {
	tr := New(WithAutoCreate(false))
	ctx := context.Background()

	_, err := tr.Send(ctx, core.QueueNamed("missing"), out("k1", "x"))
	assert.ErrorIs(t, err, core.ErrDestinationNotFound)
	assert.False(t, core.IsRetryable(err))

	require.NoError(t, tr.EnsureDestination(ctx, core.QueueNamed("present")))
	_, err = tr.Send(ctx, core.QueueNamed("present"), out("k1", "x"))
	assert.NoError(t, err)
}

func TestSendBatch_PerEntryFailures(t *testing.T) {
	tr := New(WithMaxMessageSize(4))
	resp, err := tr.SendBatch(context.Background(), core.QueueNamed("orders"), []core.OutboundMessage{
		out("ok", "tiny"),
		out("big", "too large"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.BatchPartiallySucceeded, resp.Status())
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "big", resp.Failed[0].UniqueKey)
	assert.False(t, resp.Failed[0].Retryable)
	assert.ErrorIs(t, resp.Failed[0].Err, core.ErrMalformedMessage)
}

func TestRedrivePolicy(t *testing.T) {
	tr := New(WithWaitTime(10*time.Millisecond), WithNackVisibility(0), WithRedrivePolicy(2, "orders-dlq"))
	ctx := context.Background()
	q := core.QueueNamed("orders")
	_, err := tr.Send(ctx, q, out("k1", "x"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		envs, err := tr.Receive(ctx, q, 1)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		require.NoError(t, envs[0].Nack(ctx))
	}

	envs, err := tr.Receive(ctx, q, 1)
	require.NoError(t, err)
	assert.Empty(t, envs)

	envs, err = tr.Receive(ctx, core.QueueNamed("orders-dlq"), 1)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "x", string(envs[0].Body()))
}

func TestRegistered(t *testing.T) {
	tr, err := broker.Create("memory", broker.Config{Extra: map[string]any{
		"wait_time":          "50ms",
		"visibility_timeout": 2,
		"nack_visibility":    "0s",
	}})
	require.NoError(t, err)
	mt, ok := tr.(*Transport)
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, mt.opts.waitTime)
	assert.Equal(t, 2*time.Second, mt.opts.visibilityTimeout)
	assert.Zero(t, mt.opts.nackVisibility)

	_, err = broker.Create("memory", broker.Config{Extra: map[string]any{"wait_time": "soon"}})
	assert.True(t, err != nil && !errors.Is(err, core.ErrNoBroker))
}
