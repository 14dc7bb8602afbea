package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/eventbus/core"
	"github.com/miladsoleymani/eventbus/internal/mock"
	"github.com/miladsoleymani/eventbus/plugins/memory"
)

// countingHandler records handled unique keys and fails the first failures
// deliveries of each key.
type countingHandler struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	handled  map[string]int
}

func newCountingHandler(failures int) *countingHandler {
	return &countingHandler{failures: failures, attempts: map[string]int{}, handled: map[string]int{}}
}

func (h *countingHandler) Handle(_ context.Context, msg *mock.Event) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[msg.UniqueKey()]++
	if h.attempts[msg.UniqueKey()] <= h.failures {
		return false, nil
	}
	h.handled[msg.UniqueKey()]++
	return true, nil
}

func (h *countingHandler) Handled() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.handled))
	for k, v := range h.handled {
		out[k] = v
	}
	return out
}

func (h *countingHandler) Attempts(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[key]
}

func newMemoryBus(t *testing.T, fns ...core.Option) (*core.Bus, *memory.Transport) {
	t.Helper()
	tr := memory.New(memory.WithWaitTime(20 * time.Millisecond))
	cfg := core.DefaultPublishConfig()
	cfg.PublishFailureBackoff = time.Millisecond
	fns = append([]core.Option{core.WithPublisherOptions(core.WithPublishConfig(cfg))}, fns...)
	return core.New(tr, fns...), tr
}

func TestBus_QueueDeliversExactlyOnce(t *testing.T) {
	bus, tr := newMemoryBus(t)
	h := newCountingHandler(0)
	require.NoError(t, core.Subscribe[mock.Event](bus, core.SubscriptionConfig{
		Queue:    core.QueueNamed("orders"),
		Loopback: true,
	}, h.Handle))
	running(t, bus)
	waitPolling(t, bus, 1)

	msg := mock.NewEvent("created")
	require.NoError(t, bus.Publisher().Publish(context.Background(), msg))

	require.Eventually(t, func() bool { return h.Handled()[msg.UniqueKey()] == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.Handled()[msg.UniqueKey()])

	visible, inflight := tr.Depth(core.QueueNamed("orders"))
	assert.Zero(t, visible+inflight, "handled message is deleted")
}

func TestBus_TopicFansOutToEveryQueue(t *testing.T) {
	bus, _ := newMemoryBus(t)
	topic := core.TopicNamed("orders")
	handlers := []*countingHandler{newCountingHandler(0), newCountingHandler(0), newCountingHandler(0)}
	for i, name := range []string{"billing", "shipping", "audit"} {
		require.NoError(t, core.Subscribe[mock.Event](bus, core.SubscriptionConfig{
			Queue: core.QueueNamed(name),
			Topic: &topic,
		}, handlers[i].Handle))
	}
	core.RouteType[mock.Event](bus.Publisher(), topic)
	running(t, bus)
	waitPolling(t, bus, 3)

	msg := mock.NewEvent("created")
	require.NoError(t, bus.Publisher().Publish(context.Background(), msg))

	for _, h := range handlers {
		require.Eventually(t, func() bool { return h.Handled()[msg.UniqueKey()] == 1 }, 2*time.Second, 5*time.Millisecond)
	}
	assert.Len(t, bus.Subscriptions("Event"), 3)
}

func TestBus_FailingHandlerIsRedelivered(t *testing.T) {
	bus, _ := newMemoryBus(t)
	h := newCountingHandler(2)
	require.NoError(t, core.Subscribe[mock.Event](bus, core.SubscriptionConfig{
		Queue:    core.QueueNamed("orders"),
		Loopback: true,
	}, h.Handle))
	running(t, bus)
	waitPolling(t, bus, 1)

	msg := mock.NewEvent("created")
	require.NoError(t, bus.Publisher().Publish(context.Background(), msg))

	require.Eventually(t, func() bool { return h.Handled()[msg.UniqueKey()] == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.Handled()[msg.UniqueKey()], "exactly one success")
	assert.Equal(t, 3, h.Attempts(msg.UniqueKey()))
}

func TestBus_BatchOfTenHandledTenTimes(t *testing.T) {
	bus, _ := newMemoryBus(t)
	h := newCountingHandler(0)
	require.NoError(t, core.Subscribe[mock.Event](bus, core.SubscriptionConfig{
		Queue:    core.QueueNamed("orders"),
		Loopback: true,
	}, h.Handle))
	running(t, bus)
	waitPolling(t, bus, 1)

	resp, err := bus.Publisher().PublishBatch(context.Background(), events(10))
	require.NoError(t, err)
	assert.Len(t, resp.Succeeded, 10)

	require.Eventually(t, func() bool { return len(h.Handled()) == 10 }, 2*time.Second, 5*time.Millisecond)
	for key, n := range h.Handled() {
		assert.Equal(t, 1, n, key)
	}
}

func TestBus_CancelMidPollReturnsPromptly(t *testing.T) {
	tr := memory.New(memory.WithWaitTime(10 * time.Second))
	bus := core.New(tr)
	require.NoError(t, core.Subscribe[mock.Event](bus, queueSub("orders"), newCountingHandler(0).Handle))
	stop := running(t, bus)
	waitPolling(t, bus, 1)

	start := time.Now()
	require.NoError(t, stop())
	assert.Less(t, time.Since(start), time.Second)
}

func TestBus_NoHandlingAfterCancellation(t *testing.T) {
	tr := mock.NewTransport()
	bus := core.New(tr)
	h := newCountingHandler(0)
	require.NoError(t, core.Subscribe[mock.Event](bus, queueSub("orders"), h.Handle))
	stop := running(t, bus)
	waitPolling(t, bus, 1)

	before := mock.NewEvent("before")
	tr.Push("orders", mock.EnvelopeFor(before))
	require.Eventually(t, func() bool { return h.Handled()[before.UniqueKey()] == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())

	after := mock.NewEvent("after")
	tr.Push("orders", mock.EnvelopeFor(after))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.Attempts(after.UniqueKey()), "no handler runs once the bus has stopped")
	assert.Equal(t, map[string]int{before.UniqueKey(): 1}, h.Handled())
}

func TestBus_StartupFailureIsFatal(t *testing.T) {
	tr := mock.NewTransport()
	tr.BindErr = errors.New("access denied")
	bus := core.New(tr)
	topic := core.TopicNamed("orders")
	require.NoError(t, core.Subscribe[mock.Event](bus, core.SubscriptionConfig{
		Queue: core.QueueNamed("orders"),
		Topic: &topic,
	}, newCountingHandler(0).Handle))

	err := bus.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.True(t, tr.IsClosed())
}

func TestBus_StartTwice(t *testing.T) {
	bus := core.New(mock.NewTransport())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, bus.Start(ctx))
	assert.ErrorIs(t, bus.Start(ctx), core.ErrAlreadyStarted)
}

func TestBus_NilTransport(t *testing.T) {
	bus := core.New(nil)
	assert.ErrorIs(t, bus.Start(context.Background()), core.ErrNoBroker)
}

func TestBus_PublishOnlyWaitsForCancellation(t *testing.T) {
	tr := mock.NewTransport()
	bus := core.New(tr)
	core.RouteType[mock.Event](bus.Publisher(), core.QueueNamed("orders"))
	stop := running(t, bus)

	require.Eventually(t, func() bool { return len(tr.Ensured()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, tr.IsClosed())
	require.NoError(t, stop())
	assert.True(t, tr.IsClosed())
}

func TestBus_WithTransportCloseDisabled(t *testing.T) {
	tr := mock.NewTransport()
	bus := core.New(tr, core.WithTransportClose(false))
	stop := running(t, bus)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, stop())
	assert.False(t, tr.IsClosed())
}

func TestBus_SubscribeValidation(t *testing.T) {
	bus := core.New(mock.NewTransport())
	h := newCountingHandler(0).Handle

	assert.Error(t, core.Subscribe[mock.Event](bus, core.SubscriptionConfig{}, h))
	assert.Error(t, core.Subscribe[mock.Event](bus, queueSub("orders"), nil))
	require.NoError(t, core.Subscribe[mock.Event](bus, queueSub("orders"), h))
	assert.ErrorIs(t, core.Subscribe[mock.Event](bus, queueSub("orders"), h), core.ErrDuplicateSubscription)

	running(t, bus)
	waitPolling(t, bus, 1)
	assert.ErrorIs(t, core.Subscribe[mock.Event](bus, queueSub("late"), h), core.ErrAlreadyStarted)
}

func TestBus_MiddlewareOrder(t *testing.T) {
	tr := mock.NewTransport()
	bus := core.New(tr)

	var mu sync.Mutex
	var order []string
	mark := func(name string) core.HandleMiddleware {
		return func(next core.HandleFunc) core.HandleFunc {
			return func(ctx context.Context, c *core.HandleContext) (bool, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, c)
			}
		}
	}
	bus.Use(mark("global-1"), mark("global-2"))
	require.NoError(t, core.Subscribe[mock.Event](bus, queueSub("orders"), func(context.Context, *mock.Event) (bool, error) {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		return true, nil
	}, mark("subscription")))
	running(t, bus)

	env := mock.EnvelopeFor(mock.NewEvent("created"))
	tr.Push("orders", env)
	require.Eventually(t, func() bool { return env.Acked() == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"global-1", "global-2", "subscription", "handler"}, order)
}

func TestBus_ContextStore(t *testing.T) {
	tr := mock.NewTransport()
	bus := core.New(tr)
	bus.Use(func(next core.HandleFunc) core.HandleFunc {
		return func(ctx context.Context, c *core.HandleContext) (bool, error) {
			c.Set("tenant", "acme")
			return next(ctx, c)
		}
	})
	var tenant any
	var name string
	require.NoError(t, core.Subscribe[mock.Event](bus, queueSub("orders"), func(context.Context, *mock.Event) (bool, error) {
		return true, nil
	}, func(next core.HandleFunc) core.HandleFunc {
		return func(ctx context.Context, c *core.HandleContext) (bool, error) {
			tenant, _ = c.Get("tenant")
			if msg, ok := core.MessageAs[*mock.Event](c); ok {
				name = msg.Name
			}
			return next(ctx, c)
		}
	}))
	running(t, bus)

	env := mock.EnvelopeFor(mock.NewEvent("created"))
	tr.Push("orders", env)
	require.Eventually(t, func() bool { return env.Acked() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, "created", name)
}
