package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/eventbus"
	"github.com/miladsoleymani/eventbus/core"
	"github.com/miladsoleymani/eventbus/plugins/memory"
)

type OrderPlaced struct {
	eventbus.Base
	OrderID string `json:"orderId"`
}

func TestRoundTrip(t *testing.T) {
	tr := memory.New(memory.WithWaitTime(20 * time.Millisecond))
	bus := eventbus.New(tr)

	got := make(chan *OrderPlaced, 1)
	err := eventbus.Subscribe(bus, eventbus.SubscriptionConfig{
		Queue: eventbus.QueueNamed("billing"),
		Topic: &eventbus.Destination{Name: "orders"},
	}, func(_ context.Context, msg *OrderPlaced) (bool, error) {
		got <- msg
		return true, nil
	})
	require.NoError(t, err)
	eventbus.Route[OrderPlaced](bus, eventbus.TopicNamed("orders"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Start(ctx) }()

	require.Eventually(t, func() bool {
		ls := bus.Listeners()
		return len(ls) == 1 && ls[0].State() == core.StatePolling
	}, 2*time.Second, 5*time.Millisecond)

	sent := &OrderPlaced{Base: eventbus.NewBase(), OrderID: "o-1"}
	require.NoError(t, bus.Publisher().Publish(ctx, sent))

	select {
	case msg := <-got:
		assert.Equal(t, sent.ID, msg.ID)
		assert.Equal(t, "o-1", msg.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	require.NoError(t, <-done)
}
