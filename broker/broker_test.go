package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/eventbus/core"
	"github.com/miladsoleymani/eventbus/internal/mock"
)

const sample = `
transport: test-mock
broker:
  region: eu-west-1
  extra:
    wait_time: 2s
    max_inflight: 4
publish:
  publish_failure_reattempts: 2
  publish_failure_backoff: 250ms
  additional_subscriber_accounts: ["222222222222"]
listener:
  concurrency: 3
publications:
  - message_type: OrderPlaced
    destination: {name: orders, kind: topic}
subscriptions:
  - name: billing
    queue: {name: billing-orders}
    topic: {name: orders, kind: topic}
    message_type: OrderPlaced
`

func TestParse(t *testing.T) {
	fc, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "test-mock", fc.Transport)
	assert.Equal(t, "eu-west-1", fc.Broker.Region)
	assert.Equal(t, 2, fc.Publish.PublishFailureReAttempts)
	assert.Equal(t, 250*time.Millisecond, fc.Publish.PublishFailureBackoff)
	assert.Equal(t, []string{"222222222222"}, fc.Publish.AdditionalSubscriberAccounts)
	assert.Equal(t, 10, fc.Publish.BatchSize, "defaults survive partial config")
	assert.Equal(t, 3, fc.Listener.Concurrency)
	assert.Equal(t, 10, fc.Listener.MaxBatch)

	require.Len(t, fc.Publications, 1)
	assert.Equal(t, core.TopicNamed("orders"), fc.Publications[0].Destination)

	require.Len(t, fc.Subscriptions, 1)
	sub := fc.Subscriptions[0]
	assert.Equal(t, "billing", sub.Name)
	require.NotNil(t, sub.Topic)
	assert.Equal(t, core.Topic, sub.Topic.Kind)

	wait, err := fc.Broker.Duration("wait_time", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, wait)
	assert.Equal(t, 4, fc.Broker.Int("max_inflight", 1))
	assert.Equal(t, 7, fc.Broker.Int("missing", 7))
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`
publications:
  - destination: {name: orders}
subscriptions:
  - queue: {name: a}
  - queue: {name: a}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport is required")
	assert.Contains(t, err.Error(), "message_type is required")
	assert.Contains(t, err.Error(), `duplicate name "a"`)
}

func TestParse_BadKind(t *testing.T) {
	_, err := Parse([]byte(`
transport: x
publications:
  - message_type: A
    destination: {name: orders, kind: exchange}
`))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	fc, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "test-mock", fc.Transport)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	tr := mock.NewTransport()
	Register("test-mock", func(cfg Config) (core.Transport, error) {
		assert.Equal(t, "eu-west-1", cfg.Region)
		return tr, nil
	})

	fc, err := Parse([]byte(sample))
	require.NoError(t, err)

	got, err := fc.NewTransport()
	require.NoError(t, err)
	assert.Same(t, tr, got)
	assert.Contains(t, Names(), "test-mock")

	_, err = Create("nope", Config{})
	assert.ErrorContains(t, err, `unknown broker "nope"`)
}

func TestApplyRoutes(t *testing.T) {
	fc, err := Parse([]byte(sample))
	require.NoError(t, err)

	bus := core.New(mock.NewTransport(), fc.BusOptions()...)
	fc.ApplyRoutes(bus.Publisher())

	dest, ok := bus.Publisher().Destination("OrderPlaced")
	require.True(t, ok)
	assert.Equal(t, core.TopicNamed("orders"), dest)
	assert.Equal(t, 2, bus.Publisher().Config().PublishFailureReAttempts)

	require.NoError(t, bus.Publisher().Start(context.Background()))
}
