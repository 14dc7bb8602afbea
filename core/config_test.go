package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishConfig_Normalize(t *testing.T) {
	cfg := PublishConfig{PublishFailureReAttempts: -1, PublishFailureBackoff: -time.Second}.normalize()
	assert.Equal(t, 0, cfg.PublishFailureReAttempts)
	assert.Equal(t, 1, cfg.maxAttempts())
	assert.Equal(t, time.Duration(0), cfg.PublishFailureBackoff)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.NotNil(t, cfg.Backoff)
}

func TestPublishConfig_Wait(t *testing.T) {
	cfg := DefaultPublishConfig().normalize()
	assert.Equal(t, 100*time.Millisecond, cfg.wait(1))
	assert.Equal(t, 300*time.Millisecond, cfg.wait(3))

	cfg.Backoff = func(time.Duration, int) time.Duration { return 0 }
	assert.Equal(t, 100*time.Millisecond, cfg.wait(2), "never below the base backoff")
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(time.Second)
	assert.Equal(t, 100*time.Millisecond, b(100*time.Millisecond, 1))
	assert.Equal(t, 400*time.Millisecond, b(100*time.Millisecond, 3))
	assert.Equal(t, time.Second, b(100*time.Millisecond, 10))
}

func TestListenerConfig_Merge(t *testing.T) {
	cfg := ListenerConfig{Concurrency: 3, IdleWait: -1}.merge(DefaultListenerConfig())
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, 10, cfg.MaxBatch)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	assert.Equal(t, time.Duration(0), cfg.IdleWait)
	assert.Equal(t, 5*time.Second, cfg.ReceiveBackoffMax)
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleep(context.Background(), time.Millisecond))
}
