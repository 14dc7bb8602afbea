package memory

import "time"

// Option configures the memory transport.
type Option func(*options)

type options struct {
	visibilityTimeout time.Duration
	nackVisibility    time.Duration
	waitTime          time.Duration
	maxMessageSize    int
	autoCreate        bool

	// Redrive
	maxReceiveCount int
	deadLetterQueue string
}

func defaults() options {
	return options{
		visibilityTimeout: 30 * time.Second,
		nackVisibility:    100 * time.Millisecond,
		waitTime:          time.Second,
		maxMessageSize:    256 * 1024,
		autoCreate:        true,
	}
}

// WithVisibilityTimeout sets how long a received message stays hidden before
// it is redelivered if neither acked nor nacked.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) { o.visibilityTimeout = d }
}

// WithNackVisibility sets how long a nacked message stays hidden before it is
// redelivered. Zero makes it visible immediately.
func WithNackVisibility(d time.Duration) Option {
	return func(o *options) { o.nackVisibility = d }
}

// WithWaitTime sets the long-poll duration of an empty Receive.
func WithWaitTime(d time.Duration) Option {
	return func(o *options) { o.waitTime = d }
}

// WithMaxMessageSize sets the largest accepted body in bytes.
func WithMaxMessageSize(n int) Option {
	return func(o *options) { o.maxMessageSize = n }
}

// WithAutoCreate controls whether unknown destinations are created on first
// use. When disabled, only provisioned destinations exist.
func WithAutoCreate(enabled bool) Option {
	return func(o *options) { o.autoCreate = enabled }
}

// WithRedrivePolicy moves a message to dlq once it has been received
// maxReceiveCount times without being acknowledged.
func WithRedrivePolicy(maxReceiveCount int, dlq string) Option {
	return func(o *options) {
		o.maxReceiveCount = maxReceiveCount
		o.deadLetterQueue = dlq
	}
}
