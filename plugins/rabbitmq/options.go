package rabbitmq

import "time"

// Option configures the RabbitMQ transport.
type Option func(*options)

type options struct {
	// Queue settings
	durable            bool
	autoDelete         bool
	queueType          string
	deadLetterExchange string

	// Consumer settings
	prefetchCount int
	requeueOnNack bool
	pollWait      time.Duration
}

func defaults() options {
	return options{
		durable:       true,
		prefetchCount: 10,
		requeueOnNack: true,
		pollWait:      time.Second,
	}
}

// WithDurable controls whether queues and exchanges survive broker restart.
func WithDurable(d bool) Option {
	return func(o *options) { o.durable = d }
}

// WithAutoDelete causes the queue to be deleted when the last consumer disconnects.
func WithAutoDelete(d bool) Option {
	return func(o *options) { o.autoDelete = d }
}

// WithQueueType sets the x-queue-type of declared queues ("classic" or
// "quorum"). Quorum queues report exact delivery counts.
func WithQueueType(kind string) Option {
	return func(o *options) { o.queueType = kind }
}

// WithDeadLetterExchange sets the exchange rejected messages are routed to
// when they are not requeued.
func WithDeadLetterExchange(name string) Option {
	return func(o *options) { o.deadLetterExchange = name }
}

// WithPrefetchCount sets how many messages are delivered before requiring ack.
func WithPrefetchCount(n int) Option {
	return func(o *options) { o.prefetchCount = n }
}

// WithRequeueOnNack controls whether nacked messages are requeued.
func WithRequeueOnNack(requeue bool) Option {
	return func(o *options) { o.requeueOnNack = requeue }
}

// WithPollWait bounds how long one Receive waits for the first delivery.
func WithPollWait(d time.Duration) Option {
	return func(o *options) { o.pollWait = d }
}
