package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// Option configures the Kafka transport.
type Option func(*options)

type options struct {
	// Writer
	balancer  kafka.Balancer
	batchSize int

	// Reader
	minBytes    int
	maxBytes    int
	maxWait     time.Duration
	startOffset int64
	pollWait    time.Duration
	linger      time.Duration
	requeue     bool

	// Provisioning
	autoCreate        bool
	partitions        int
	replicationFactor int

	// General
	dialer *kafka.Dialer
}

func defaults() options {
	return options{
		balancer:          &kafka.Hash{},
		batchSize:         100,
		minBytes:          1,
		maxBytes:          10e6, // 10 MB
		maxWait:           500 * time.Millisecond,
		startOffset:       kafka.FirstOffset,
		pollWait:          time.Second,
		linger:            50 * time.Millisecond,
		requeue:           true,
		autoCreate:        true,
		partitions:        1,
		replicationFactor: 1,
	}
}

// WithBalancer sets the partition balancer for the writer. Messages are
// keyed by unique key, so the default hash balancer keeps duplicates on one
// partition.
func WithBalancer(b kafka.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithBatchSize sets the maximum batch size for writes.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithMaxBytes sets the maximum bytes per fetch.
func WithMaxBytes(n int) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxWait sets the maximum wait time for fetches.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithStartOffset sets where a new consumer group starts reading
// (kafka.FirstOffset or kafka.LastOffset).
func WithStartOffset(offset int64) Option {
	return func(o *options) { o.startOffset = offset }
}

// WithPollWait bounds how long one Receive waits for the first record.
func WithPollWait(d time.Duration) Option {
	return func(o *options) { o.pollWait = d }
}

// WithLinger sets how long Receive keeps collecting records after the first.
func WithLinger(d time.Duration) Option {
	return func(o *options) { o.linger = d }
}

// WithRequeueOnNack controls whether a nacked record is written back to its
// queue topic. When disabled, Nack leaves the offset uncommitted and the
// record is only redelivered after a rebalance or restart.
func WithRequeueOnNack(enabled bool) Option {
	return func(o *options) { o.requeue = enabled }
}

// WithAutoCreate controls whether EnsureDestination creates missing topics.
func WithAutoCreate(enabled bool) Option {
	return func(o *options) { o.autoCreate = enabled }
}

// WithPartitions sets the partition count and replication factor of
// created topics.
func WithPartitions(partitions, replicationFactor int) Option {
	return func(o *options) {
		o.partitions = partitions
		o.replicationFactor = replicationFactor
	}
}

// WithDialer sets a custom dialer for TLS/SASL connections.
func WithDialer(d *kafka.Dialer) Option {
	return func(o *options) { o.dialer = d }
}
