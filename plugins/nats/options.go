package nats

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Option configures the NATS transport.
type Option func(*options)

type options struct {
	subjectPrefix string
	connOpts      []nats.Option

	// Stream
	maxMsgs        int64
	maxBytes       int64
	maxAge         time.Duration
	replicas       int
	topicRetention jetstream.RetentionPolicy
	storage        jetstream.StorageType
	duplicates     time.Duration

	// Consumer
	ackWait    time.Duration
	maxDeliver int
	nakDelay   time.Duration
	pollWait   time.Duration
}

func defaults() options {
	return options{
		subjectPrefix:  "eventbus",
		maxMsgs:        -1, // unlimited
		maxBytes:       -1,
		replicas:       1,
		topicRetention: jetstream.InterestPolicy,
		storage:        jetstream.FileStorage,
		duplicates:     2 * time.Minute,
		ackWait:        30 * time.Second,
		maxDeliver:     -1,
		pollWait:       time.Second,
	}
}

// WithSubjectPrefix sets the first token of every destination subject.
func WithSubjectPrefix(prefix string) Option {
	return func(o *options) { o.subjectPrefix = prefix }
}

// WithConnectOptions passes options to nats.Connect.
func WithConnectOptions(opts ...nats.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithMaxMessages sets the maximum number of messages per stream.
func WithMaxMessages(n int64) Option {
	return func(o *options) { o.maxMsgs = n }
}

// WithMaxBytes sets the maximum total size of a stream.
func WithMaxBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxAge sets the maximum age of messages in the stream.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithReplicas sets the stream replication factor.
func WithReplicas(n int) Option {
	return func(o *options) { o.replicas = n }
}

// WithTopicRetention sets the retention policy of topic streams. Queue
// streams always use the work-queue policy.
func WithTopicRetention(r jetstream.RetentionPolicy) Option {
	return func(o *options) { o.topicRetention = r }
}

// WithStorage sets the stream storage type (file or memory).
func WithStorage(s jetstream.StorageType) Option {
	return func(o *options) { o.storage = s }
}

// WithDuplicateWindow sets how long the server remembers unique keys for
// publish deduplication.
func WithDuplicateWindow(d time.Duration) Option {
	return func(o *options) { o.duplicates = d }
}

// WithAckWait sets how long the server waits for an ack before redelivering.
func WithAckWait(d time.Duration) Option {
	return func(o *options) { o.ackWait = d }
}

// WithMaxDeliver sets the maximum number of delivery attempts. -1 is unlimited.
func WithMaxDeliver(n int) Option {
	return func(o *options) { o.maxDeliver = n }
}

// WithNakDelay delays redelivery of nacked messages.
func WithNakDelay(d time.Duration) Option {
	return func(o *options) { o.nakDelay = d }
}

// WithPollWait bounds how long one Receive waits for messages.
func WithPollWait(d time.Duration) Option {
	return func(o *options) { o.pollWait = d }
}
