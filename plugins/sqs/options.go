package sqs

import "time"

// Option configures the SQS/SNS transport.
type Option func(*options)

type options struct {
	region    string
	account   string
	partition string
	endpoint  string

	// Receive
	waitTime          time.Duration
	visibilityTimeout time.Duration
	nackVisibility    time.Duration

	// Provisioning
	queueAttributes map[string]string
	rawDelivery     bool
}

func defaults() options {
	return options{
		partition:   "aws",
		waitTime:    20 * time.Second,
		rawDelivery: true,
	}
}

// WithRegion sets the AWS region used for clients and topic ARNs.
func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// WithAccount sets the account that owns destinations without an explicit
// account, so topic ARNs can be built without a lookup.
func WithAccount(account string) Option {
	return func(o *options) { o.account = account }
}

// WithPartition sets the ARN partition (aws, aws-cn, aws-us-gov).
func WithPartition(p string) Option {
	return func(o *options) { o.partition = p }
}

// WithEndpoint points both clients at a custom endpoint, such as LocalStack.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

// WithWaitTime sets the long-poll duration (max 20s).
func WithWaitTime(d time.Duration) Option {
	return func(o *options) { o.waitTime = d }
}

// WithVisibilityTimeout overrides the queue's visibility timeout on receive.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) { o.visibilityTimeout = d }
}

// WithNackVisibility sets how long a nacked message stays hidden before it is
// redelivered. Zero makes it visible immediately.
func WithNackVisibility(d time.Duration) Option {
	return func(o *options) { o.nackVisibility = d }
}

// WithQueueAttributes sets the attributes used when creating queues, e.g.
// "RedrivePolicy" or "MessageRetentionPeriod".
func WithQueueAttributes(attrs map[string]string) Option {
	return func(o *options) { o.queueAttributes = attrs }
}

// WithRawDelivery controls whether topic subscriptions deliver the raw
// message body instead of the SNS notification envelope. Enabled by default.
func WithRawDelivery(enabled bool) Option {
	return func(o *options) { o.rawDelivery = enabled }
}
