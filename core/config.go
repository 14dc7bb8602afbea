package core

import "time"

// MessageResponseLogger is called after every single-message publish with its
// outcome, including failures and cancellations.
type MessageResponseLogger func(resp MessageResponse, msg Message)

// MessageBatchResponseLogger is called once per PublishBatch call with the
// aggregate outcome and the full input message list.
type MessageBatchResponseLogger func(resp MessageBatchResponse, msgs []Message)

// PublishConfig is the process-wide publish policy. A Publisher copies it on
// construction and never mutates it afterwards.
type PublishConfig struct {
	// PublishFailureReAttempts is the number of retries after the first
	// attempt. Total attempts are PublishFailureReAttempts + 1.
	PublishFailureReAttempts int `yaml:"publish_failure_reattempts"`

	// PublishFailureBackoff is the base wait between attempts.
	PublishFailureBackoff time.Duration `yaml:"publish_failure_backoff"`

	// Backoff scales PublishFailureBackoff. Defaults to LinearBackoff.
	Backoff BackoffFunc `yaml:"-"`

	MessageResponseLogger      MessageResponseLogger      `yaml:"-"`
	MessageBatchResponseLogger MessageBatchResponseLogger `yaml:"-"`

	// AdditionalSubscriberAccounts receive a copy of every published message
	// on their equivalent destination.
	AdditionalSubscriberAccounts []string `yaml:"additional_subscriber_accounts"`

	// BatchSize caps the number of entries per transport batch call.
	BatchSize int `yaml:"batch_size"`
}

// DefaultPublishConfig returns the default publish policy.
func DefaultPublishConfig() PublishConfig {
	return PublishConfig{
		PublishFailureReAttempts: 5,
		PublishFailureBackoff:    100 * time.Millisecond,
		Backoff:                  LinearBackoff,
		BatchSize:                10,
	}
}

// normalize fills unset fields and detaches the accounts slice from the caller.
func (c PublishConfig) normalize() PublishConfig {
	if c.PublishFailureReAttempts < 0 {
		c.PublishFailureReAttempts = 0
	}
	if c.PublishFailureBackoff < 0 {
		c.PublishFailureBackoff = 0
	}
	if c.Backoff == nil {
		c.Backoff = LinearBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if len(c.AdditionalSubscriberAccounts) > 0 {
		accounts := make([]string, len(c.AdditionalSubscriberAccounts))
		copy(accounts, c.AdditionalSubscriberAccounts)
		c.AdditionalSubscriberAccounts = accounts
	}
	return c
}

// maxAttempts is the total attempt budget.
func (c PublishConfig) maxAttempts() int {
	return c.PublishFailureReAttempts + 1
}

// wait returns the backoff to apply after the given number of failed attempts.
func (c PublishConfig) wait(failures int) time.Duration {
	d := c.Backoff(c.PublishFailureBackoff, failures)
	if d < c.PublishFailureBackoff {
		d = c.PublishFailureBackoff
	}
	return d
}
