// Package sqs provides a transport backed by Amazon SQS for queues and Amazon
// SNS for topics. Topic subscriptions are SNS-to-SQS subscriptions with raw
// message delivery, so queue consumers see the published body unchanged.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/miladsoleymani/eventbus/broker"
	"github.com/miladsoleymani/eventbus/core"
)

// MaxBatchSize is the SQS and SNS limit on entries per batch request.
const MaxBatchSize = 10

func init() {
	broker.Register("sqs", func(cfg broker.Config) (core.Transport, error) {
		opts, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(context.Background(), opts...)
	})
}

// SQSAPI is the subset of the SQS client used by the transport.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *awssqs.GetQueueUrlInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *awssqs.CreateQueueInput, optFns ...func(*awssqs.Options)) (*awssqs.CreateQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *awssqs.SetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.SetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *awssqs.SendMessageBatchInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
}

// SNSAPI is the subset of the SNS client used by the transport.
type SNSAPI interface {
	CreateTopic(ctx context.Context, params *awssns.CreateTopicInput, optFns ...func(*awssns.Options)) (*awssns.CreateTopicOutput, error)
	Publish(ctx context.Context, params *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error)
	PublishBatch(ctx context.Context, params *awssns.PublishBatchInput, optFns ...func(*awssns.Options)) (*awssns.PublishBatchOutput, error)
	Subscribe(ctx context.Context, params *awssns.SubscribeInput, optFns ...func(*awssns.Options)) (*awssns.SubscribeOutput, error)
}

// Transport implements core.Transport and core.Provisioner on SQS and SNS.
type Transport struct {
	sqs  SQSAPI
	sns  SNSAPI
	opts options

	mu        sync.Mutex
	queueURLs map[string]string
	topicARNs map[string]string
	closed    bool
}

// New loads the default AWS configuration and creates a Transport.
func New(ctx context.Context, fns ...Option) (*Transport, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus/sqs: load aws config: %w", err)
	}
	if opts.region == "" {
		opts.region = awsCfg.Region
	}

	sqsClient := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if opts.endpoint != "" {
			o.BaseEndpoint = aws.String(opts.endpoint)
		}
	})
	snsClient := awssns.NewFromConfig(awsCfg, func(o *awssns.Options) {
		if opts.endpoint != "" {
			o.BaseEndpoint = aws.String(opts.endpoint)
		}
	})
	return newTransport(sqsClient, snsClient, opts), nil
}

// NewWithClients creates a Transport on existing clients.
func NewWithClients(sqsClient SQSAPI, snsClient SNSAPI, fns ...Option) *Transport {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return newTransport(sqsClient, snsClient, opts)
}

func newTransport(sqsClient SQSAPI, snsClient SNSAPI, opts options) *Transport {
	return &Transport{
		sqs:       sqsClient,
		sns:       snsClient,
		opts:      opts,
		queueURLs: make(map[string]string),
		topicARNs: make(map[string]string),
	}
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrBrokerClosed
	}
	return nil
}

func cacheKey(d core.Destination) string {
	return d.Account + "/" + d.Name
}

// queueURL resolves and caches the URL of a queue.
func (t *Transport) queueURL(ctx context.Context, dest core.Destination) (string, error) {
	k := cacheKey(dest)
	t.mu.Lock()
	url, ok := t.queueURLs[k]
	t.mu.Unlock()
	if ok {
		return url, nil
	}

	in := &awssqs.GetQueueUrlInput{QueueName: aws.String(dest.Name)}
	if dest.Account != "" {
		in.QueueOwnerAWSAccountId = aws.String(dest.Account)
	}
	out, err := t.sqs.GetQueueUrl(ctx, in)
	if err != nil {
		return "", fmt.Errorf("eventbus/sqs: resolve %s: %w", dest, classify(err))
	}
	url = aws.ToString(out.QueueUrl)

	t.mu.Lock()
	t.queueURLs[k] = url
	t.mu.Unlock()
	return url, nil
}

// topicARN returns the ARN of a topic, building it from the account when
// known and otherwise creating (or looking up) the topic.
func (t *Transport) topicARN(ctx context.Context, dest core.Destination) (string, error) {
	k := cacheKey(dest)
	t.mu.Lock()
	arn, ok := t.topicARNs[k]
	t.mu.Unlock()
	if ok {
		return arn, nil
	}

	account := dest.Account
	if account == "" {
		account = t.opts.account
	}
	if account != "" && t.opts.region != "" {
		arn = fmt.Sprintf("arn:%s:sns:%s:%s:%s", t.opts.partition, t.opts.region, account, dest.Name)
	} else {
		out, err := t.sns.CreateTopic(ctx, &awssns.CreateTopicInput{Name: aws.String(dest.Name)})
		if err != nil {
			return "", fmt.Errorf("eventbus/sqs: resolve %s: %w", dest, classify(err))
		}
		arn = aws.ToString(out.TopicArn)
	}

	t.mu.Lock()
	t.topicARNs[k] = arn
	t.mu.Unlock()
	return arn, nil
}

func (t *Transport) Send(ctx context.Context, dest core.Destination, msg core.OutboundMessage) (core.MessageResponse, error) {
	if err := t.checkOpen(); err != nil {
		return core.MessageResponse{}, err
	}

	if dest.Kind == core.Topic {
		arn, err := t.topicARN(ctx, dest)
		if err != nil {
			return core.MessageResponse{}, err
		}
		out, err := t.sns.Publish(ctx, &awssns.PublishInput{
			TopicArn:          aws.String(arn),
			Message:           aws.String(string(msg.Body)),
			MessageAttributes: snsAttributes(msg.Attributes),
		})
		if err != nil {
			return core.MessageResponse{}, fmt.Errorf("eventbus/sqs: publish to %s: %w", dest, classify(err))
		}
		return core.MessageResponse{MessageID: aws.ToString(out.MessageId)}, nil
	}

	url, err := t.queueURL(ctx, dest)
	if err != nil {
		return core.MessageResponse{}, err
	}
	out, err := t.sqs.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: sqsAttributes(msg.Attributes),
	})
	if err != nil {
		return core.MessageResponse{}, fmt.Errorf("eventbus/sqs: send to %s: %w", dest, classify(err))
	}
	return core.MessageResponse{MessageID: aws.ToString(out.MessageId)}, nil
}

// SendBatch sends up to MaxBatchSize messages in one request. Entry failures
// caused by the sender are reported as non-retryable.
func (t *Transport) SendBatch(ctx context.Context, dest core.Destination, msgs []core.OutboundMessage) (core.MessageBatchResponse, error) {
	if err := t.checkOpen(); err != nil {
		return core.MessageBatchResponse{}, err
	}
	if len(msgs) > MaxBatchSize {
		return core.MessageBatchResponse{}, core.NonRetryable(fmt.Errorf("eventbus/sqs: batch of %d exceeds limit of %d", len(msgs), MaxBatchSize))
	}
	if dest.Kind == core.Topic {
		return t.publishBatch(ctx, dest, msgs)
	}

	url, err := t.queueURL(ctx, dest)
	if err != nil {
		return core.MessageBatchResponse{}, err
	}
	entries := make([]sqstypes.SendMessageBatchRequestEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = sqstypes.SendMessageBatchRequestEntry{
			Id:                aws.String(strconv.Itoa(i)),
			MessageBody:       aws.String(string(m.Body)),
			MessageAttributes: sqsAttributes(m.Attributes),
		}
	}
	out, err := t.sqs.SendMessageBatch(ctx, &awssqs.SendMessageBatchInput{
		QueueUrl: aws.String(url),
		Entries:  entries,
	})
	if err != nil {
		return core.MessageBatchResponse{}, fmt.Errorf("eventbus/sqs: send batch to %s: %w", dest, classify(err))
	}

	var resp core.MessageBatchResponse
	for _, s := range out.Successful {
		if i, ok := entryFor(msgs, s.Id); ok {
			resp.Succeeded = append(resp.Succeeded, core.BatchEntrySuccess{Index: i, UniqueKey: msgs[i].UniqueKey, MessageID: aws.ToString(s.MessageId)})
		}
	}
	for _, f := range out.Failed {
		if i, ok := entryFor(msgs, f.Id); ok {
			resp.Failed = append(resp.Failed, entryFailure(i, msgs[i], f.Code, f.Message, f.SenderFault))
		}
	}
	return resp, nil
}

func (t *Transport) publishBatch(ctx context.Context, dest core.Destination, msgs []core.OutboundMessage) (core.MessageBatchResponse, error) {
	arn, err := t.topicARN(ctx, dest)
	if err != nil {
		return core.MessageBatchResponse{}, err
	}
	entries := make([]snstypes.PublishBatchRequestEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = snstypes.PublishBatchRequestEntry{
			Id:                aws.String(strconv.Itoa(i)),
			Message:           aws.String(string(m.Body)),
			MessageAttributes: snsAttributes(m.Attributes),
		}
	}
	out, err := t.sns.PublishBatch(ctx, &awssns.PublishBatchInput{
		TopicArn:                   aws.String(arn),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return core.MessageBatchResponse{}, fmt.Errorf("eventbus/sqs: publish batch to %s: %w", dest, classify(err))
	}

	var resp core.MessageBatchResponse
	for _, s := range out.Successful {
		if i, ok := entryFor(msgs, s.Id); ok {
			resp.Succeeded = append(resp.Succeeded, core.BatchEntrySuccess{Index: i, UniqueKey: msgs[i].UniqueKey, MessageID: aws.ToString(s.MessageId)})
		}
	}
	for _, f := range out.Failed {
		if i, ok := entryFor(msgs, f.Id); ok {
			resp.Failed = append(resp.Failed, entryFailure(i, msgs[i], f.Code, f.Message, f.SenderFault))
		}
	}
	return resp, nil
}

// entryFor resolves a batch result Id to its position in msgs.
func entryFor(msgs []core.OutboundMessage, id *string) (int, bool) {
	i, err := strconv.Atoi(aws.ToString(id))
	if err != nil || i < 0 || i >= len(msgs) {
		return 0, false
	}
	return i, true
}

func entryFailure(i int, m core.OutboundMessage, code, message *string, senderFault bool) core.BatchEntryFailure {
	err := fmt.Errorf("eventbus/sqs: %s: %s", aws.ToString(code), aws.ToString(message))
	if senderFault {
		err = core.NonRetryable(err)
	}
	return core.BatchEntryFailure{
		Index:     i,
		UniqueKey: m.UniqueKey,
		Code:      aws.ToString(code),
		Retryable: !senderFault,
		Err:       err,
	}
}

func (t *Transport) Receive(ctx context.Context, queue core.Destination, maxBatch int) ([]core.Envelope, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	url, err := t.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	in := &awssqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(url),
		MaxNumberOfMessages:         int32(min(max(maxBatch, 1), MaxBatchSize)),
		WaitTimeSeconds:             int32(min(t.opts.waitTime.Seconds(), 20)),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if t.opts.visibilityTimeout > 0 {
		in.VisibilityTimeout = int32(t.opts.visibilityTimeout.Seconds())
	}
	out, err := t.sqs.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("eventbus/sqs: receive from %s: %w", queue, err)
	}

	envs := make([]core.Envelope, 0, len(out.Messages))
	nackVisibility := int32(t.opts.nackVisibility.Seconds())
	for _, m := range out.Messages {
		envs = append(envs, newEnvelope(t.sqs, url, m, nackVisibility))
	}
	return envs, nil
}

// EnsureDestination creates a queue or topic in the default account. Queues
// owned by other accounts are only resolved.
func (t *Transport) EnsureDestination(ctx context.Context, dest core.Destination) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	foreign := dest.Account != "" && dest.Account != t.opts.account

	if dest.Kind == core.Topic {
		if foreign {
			_, err := t.topicARN(ctx, dest)
			return err
		}
		out, err := t.sns.CreateTopic(ctx, &awssns.CreateTopicInput{Name: aws.String(dest.Name)})
		if err != nil {
			return fmt.Errorf("eventbus/sqs: create topic %s: %w", dest, classify(err))
		}
		t.mu.Lock()
		t.topicARNs[cacheKey(dest)] = aws.ToString(out.TopicArn)
		t.mu.Unlock()
		return nil
	}

	if foreign {
		_, err := t.queueURL(ctx, dest)
		return err
	}
	out, err := t.sqs.CreateQueue(ctx, &awssqs.CreateQueueInput{
		QueueName:  aws.String(dest.Name),
		Attributes: t.opts.queueAttributes,
	})
	if err != nil {
		return fmt.Errorf("eventbus/sqs: create queue %s: %w", dest, classify(err))
	}
	t.mu.Lock()
	t.queueURLs[cacheKey(dest)] = aws.ToString(out.QueueUrl)
	t.mu.Unlock()
	return nil
}

// BindQueue subscribes queue to topic and grants the topic permission to
// send to the queue.
func (t *Transport) BindQueue(ctx context.Context, topic, queue core.Destination) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	arn, err := t.topicARN(ctx, topic)
	if err != nil {
		return err
	}
	url, err := t.queueURL(ctx, queue)
	if err != nil {
		return err
	}

	attrs, err := t.sqs.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("eventbus/sqs: queue arn %s: %w", queue, classify(err))
	}
	queueARN := attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]

	policy, err := queuePolicy(queueARN, arn)
	if err != nil {
		return err
	}
	if _, err := t.sqs.SetQueueAttributes(ctx, &awssqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(url),
		Attributes: map[string]string{string(sqstypes.QueueAttributeNamePolicy): policy},
	}); err != nil {
		return fmt.Errorf("eventbus/sqs: set policy %s: %w", queue, classify(err))
	}

	subAttrs := map[string]string{}
	if t.opts.rawDelivery {
		subAttrs["RawMessageDelivery"] = "true"
	}
	if _, err := t.sns.Subscribe(ctx, &awssns.SubscribeInput{
		TopicArn:              aws.String(arn),
		Protocol:              aws.String("sqs"),
		Endpoint:              aws.String(queueARN),
		Attributes:            subAttrs,
		ReturnSubscriptionArn: true,
	}); err != nil {
		return fmt.Errorf("eventbus/sqs: subscribe %s to %s: %w", queue, topic, classify(err))
	}
	return nil
}

// Close marks the transport closed. The AWS clients hold no resources.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func queuePolicy(queueARN, topicARN string) (string, error) {
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": "sns.amazonaws.com"},
			"Action":    "sqs:SendMessage",
			"Resource":  queueARN,
			"Condition": map[string]any{
				"ArnEquals": map[string]string{"aws:SourceArn": topicARN},
			},
		}},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("eventbus/sqs: encode policy: %w", err)
	}
	return string(b), nil
}

func sqsAttributes(attrs map[string]string) map[string]sqstypes.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]sqstypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}

func snsAttributes(attrs map[string]string) map[string]snstypes.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]snstypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}

// throttlingCodes are client-fault codes that still deserve a retry.
var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"KMSThrottlingException":                 true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
}

// classify maps AWS errors onto the bus's retry classification.
func classify(err error) error {
	var (
		queueMissing *sqstypes.QueueDoesNotExist
		topicMissing *snstypes.NotFoundException
		badContents  *sqstypes.InvalidMessageContents
		badParam     *snstypes.InvalidParameterException
		badValue     *snstypes.InvalidParameterValueException
	)
	switch {
	case errors.As(err, &queueMissing), errors.As(err, &topicMissing):
		return fmt.Errorf("%w: %w", core.ErrDestinationNotFound, err)
	case errors.As(err, &badContents), errors.As(err, &badParam), errors.As(err, &badValue):
		return fmt.Errorf("%w: %w", core.ErrMalformedMessage, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient && !throttlingCodes[apiErr.ErrorCode()] {
		return core.NonRetryable(err)
	}
	return err
}

// optsFromConfig extracts options from the broker.Config.
func optsFromConfig(cfg broker.Config) ([]Option, error) {
	opts := []Option{WithRawDelivery(cfg.Bool("raw_delivery", true))}
	if cfg.Region != "" {
		opts = append(opts, WithRegion(cfg.Region))
	}
	if cfg.Account != "" {
		opts = append(opts, WithAccount(cfg.Account))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, WithEndpoint(cfg.Endpoint))
	}
	if p := cfg.String("partition", ""); p != "" {
		opts = append(opts, WithPartition(p))
	}
	durations := []struct {
		key string
		opt func(time.Duration) Option
	}{
		{"wait_time", WithWaitTime},
		{"visibility_timeout", WithVisibilityTimeout},
		{"nack_visibility", WithNackVisibility},
	}
	for _, d := range durations {
		v, err := cfg.Duration(d.key, -1)
		if err != nil {
			return nil, err
		}
		if v >= 0 {
			opts = append(opts, d.opt(v))
		}
	}
	return opts, nil
}
