package sqs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// envelope adapts an SQS message to core.Envelope.
type envelope struct {
	client         SQSAPI
	queueURL       string
	raw            sqstypes.Message
	attrs          map[string]string
	nackVisibility int32
}

func newEnvelope(client SQSAPI, queueURL string, raw sqstypes.Message, nackVisibility int32) *envelope {
	attrs := make(map[string]string, len(raw.MessageAttributes))
	for k, v := range raw.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}
	return &envelope{
		client:         client,
		queueURL:       queueURL,
		raw:            raw,
		attrs:          attrs,
		nackVisibility: nackVisibility,
	}
}

func (e *envelope) ID() string                    { return aws.ToString(e.raw.MessageId) }
func (e *envelope) Body() []byte                  { return []byte(aws.ToString(e.raw.Body)) }
func (e *envelope) Attributes() map[string]string { return e.attrs }

func (e *envelope) ReceiveCount() int {
	n, _ := strconv.Atoi(e.raw.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	return n
}

// Ack deletes the message from the queue.
func (e *envelope) Ack(ctx context.Context) error {
	_, err := e.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(e.queueURL),
		ReceiptHandle: e.raw.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("eventbus/sqs: delete message %s: %w", e.ID(), err)
	}
	return nil
}

// Nack resets the message's visibility so it is redelivered.
func (e *envelope) Nack(ctx context.Context) error {
	_, err := e.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(e.queueURL),
		ReceiptHandle:     e.raw.ReceiptHandle,
		VisibilityTimeout: e.nackVisibility,
	})
	if err != nil {
		return fmt.Errorf("eventbus/sqs: change visibility %s: %w", e.ID(), err)
	}
	return nil
}
