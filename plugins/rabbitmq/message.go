package rabbitmq

import (
	"context"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// headerDeliveryCount is set by quorum queues on redelivered messages.
const headerDeliveryCount = "x-delivery-count"

// envelope adapts an amqp.Delivery to core.Envelope.
type envelope struct {
	delivery amqp.Delivery
	requeue  bool
}

func (e *envelope) ID() string {
	if e.delivery.MessageId != "" {
		return e.delivery.MessageId
	}
	return strconv.FormatUint(e.delivery.DeliveryTag, 10)
}

func (e *envelope) Body() []byte { return e.delivery.Body }

func (e *envelope) Attributes() map[string]string {
	h := make(map[string]string, len(e.delivery.Headers))
	for k, v := range e.delivery.Headers {
		if k == headerDeliveryCount {
			continue
		}
		if s, ok := v.(string); ok {
			h[k] = s
		} else {
			h[k] = fmt.Sprintf("%v", v)
		}
	}
	return h
}

// ReceiveCount uses the quorum-queue delivery count when present. Classic
// queues only report whether the message was delivered before.
func (e *envelope) ReceiveCount() int {
	switch n := e.delivery.Headers[headerDeliveryCount].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if e.delivery.Redelivered {
		return 2
	}
	return 1
}

// Ack acknowledges the message, removing it from the queue.
func (e *envelope) Ack(context.Context) error {
	if err := e.delivery.Ack(false); err != nil {
		return fmt.Errorf("eventbus/rabbitmq: ack: %w", err)
	}
	return nil
}

// Nack negatively acknowledges the message. If requeue is enabled,
// the message is returned to the queue for redelivery.
func (e *envelope) Nack(context.Context) error {
	if err := e.delivery.Nack(false, e.requeue); err != nil {
		return fmt.Errorf("eventbus/rabbitmq: nack: %w", err)
	}
	return nil
}
