package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// envelope adapts a kafka.Message to core.Envelope.
// It holds a reference to the reader for offset management.
type envelope struct {
	transport  *Transport
	reader     consumer
	queueTopic string
	raw        kafka.Message
}

func (e *envelope) ID() string {
	return e.raw.Topic + "/" + strconv.Itoa(e.raw.Partition) + "/" + strconv.FormatInt(e.raw.Offset, 10)
}

func (e *envelope) Body() []byte { return e.raw.Value }

func (e *envelope) Attributes() map[string]string {
	h := make(map[string]string, len(e.raw.Headers))
	for _, kh := range e.raw.Headers {
		if kh.Key == HeaderReceiveCount {
			continue
		}
		h[kh.Key] = string(kh.Value)
	}
	return h
}

// ReceiveCount is one more than the count carried by a requeued record.
func (e *envelope) ReceiveCount() int {
	for _, h := range e.raw.Headers {
		if h.Key == HeaderReceiveCount {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				return n + 1
			}
		}
	}
	return 1
}

// Ack commits the offset for this record.
func (e *envelope) Ack(ctx context.Context) error {
	if err := e.reader.CommitMessages(ctx, e.raw); err != nil {
		return fmt.Errorf("eventbus/kafka: commit offset: %w", err)
	}
	return nil
}

// Nack writes the record back to its queue topic and commits the original.
// Without requeueing it is a no-op: the uncommitted offset is redelivered
// on the next consumer group rebalance or restart.
func (e *envelope) Nack(ctx context.Context) error {
	if !e.transport.opts.requeue {
		return nil
	}
	if err := e.transport.requeue(ctx, e.queueTopic, e.raw, e.ReceiveCount()); err != nil {
		return fmt.Errorf("eventbus/kafka: requeue: %w", err)
	}
	return e.Ack(ctx)
}
