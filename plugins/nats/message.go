package nats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// envelope adapts a JetStream message to core.Envelope.
type envelope struct {
	msg      jetstream.Msg
	nakDelay time.Duration
}

func (e *envelope) ID() string {
	md, err := e.msg.Metadata()
	if err != nil {
		return e.msg.Headers().Get(jetstream.MsgIDHeader)
	}
	return md.Stream + "/" + strconv.FormatUint(md.Sequence.Stream, 10)
}

func (e *envelope) Body() []byte { return e.msg.Data() }

// Attributes returns the message headers without the server's Nats-* headers.
func (e *envelope) Attributes() map[string]string {
	raw := e.msg.Headers()
	h := make(map[string]string, len(raw))
	for k, v := range raw {
		if len(v) > 0 && !strings.HasPrefix(k, "Nats-") {
			h[k] = v[0]
		}
	}
	return h
}

func (e *envelope) ReceiveCount() int {
	md, err := e.msg.Metadata()
	if err != nil {
		return 0
	}
	return int(md.NumDelivered)
}

// Ack acknowledges the message and waits for the server to confirm it.
func (e *envelope) Ack(ctx context.Context) error {
	if err := e.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("eventbus/nats: ack: %w", err)
	}
	return nil
}

// Nack signals that the message could not be processed.
// The server will redeliver it according to the consumer's MaxDeliver setting.
func (e *envelope) Nack(context.Context) error {
	var err error
	if e.nakDelay > 0 {
		err = e.msg.NakWithDelay(e.nakDelay)
	} else {
		err = e.msg.Nak()
	}
	if err != nil {
		return fmt.Errorf("eventbus/nats: nack: %w", err)
	}
	return nil
}
