package memory

import (
	"context"
	"time"
)

// record is one stored message.
type record struct {
	id           string
	body         []byte
	attrs        map[string]string
	receiveCount int
	receipt      uint64
	visibleAt    time.Time
}

// envelope adapts a received record to core.Envelope. It snapshots the record
// so later redeliveries do not change what the handler sees.
type envelope struct {
	t            *Transport
	queue        string
	id           string
	body         []byte
	attrs        map[string]string
	receiveCount int
	receipt      uint64
}

func (e *envelope) ID() string                    { return e.id }
func (e *envelope) Body() []byte                  { return e.body }
func (e *envelope) Attributes() map[string]string { return e.attrs }
func (e *envelope) ReceiveCount() int             { return e.receiveCount }

// Ack deletes the message from its queue.
func (e *envelope) Ack(context.Context) error {
	return e.t.settle(e.queue, e.id, e.receipt, true)
}

// Nack makes the message visible again once the nack visibility elapses.
func (e *envelope) Nack(context.Context) error {
	return e.t.settle(e.queue, e.id, e.receipt, false)
}
