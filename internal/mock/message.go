package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/miladsoleymani/eventbus/core"
)

// Envelope is a core.Envelope that records the ack decision.
type Envelope struct {
	MessageID string
	B         []byte
	Attrs     map[string]string
	Count     int
	AckErr    error
	NackErr   error

	mu     sync.Mutex
	acked  int
	nacked int
}

func (e *Envelope) ID() string                    { return e.MessageID }
func (e *Envelope) Body() []byte                  { return e.B }
func (e *Envelope) Attributes() map[string]string { return e.Attrs }
func (e *Envelope) ReceiveCount() int             { return e.Count }

func (e *Envelope) Ack(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acked++
	return e.AckErr
}

func (e *Envelope) Nack(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nacked++
	return e.NackErr
}

// Acked reports how many times Ack was called.
func (e *Envelope) Acked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acked
}

// Nacked reports how many times Nack was called.
func (e *Envelope) Nacked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nacked
}

// Settled reports whether Ack or Nack was called.
func (e *Envelope) Settled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acked+e.nacked > 0
}

// Event is a simple message for tests.
type Event struct {
	core.Base
	Name string `json:"name"`
}

// NewEvent returns an Event with a fresh identity.
func NewEvent(name string) *Event {
	return &Event{Base: core.NewBase(), Name: name}
}

// EnvelopeFor serializes msg as JSON into an Envelope carrying the same
// attributes the publisher would set.
func EnvelopeFor(msg core.Message) *Envelope {
	body, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return &Envelope{
		MessageID: "env-" + msg.UniqueKey(),
		B:         body,
		Attrs: map[string]string{
			core.AttrMessageType: core.TypeOf(msg),
			core.AttrUniqueKey:   msg.UniqueKey(),
			core.AttrContentType: "application/json",
		},
		Count: 1,
	}
}
