package core

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Attribute keys set on every outbound message by the Publisher.
const (
	AttrMessageType = "message-type"
	AttrUniqueKey   = "unique-key"
	AttrContentType = "content-type"
)

// Message is a domain event or command carried by the bus.
// Two messages are duplicates iff their unique keys are equal.
type Message interface {
	UniqueKey() string
}

// Typed lets a message choose its own routing tag instead of its Go type name.
type Typed interface {
	MessageType() string
}

// Base carries the identity and metadata shared by all messages.
// Embed it in application message structs:
//
//	type OrderPlaced struct {
//	    core.Base
//	    OrderID string `json:"orderId"`
//	}
type Base struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	RaisingComponent string    `json:"raisingComponent,omitempty"`
	Tenant           string    `json:"tenant,omitempty"`
	Conversation     string    `json:"conversation,omitempty"`
}

// NewBase returns a Base with a random ID and the current UTC time.
func NewBase() Base {
	return Base{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

// UniqueKey returns the message ID.
func (b Base) UniqueKey() string { return b.ID }

// TypeOf returns the routing tag for a message: MessageType() when the
// message implements Typed, otherwise the name of its (dereferenced) Go type.
func TypeOf(msg Message) string {
	if t, ok := msg.(Typed); ok {
		if name := t.MessageType(); name != "" {
			return name
		}
	}
	rt := reflect.TypeOf(msg)
	for rt != nil && rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt == nil {
		return ""
	}
	return rt.Name()
}

// DestinationKind distinguishes point-to-point queues from fan-out topics.
type DestinationKind int

const (
	Queue DestinationKind = iota
	Topic
)

func (k DestinationKind) String() string {
	switch k {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	default:
		return "unknown"
	}
}

// Destination names a queue or topic. Account is empty for the transport's
// default account.
type Destination struct {
	Name    string          `yaml:"name"`
	Kind    DestinationKind `yaml:"kind"`
	Account string          `yaml:"account,omitempty"`
}

// QueueNamed returns a queue destination in the default account.
func QueueNamed(name string) Destination { return Destination{Name: name, Kind: Queue} }

// TopicNamed returns a topic destination in the default account.
func TopicNamed(name string) Destination { return Destination{Name: name, Kind: Topic} }

// ForAccount returns the equivalent destination owned by another account.
func (d Destination) ForAccount(account string) Destination {
	d.Account = account
	return d
}

func (d Destination) String() string {
	if d.Account == "" {
		return d.Kind.String() + ":" + d.Name
	}
	return d.Kind.String() + ":" + d.Account + "/" + d.Name
}

// Envelope is the raw transport record of one delivery.
// Implementations are provided by transport plugins.
type Envelope interface {
	// ID is the transport-assigned message identifier.
	ID() string
	Body() []byte
	Attributes() map[string]string
	// ReceiveCount is how many times the transport has delivered this
	// record, including the current delivery. Zero when unknown.
	ReceiveCount() int
	// Ack removes the record from its source so it is not redelivered.
	Ack(ctx context.Context) error
	// Nack releases the record for redelivery under the transport's policy.
	Nack(ctx context.Context) error
}

// OutboundMessage is a serialized message ready to be sent.
type OutboundMessage struct {
	UniqueKey  string
	Body       []byte
	Attributes map[string]string
}

// UnmarshalText parses "queue" or "topic".
func (k *DestinationKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "queue", "":
		*k = Queue
	case "topic":
		*k = Topic
	default:
		return fmt.Errorf("eventbus: unknown destination kind %q", text)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (k DestinationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
