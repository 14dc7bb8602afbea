package core

import (
	"encoding/json"
	"fmt"
)

// Serializer converts messages to and from transport bodies.
// Implement this interface for custom serialization formats (Protobuf, Avro, etc.).
type Serializer interface {
	ContentType() string
	Serialize(msg Message) ([]byte, error)
	Deserialize(body []byte, into Message) error
}

// JSONSerializer encodes message bodies as JSON.
type JSONSerializer struct{}

func (JSONSerializer) ContentType() string { return "application/json" }

func (JSONSerializer) Serialize(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return b, nil
}

func (JSONSerializer) Deserialize(body []byte, into Message) error {
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}
