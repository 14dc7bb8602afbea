package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miladsoleymani/eventbus/core"
)

// rawMessage carries an arbitrary JSON object under a message type chosen
// at runtime.
type rawMessage struct {
	id      string
	msgType string
	body    json.RawMessage
}

// newRawMessage builds a message from a JSON object, adding an id and a
// timestamp when the object has none.
func newRawMessage(msgType string, data []byte) (*rawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("message data must be a JSON object: %w", err)
	}

	var id string
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("message id must be a string: %w", err)
		}
	}
	if id == "" {
		id = uuid.NewString()
		fields["id"], _ = json.Marshal(id)
	}
	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"], _ = json.Marshal(time.Now().UTC())
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return &rawMessage{id: id, msgType: msgType, body: body}, nil
}

func (m *rawMessage) UniqueKey() string   { return m.id }
func (m *rawMessage) MessageType() string { return m.msgType }

func (m *rawMessage) MarshalJSON() ([]byte, error) {
	if m.body == nil {
		return []byte("{}"), nil
	}
	return m.body, nil
}

func (m *rawMessage) UnmarshalJSON(b []byte) error {
	var base core.Base
	if err := json.Unmarshal(b, &base); err != nil {
		return err
	}
	m.id = base.ID
	m.body = append(json.RawMessage(nil), b...)
	return nil
}

// parseDestination parses "kind:name" or "kind:account/name", the form
// printed by core.Destination.
func parseDestination(s string) (core.Destination, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return core.Destination{}, fmt.Errorf("destination %q: want kind:name", s)
	}
	var d core.Destination
	if err := d.Kind.UnmarshalText([]byte(kind)); err != nil {
		return core.Destination{}, fmt.Errorf("destination %q: %w", s, err)
	}
	if account, name, ok := strings.Cut(rest, "/"); ok {
		d.Account, d.Name = account, name
	} else {
		d.Name = rest
	}
	if d.Name == "" {
		return core.Destination{}, fmt.Errorf("destination %q: name is empty", s)
	}
	return d, nil
}
