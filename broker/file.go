package broker

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miladsoleymani/eventbus/core"
)

// Publication routes one message type to a destination.
type Publication struct {
	MessageType string           `yaml:"message_type"`
	Destination core.Destination `yaml:"destination"`
}

// FileConfig is the YAML form of a bus deployment:
//
//	transport: sqs
//	broker:
//	  region: eu-west-1
//	publish:
//	  publish_failure_reattempts: 3
//	  publish_failure_backoff: 200ms
//	publications:
//	  - message_type: OrderPlaced
//	    destination: {name: orders, kind: topic}
//	subscriptions:
//	  - name: billing
//	    queue: {name: billing-orders}
//	    topic: {name: orders}
//	    message_type: OrderPlaced
type FileConfig struct {
	Transport     string                    `yaml:"transport"`
	Broker        Config                    `yaml:"broker"`
	Publish       core.PublishConfig        `yaml:"publish"`
	Listener      core.ListenerConfig       `yaml:"listener"`
	Publications  []Publication             `yaml:"publications"`
	Subscriptions []core.SubscriptionConfig `yaml:"subscriptions"`
}

// LoadFile reads and validates a YAML configuration file. Fields absent from
// the file keep their defaults.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eventbus: read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*FileConfig, error) {
	fc := &FileConfig{
		Publish:  core.DefaultPublishConfig(),
		Listener: core.DefaultListenerConfig(),
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("eventbus: parse config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Validate reports every missing required field.
func (fc *FileConfig) Validate() error {
	var errs []error
	if fc.Transport == "" {
		errs = append(errs, errors.New("transport is required"))
	}
	for i, p := range fc.Publications {
		if p.MessageType == "" {
			errs = append(errs, fmt.Errorf("publications[%d]: message_type is required", i))
		}
		if p.Destination.Name == "" {
			errs = append(errs, fmt.Errorf("publications[%d]: destination name is required", i))
		}
	}
	seen := make(map[string]bool, len(fc.Subscriptions))
	for i, s := range fc.Subscriptions {
		if s.Queue.Name == "" {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: queue name is required", i))
			continue
		}
		name := s.Name
		if name == "" {
			name = s.Queue.Name
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("eventbus: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewTransport creates the configured transport from the registry.
func (fc *FileConfig) NewTransport() (core.Transport, error) {
	return Create(fc.Transport, fc.Broker)
}

// BusOptions returns the bus options described by the file.
func (fc *FileConfig) BusOptions() []core.Option {
	return []core.Option{
		core.WithListenerConfig(fc.Listener),
		core.WithPublisherOptions(core.WithPublishConfig(fc.Publish)),
	}
}

// ApplyRoutes registers every publication with p.
func (fc *FileConfig) ApplyRoutes(p *core.Publisher) {
	for _, pub := range fc.Publications {
		p.Route(pub.MessageType, pub.Destination)
	}
}
