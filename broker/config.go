package broker

import (
	"fmt"
	"strconv"
	"time"
)

// Config holds broker-agnostic configuration.
// Broker plugins extract the fields they need.
type Config struct {
	// Brokers is a list of broker addresses (e.g., "localhost:9092").
	Brokers []string `yaml:"brokers"`

	// Group is the consumer group ID.
	Group string `yaml:"group"`

	// Region is the cloud region, for transports that have one.
	Region string `yaml:"region"`

	// Account is the default account that owns destinations.
	Account string `yaml:"account"`

	// Endpoint overrides the service endpoint (e.g. a local emulator).
	Endpoint string `yaml:"endpoint"`

	// Extra holds plugin-specific configuration.
	Extra map[string]any `yaml:"extra"`
}

// String returns the Extra value for key, or def.
func (c Config) String(key, def string) string {
	if v, ok := c.Extra[key].(string); ok {
		return v
	}
	return def
}

// Int returns the Extra value for key as an int, or def.
func (c Config) Int(key string, def int) int {
	switch v := c.Extra[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the Extra value for key as a bool, or def.
func (c Config) Bool(key string, def bool) bool {
	switch v := c.Extra[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration returns the Extra value for key as a duration. Strings are parsed
// with time.ParseDuration and bare numbers are seconds.
func (c Config) Duration(key string, def time.Duration) (time.Duration, error) {
	switch v := c.Extra[key].(type) {
	case nil:
		return def, nil
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("eventbus: extra %q: %w", key, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("eventbus: extra %q: unsupported type %T", key, v)
	}
}
