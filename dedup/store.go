// Package dedup provides stores that remember which messages were already
// handled, so redelivered duplicates can be acknowledged without running the
// handler again.
package dedup

import (
	"context"
	"time"
)

// Store tracks processed messages by unique key.
type Store interface {
	// IsProcessed checks if a message has already been processed.
	IsProcessed(ctx context.Context, key string) (bool, error)

	// MarkProcessed records that a message has been processed.
	MarkProcessed(ctx context.Context, key, messageType string) error

	// Cleanup removes entries older than olderThan to bound growth.
	Cleanup(ctx context.Context, olderThan time.Duration) error

	// Close releases any resources; may be a no-op.
	Close() error
}
