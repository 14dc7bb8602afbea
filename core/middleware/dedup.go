package middleware

import (
	"context"

	"github.com/miladsoleymani/eventbus/core"
	"github.com/miladsoleymani/eventbus/dedup"
)

// Deduplicate acknowledges deliveries whose unique key was already handled
// without invoking the rest of the pipeline, and records keys of deliveries
// that were handled successfully. Store failures are logged and the message
// is handled as if it were new.
func Deduplicate(store dedup.Store) core.HandleMiddleware {
	return func(next core.HandleFunc) core.HandleFunc {
		return func(ctx context.Context, c *core.HandleContext) (bool, error) {
			key := c.UniqueKey()

			seen, err := store.IsProcessed(ctx, key)
			if err != nil {
				c.Log.Warn().Err(err).Msg("Failed to check deduplication store")
			} else if seen {
				c.Log.Info().Msg("Duplicate message, skipping")
				return true, nil
			}

			ok, err := next(ctx, c)
			if err != nil || !ok {
				return ok, err
			}
			if merr := store.MarkProcessed(ctx, key, c.MessageType); merr != nil {
				c.Log.Warn().Err(merr).Msg("Failed to mark message as processed")
			}
			return true, nil
		}
	}
}
