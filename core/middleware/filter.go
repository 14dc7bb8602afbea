package middleware

import (
	"context"

	"github.com/miladsoleymani/eventbus/core"
)

// Filter skips the rest of the pipeline for messages that do not satisfy
// keep. Skipped messages count as handled and are acknowledged.
func Filter(keep func(c *core.HandleContext) bool) core.HandleMiddleware {
	return func(next core.HandleFunc) core.HandleFunc {
		return func(ctx context.Context, c *core.HandleContext) (bool, error) {
			if !keep(c) {
				c.Log.Debug().Msg("Message filtered out")
				return true, nil
			}
			return next(ctx, c)
		}
	}
}

// MaxAttempts rejects deliveries past the given attempt count without
// invoking the handler, leaving them to the transport's redrive policy.
func MaxAttempts(n int) core.HandleMiddleware {
	return func(next core.HandleFunc) core.HandleFunc {
		return func(ctx context.Context, c *core.HandleContext) (bool, error) {
			if n > 0 && c.Attempt > n {
				c.Log.Warn().Int("max_attempts", n).Msg("Delivery attempt limit exceeded")
				return false, nil
			}
			return next(ctx, c)
		}
	}
}
