package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/eventbus/core"
)

// Logging returns middleware that logs message handling duration and outcome.
func Logging(logger zerolog.Logger) core.HandleMiddleware {
	return func(next core.HandleFunc) core.HandleFunc {
		return func(ctx context.Context, c *core.HandleContext) (bool, error) {
			start := time.Now()
			ok, err := next(ctx, c)
			elapsed := time.Since(start)

			var ev *zerolog.Event
			switch {
			case err != nil:
				ev = logger.Error().Err(err)
			case !ok:
				ev = logger.Warn()
			default:
				ev = logger.Info()
			}
			ev.Str("subscription", c.Subscription).
				Str("message_type", c.MessageType).
				Str("unique_key", c.UniqueKey()).
				Int("attempt", c.Attempt).
				Bool("success", ok && err == nil).
				Dur("elapsed", elapsed).
				Msg("Handled message")
			return ok, err
		}
	}
}
