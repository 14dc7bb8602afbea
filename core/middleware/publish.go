package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/eventbus/core"
)

// PublishLogging logs every publish after retries with its outcome and duration.
func PublishLogging(logger zerolog.Logger) core.PublishMiddleware {
	return func(next core.PublishFunc) core.PublishFunc {
		return func(ctx context.Context, pc *core.PublishContext) (core.MessageResponse, error) {
			start := time.Now()
			resp, err := next(ctx, pc)

			ev := logger.Info()
			if err != nil {
				ev = logger.Error().Err(err)
			}
			ev.Str("message_type", pc.MessageType).
				Str("destination", pc.Destination.String()).
				Str("unique_key", pc.Outbound.UniqueKey).
				Int("attempts", resp.Attempts).
				Dur("elapsed", time.Since(start)).
				Msg("Publish finished")
			return resp, err
		}
	}
}

// BatchLogging logs every batch sent to one destination.
func BatchLogging(logger zerolog.Logger) core.BatchMiddleware {
	return func(next core.BatchFunc) core.BatchFunc {
		return func(ctx context.Context, bc *core.BatchContext) (core.MessageBatchResponse, error) {
			start := time.Now()
			size := len(bc.Entries)
			resp, err := next(ctx, bc)

			ev := logger.Info()
			if err != nil {
				ev = logger.Error().Err(err)
			} else if resp.Status() != core.BatchSucceeded {
				ev = logger.Warn()
			}
			ev.Str("destination", bc.Destination.String()).
				Int("entries", size).
				Int("succeeded", len(resp.Succeeded)).
				Int("failed", len(resp.Failed)).
				Int("attempts", resp.Attempts).
				Dur("elapsed", time.Since(start)).
				Msg("Batch publish finished")
			return resp, err
		}
	}
}
