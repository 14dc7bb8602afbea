package middleware

import (
	"context"
	"time"

	"github.com/miladsoleymani/eventbus/core"
)

// MetricsCollector is the interface that metrics backends must implement.
// This keeps the middleware decoupled from any specific metrics library.
type MetricsCollector interface {
	// MessageProcessed records that a message was handled.
	// ok is the handler's success flag and err its error.
	MessageProcessed(subscription string, duration time.Duration, ok bool, err error)
}

// PublishMetricsCollector receives the final outcome of every publish.
type PublishMetricsCollector interface {
	MessagePublished(resp core.MessageResponse, duration time.Duration)
}

// Metrics returns middleware that reports handling metrics to the given collector.
func Metrics(collector MetricsCollector) core.HandleMiddleware {
	return func(next core.HandleFunc) core.HandleFunc {
		return func(ctx context.Context, c *core.HandleContext) (bool, error) {
			start := time.Now()
			ok, err := next(ctx, c)
			collector.MessageProcessed(c.Subscription, time.Since(start), ok, err)
			return ok, err
		}
	}
}

// PublishMetrics returns publish middleware that reports the final outcome of
// each publish to the given collector. Installed through the publisher it
// runs outside the retry loop, so it sees one call per publish after retries
// with the attempt count in the response.
func PublishMetrics(collector PublishMetricsCollector) core.PublishMiddleware {
	return func(next core.PublishFunc) core.PublishFunc {
		return func(ctx context.Context, pc *core.PublishContext) (core.MessageResponse, error) {
			start := time.Now()
			resp, err := next(ctx, pc)
			resp.Destination = pc.Destination
			resp.Err = err
			collector.MessagePublished(resp, time.Since(start))
			return resp, err
		}
	}
}
