package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miladsoleymani/eventbus/core"
)

// ErrHandlerTimeout is returned when a handler exceeds its time budget.
var ErrHandlerTimeout = errors.New("eventbus: handler timed out")

// Timeout bounds each handler invocation by d. A handler that returns a
// deadline error after the budget elapsed is reported as ErrHandlerTimeout.
func Timeout(d time.Duration) core.HandleMiddleware {
	return func(next core.HandleFunc) core.HandleFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, c *core.HandleContext) (bool, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			ok, err := next(ctx, c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				return false, fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, d, err)
			}
			return ok, err
		}
	}
}
