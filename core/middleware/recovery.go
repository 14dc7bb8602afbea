package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/miladsoleymani/eventbus/core"
)

// RecoveryError wraps a panic value with the stack trace.
type RecoveryError struct {
	// PanicValue is the original value that was passed to panic().
	PanicValue any
	// StackTrace contains the stack at the point of panic.
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("eventbus: panic recovered: %v", e.PanicValue)
}

// Recovery returns middleware that recovers from panics in handlers, logs the
// stack trace and returns the panic as a *RecoveryError.
func Recovery() core.HandleMiddleware {
	return func(next core.HandleFunc) core.HandleFunc {
		return func(ctx context.Context, c *core.HandleContext) (ok bool, err error) {
			defer func() {
				if r := recover(); r != nil {
					rerr := &RecoveryError{PanicValue: r, StackTrace: string(debug.Stack())}
					c.Log.Error().Str("stack", rerr.StackTrace).Msgf("PANIC recovered: %v", r)
					ok, err = false, rerr
				}
			}()
			return next(ctx, c)
		}
	}
}
