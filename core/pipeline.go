package core

import "context"

// Func is one unit of work in a pipeline: it takes a context value of type C
// and produces a result of type R.
type Func[C, R any] func(ctx context.Context, c C) (R, error)

// Middleware wraps a Func to add cross-cutting behavior. A middleware may
// pass through, transform c before calling next, short-circuit without
// calling next, or observe and translate the error returned by next.
//
//	func Trace[C, R any]() core.Middleware[C, R] {
//	    return func(next core.Func[C, R]) core.Func[C, R] {
//	        return func(ctx context.Context, c C) (R, error) {
//	            // before
//	            r, err := next(ctx, c)
//	            // after
//	            return r, err
//	        }
//	    }
//	}
type Middleware[C, R any] func(next Func[C, R]) Func[C, R]

// Chain wraps terminal with middleware. Given [A, B, C] the call order is
// A -> B -> C -> terminal, and results unwind C -> B -> A.
// Nil entries are skipped. The returned Func is immutable and safe for
// concurrent use when every middleware is.
func Chain[C, R any](terminal Func[C, R], mws ...Middleware[C, R]) Func[C, R] {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		h = mws[i](h)
	}
	return h
}

// Inbound handling pipeline.
type (
	HandleFunc       = Func[*HandleContext, bool]
	HandleMiddleware = Middleware[*HandleContext, bool]
)

// Outbound single-message publish pipeline.
type (
	PublishFunc       = Func[*PublishContext, MessageResponse]
	PublishMiddleware = Middleware[*PublishContext, MessageResponse]
)

// Outbound batch publish pipeline.
type (
	BatchFunc       = Func[*BatchContext, MessageBatchResponse]
	BatchMiddleware = Middleware[*BatchContext, MessageBatchResponse]
)
