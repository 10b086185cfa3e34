package middleware

import (
	"github.com/Moro-JS/moro-sub006/job"
)

// Middleware transforms a job handler into a wrapped handler.
type Middleware func(next job.Handler) job.Handler

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(next job.Handler) job.Handler {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
