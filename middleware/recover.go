package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/Moro-JS/moro-sub006/job"
)

// PanicError is the error Recover produces from a recovered handler
// panic. It carries the goroutine stack captured at recovery, which
// adapters record on the job via job.ErrorStack.
type PanicError struct {
	JobID string
	Value any
	stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in job %s: %v", e.JobID, e.Value)
}

// StackTrace returns the stack captured when the panic was recovered.
func (e *PanicError) StackTrace() string { return e.stack }

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, jc *job.Context) (res any, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())
					logger.Error("job handler panicked",
						slog.String("queue", jc.Queue),
						slog.String("job_id", jc.ID),
						slog.Any("panic", r),
						slog.String("stack", stack),
					)
					res = nil
					retErr = &PanicError{JobID: jc.ID, Value: r, stack: stack}
				}
			}()
			return next(ctx, jc)
		}
	}
}
