package middleware

import (
	"context"
	"log/slog"

	"github.com/Moro-JS/moro-sub006/job"
)

// Timeout returns middleware that enforces a per-job execution deadline.
// If the job has a non-zero Opts.Timeout, a context.WithTimeout wraps the
// handler call. When the deadline is exceeded the context is cancelled
// and the handler should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, jc *job.Context) (any, error) {
			if jc.Opts.Timeout > 0 {
				logger.Debug("job timeout set",
					slog.String("job_id", jc.ID),
					slog.Duration("timeout", jc.Opts.Timeout),
				)
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, jc.Opts.Timeout)
				defer cancel()
			}
			return next(ctx, jc)
		}
	}
}
