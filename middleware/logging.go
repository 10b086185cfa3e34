package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/Moro-JS/moro-sub006/job"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, jc *job.Context) (any, error) {
			logger.Info("job started",
				slog.String("queue", jc.Queue),
				slog.String("job_id", jc.ID),
				slog.Int("attempt", jc.AttemptsMade),
			)

			start := time.Now()
			res, err := next(ctx, jc)
			elapsed := time.Since(start)

			if err != nil {
				logger.Error("job failed",
					slog.String("queue", jc.Queue),
					slog.String("job_id", jc.ID),
					slog.Duration("elapsed", elapsed),
					slog.String("error", err.Error()),
				)
			} else {
				logger.Info("job completed",
					slog.String("queue", jc.Queue),
					slog.String("job_id", jc.ID),
					slog.Duration("elapsed", elapsed),
				)
			}

			return res, err
		}
	}
}
