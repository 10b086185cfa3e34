package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/metrics"
)

// Monitoring returns middleware that feeds a metrics.Collector and warns
// when an execution exceeds slowThreshold. A zero threshold disables the
// slow-job warning.
func Monitoring(logger *slog.Logger, collector *metrics.Collector, slowThreshold time.Duration) Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, jc *job.Context) (any, error) {
			start := time.Now()
			res, err := next(ctx, jc)
			elapsed := time.Since(start)

			if err != nil {
				collector.RecordFailed(jc.Queue, elapsed)
			} else {
				collector.RecordCompleted(jc.Queue, elapsed)
			}

			if slowThreshold > 0 && elapsed > slowThreshold {
				logger.Warn("slow job",
					slog.String("queue", jc.Queue),
					slog.String("job_id", jc.ID),
					slog.Duration("elapsed", elapsed),
					slog.Duration("threshold", slowThreshold),
				)
			}

			return res, err
		}
	}
}
