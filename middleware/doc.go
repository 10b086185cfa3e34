// Package middleware provides composable middleware for job execution.
//
// A [Middleware] is a pure transformer from one [job.Handler] to another.
// Middleware are composed into a chain using [Chain]; they are applied
// right-to-left, so the first middleware in the slice is the outermost
// wrapper.
//
//	// logging → recover → handler
//	h := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))(handler)
//
// # Built-in Middleware
//
//   - [Logging] — logs queue, job ID, duration, and outcome per execution
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — cancels the job context after the job's configured timeout
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-job duration and outcome counters via OTel
//   - [Monitoring] — feeds a metrics.Collector and warns on slow jobs
//   - [Priority] — classifies jobs and records the computed priority
//   - [RateLimit] — rejects executions when a token bucket is exhausted
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(next job.Handler) job.Handler {
//	        return func(ctx context.Context, jc *job.Context) (any, error) {
//	            // pre-processing
//	            res, err := next(ctx, jc)
//	            // post-processing
//	            return res, err
//	        }
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., rate limiting).
package middleware
