package middleware

import (
	"context"

	"github.com/Moro-JS/moro-sub006/job"
)

// Classifier maps a job to a priority. A non-positive return leaves the
// job's priority unchanged.
type Classifier func(jc *job.Context) int

// Priority returns middleware that classifies jobs before execution and
// annotates the in-flight job record with the computed priority. The
// annotation is visible to the handler and later middleware only; it
// does not change the job's position in the queue.
func Priority(classify Classifier) Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, jc *job.Context) (any, error) {
			if p := classify(jc); p > 0 {
				jc.Opts.Priority = p
			}
			return next(ctx, jc)
		}
	}
}
