package middleware

import (
	"context"
	"fmt"
	"time"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/ratelimit"
)

// RateLimitOptions configures the rate-limit middleware.
type RateLimitOptions struct {
	// ThrowOnLimit fails the execution immediately with
	// moroq.ErrRateLimited when the bucket is exhausted, handing the job
	// to the adapter's normal retry path. When false the middleware
	// waits out the bucket's refill time and claims a token once more
	// before failing.
	ThrowOnLimit bool
}

// RateLimit returns middleware that gates executions through a token
// bucket. By default an exhausted bucket makes the execution wait for
// the next token and retry the claim once; only if the bucket is still
// empty does it fail with moroq.ErrRateLimited. With ThrowOnLimit the
// failure is immediate and the retry path reschedules the job instead.
func RateLimit(bucket *ratelimit.Bucket, opts ...RateLimitOptions) Middleware {
	var o RateLimitOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, jc *job.Context) (any, error) {
			if bucket.Allow() {
				return next(ctx, jc)
			}
			if o.ThrowOnLimit {
				return nil, fmt.Errorf("%w: retry in %v", moroq.ErrRateLimited, bucket.WaitTime())
			}
			if wait := bucket.WaitTime(); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
			}
			if bucket.Allow() {
				return next(ctx, jc)
			}
			return nil, fmt.Errorf("%w: retry in %v", moroq.ErrRateLimited, bucket.WaitTime())
		}
	}
}
