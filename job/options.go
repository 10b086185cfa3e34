package job

import (
	"time"

	"github.com/Moro-JS/moro-sub006/backoff"
)

// Priority levels. Lower values are dispatched first; ties are FIFO.
const (
	PriorityCritical   = 1
	PriorityHigh       = 2
	PriorityNormal     = 3
	PriorityLow        = 4
	PriorityBackground = 5
)

// BackoffOptions selects the retry delay strategy applied between failed
// executions.
type BackoffOptions struct {
	// Type is the strategy: fixed or exponential.
	Type backoff.Type `json:"type"`

	// Delay is the base delay. Fixed waits exactly this long; exponential
	// doubles it per retry, capped at backoff.DefaultMax.
	Delay time.Duration `json:"delay"`
}

// Options configures per-job behavior such as retries, priority, and delay.
type Options struct {
	// Priority determines dispatch ordering. Lower values run first;
	// equal priorities dispatch in enqueue order.
	Priority int `json:"priority"`

	// Delay postpones the first eligible execution.
	Delay time.Duration `json:"delay,omitempty"`

	// Attempts is the total execution budget, including the first run.
	Attempts int `json:"attempts"`

	// Backoff is the retry delay strategy. Nil retries immediately.
	Backoff *BackoffOptions `json:"backoff,omitempty"`

	// RemoveOnComplete drops the job record once it completes.
	RemoveOnComplete bool `json:"remove_on_complete,omitempty"`

	// RemoveOnFail drops the job record once it fails terminally.
	RemoveOnFail bool `json:"remove_on_fail,omitempty"`

	// JobID is a caller-supplied idempotent key. Empty means a generated
	// TypeID. Adding a second job with an existing ID returns the existing
	// job unchanged on backends that can look it up.
	JobID string `json:"job_id,omitempty"`

	// Repeat re-enqueues the job on a schedule. Backend support varies;
	// the memory adapter implements it, brokered shims reject it.
	Repeat *RepeatOptions `json:"repeat,omitempty"`

	// Timeout is the maximum duration one execution may run before its
	// context is cancelled. Zero means no deadline. Enforced by the
	// Timeout middleware.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DefaultOptions returns Options with sensible defaults: normal priority,
// a single execution, no delay.
func DefaultOptions() Options {
	return Options{
		Priority: PriorityNormal,
		Attempts: 1,
	}
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// Resolve applies opts on top of DefaultOptions.
func Resolve(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	return o
}

// WithPriority sets the job priority. Lower values run first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithDelay postpones the first eligible execution.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithAttempts sets the total execution budget, including the first run.
func WithAttempts(n int) Option {
	return func(o *Options) { o.Attempts = n }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(t backoff.Type, delay time.Duration) Option {
	return func(o *Options) { o.Backoff = &BackoffOptions{Type: t, Delay: delay} }
}

// WithFixedBackoff retries after a constant delay.
func WithFixedBackoff(delay time.Duration) Option {
	return WithBackoff(backoff.TypeFixed, delay)
}

// WithExponentialBackoff doubles the retry delay per attempt.
func WithExponentialBackoff(delay time.Duration) Option {
	return WithBackoff(backoff.TypeExponential, delay)
}

// WithJobID sets a caller-supplied idempotent job ID.
func WithJobID(jobID string) Option {
	return func(o *Options) { o.JobID = jobID }
}

// WithRemoveOnComplete drops the job record after successful completion.
func WithRemoveOnComplete() Option {
	return func(o *Options) { o.RemoveOnComplete = true }
}

// WithRemoveOnFail drops the job record after terminal failure.
func WithRemoveOnFail() Option {
	return func(o *Options) { o.RemoveOnFail = true }
}

// WithRepeatEvery re-enqueues the job at a fixed interval. A limit of zero
// means unbounded.
func WithRepeatEvery(every time.Duration, limit int) Option {
	return func(o *Options) { o.Repeat = &RepeatOptions{Every: every, Limit: limit} }
}

// WithRepeatPattern re-enqueues the job on a cron schedule
// (e.g. "*/5 * * * *" or "@every 30s").
func WithRepeatPattern(pattern string) Option {
	return func(o *Options) { o.Repeat = &RepeatOptions{Pattern: pattern} }
}

// WithRepeatUntil stops repetition at the given time. Applies to the
// Repeat options set by an earlier WithRepeatEvery/WithRepeatPattern.
func WithRepeatUntil(t time.Time) Option {
	return func(o *Options) {
		if o.Repeat != nil {
			o.Repeat.Until = t
		}
	}
}

// WithTimeout sets the maximum execution duration for one attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}
