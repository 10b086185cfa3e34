// Package hook defines the listener system for queue lifecycle events.
// Listeners are notified when jobs are added, started, completed, failed,
// or retried, and when queues pause or resume — monitoring, alerting,
// and metrics all plug in here.
//
// Each lifecycle hook is a separate interface so listeners opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/Moro-JS/moro-sub006/job"
)

// Listener is the base interface all listeners must implement.
type Listener interface {
	// Name returns a unique human-readable name for the listener.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobAdded is called after a job is successfully enqueued.
type JobAdded interface {
	OnJobAdded(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a processor begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no executions left).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobProgress is called when a handler reports progress.
type JobProgress interface {
	OnJobProgress(ctx context.Context, j *job.Job, progress int) error
}

// ──────────────────────────────────────────────────
// Queue lifecycle hooks
// ──────────────────────────────────────────────────

// QueuePaused is called after a queue is paused.
type QueuePaused interface {
	OnQueuePaused(ctx context.Context, queue string) error
}

// QueueResumed is called after a paused queue resumes.
type QueueResumed interface {
	OnQueueResumed(ctx context.Context, queue string) error
}

// Shutdown is called during graceful adapter shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
