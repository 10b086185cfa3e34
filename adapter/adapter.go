package adapter

import (
	"context"
	"time"

	"github.com/Moro-JS/moro-sub006/job"
)

// BulkJob is one entry of an AddBulk call.
type BulkJob struct {
	Payload []byte
	Opts    []job.Option
}

// Counts is a point-in-time census of a queue, recomputed per call.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

// Total returns the number of jobs across all states.
func (c Counts) Total() int {
	return c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed + c.Paused
}

// Adapter is the uniform contract over a queue backend.
type Adapter interface {
	// Name returns the backend's registry name.
	Name() string

	// Initialize prepares the adapter for use. It is idempotent and
	// re-arms a closed adapter. A backend that cannot be reached returns
	// moroq.ErrAdapterUnavailable wrapped around the cause.
	Initialize(ctx context.Context) error

	// Close stops processing and releases backend resources. In-flight
	// executions run to completion. The adapter returns to the
	// not-initialized state.
	Close(ctx context.Context) error

	// Add enqueues one job and returns the stored record. A duplicate
	// caller-supplied JobID is idempotent on backends that can look it
	// up: the existing job is returned unchanged.
	Add(ctx context.Context, queue string, payload []byte, opts ...job.Option) (*job.Job, error)

	// AddBulk enqueues several jobs in order.
	AddBulk(ctx context.Context, queue string, jobs []BulkJob) ([]*job.Job, error)

	// Process registers the handler for a queue and starts dispatching
	// with at most concurrency overlapping executions. A second call for
	// the same queue returns moroq.ErrProcessorExists.
	Process(queue string, concurrency int, handler job.Handler) error

	// GetJob returns a copy of the job, or (nil, nil) when absent.
	GetJob(ctx context.Context, queue, jobID string) (*job.Job, error)

	// GetJobs returns copies of the queue's jobs in the given states.
	// No states means all states.
	GetJobs(ctx context.Context, queue string, states ...job.State) ([]*job.Job, error)

	// RemoveJob deletes a job that is not active. Removing an absent or
	// already-removed job is a no-op.
	RemoveJob(ctx context.Context, queue, jobID string) error

	// RetryJob re-enqueues a failed job with a fresh attempt budget.
	RetryJob(ctx context.Context, queue, jobID string) error

	// PauseQueue freezes promotion of waiting and delayed jobs. In-flight
	// jobs run to completion.
	PauseQueue(ctx context.Context, queue string) error

	// ResumeQueue resumes a paused queue.
	ResumeQueue(ctx context.Context, queue string) error

	// JobCounts returns the queue census.
	JobCounts(ctx context.Context, queue string) (Counts, error)

	// Clean removes terminal jobs (completed or failed, per state) that
	// finished more than grace ago. It returns the number removed.
	Clean(ctx context.Context, queue string, grace time.Duration, state job.State) (int, error)

	// Obliterate removes every job in the queue, including active ones,
	// and the queue's own bookkeeping.
	Obliterate(ctx context.Context, queue string) error
}
