package job

import (
	"time"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/backoff"
	"github.com/Moro-JS/moro-sub006/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is eligible and waiting for a free slot.
	StateWaiting State = "waiting"
	// StateDelayed means the job is not yet eligible (delay or retry backoff).
	StateDelayed State = "delayed"
	// StateActive means a processor is currently executing the job.
	StateActive State = "active"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed and has no attempts remaining.
	StateFailed State = "failed"
)

// States lists every job state, in lifecycle order.
func States() []State {
	return []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}
}

// Job represents a unit of work to be processed through a queue adapter.
type Job struct {
	moroq.Entity

	ID           string     `json:"id"`
	Queue        string     `json:"queue"`
	Payload      []byte     `json:"payload"`
	State        State      `json:"state"`
	Progress     int        `json:"progress"`
	AttemptsMade int        `json:"attempts_made"`
	Result       []byte     `json:"result,omitempty"`
	FailedReason string     `json:"failed_reason,omitempty"`
	Stacktrace   []string   `json:"stacktrace,omitempty"`
	Logs         []string   `json:"logs,omitempty"`
	Opts         Options    `json:"opts"`
	RunAt        time.Time  `json:"run_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// New builds a Job for the given queue from resolved options. The ID is
// the caller-supplied Opts.JobID when present, a generated TypeID
// otherwise. Jobs with a delay start out delayed; all others waiting.
func New(queue string, payload []byte, opts Options) *Job {
	j := &Job{
		Entity:  moroq.NewEntity(),
		ID:      opts.JobID,
		Queue:   queue,
		Payload: payload,
		State:   StateWaiting,
		Opts:    opts,
		RunAt:   time.Now().UTC(),
	}
	if j.ID == "" {
		j.ID = id.NewJobID()
	}
	if opts.Delay > 0 {
		j.State = StateDelayed
		j.RunAt = j.RunAt.Add(opts.Delay)
	}
	return j
}

// Clone returns a deep copy. Adapters hand out clones so callers can
// mutate freely without racing with the adapter's own record.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	cp.Result = append([]byte(nil), j.Result...)
	cp.Stacktrace = append([]string(nil), j.Stacktrace...)
	cp.Logs = append([]string(nil), j.Logs...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// MarkActive transitions the job to active and counts the execution.
func (j *Job) MarkActive(now time.Time) {
	j.State = StateActive
	j.AttemptsMade++
	n := now
	j.StartedAt = &n
	j.Touch()
}

// MarkCompleted records a successful terminal state.
func (j *Job) MarkCompleted(result []byte, now time.Time) {
	j.State = StateCompleted
	j.Result = result
	j.Progress = 100
	n := now
	j.FinishedAt = &n
	j.Touch()
}

// MarkFailed records a terminal failure with the handler's error message
// and stack trace.
func (j *Job) MarkFailed(reason, stack string, now time.Time) {
	j.State = StateFailed
	j.FailedReason = reason
	if stack != "" {
		j.Stacktrace = append(j.Stacktrace, stack)
	}
	n := now
	j.FinishedAt = &n
	j.Touch()
}

// ScheduleRetry records a failed execution that will be retried: the job
// re-enters the delayed set, eligible again after delay.
func (j *Job) ScheduleRetry(reason, stack string, delay time.Duration, now time.Time) {
	j.State = StateDelayed
	j.FailedReason = reason
	if stack != "" {
		j.Stacktrace = append(j.Stacktrace, stack)
	}
	j.RunAt = now.Add(delay)
	j.Touch()
}

// ShouldRetry reports whether the job has executions remaining after a
// failure. Opts.Attempts is the total execution budget.
func (j *Job) ShouldRetry() bool {
	return j.AttemptsMade < j.Opts.Attempts
}

// RetryDelay computes the backoff delay for the job's next retry based on
// its options and the number of executions already made.
func (j *Job) RetryDelay() time.Duration {
	if j.Opts.Backoff == nil {
		return 0
	}
	s := backoff.ForType(j.Opts.Backoff.Type, j.Opts.Backoff.Delay)
	return s.Delay(j.AttemptsMade)
}

// Eligible reports whether the job may be promoted to waiting at now.
func (j *Job) Eligible(now time.Time) bool {
	return !j.RunAt.After(now)
}
