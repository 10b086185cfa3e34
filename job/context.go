package job

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler processes one execution of a job. The returned value, when
// non-nil, is JSON-marshalled into the job's Result. A non-nil error
// triggers the retry/failure path.
type Handler func(ctx context.Context, jc *Context) (any, error)

// Recorder persists in-flight job updates. Adapters implement it so that
// progress and log lines written by a handler survive the execution.
type Recorder interface {
	// UpdateProgress stores the job's progress percentage.
	UpdateProgress(ctx context.Context, queue, jobID string, progress int) error

	// AppendLog appends a log line to the job's log.
	AppendLog(ctx context.Context, queue, jobID, msg string) error
}

// Context is the handler's live view of a job during execution. It wraps
// the job record and forwards progress and log updates to the adapter.
type Context struct {
	*Job

	rec Recorder
}

// NewContext wraps a job for handler execution. rec may be nil, in which
// case updates mutate only the local copy.
func NewContext(j *Job, rec Recorder) *Context {
	return &Context{Job: j, rec: rec}
}

// Bind unmarshals the job payload into v.
func (c *Context) Bind(v any) error {
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("job: bind payload: %w", err)
	}
	return nil
}

// UpdateProgress sets the job's progress, clamped to [0, 100], and
// persists it through the adapter.
func (c *Context) UpdateProgress(ctx context.Context, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	c.Progress = progress
	if c.rec == nil {
		return nil
	}
	return c.rec.UpdateProgress(ctx, c.Queue, c.ID, progress)
}

// Log appends a line to the job's log and persists it through the adapter.
func (c *Context) Log(ctx context.Context, msg string) error {
	c.Logs = append(c.Logs, msg)
	if c.rec == nil {
		return nil
	}
	return c.rec.AppendLog(ctx, c.Queue, c.ID, msg)
}
