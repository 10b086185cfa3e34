package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Moro-JS/moro-sub006/job"
)

// Add marshals payload as JSON and enqueues it. Handlers typically read
// it back with job.Context.Bind.
func Add[T any](ctx context.Context, a Adapter, queue string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("moroq: encode payload: %w", err)
	}
	return a.Add(ctx, queue, data, opts...)
}

// AddBulk marshals each payload as JSON and enqueues them in order with
// shared options.
func AddBulk[T any](ctx context.Context, a Adapter, queue string, payloads []T, opts ...job.Option) ([]*job.Job, error) {
	jobs := make([]BulkJob, 0, len(payloads))
	for _, p := range payloads {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("moroq: encode payload: %w", err)
		}
		jobs = append(jobs, BulkJob{Payload: data, Opts: opts})
	}
	return a.AddBulk(ctx, queue, jobs)
}
