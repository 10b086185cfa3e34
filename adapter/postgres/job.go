package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/middleware"
)

// jobColumns is the canonical column list for SELECT/RETURNING.
const jobColumns = `id, queue, payload, state, progress, attempts_made,
	result, failed_reason, stacktrace, logs, opts,
	run_at, started_at, finished_at, created_at, updated_at`

// scanJob decodes one row in jobColumns order.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j       job.Job
		state   string
		optsRaw []byte
	)
	err := row.Scan(
		&j.ID, &j.Queue, &j.Payload, &state, &j.Progress, &j.AttemptsMade,
		&j.Result, &j.FailedReason, &j.Stacktrace, &j.Logs, &optsRaw,
		&j.RunAt, &j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.State = job.State(state)
	if err := json.Unmarshal(optsRaw, &j.Opts); err != nil {
		return nil, fmt.Errorf("moroq/postgres: decode opts for %s: %w", j.ID, err)
	}
	return &j, nil
}

func (a *Adapter) insertJob(ctx context.Context, j *job.Job) (bool, error) {
	optsRaw, err := json.Marshal(j.Opts)
	if err != nil {
		return false, fmt.Errorf("moroq/postgres: encode opts: %w", err)
	}
	tag, err := a.pool.Exec(ctx, `
		INSERT INTO moroq_jobs (
			id, queue, payload, state, priority, progress, attempts_made,
			result, failed_reason, stacktrace, logs, opts,
			run_at, started_at, finished_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.Queue, j.Payload, string(j.State), j.Opts.Priority,
		j.Progress, j.AttemptsMade,
		j.Result, j.FailedReason, j.Stacktrace, j.Logs, optsRaw,
		j.RunAt, j.StartedAt, j.FinishedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("moroq/postgres: insert job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *Adapter) updateJob(ctx context.Context, j *job.Job) error {
	_, err := a.pool.Exec(ctx, `
		UPDATE moroq_jobs SET
			state = $2, progress = $3, attempts_made = $4, result = $5,
			failed_reason = $6, stacktrace = $7, logs = $8,
			run_at = $9, started_at = $10, finished_at = $11, updated_at = $12
		WHERE id = $1`,
		j.ID, string(j.State), j.Progress, j.AttemptsMade, j.Result,
		j.FailedReason, j.Stacktrace, j.Logs,
		j.RunAt, j.StartedAt, j.FinishedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("moroq/postgres: update job: %w", err)
	}
	return nil
}

// Add enqueues one job. A duplicate caller-supplied JobID is idempotent.
// Repeat options are not supported on postgres.
func (a *Adapter) Add(ctx context.Context, queue string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	o := job.Resolve(opts...)
	if o.Repeat != nil {
		return nil, fmt.Errorf("%w: repeatable jobs on postgres", moroq.ErrUnsupported)
	}

	j := job.New(queue, payload, o)
	inserted, err := a.insertJob(ctx, j)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Caller-supplied JobID already present: return the stored job.
		return a.GetJob(ctx, queue, j.ID)
	}

	a.hooks.EmitJobAdded(ctx, j)
	return j, nil
}

// AddBulk enqueues several jobs in input order.
func (a *Adapter) AddBulk(ctx context.Context, queue string, jobs []adapter.BulkJob) ([]*job.Job, error) {
	out := make([]*job.Job, 0, len(jobs))
	for _, bj := range jobs {
		j, err := a.Add(ctx, queue, bj.Payload, bj.Opts...)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Process registers the handler for a queue and starts its dispatcher.
func (a *Adapter) Process(queue string, concurrency int, handler job.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return moroq.ErrNotInitialized
	}
	if _, ok := a.procs[queue]; ok {
		return fmt.Errorf("%w: %q", moroq.ErrProcessorExists, queue)
	}

	p := &processor{
		handler: middleware.Chain(a.mws...)(handler),
		sem:     make(chan struct{}, concurrency),
		stop:    make(chan struct{}),
	}
	a.procs[queue] = p

	a.wg.Add(1)
	go a.dispatch(queue, p)
	return nil
}

func (a *Adapter) dispatch(queue string, p *processor) {
	defer a.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		claimed, err := a.claim(ctx, queue)
		if err != nil {
			a.logger.Error("dispatch claim failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
		if claimed == nil {
			timer := time.NewTimer(a.poll)
			select {
			case <-p.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-p.stop:
			a.release(ctx, claimed)
			return
		}

		a.wg.Add(1)
		go a.execute(ctx, queue, p, claimed)
	}
}

// claim promotes due delayed jobs and atomically claims the best waiting
// job via FOR UPDATE SKIP LOCKED. Returns nil when empty or paused.
func (a *Adapter) claim(ctx context.Context, queue string) (*job.Job, error) {
	var paused bool
	err := a.pool.QueryRow(ctx,
		`SELECT paused FROM moroq_queues WHERE name = $1`, queue,
	).Scan(&paused)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("moroq/postgres: paused check: %w", err)
	}
	if paused {
		return nil, nil
	}

	if _, err := a.pool.Exec(ctx, `
		UPDATE moroq_jobs SET state = 'waiting', updated_at = NOW()
		WHERE queue = $1 AND state = 'delayed' AND run_at <= NOW()`,
		queue,
	); err != nil {
		return nil, fmt.Errorf("moroq/postgres: promote delayed: %w", err)
	}

	row := a.pool.QueryRow(ctx, `
		WITH claimed AS (
			SELECT id FROM moroq_jobs
			WHERE queue = $1 AND state = 'waiting'
			ORDER BY priority ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE moroq_jobs j SET
			state = 'active',
			attempts_made = j.attempts_made + 1,
			started_at = NOW(),
			updated_at = NOW()
		FROM claimed WHERE j.id = claimed.id
		RETURNING j.id, j.queue, j.payload, j.state, j.progress, j.attempts_made,
			j.result, j.failed_reason, j.stacktrace, j.logs, j.opts,
			j.run_at, j.started_at, j.finished_at, j.created_at, j.updated_at`,
		queue,
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moroq/postgres: claim: %w", err)
	}
	return j, nil
}

// release returns a claimed job to the waiting set (shutdown race).
func (a *Adapter) release(ctx context.Context, j *job.Job) {
	_, _ = a.pool.Exec(ctx, `
		UPDATE moroq_jobs SET
			state = 'waiting',
			attempts_made = attempts_made - 1,
			updated_at = NOW()
		WHERE id = $1`,
		j.ID,
	)
}

// execute runs one claimed job and persists the outcome.
func (a *Adapter) execute(ctx context.Context, queue string, p *processor, j *job.Job) {
	defer a.wg.Done()
	defer func() { <-p.sem }()

	jc := job.NewContext(j.Clone(), a)
	a.hooks.EmitJobStarted(ctx, jc.Job)

	start := time.Now()
	res, err := p.handler(ctx, jc)
	elapsed := time.Since(start)
	now := time.Now().UTC()

	j = jc.Job

	if err == nil {
		var result []byte
		if res != nil {
			result, _ = json.Marshal(res)
		}
		j.MarkCompleted(result, now)
		if j.Opts.RemoveOnComplete {
			_, _ = a.pool.Exec(ctx, `DELETE FROM moroq_jobs WHERE id = $1`, j.ID)
		} else if uerr := a.updateJob(ctx, j); uerr != nil {
			a.logger.Error("persist completion failed", slog.String("job_id", j.ID), slog.String("error", uerr.Error()))
		}

		a.collector.RecordCompleted(queue, elapsed)
		a.hooks.EmitJobCompleted(ctx, j, elapsed)
		return
	}

	if j.ShouldRetry() {
		j.ScheduleRetry(err.Error(), job.ErrorStack(err), j.RetryDelay(), now)
		if uerr := a.updateJob(ctx, j); uerr != nil {
			a.logger.Error("persist retry failed", slog.String("job_id", j.ID), slog.String("error", uerr.Error()))
		}
		a.hooks.EmitJobRetrying(ctx, j, j.AttemptsMade, j.RunAt)
		return
	}

	j.MarkFailed(err.Error(), job.ErrorStack(err), now)
	if j.Opts.RemoveOnFail {
		_, _ = a.pool.Exec(ctx, `DELETE FROM moroq_jobs WHERE id = $1`, j.ID)
	} else if uerr := a.updateJob(ctx, j); uerr != nil {
		a.logger.Error("persist failure failed", slog.String("job_id", j.ID), slog.String("error", uerr.Error()))
	}

	a.collector.RecordFailed(queue, elapsed)
	a.hooks.EmitJobFailed(ctx, j, err)
}

// GetJob returns the job, or (nil, nil) when absent.
func (a *Adapter) GetJob(ctx context.Context, queue, jobID string) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	row := a.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM moroq_jobs WHERE id = $1 AND queue = $2`,
		jobID, queue,
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moroq/postgres: get job: %w", err)
	}
	return j, nil
}

// GetJobs returns the queue's jobs in the given states, in creation
// order. No states means all states.
func (a *Adapter) GetJobs(ctx context.Context, queue string, states ...job.State) ([]*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	stateNames := make([]string, len(states))
	for i, s := range states {
		stateNames[i] = string(s)
	}

	query := `SELECT ` + jobColumns + ` FROM moroq_jobs WHERE queue = $1`
	args := []any{queue}
	if len(stateNames) > 0 {
		query += ` AND state = ANY($2)`
		args = append(args, stateNames)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("moroq/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("moroq/postgres: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RemoveJob deletes a non-active job. Absent jobs are a no-op.
func (a *Adapter) RemoveJob(ctx context.Context, queue, jobID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	var state string
	err := a.pool.QueryRow(ctx,
		`SELECT state FROM moroq_jobs WHERE id = $1 AND queue = $2`,
		jobID, queue,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("moroq/postgres: remove lookup: %w", err)
	}
	if job.State(state) == job.StateActive {
		return fmt.Errorf("moroq/postgres: cannot remove active job %s", jobID)
	}
	if _, err := a.pool.Exec(ctx,
		`DELETE FROM moroq_jobs WHERE id = $1 AND state <> 'active'`, jobID,
	); err != nil {
		return fmt.Errorf("moroq/postgres: remove job: %w", err)
	}
	return nil
}

// RetryJob re-enqueues a failed job with a fresh attempt budget.
func (a *Adapter) RetryJob(ctx context.Context, queue, jobID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	tag, err := a.pool.Exec(ctx, `
		UPDATE moroq_jobs SET
			state = 'waiting', attempts_made = 0, failed_reason = '',
			finished_at = NULL, run_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND queue = $2 AND state = 'failed'`,
		jobID, queue,
	)
	if err != nil {
		return fmt.Errorf("moroq/postgres: retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		j, gerr := a.GetJob(ctx, queue, jobID)
		if gerr != nil {
			return gerr
		}
		if j == nil {
			return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
		}
		return fmt.Errorf("moroq/postgres: retry requires a failed job, %s is %s", jobID, j.State)
	}
	return nil
}

// PauseQueue freezes dispatch for a queue.
func (a *Adapter) PauseQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if _, err := a.pool.Exec(ctx, `
		INSERT INTO moroq_queues (name, paused) VALUES ($1, TRUE)
		ON CONFLICT (name) DO UPDATE SET paused = TRUE`,
		queue,
	); err != nil {
		return fmt.Errorf("moroq/postgres: pause: %w", err)
	}
	a.hooks.EmitQueuePaused(ctx, queue)
	return nil
}

// ResumeQueue resumes a paused queue.
func (a *Adapter) ResumeQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if _, err := a.pool.Exec(ctx, `
		INSERT INTO moroq_queues (name, paused) VALUES ($1, FALSE)
		ON CONFLICT (name) DO UPDATE SET paused = FALSE`,
		queue,
	); err != nil {
		return fmt.Errorf("moroq/postgres: resume: %w", err)
	}
	a.hooks.EmitQueueResumed(ctx, queue)
	return nil
}

// JobCounts returns the queue census, recomputed per call.
func (a *Adapter) JobCounts(ctx context.Context, queue string) (adapter.Counts, error) {
	if err := a.ready(); err != nil {
		return adapter.Counts{}, err
	}

	var paused bool
	err := a.pool.QueryRow(ctx,
		`SELECT paused FROM moroq_queues WHERE name = $1`, queue,
	).Scan(&paused)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return adapter.Counts{}, fmt.Errorf("moroq/postgres: paused check: %w", err)
	}

	rows, err := a.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM moroq_jobs WHERE queue = $1 GROUP BY state`,
		queue,
	)
	if err != nil {
		return adapter.Counts{}, fmt.Errorf("moroq/postgres: counts: %w", err)
	}
	defer rows.Close()

	var c adapter.Counts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return adapter.Counts{}, fmt.Errorf("moroq/postgres: scan counts: %w", err)
		}
		switch job.State(state) {
		case job.StateWaiting:
			if paused {
				c.Paused += n
			} else {
				c.Waiting += n
			}
		case job.StateDelayed:
			c.Delayed += n
		case job.StateActive:
			c.Active += n
		case job.StateCompleted:
			c.Completed += n
		case job.StateFailed:
			c.Failed += n
		}
	}
	return c, rows.Err()
}

// Clean removes terminal jobs in the given state older than grace.
func (a *Adapter) Clean(ctx context.Context, queue string, grace time.Duration, state job.State) (int, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return 0, fmt.Errorf("moroq/postgres: clean supports completed or failed, got %q", state)
	}
	if err := a.ready(); err != nil {
		return 0, err
	}
	tag, err := a.pool.Exec(ctx, `
		DELETE FROM moroq_jobs
		WHERE queue = $1 AND state = $2 AND finished_at <= $3`,
		queue, string(state), time.Now().UTC().Add(-grace),
	)
	if err != nil {
		return 0, fmt.Errorf("moroq/postgres: clean: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Obliterate removes every job and the queue's bookkeeping row.
func (a *Adapter) Obliterate(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if _, err := a.pool.Exec(ctx, `DELETE FROM moroq_jobs WHERE queue = $1`, queue); err != nil {
		return fmt.Errorf("moroq/postgres: obliterate jobs: %w", err)
	}
	if _, err := a.pool.Exec(ctx, `DELETE FROM moroq_queues WHERE name = $1`, queue); err != nil {
		return fmt.Errorf("moroq/postgres: obliterate queue: %w", err)
	}
	return nil
}

// UpdateProgress persists a handler's progress report. Part of the
// job.Recorder contract.
func (a *Adapter) UpdateProgress(ctx context.Context, queue, jobID string, progress int) error {
	tag, err := a.pool.Exec(ctx,
		`UPDATE moroq_jobs SET progress = $3, updated_at = NOW() WHERE id = $1 AND queue = $2`,
		jobID, queue, progress,
	)
	if err != nil {
		return fmt.Errorf("moroq/postgres: update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
	}
	return nil
}

// AppendLog persists a handler's log line. Part of the job.Recorder
// contract.
func (a *Adapter) AppendLog(ctx context.Context, queue, jobID, msg string) error {
	tag, err := a.pool.Exec(ctx,
		`UPDATE moroq_jobs SET logs = array_append(logs, $3), updated_at = NOW()
		 WHERE id = $1 AND queue = $2`,
		jobID, queue, msg,
	)
	if err != nil {
		return fmt.Errorf("moroq/postgres: append log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
	}
	return nil
}
