package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/middleware"
)

// seq returns the enqueue sequence for index ordering.
func seq(j *job.Job) int64 { return j.CreatedAt.UnixNano() }

func loadJob(txn *badgerdb.Txn, queue, id string) (*job.Job, error) {
	item, err := txn.Get(jobKey(queue, id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moroq/badger: get job: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("moroq/badger: copy job: %w", err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("moroq/badger: decode job %s: %w", id, err)
	}
	return &j, nil
}

func storeJob(txn *badgerdb.Txn, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("moroq/badger: encode job: %w", err)
	}
	if err := txn.Set(jobKey(j.Queue, j.ID), data); err != nil {
		return fmt.Errorf("moroq/badger: store job: %w", err)
	}
	return nil
}

// dropIndexes removes a job's waiting and delayed index entries.
func dropIndexes(txn *badgerdb.Txn, j *job.Job) {
	_ = txn.Delete(waitingKey(j.Queue, j.Opts.Priority, seq(j), j.ID))
	_ = txn.Delete(delayedKey(j.Queue, j.RunAt.UnixNano(), j.ID))
}

// Add enqueues one job. A duplicate caller-supplied JobID is idempotent.
// Repeat options are not supported on badger.
func (a *Adapter) Add(_ context.Context, queue string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	o := job.Resolve(opts...)
	if o.Repeat != nil {
		return nil, fmt.Errorf("%w: repeatable jobs on badger", moroq.ErrUnsupported)
	}

	j := job.New(queue, payload, o)
	var existing *job.Job
	err := a.retryUpdate(func(txn *badgerdb.Txn) error {
		prev, err := loadJob(txn, queue, j.ID)
		if err != nil {
			return err
		}
		if prev != nil {
			existing = prev
			return nil
		}
		if err := storeJob(txn, j); err != nil {
			return err
		}
		if j.State == job.StateDelayed {
			return txn.Set(delayedKey(queue, j.RunAt.UnixNano(), j.ID), []byte(j.ID))
		}
		return txn.Set(waitingKey(queue, j.Opts.Priority, seq(j), j.ID), []byte(j.ID))
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Caller-supplied JobID already present: return the stored job.
		return existing, nil
	}

	a.hooks.EmitJobAdded(context.Background(), j)
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

		claimed, err := a.claim(queue)
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
			a.release(claimed)
			return
		}

		a.wg.Add(1)
		go a.execute(ctx, queue, p, claimed)
	}
}

// claim promotes due delayed jobs and claims the first waiting index
// entry. Returns nil when empty or paused.
func (a *Adapter) claim(queue string) (*job.Job, error) {
	var claimed *job.Job
	err := a.retryUpdate(func(txn *badgerdb.Txn) error {
		claimed = nil

		if _, err := txn.Get(pausedKey(queue)); err == nil {
			return nil
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		if err := promoteDelayed(txn, queue); err != nil {
			return err
		}

		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = waitingPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			idBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			j, err := loadJob(txn, queue, string(idBytes))
			if err != nil {
				return err
			}
			if j == nil || j.State != job.StateWaiting {
				// Stale index entry.
				_ = txn.Delete(it.Item().KeyCopy(nil))
				continue
			}

			j.MarkActive(time.Now().UTC())
			if err := storeJob(txn, j); err != nil {
				return err
			}
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
			claimed = j
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// promoteDelayed moves due delayed jobs to the waiting index.
func promoteDelayed(txn *badgerdb.Txn, queue string) error {
	now := time.Now().UTC().UnixNano()

	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = delayedPrefix(queue)
	it := txn.NewIterator(opts)
	defer it.Close()

	type promotion struct {
		key []byte
		id  string
	}
	var due []promotion
	for it.Seek(opts.Prefix); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if delayedRunAt(queue, key) > now {
			break
		}
		idBytes, err := it.Item().ValueCopy(nil)
		if err != nil {
			continue
		}
		due = append(due, promotion{key: key, id: string(idBytes)})
	}

	for _, p := range due {
		j, err := loadJob(txn, queue, p.id)
		if err != nil {
			return err
		}
		if err := txn.Delete(p.key); err != nil {
			return err
		}
		if j == nil || j.State != job.StateDelayed {
			continue
		}
		j.State = job.StateWaiting
		j.Touch()
		if err := storeJob(txn, j); err != nil {
			return err
		}
		if err := txn.Set(waitingKey(queue, j.Opts.Priority, seq(j), j.ID), []byte(j.ID)); err != nil {
			return err
		}
	}
	return nil
}

// release returns a claimed job to the waiting index (shutdown race).
func (a *Adapter) release(j *job.Job) {
	_ = a.retryUpdate(func(txn *badgerdb.Txn) error {
		j.State = job.StateWaiting
		j.AttemptsMade--
		j.Touch()
		if err := storeJob(txn, j); err != nil {
			return err
		}
		return txn.Set(waitingKey(j.Queue, j.Opts.Priority, seq(j), j.ID), []byte(j.ID))
	})
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
		perr := a.retryUpdate(func(txn *badgerdb.Txn) error {
			if j.Opts.RemoveOnComplete {
				return txn.Delete(jobKey(queue, j.ID))
			}
			return storeJob(txn, j)
		})
		if perr != nil {
			a.logger.Error("persist completion failed", slog.String("job_id", j.ID), slog.String("error", perr.Error()))
		}

		a.collector.RecordCompleted(queue, elapsed)
		a.hooks.EmitJobCompleted(ctx, j, elapsed)
		return
	}

	if j.ShouldRetry() {
		j.ScheduleRetry(err.Error(), job.ErrorStack(err), j.RetryDelay(), now)
		perr := a.retryUpdate(func(txn *badgerdb.Txn) error {
			if serr := storeJob(txn, j); serr != nil {
				return serr
			}
			return txn.Set(delayedKey(queue, j.RunAt.UnixNano(), j.ID), []byte(j.ID))
		})
		if perr != nil {
			a.logger.Error("persist retry failed", slog.String("job_id", j.ID), slog.String("error", perr.Error()))
		}
		a.hooks.EmitJobRetrying(ctx, j, j.AttemptsMade, j.RunAt)
		return
	}

	j.MarkFailed(err.Error(), job.ErrorStack(err), now)
	perr := a.retryUpdate(func(txn *badgerdb.Txn) error {
		if j.Opts.RemoveOnFail {
			return txn.Delete(jobKey(queue, j.ID))
		}
		return storeJob(txn, j)
	})
	if perr != nil {
		a.logger.Error("persist failure failed", slog.String("job_id", j.ID), slog.String("error", perr.Error()))
	}

	a.collector.RecordFailed(queue, elapsed)
	a.hooks.EmitJobFailed(ctx, j, err)
}

// GetJob returns the job, or (nil, nil) when absent.
func (a *Adapter) GetJob(_ context.Context, queue, jobID string) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	var j *job.Job
	err := a.db.View(func(txn *badgerdb.Txn) error {
		var verr error
		j, verr = loadJob(txn, queue, jobID)
		return verr
	})
	return j, err
}

// GetJobs returns the queue's jobs in the given states, in creation
// order. No states means all states.
func (a *Adapter) GetJobs(_ context.Context, queue string, states ...job.State) ([]*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	want := make(map[job.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var out []*job.Job
	err := a.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = jobPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var j job.Job
			if err := json.Unmarshal(data, &j); err != nil {
				return fmt.Errorf("moroq/badger: decode job: %w", err)
			}
			if len(want) > 0 && !want[j.State] {
				continue
			}
			out = append(out, &j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// RemoveJob deletes a non-active job. Absent jobs are a no-op.
func (a *Adapter) RemoveJob(_ context.Context, queue, jobID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.retryUpdate(func(txn *badgerdb.Txn) error {
		j, err := loadJob(txn, queue, jobID)
		if err != nil {
			return err
		}
		if j == nil {
			return nil
		}
		if j.State == job.StateActive {
			return fmt.Errorf("moroq/badger: cannot remove active job %s", jobID)
		}
		dropIndexes(txn, j)
		return txn.Delete(jobKey(queue, jobID))
	})
}

// RetryJob re-enqueues a failed job with a fresh attempt budget.
func (a *Adapter) RetryJob(_ context.Context, queue, jobID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.retryUpdate(func(txn *badgerdb.Txn) error {
		j, err := loadJob(txn, queue, jobID)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
		}
		if j.State != job.StateFailed {
			return fmt.Errorf("moroq/badger: retry requires a failed job, %s is %s", jobID, j.State)
		}

		j.State = job.StateWaiting
		j.AttemptsMade = 0
		j.FailedReason = ""
		j.FinishedAt = nil
		j.RunAt = time.Now().UTC()
		j.Touch()
		if err := storeJob(txn, j); err != nil {
			return err
		}
		return txn.Set(waitingKey(queue, j.Opts.Priority, seq(j), j.ID), []byte(j.ID))
	})
}

// PauseQueue freezes dispatch for a queue.
func (a *Adapter) PauseQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.retryUpdate(func(txn *badgerdb.Txn) error {
		return txn.Set(pausedKey(queue), []byte("1"))
	}); err != nil {
		return err
	}
	a.hooks.EmitQueuePaused(ctx, queue)
	return nil
}

// ResumeQueue resumes a paused queue.
func (a *Adapter) ResumeQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.retryUpdate(func(txn *badgerdb.Txn) error {
		return txn.Delete(pausedKey(queue))
	}); err != nil {
		return err
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
	var c adapter.Counts
	err := a.db.View(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(pausedKey(queue)); err == nil {
			paused = true
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = jobPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var j job.Job
			if err := json.Unmarshal(data, &j); err != nil {
				continue
			}
			switch j.State {
			case job.StateWaiting:
				if paused {
					c.Paused++
				} else {
					c.Waiting++
				}
			case job.StateDelayed:
				c.Delayed++
			case job.StateActive:
				c.Active++
			case job.StateCompleted:
				c.Completed++
			case job.StateFailed:
				c.Failed++
			}
		}
		return nil
	})
	return c, err
}

// Clean removes terminal jobs in the given state older than grace.
func (a *Adapter) Clean(_ context.Context, queue string, grace time.Duration, state job.State) (int, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return 0, fmt.Errorf("moroq/badger: clean supports completed or failed, got %q", state)
	}
	if err := a.ready(); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-grace)
	removed := 0
	err := a.retryUpdate(func(txn *badgerdb.Txn) error {
		removed = 0

		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = jobPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		var doomed [][]byte
		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var j job.Job
			if err := json.Unmarshal(data, &j); err != nil {
				continue
			}
			if j.State != state || j.FinishedAt == nil || j.FinishedAt.After(cutoff) {
				continue
			}
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Obliterate removes every job, index entry, and flag of a queue.
func (a *Adapter) Obliterate(_ context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.db.DropPrefix(
		jobPrefix(queue),
		waitingPrefix(queue),
		delayedPrefix(queue),
		pausedKey(queue),
	)
}

// UpdateProgress persists a handler's progress report. Part of the
// job.Recorder contract.
func (a *Adapter) UpdateProgress(_ context.Context, queue, jobID string, progress int) error {
	return a.retryUpdate(func(txn *badgerdb.Txn) error {
		j, err := loadJob(txn, queue, jobID)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
		}
		j.Progress = progress
		j.Touch()
		return storeJob(txn, j)
	})
}

// AppendLog persists a handler's log line. Part of the job.Recorder
// contract.
func (a *Adapter) AppendLog(_ context.Context, queue, jobID, msg string) error {
	return a.retryUpdate(func(txn *badgerdb.Txn) error {
		j, err := loadJob(txn, queue, jobID)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
		}
		j.Logs = append(j.Logs, msg)
		j.Touch()
		return storeJob(txn, j)
	})
}
