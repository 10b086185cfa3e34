package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/job"
)

var _ adapter.Adapter = (*Adapter)(nil)

// processor is one queue's registered handler plus its concurrency gate.
type processor struct {
	handler job.Handler
	sem     chan struct{}
	stop    chan struct{}
}

// dispatch is the per-queue loop: promote eligible delayed jobs, pop the
// best waiting job, and hand it to an executor goroutine. One dispatcher
// runs per registered processor.
func (a *Adapter) dispatch(qs *queueState, p *processor) {
	defer a.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		j, wait := a.next(qs)
		if j == nil {
			if wait <= 0 || wait > a.poll {
				wait = a.poll
			}
			timer := time.NewTimer(wait)
			select {
			case <-p.stop:
				timer.Stop()
				return
			case <-qs.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-p.stop:
			a.requeue(qs, j)
			return
		}

		a.wg.Add(1)
		go a.execute(qs, p, j)
	}
}

// next promotes eligible delayed jobs and claims the best waiting job,
// marking it active. It returns (nil, wait) when nothing is runnable,
// where wait hints how long the dispatcher may sleep.
func (a *Adapter) next(qs *queueState) (*job.Job, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	var soonest time.Duration

	for _, j := range qs.jobs {
		if j.State != job.StateDelayed {
			continue
		}
		if j.Eligible(now) {
			j.State = job.StateWaiting
			j.Touch()
			qs.waiting.Push(int64(j.Opts.Priority), j.ID)
			continue
		}
		if d := j.RunAt.Sub(now); soonest == 0 || d < soonest {
			soonest = d
		}
	}

	if qs.paused {
		return nil, soonest
	}

	for {
		id, ok := qs.waiting.Pop()
		if !ok {
			return nil, soonest
		}
		j, ok := qs.jobs[id]
		if !ok || j.State != job.StateWaiting {
			// Stale heap entry: the job was removed, obliterated, or
			// already claimed.
			continue
		}
		if a.limits != nil && !a.limits.Acquire(qs.name) {
			qs.waiting.Push(int64(j.Opts.Priority), id)
			return nil, 50 * time.Millisecond
		}
		j.MarkActive(now)
		return j, 0
	}
}

// requeue returns a claimed job to the waiting set (shutdown race).
func (a *Adapter) requeue(qs *queueState, j *job.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limits != nil {
		a.limits.Release(qs.name)
	}
	if stored, ok := qs.jobs[j.ID]; ok {
		stored.State = job.StateWaiting
		stored.AttemptsMade--
		qs.waiting.Push(int64(stored.Opts.Priority), stored.ID)
	}
}

// execute runs one claimed job through the middleware chain and applies
// the outcome: complete, retry with backoff, or terminal failure.
func (a *Adapter) execute(qs *queueState, p *processor, j *job.Job) {
	defer a.wg.Done()
	defer func() {
		<-p.sem
		if a.limits != nil {
			a.limits.Release(qs.name)
		}
		signal(qs.wake)
	}()

	ctx := context.Background()
	jc := job.NewContext(j.Clone(), a)
	a.hooks.EmitJobStarted(ctx, jc.Job)

	start := time.Now()
	res, err := a.run(ctx, p, jc)
	elapsed := time.Since(start)
	now := time.Now().UTC()

	a.mu.Lock()
	stored, ok := qs.jobs[j.ID]
	if !ok {
		// Obliterated mid-flight.
		a.mu.Unlock()
		return
	}

	if err == nil {
		var result []byte
		if res != nil {
			result, _ = json.Marshal(res)
		}
		stored.MarkCompleted(result, now)
		clone := stored.Clone()
		if stored.Opts.RemoveOnComplete {
			delete(qs.jobs, stored.ID)
		}
		a.scheduleRepeatLocked(qs, clone, now)
		a.mu.Unlock()

		a.collector.RecordCompleted(qs.name, elapsed)
		a.hooks.EmitJobCompleted(ctx, clone, elapsed)
		return
	}

	if stored.ShouldRetry() {
		delay := stored.RetryDelay()
		stored.ScheduleRetry(err.Error(), job.ErrorStack(err), delay, now)
		clone := stored.Clone()
		a.mu.Unlock()

		a.logger.Warn("job execution failed, retrying",
			slog.String("queue", qs.name),
			slog.String("job_id", clone.ID),
			slog.Int("attempt", clone.AttemptsMade),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		a.hooks.EmitJobRetrying(ctx, clone, clone.AttemptsMade, clone.RunAt)
		return
	}

	stored.MarkFailed(err.Error(), job.ErrorStack(err), now)
	clone := stored.Clone()
	if stored.Opts.RemoveOnFail {
		delete(qs.jobs, stored.ID)
	}
	a.scheduleRepeatLocked(qs, clone, now)
	a.mu.Unlock()

	a.collector.RecordFailed(qs.name, elapsed)
	a.hooks.EmitJobFailed(ctx, clone, err)
}

// run invokes the chained handler, converting panics the Recover
// middleware did not catch into errors.
func (a *Adapter) run(ctx context.Context, p *processor, jc *job.Context) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r, stack: string(debug.Stack())}
		}
	}()
	return p.handler(ctx, jc)
}

type panicError struct {
	val   any
	stack string
}

func (e *panicError) Error() string {
	return "memory: handler panicked: " + stringify(e.val)
}

// StackTrace returns the stack captured when the panic was recovered.
func (e *panicError) StackTrace() string { return e.stack }

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// scheduleRepeatLocked enqueues the next occurrence of a repeatable job
// after the current one reached a terminal state. Caller holds the
// mutex; done is a terminal-state clone of the finished job.
func (a *Adapter) scheduleRepeatLocked(qs *queueState, done *job.Job, now time.Time) {
	if done.Opts.Repeat == nil {
		return
	}
	rep, cont := done.Opts.Repeat.Decrement()
	if !cont {
		return
	}
	next, ok := rep.Next(now)
	if !ok {
		return
	}

	opts := done.Opts
	opts.Repeat = &rep
	opts.JobID = ""
	opts.Delay = 0

	nj := job.New(done.Queue, done.Payload, opts)
	nj.State = job.StateDelayed
	nj.RunAt = next
	qs.jobs[nj.ID] = nj
}
