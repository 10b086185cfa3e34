package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/hook"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/metrics"
	"github.com/Moro-JS/moro-sub006/middleware"
	"github.com/Moro-JS/moro-sub006/pqueue"
	"github.com/Moro-JS/moro-sub006/queue"
)

func init() {
	adapter.Register("memory", func(moroq.Config) (adapter.Adapter, error) {
		return New(), nil
	})
}

// defaultPollInterval bounds how long the dispatcher sleeps when it has
// no timer to wait on.
const defaultPollInterval = 100 * time.Millisecond

// queueState holds one queue's jobs and dispatch bookkeeping. Guarded by
// the adapter mutex.
type queueState struct {
	name    string
	paused  bool
	jobs    map[string]*job.Job
	waiting *pqueue.Queue[string]
	proc    *processor
	wake    chan struct{}
}

func newQueueState(name string) *queueState {
	return &queueState{
		name:    name,
		jobs:    make(map[string]*job.Job),
		waiting: pqueue.New[string](),
		wake:    make(chan struct{}, 1),
	}
}

// Adapter is the in-memory queue adapter.
type Adapter struct {
	mu          sync.Mutex
	initialized bool
	queues      map[string]*queueState

	logger    *slog.Logger
	hooks     *hook.Registry
	collector *metrics.Collector
	limits    *queue.Manager
	mws       []middleware.Middleware
	poll      time.Duration

	wg sync.WaitGroup
}

// Option configures the adapter.
type Option func(*Adapter)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithHooks sets the lifecycle listener registry.
func WithHooks(r *hook.Registry) Option {
	return func(a *Adapter) { a.hooks = r }
}

// WithCollector sets the metrics collector fed on job completion and
// terminal failure.
func WithCollector(c *metrics.Collector) Option {
	return func(a *Adapter) { a.collector = c }
}

// WithQueueManager gates dispatch through per-queue rate and concurrency
// limits.
func WithQueueManager(m *queue.Manager) Option {
	return func(a *Adapter) { a.limits = m }
}

// WithMiddleware wraps every registered handler with the given
// middleware, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(a *Adapter) { a.mws = append(a.mws, mws...) }
}

// WithPollInterval overrides the dispatcher idle poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) { a.poll = d }
}

// New creates a memory adapter. Call Initialize before use.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		queues: make(map[string]*queueState),
		poll:   defaultPollInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.hooks == nil {
		a.hooks = hook.NewRegistry(a.logger)
	}
	if a.collector == nil {
		a.collector = metrics.NewCollector()
	}
	return a
}

// Name returns "memory".
func (a *Adapter) Name() string { return "memory" }

// Initialize arms the adapter. Idempotent; re-arms after Close, though
// processors must be registered again.
func (a *Adapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = true
	return nil
}

// Close stops all dispatchers, waits for in-flight executions to finish,
// and returns the adapter to the not-initialized state. Jobs are kept;
// a later Initialize + Process picks them up again.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return nil
	}
	a.initialized = false
	for _, qs := range a.queues {
		if qs.proc != nil {
			close(qs.proc.stop)
			qs.proc = nil
		}
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.hooks.EmitShutdown(ctx)
	return nil
}

// queueLocked returns the queue state, creating it on first touch.
// Caller holds the mutex.
func (a *Adapter) queueLocked(name string) *queueState {
	qs, ok := a.queues[name]
	if !ok {
		qs = newQueueState(name)
		a.queues[name] = qs
	}
	return qs
}

// Collector returns the adapter's metrics collector.
func (a *Adapter) Collector() *metrics.Collector { return a.collector }

// Hooks returns the adapter's lifecycle listener registry.
func (a *Adapter) Hooks() *hook.Registry { return a.hooks }

// Stats returns the metrics snapshot for one queue.
func (a *Adapter) Stats(queueName string) metrics.Stats {
	return a.collector.Queue(queueName)
}

// Add enqueues one job. A duplicate caller-supplied JobID is idempotent:
// the existing job is returned unchanged.
func (a *Adapter) Add(ctx context.Context, queueName string, payload []byte, opts ...job.Option) (*job.Job, error) {
	o := job.Resolve(opts...)
	if o.Repeat != nil {
		if err := o.Repeat.Validate(); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return nil, moroq.ErrNotInitialized
	}
	qs := a.queueLocked(queueName)

	if o.JobID != "" {
		if existing, ok := qs.jobs[o.JobID]; ok {
			clone := existing.Clone()
			a.mu.Unlock()
			return clone, nil
		}
	}

	j := job.New(queueName, payload, o)
	qs.jobs[j.ID] = j
	if j.State == job.StateWaiting {
		qs.waiting.Push(int64(j.Opts.Priority), j.ID)
	}
	clone := j.Clone()
	a.mu.Unlock()

	a.hooks.EmitJobAdded(ctx, clone)
	signal(qs.wake)
	return clone, nil
}

// AddBulk enqueues several jobs and returns them in input order.
func (a *Adapter) AddBulk(ctx context.Context, queueName string, jobs []adapter.BulkJob) ([]*job.Job, error) {
	out := make([]*job.Job, 0, len(jobs))
	for _, bj := range jobs {
		j, err := a.Add(ctx, queueName, bj.Payload, bj.Opts...)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Process registers the handler for a queue and starts its dispatcher.
func (a *Adapter) Process(queueName string, concurrency int, handler job.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return moroq.ErrNotInitialized
	}
	qs := a.queueLocked(queueName)
	if qs.proc != nil {
		return fmt.Errorf("%w: %q", moroq.ErrProcessorExists, queueName)
	}

	p := &processor{
		handler: middleware.Chain(a.mws...)(handler),
		sem:     make(chan struct{}, concurrency),
		stop:    make(chan struct{}),
	}
	qs.proc = p

	a.wg.Add(1)
	go a.dispatch(qs, p)

	a.logger.Info("processor registered",
		slog.String("queue", queueName),
		slog.Int("concurrency", concurrency),
	)
	return nil
}

// GetJob returns a copy of the job, or (nil, nil) when absent.
func (a *Adapter) GetJob(_ context.Context, queueName, jobID string) (*job.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return nil, moroq.ErrNotInitialized
	}
	qs, ok := a.queues[queueName]
	if !ok {
		return nil, nil
	}
	j, ok := qs.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

// GetJobs returns copies of the queue's jobs in the given states, in
// creation order. No states means all states.
func (a *Adapter) GetJobs(_ context.Context, queueName string, states ...job.State) ([]*job.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return nil, moroq.ErrNotInitialized
	}
	qs, ok := a.queues[queueName]
	if !ok {
		return nil, nil
	}

	want := make(map[job.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	out := make([]*job.Job, 0, len(qs.jobs))
	for _, j := range qs.jobs {
		if len(want) > 0 && !want[j.State] {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

// RemoveJob deletes a non-active job. Removing an absent job or from an
// unknown queue is a no-op.
func (a *Adapter) RemoveJob(_ context.Context, queueName, jobID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return moroq.ErrNotInitialized
	}
	qs, ok := a.queues[queueName]
	if !ok {
		return nil
	}
	j, ok := qs.jobs[jobID]
	if !ok {
		return nil
	}
	if j.State == job.StateActive {
		return fmt.Errorf("memory: cannot remove active job %s", jobID)
	}
	delete(qs.jobs, jobID)
	qs.waiting.Remove(func(id string) bool { return id == jobID })
	return nil
}

// RetryJob re-enqueues a failed job with a fresh attempt budget.
func (a *Adapter) RetryJob(_ context.Context, queueName, jobID string) error {
	a.mu.Lock()
	qs, ok := a.queues[queueName]
	if !a.initialized {
		a.mu.Unlock()
		return moroq.ErrNotInitialized
	}
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queueName, jobID)
	}
	j, ok := qs.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queueName, jobID)
	}
	if j.State != job.StateFailed {
		a.mu.Unlock()
		return fmt.Errorf("memory: retry requires a failed job, %s is %s", jobID, j.State)
	}

	j.State = job.StateWaiting
	j.AttemptsMade = 0
	j.FailedReason = ""
	j.FinishedAt = nil
	j.RunAt = time.Now().UTC()
	j.Touch()
	qs.waiting.Push(int64(j.Opts.Priority), j.ID)
	a.mu.Unlock()

	signal(qs.wake)
	return nil
}

// PauseQueue freezes promotion for a queue. In-flight jobs run to
// completion.
func (a *Adapter) PauseQueue(ctx context.Context, queueName string) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return moroq.ErrNotInitialized
	}
	qs := a.queueLocked(queueName)
	qs.paused = true
	a.mu.Unlock()

	a.hooks.EmitQueuePaused(ctx, queueName)
	return nil
}

// ResumeQueue resumes a paused queue; jobs enqueued while paused become
// dispatchable again.
func (a *Adapter) ResumeQueue(ctx context.Context, queueName string) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return moroq.ErrNotInitialized
	}
	qs := a.queueLocked(queueName)
	qs.paused = false
	a.mu.Unlock()

	a.hooks.EmitQueueResumed(ctx, queueName)
	signal(qs.wake)
	return nil
}

// JobCounts returns the queue census, recomputed per call. When the
// queue is paused its dispatchable jobs are reported under Paused.
func (a *Adapter) JobCounts(_ context.Context, queueName string) (adapter.Counts, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return adapter.Counts{}, moroq.ErrNotInitialized
	}
	qs, ok := a.queues[queueName]
	if !ok {
		return adapter.Counts{}, nil
	}

	var c adapter.Counts
	for _, j := range qs.jobs {
		switch j.State {
		case job.StateWaiting:
			if qs.paused {
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
	return c, nil
}

// Clean removes terminal jobs in the given state that finished more than
// grace ago and returns the number removed.
func (a *Adapter) Clean(_ context.Context, queueName string, grace time.Duration, state job.State) (int, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return 0, fmt.Errorf("memory: clean supports completed or failed, got %q", state)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return 0, moroq.ErrNotInitialized
	}
	qs, ok := a.queues[queueName]
	if !ok {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-grace)
	removed := 0
	for id, j := range qs.jobs {
		if j.State != state || j.FinishedAt == nil {
			continue
		}
		if j.FinishedAt.After(cutoff) {
			continue
		}
		delete(qs.jobs, id)
		removed++
	}
	return removed, nil
}

// Obliterate removes every job in the queue, active ones included, and
// resets its bookkeeping. The processor registration survives.
func (a *Adapter) Obliterate(_ context.Context, queueName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return moroq.ErrNotInitialized
	}
	qs, ok := a.queues[queueName]
	if !ok {
		return nil
	}
	qs.jobs = make(map[string]*job.Job)
	qs.waiting = pqueue.New[string]()
	qs.paused = false
	return nil
}

// UpdateProgress persists a handler's progress report. Part of the
// job.Recorder contract.
func (a *Adapter) UpdateProgress(ctx context.Context, queueName, jobID string, progress int) error {
	a.mu.Lock()
	qs, ok := a.queues[queueName]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queueName, jobID)
	}
	j, ok := qs.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queueName, jobID)
	}
	j.Progress = progress
	j.Touch()
	clone := j.Clone()
	a.mu.Unlock()

	a.hooks.EmitJobProgress(ctx, clone, progress)
	return nil
}

// AppendLog persists a handler's log line. Part of the job.Recorder
// contract.
func (a *Adapter) AppendLog(_ context.Context, queueName, jobID, msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	qs, ok := a.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queueName, jobID)
	}
	j, ok := qs.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queueName, jobID)
	}
	j.Logs = append(j.Logs, msg)
	j.Touch()
	return nil
}

// signal wakes a dispatcher without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
