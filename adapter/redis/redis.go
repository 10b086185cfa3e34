// Package redis implements the queue adapter contract on Redis for
// high-throughput shared queues. Job records are stored as JSON strings,
// the dispatchable set is a Sorted Set scored by priority and enqueue
// time, and delayed jobs live in a second Sorted Set scored by their
// eligibility time.
//
// Usage:
//
//	a := redis.New(moroq.Config{Host: "localhost", Port: 6379})
//	if err := a.Initialize(ctx); err != nil { ... }
//
// or through the registry under the name "redis". Repeatable jobs are
// not supported; Add with Repeat options returns moroq.ErrUnsupported.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/hook"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/metrics"
	"github.com/Moro-JS/moro-sub006/middleware"
)

func init() {
	adapter.Register("redis", func(cfg moroq.Config) (adapter.Adapter, error) {
		return New(cfg), nil
	})
}

var _ adapter.Adapter = (*Adapter)(nil)

const defaultPollInterval = 250 * time.Millisecond

// Option configures the adapter.
type Option func(*Adapter)

// WithClient injects a Redis client. The caller owns its lifecycle;
// Close will not close an injected client.
func WithClient(c goredis.UniversalClient) Option {
	return func(a *Adapter) { a.client = c; a.ownsClient = false }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithHooks sets the lifecycle listener registry.
func WithHooks(r *hook.Registry) Option {
	return func(a *Adapter) { a.hooks = r }
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(a *Adapter) { a.collector = c }
}

// WithMiddleware wraps every registered handler.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(a *Adapter) { a.mws = append(a.mws, mws...) }
}

// WithPollInterval overrides the dispatcher poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) { a.poll = d }
}

// Adapter is the Redis-backed queue adapter.
type Adapter struct {
	cfg        moroq.Config
	client     goredis.UniversalClient
	ownsClient bool

	logger    *slog.Logger
	hooks     *hook.Registry
	collector *metrics.Collector
	mws       []middleware.Middleware
	poll      time.Duration

	mu          sync.Mutex
	initialized bool
	procs       map[string]*processor
	wg          sync.WaitGroup
}

type processor struct {
	handler job.Handler
	sem     chan struct{}
	stop    chan struct{}
}

// New creates a Redis adapter. Call Initialize before use.
func New(cfg moroq.Config, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:        cfg,
		ownsClient: true,
		poll:       defaultPollInterval,
		procs:      make(map[string]*processor),
	}
	for _, o := range opts {
		o(a)
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

// Name returns "redis".
func (a *Adapter) Name() string { return "redis" }

// Collector returns the adapter's metrics collector.
func (a *Adapter) Collector() *metrics.Collector { return a.collector }

// Hooks returns the adapter's lifecycle listener registry.
func (a *Adapter) Hooks() *hook.Registry { return a.hooks }

// databaseIndex parses Config.Database as the Redis DB index. Empty
// selects DB 0.
func databaseIndex(cfg moroq.Config) (int, error) {
	if cfg.Database == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cfg.Database)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("moroq/redis: invalid database index %q", cfg.Database)
	}
	return n, nil
}

// Initialize connects to Redis and verifies the connection. Idempotent.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	if a.client == nil {
		db, err := databaseIndex(a.cfg)
		if err != nil {
			return err
		}
		a.client = goredis.NewClient(&goredis.Options{
			Addr:        a.cfg.Addr(),
			Password:    a.cfg.Password,
			DB:          db,
			DialTimeout: a.cfg.DialTimeout,
		})
		a.ownsClient = true
	}
	if err := a.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping %s: %w", moroq.ErrAdapterUnavailable, a.cfg.Addr(), err)
	}
	a.initialized = true
	return nil
}

// Close stops dispatchers, waits for in-flight executions, and closes
// the client if the adapter owns it.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return nil
	}
	a.initialized = false
	for _, p := range a.procs {
		close(p.stop)
	}
	a.procs = make(map[string]*processor)
	a.mu.Unlock()

	a.wg.Wait()
	a.hooks.EmitShutdown(ctx)

	if a.ownsClient && a.client != nil {
		err := a.client.Close()
		a.client = nil
		return err
	}
	return nil
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return moroq.ErrNotInitialized
	}
	return nil
}

// loadJob fetches and decodes one job record. Absent keys return
// (nil, nil).
func (a *Adapter) loadJob(ctx context.Context, queue, id string) (*job.Job, error) {
	raw, err := a.client.Get(ctx, jobKey(queue, id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moroq/redis: get job: %w", err)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("moroq/redis: decode job %s: %w", id, err)
	}
	return &j, nil
}

// saveJob encodes and stores one job record.
func (a *Adapter) saveJob(ctx context.Context, pipe goredis.Cmdable, j *job.Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("moroq/redis: encode job %s: %w", j.ID, err)
	}
	return pipe.Set(ctx, jobKey(j.Queue, j.ID), raw, 0).Err()
}

// Add enqueues one job. A duplicate caller-supplied JobID is idempotent.
// Repeat options are not supported on Redis.
func (a *Adapter) Add(ctx context.Context, queue string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	o := job.Resolve(opts...)
	if o.Repeat != nil {
		return nil, fmt.Errorf("%w: repeatable jobs on redis", moroq.ErrUnsupported)
	}

	if o.JobID != "" {
		existing, err := a.loadJob(ctx, queue, o.JobID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	j := job.New(queue, payload, o)

	pipe := a.client.TxPipeline()
	if err := a.saveJob(ctx, pipe, j); err != nil {
		return nil, err
	}
	pipe.SAdd(ctx, idsKey(queue), j.ID)
	switch j.State {
	case job.StateWaiting:
		score := jobScore(j.Opts.Priority, j.CreatedAt.UnixMilli())
		pipe.ZAdd(ctx, waitingKey(queue), goredis.Z{Score: score, Member: j.ID})
	case job.StateDelayed:
		pipe.ZAdd(ctx, delayedKey(queue), goredis.Z{Score: float64(j.RunAt.UnixMilli()), Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("moroq/redis: enqueue job: %w", err)
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

// dispatch polls the queue: promote due delayed jobs, claim the best
// waiting job, execute.
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
			a.release(ctx, queue, claimed)
			return
		}

		a.wg.Add(1)
		go a.execute(ctx, queue, p, claimed)
	}
}

// claim promotes due delayed jobs and pops the lowest-score waiting job,
// marking it active. Returns nil when the queue is empty or paused.
func (a *Adapter) claim(ctx context.Context, queue string) (*job.Job, error) {
	paused, err := a.client.Exists(ctx, pausedKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("moroq/redis: paused check: %w", err)
	}
	if paused > 0 {
		return nil, nil
	}

	now := time.Now().UTC()

	// Promote delayed jobs whose RunAt has passed.
	due, err := a.client.ZRangeByScore(ctx, delayedKey(queue), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("moroq/redis: promote scan: %w", err)
	}
	for _, id := range due {
		j, err := a.loadJob(ctx, queue, id)
		if err != nil || j == nil {
			a.client.ZRem(ctx, delayedKey(queue), id)
			continue
		}
		j.State = job.StateWaiting
		j.Touch()
		pipe := a.client.TxPipeline()
		_ = a.saveJob(ctx, pipe, j)
		pipe.ZRem(ctx, delayedKey(queue), id)
		score := jobScore(j.Opts.Priority, j.CreatedAt.UnixMilli())
		pipe.ZAdd(ctx, waitingKey(queue), goredis.Z{Score: score, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("moroq/redis: promote: %w", err)
		}
	}

	// Claim the best waiting job.
	members, err := a.client.ZPopMin(ctx, waitingKey(queue), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("moroq/redis: zpopmin: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	id, _ := members[0].Member.(string)
	j, err := a.loadJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if j == nil || j.State != job.StateWaiting {
		return nil, nil
	}

	j.MarkActive(now)
	pipe := a.client.TxPipeline()
	_ = a.saveJob(ctx, pipe, j)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("moroq/redis: claim: %w", err)
	}
	return j, nil
}

// release returns a claimed job to the waiting set (shutdown race).
func (a *Adapter) release(ctx context.Context, queue string, j *job.Job) {
	j.State = job.StateWaiting
	j.AttemptsMade--
	pipe := a.client.TxPipeline()
	_ = a.saveJob(ctx, pipe, j)
	score := jobScore(j.Opts.Priority, j.CreatedAt.UnixMilli())
	pipe.ZAdd(ctx, waitingKey(queue), goredis.Z{Score: score, Member: j.ID})
	_, _ = pipe.Exec(ctx)
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

	// The context carries handler-side progress and logs.
	j = jc.Job

	if err == nil {
		var result []byte
		if res != nil {
			result, _ = json.Marshal(res)
		}
		j.MarkCompleted(result, now)
		pipe := a.client.TxPipeline()
		if j.Opts.RemoveOnComplete {
			pipe.Del(ctx, jobKey(queue, j.ID))
			pipe.SRem(ctx, idsKey(queue), j.ID)
		} else {
			_ = a.saveJob(ctx, pipe, j)
		}
		_, _ = pipe.Exec(ctx)

		a.collector.RecordCompleted(queue, elapsed)
		a.hooks.EmitJobCompleted(ctx, j, elapsed)
		return
	}

	if j.ShouldRetry() {
		delay := j.RetryDelay()
		j.ScheduleRetry(err.Error(), job.ErrorStack(err), delay, now)
		pipe := a.client.TxPipeline()
		_ = a.saveJob(ctx, pipe, j)
		pipe.ZAdd(ctx, delayedKey(queue), goredis.Z{Score: float64(j.RunAt.UnixMilli()), Member: j.ID})
		_, _ = pipe.Exec(ctx)

		a.hooks.EmitJobRetrying(ctx, j, j.AttemptsMade, j.RunAt)
		return
	}

	j.MarkFailed(err.Error(), job.ErrorStack(err), now)
	pipe := a.client.TxPipeline()
	if j.Opts.RemoveOnFail {
		pipe.Del(ctx, jobKey(queue, j.ID))
		pipe.SRem(ctx, idsKey(queue), j.ID)
	} else {
		_ = a.saveJob(ctx, pipe, j)
	}
	_, _ = pipe.Exec(ctx)

	a.collector.RecordFailed(queue, elapsed)
	a.hooks.EmitJobFailed(ctx, j, err)
}

// GetJob returns the job, or (nil, nil) when absent.
func (a *Adapter) GetJob(ctx context.Context, queue, jobID string) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return a.loadJob(ctx, queue, jobID)
}

// GetJobs returns the queue's jobs in the given states, in creation
// order. No states means all states.
func (a *Adapter) GetJobs(ctx context.Context, queue string, states ...job.State) ([]*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	ids, err := a.client.SMembers(ctx, idsKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("moroq/redis: list ids: %w", err)
	}

	want := make(map[job.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	out := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := a.loadJob(ctx, queue, id)
		if err != nil || j == nil {
			continue
		}
		if len(want) > 0 && !want[j.State] {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

// RemoveJob deletes a non-active job. Absent jobs are a no-op.
func (a *Adapter) RemoveJob(ctx context.Context, queue, jobID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	j, err := a.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}
	if j.State == job.StateActive {
		return fmt.Errorf("moroq/redis: cannot remove active job %s", jobID)
	}

	pipe := a.client.TxPipeline()
	pipe.Del(ctx, jobKey(queue, jobID))
	pipe.SRem(ctx, idsKey(queue), jobID)
	pipe.ZRem(ctx, waitingKey(queue), jobID)
	pipe.ZRem(ctx, delayedKey(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("moroq/redis: remove job: %w", err)
	}
	return nil
}

// RetryJob re-enqueues a failed job with a fresh attempt budget.
func (a *Adapter) RetryJob(ctx context.Context, queue, jobID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	j, err := a.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
	}
	if j.State != job.StateFailed {
		return fmt.Errorf("moroq/redis: retry requires a failed job, %s is %s", jobID, j.State)
	}

	j.State = job.StateWaiting
	j.AttemptsMade = 0
	j.FailedReason = ""
	j.FinishedAt = nil
	j.RunAt = time.Now().UTC()
	j.Touch()

	pipe := a.client.TxPipeline()
	_ = a.saveJob(ctx, pipe, j)
	score := jobScore(j.Opts.Priority, j.CreatedAt.UnixMilli())
	pipe.ZAdd(ctx, waitingKey(queue), goredis.Z{Score: score, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("moroq/redis: retry job: %w", err)
	}
	return nil
}

// PauseQueue freezes dispatch for a queue.
func (a *Adapter) PauseQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.client.Set(ctx, pausedKey(queue), "1", 0).Err(); err != nil {
		return fmt.Errorf("moroq/redis: pause: %w", err)
	}
	a.hooks.EmitQueuePaused(ctx, queue)
	return nil
}

// ResumeQueue resumes a paused queue.
func (a *Adapter) ResumeQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.client.Del(ctx, pausedKey(queue)).Err(); err != nil {
		return fmt.Errorf("moroq/redis: resume: %w", err)
	}
	a.hooks.EmitQueueResumed(ctx, queue)
	return nil
}

// JobCounts returns the queue census, recomputed per call.
func (a *Adapter) JobCounts(ctx context.Context, queue string) (adapter.Counts, error) {
	if err := a.ready(); err != nil {
		return adapter.Counts{}, err
	}
	paused, err := a.client.Exists(ctx, pausedKey(queue)).Result()
	if err != nil {
		return adapter.Counts{}, fmt.Errorf("moroq/redis: paused check: %w", err)
	}
	jobs, err := a.GetJobs(ctx, queue)
	if err != nil {
		return adapter.Counts{}, err
	}

	var c adapter.Counts
	for _, j := range jobs {
		switch j.State {
		case job.StateWaiting:
			if paused > 0 {
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

// Clean removes terminal jobs in the given state older than grace.
func (a *Adapter) Clean(ctx context.Context, queue string, grace time.Duration, state job.State) (int, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return 0, fmt.Errorf("moroq/redis: clean supports completed or failed, got %q", state)
	}
	if err := a.ready(); err != nil {
		return 0, err
	}

	jobs, err := a.GetJobs(ctx, queue, state)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-grace)
	removed := 0
	for _, j := range jobs {
		if j.FinishedAt == nil || j.FinishedAt.After(cutoff) {
			continue
		}
		pipe := a.client.TxPipeline()
		pipe.Del(ctx, jobKey(queue, j.ID))
		pipe.SRem(ctx, idsKey(queue), j.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("moroq/redis: clean: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Obliterate removes every job and all bookkeeping for the queue.
func (a *Adapter) Obliterate(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	ids, err := a.client.SMembers(ctx, idsKey(queue)).Result()
	if err != nil {
		return fmt.Errorf("moroq/redis: obliterate list: %w", err)
	}

	pipe := a.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, jobKey(queue, id))
	}
	pipe.Del(ctx, idsKey(queue), waitingKey(queue), delayedKey(queue), pausedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("moroq/redis: obliterate: %w", err)
	}
	return nil
}

// UpdateProgress persists a handler's progress report. Part of the
// job.Recorder contract.
func (a *Adapter) UpdateProgress(ctx context.Context, queue, jobID string, progress int) error {
	j, err := a.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
	}
	j.Progress = progress
	j.Touch()
	pipe := a.client.TxPipeline()
	_ = a.saveJob(ctx, pipe, j)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("moroq/redis: update progress: %w", err)
	}
	a.hooks.EmitJobProgress(ctx, j, progress)
	return nil
}

// AppendLog persists a handler's log line. Part of the job.Recorder
// contract.
func (a *Adapter) AppendLog(ctx context.Context, queue, jobID, msg string) error {
	j, err := a.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
	}
	j.Logs = append(j.Logs, msg)
	j.Touch()
	pipe := a.client.TxPipeline()
	_ = a.saveJob(ctx, pipe, j)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("moroq/redis: append log: %w", err)
	}
	return nil
}
