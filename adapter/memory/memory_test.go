package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/middleware"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := New(WithPollInterval(5 * time.Millisecond))
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

func TestAddReturnsStoredJob(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	j, err := a.Add(context.Background(), "q", []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if string(j.Payload) != `{"x":1}` {
		t.Fatalf("payload = %s", j.Payload)
	}
	if j.Progress != 0 || j.AttemptsMade != 0 {
		t.Fatalf("progress=%d attempts=%d, want 0/0", j.Progress, j.AttemptsMade)
	}
	if j.State != job.StateWaiting {
		t.Fatalf("state = %q", j.State)
	}
}

func TestAddBulkPreservesOrder(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	jobs, err := a.AddBulk(context.Background(), "q", []adapter.BulkJob{
		{Payload: []byte(`{"id":1}`)},
		{Payload: []byte(`{"id":2}`), Opts: []job.Option{job.WithPriority(5)}},
	})
	if err != nil {
		t.Fatalf("AddBulk: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if string(jobs[0].Payload) != `{"id":1}` || string(jobs[1].Payload) != `{"id":2}` {
		t.Fatalf("order lost: %s, %s", jobs[0].Payload, jobs[1].Payload)
	}
	if jobs[1].Opts.Priority != 5 {
		t.Fatalf("second job priority = %d, want 5", jobs[1].Opts.Priority)
	}
}

func TestRequiresInitialize(t *testing.T) {
	t.Parallel()

	a := New()
	if _, err := a.Add(context.Background(), "q", nil); !errors.Is(err, moroq.ErrNotInitialized) {
		t.Fatalf("Add before Initialize: %v", err)
	}
	if err := a.Process("q", 1, nil); !errors.Is(err, moroq.ErrNotInitialized) {
		t.Fatalf("Process before Initialize: %v", err)
	}
}

func TestDuplicateJobIDIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	first, err := a.Add(ctx, "q", []byte(`{"v":1}`), job.WithJobID("invoice-7"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := a.Add(ctx, "q", []byte(`{"v":2}`), job.WithJobID("invoice-7"))
	if err != nil {
		t.Fatalf("duplicate Add: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("IDs differ: %s vs %s", first.ID, second.ID)
	}
	if string(second.Payload) != `{"v":1}` {
		t.Fatalf("existing job mutated: %s", second.Payload)
	}

	counts, _ := a.JobCounts(ctx, "q")
	if counts.Total() != 1 {
		t.Fatalf("total jobs = %d, want 1", counts.Total())
	}
}

func TestSecondProcessorRejected(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	h := func(context.Context, *job.Context) (any, error) { return nil, nil }

	if err := a.Process("q", 1, h); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if err := a.Process("q", 1, h); !errors.Is(err, moroq.ErrProcessorExists) {
		t.Fatalf("second Process: %v, want ErrProcessorExists", err)
	}
	if err := a.Process("other", 1, h); err != nil {
		t.Fatalf("Process on another queue: %v", err)
	}
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	var invocations atomic.Int32
	_ = a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		invocations.Add(1)
		return nil, errors.New("always fails")
	})

	added, err := a.Add(ctx, "q", nil, job.WithAttempts(2))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 3*time.Second, "job to fail", func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateFailed
	})

	if got := invocations.Load(); got != 2 {
		t.Fatalf("handler invoked %d times, want exactly 2", got)
	}
	j, _ := a.GetJob(ctx, "q", added.ID)
	if j.FailedReason == "" {
		t.Fatal("FailedReason not set")
	}
	if j.AttemptsMade != 2 {
		t.Fatalf("AttemptsMade = %d, want 2", j.AttemptsMade)
	}
	// One stack entry per failed execution: the retry plus the terminal
	// failure.
	if len(j.Stacktrace) != 2 {
		t.Fatalf("len(Stacktrace) = %d, want 2", len(j.Stacktrace))
	}
	for i, s := range j.Stacktrace {
		if !strings.Contains(s, "always fails") {
			t.Fatalf("Stacktrace[%d] = %q, want error detail", i, s)
		}
	}
}

func TestPriorityClassificationDoesNotPersist(t *testing.T) {
	t.Parallel()

	a := New(
		WithPollInterval(5*time.Millisecond),
		WithMiddleware(middleware.Priority(func(*job.Context) int { return job.PriorityCritical })),
	)
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	ctx := context.Background()

	var seen atomic.Int32
	_ = a.Process("q", 1, func(_ context.Context, jc *job.Context) (any, error) {
		seen.Store(int32(jc.Opts.Priority))
		return nil, nil
	})

	added, err := a.Add(ctx, "q", nil, job.WithPriority(job.PriorityLow))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 3*time.Second, "job to complete", func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateCompleted
	})

	if got := seen.Load(); got != job.PriorityCritical {
		t.Fatalf("handler saw priority %d, want classified %d", got, job.PriorityCritical)
	}
	// Classification annotates the execution only; the stored record keeps
	// its enqueue-time priority.
	j, _ := a.GetJob(ctx, "q", added.ID)
	if j.Opts.Priority != job.PriorityLow {
		t.Fatalf("stored priority = %d, want %d", j.Opts.Priority, job.PriorityLow)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	var invocations atomic.Int32
	_ = a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		if invocations.Add(1) <= 2 {
			return nil, errors.New("not yet")
		}
		return "done", nil
	})

	added, _ := a.Add(ctx, "q", nil, job.WithAttempts(3))

	waitFor(t, 3*time.Second, "job to complete", func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateCompleted
	})

	j, _ := a.GetJob(ctx, "q", added.ID)
	if j.AttemptsMade != 3 {
		t.Fatalf("AttemptsMade = %d, want 3", j.AttemptsMade)
	}
	if string(j.Result) != `"done"` {
		t.Fatalf("Result = %s", j.Result)
	}
	if j.Progress != 100 {
		t.Fatalf("Progress = %d, want 100", j.Progress)
	}
}

func TestDelayHonored(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	var executions atomic.Int32
	_ = a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		executions.Add(1)
		return nil, nil
	})

	_, _ = a.Add(ctx, "q", nil, job.WithDelay(200*time.Millisecond))

	time.Sleep(100 * time.Millisecond)
	if got := executions.Load(); got != 0 {
		t.Fatalf("executed %d times at t=100ms, want 0", got)
	}

	waitFor(t, 2*time.Second, "delayed job to run", func() bool {
		return executions.Load() == 1
	})
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	j, _ := a.Add(ctx, "q", nil)
	if err := a.RemoveJob(ctx, "q", j.ID); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}

	got, err := a.GetJob(ctx, "q", j.ID)
	if err != nil || got != nil {
		t.Fatalf("GetJob after remove = %v, %v; want nil, nil", got, err)
	}

	if err := a.RemoveJob(ctx, "q", j.ID); err != nil {
		t.Fatalf("second RemoveJob: %v", err)
	}
	if err := a.RemoveJob(ctx, "no-such-queue", "nope"); err != nil {
		t.Fatalf("RemoveJob on unknown queue: %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	var executions atomic.Int32
	_ = a.Process("q", 2, func(context.Context, *job.Context) (any, error) {
		executions.Add(1)
		return nil, nil
	})

	if err := a.PauseQueue(ctx, "q"); err != nil {
		t.Fatalf("PauseQueue: %v", err)
	}
	for range 3 {
		_, _ = a.Add(ctx, "q", nil)
	}

	time.Sleep(100 * time.Millisecond)
	if got := executions.Load(); got != 0 {
		t.Fatalf("executed %d jobs while paused, want 0", got)
	}

	counts, _ := a.JobCounts(ctx, "q")
	if counts.Paused != 3 {
		t.Fatalf("paused count = %d, want 3", counts.Paused)
	}

	if err := a.ResumeQueue(ctx, "q"); err != nil {
		t.Fatalf("ResumeQueue: %v", err)
	}
	waitFor(t, 3*time.Second, "paused jobs to drain", func() bool {
		return executions.Load() == 3
	})
}

func TestPriorityDispatchOrder(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	_ = a.Process("q", 1, func(_ context.Context, jc *job.Context) (any, error) {
		mu.Lock()
		order = append(order, string(jc.Payload))
		mu.Unlock()
		return nil, nil
	})

	// Accumulate while paused so the dispatcher sees all three at once.
	_ = a.PauseQueue(ctx, "q")
	_, _ = a.Add(ctx, "q", []byte("low"), job.WithPriority(3))
	_, _ = a.Add(ctx, "q", []byte("high"), job.WithPriority(1))
	_, _ = a.Add(ctx, "q", []byte("mid"), job.WithPriority(2))
	_, _ = a.Add(ctx, "q", []byte("high-2"), job.WithPriority(1))
	_ = a.ResumeQueue(ctx, "q")

	waitFor(t, 3*time.Second, "all jobs to run", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "high-2", "mid", "low"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestRetryJobResetsFailed(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	var succeed atomic.Bool
	_ = a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		if succeed.Load() {
			return nil, nil
		}
		return nil, errors.New("broken dependency")
	})

	added, _ := a.Add(ctx, "q", nil)
	waitFor(t, 3*time.Second, "job to fail", func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateFailed
	})

	succeed.Store(true)
	if err := a.RetryJob(ctx, "q", added.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}

	waitFor(t, 3*time.Second, "retried job to complete", func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateCompleted
	})

	if err := a.RetryJob(ctx, "q", "absent"); !errors.Is(err, moroq.ErrJobNotFound) {
		t.Fatalf("RetryJob on absent job: %v, want ErrJobNotFound", err)
	}
}

func TestRepeatEveryWithLimit(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	var executions atomic.Int32
	_ = a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		executions.Add(1)
		return nil, nil
	})

	_, err := a.Add(ctx, "q", nil, job.WithRepeatEvery(30*time.Millisecond, 3))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 3*time.Second, "three occurrences", func() bool {
		return executions.Load() == 3
	})
	time.Sleep(150 * time.Millisecond)
	if got := executions.Load(); got != 3 {
		t.Fatalf("executed %d times, want exactly 3 (limit)", got)
	}
}

func TestRepeatValidationAtAdd(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	if _, err := a.Add(context.Background(), "q", nil, job.WithRepeatPattern("not a pattern")); err == nil {
		t.Fatal("expected validation error for bad cron pattern")
	}
}

func TestCleanRemovesOldTerminalJobs(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	var fail atomic.Bool
	_ = a.Process("q", 2, func(context.Context, *job.Context) (any, error) {
		if fail.Load() {
			return nil, errors.New("nope")
		}
		return nil, nil
	})

	done, _ := a.Add(ctx, "q", nil)
	waitFor(t, 3*time.Second, "first job to complete", func() bool {
		j, _ := a.GetJob(ctx, "q", done.ID)
		return j != nil && j.State == job.StateCompleted
	})

	fail.Store(true)
	failed, _ := a.Add(ctx, "q", nil)
	waitFor(t, 3*time.Second, "second job to fail", func() bool {
		j, _ := a.GetJob(ctx, "q", failed.ID)
		return j != nil && j.State == job.StateFailed
	})

	// Zero grace removes all completed jobs but leaves the failed one.
	n, err := a.Clean(ctx, "q", 0, job.StateCompleted)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d jobs, want 1", n)
	}
	if j, _ := a.GetJob(ctx, "q", done.ID); j != nil {
		t.Fatal("completed job survived Clean")
	}
	if j, _ := a.GetJob(ctx, "q", failed.ID); j == nil {
		t.Fatal("failed job removed by Clean(completed)")
	}

	// A long grace keeps recent failures.
	if n, _ := a.Clean(ctx, "q", time.Hour, job.StateFailed); n != 0 {
		t.Fatalf("Clean with 1h grace removed %d recent jobs", n)
	}

	if _, err := a.Clean(ctx, "q", 0, job.StateActive); err == nil {
		t.Fatal("Clean must reject non-terminal states")
	}
}

func TestObliterate(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	for range 5 {
		_, _ = a.Add(ctx, "q", nil, job.WithDelay(time.Hour))
	}
	if err := a.Obliterate(ctx, "q"); err != nil {
		t.Fatalf("Obliterate: %v", err)
	}

	counts, _ := a.JobCounts(ctx, "q")
	if counts.Total() != 0 {
		t.Fatalf("counts after obliterate = %+v", counts)
	}
	jobs, _ := a.GetJobs(ctx, "q")
	if len(jobs) != 0 {
		t.Fatalf("%d jobs survived obliterate", len(jobs))
	}
}

func TestJobCountsCensus(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	_, _ = a.Add(ctx, "q", nil)
	_, _ = a.Add(ctx, "q", nil, job.WithDelay(time.Hour))

	counts, err := a.JobCounts(ctx, "q")
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts.Waiting != 1 || counts.Delayed != 1 {
		t.Fatalf("counts = %+v, want 1 waiting / 1 delayed", counts)
	}

	if counts, _ = a.JobCounts(ctx, "empty"); counts.Total() != 0 {
		t.Fatalf("unknown queue counts = %+v", counts)
	}
}

func TestGetJobsFiltersByState(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	_, _ = a.Add(ctx, "q", []byte("a"))
	_, _ = a.Add(ctx, "q", []byte("b"), job.WithDelay(time.Hour))

	delayed, err := a.GetJobs(ctx, "q", job.StateDelayed)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if len(delayed) != 1 || string(delayed[0].Payload) != "b" {
		t.Fatalf("delayed jobs = %v", delayed)
	}

	all, _ := a.GetJobs(ctx, "q")
	if len(all) != 2 {
		t.Fatalf("all jobs = %d, want 2", len(all))
	}
}

func TestHandlerProgressAndLogsPersist(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	_ = a.Process("q", 1, func(ctx context.Context, jc *job.Context) (any, error) {
		if err := jc.UpdateProgress(ctx, 50); err != nil {
			return nil, err
		}
		if err := jc.Log(ctx, "halfway"); err != nil {
			return nil, err
		}
		return nil, nil
	})

	added, _ := a.Add(ctx, "q", nil)
	waitFor(t, 3*time.Second, "job to complete", func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateCompleted
	})

	j, _ := a.GetJob(ctx, "q", added.ID)
	if len(j.Logs) != 1 || j.Logs[0] != "halfway" {
		t.Fatalf("logs = %v", j.Logs)
	}
	if j.Progress != 100 {
		t.Fatalf("final progress = %d, want 100 after completion", j.Progress)
	}
}

func TestMetricsFedOnCompletion(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	_ = a.Process("q", 1, func(_ context.Context, jc *job.Context) (any, error) {
		if string(jc.Payload) == "fail" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})

	ok1, _ := a.Add(ctx, "q", []byte("ok"))
	ok2, _ := a.Add(ctx, "q", []byte("ok"))
	bad, _ := a.Add(ctx, "q", []byte("fail"))

	waitFor(t, 3*time.Second, "all jobs terminal", func() bool {
		for _, id := range []string{ok1.ID, ok2.ID, bad.ID} {
			j, _ := a.GetJob(ctx, "q", id)
			if j == nil || (j.State != job.StateCompleted && j.State != job.StateFailed) {
				return false
			}
		}
		return true
	})

	stats := a.Stats("q")
	if stats.TotalJobs != 3 || stats.SuccessfulJobs != 2 || stats.FailedJobs != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.AvgDuration != stats.TotalDuration/3 {
		t.Fatalf("avg %v != total/3 (%v)", stats.AvgDuration, stats.TotalDuration/3)
	}
}

func TestRemoveOnComplete(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)
	ctx := context.Background()

	var executions atomic.Int32
	_ = a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		executions.Add(1)
		return nil, nil
	})

	added, _ := a.Add(ctx, "q", nil, job.WithRemoveOnComplete())
	waitFor(t, 3*time.Second, "job to run and vanish", func() bool {
		if executions.Load() != 1 {
			return false
		}
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j == nil
	})
}

func TestCloseStopsDispatchAndRearm(t *testing.T) {
	t.Parallel()

	a := New(WithPollInterval(5 * time.Millisecond))
	ctx := context.Background()
	_ = a.Initialize(ctx)

	var executions atomic.Int32
	_ = a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		executions.Add(1)
		return nil, nil
	})

	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.Add(ctx, "q", nil); !errors.Is(err, moroq.ErrNotInitialized) {
		t.Fatalf("Add after Close: %v", err)
	}

	// Re-arm: jobs survive, processors must be registered again.
	_ = a.Initialize(ctx)
	if err := a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		executions.Add(1)
		return nil, nil
	}); err != nil {
		t.Fatalf("Process after re-Initialize: %v", err)
	}
	_, _ = a.Add(ctx, "q", nil)
	waitFor(t, 3*time.Second, "job after re-arm", func() bool {
		return executions.Load() == 1
	})
	_ = a.Close(ctx)
}

func TestRegisteredWithRegistry(t *testing.T) {
	t.Parallel()

	a, err := adapter.Open(context.Background(), "memory", moroq.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close(context.Background())
	if a.Name() != "memory" {
		t.Fatalf("name = %q", a.Name())
	}

	av := adapter.Probe(context.Background(), "memory", moroq.DefaultConfig())
	if !av.OK {
		t.Fatalf("probe = %+v", av)
	}
}
