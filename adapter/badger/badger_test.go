package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/job"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := New("", WithInMemory(), WithPollInterval(5*time.Millisecond))
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestAddPersistsJob(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	added, err := a.Add(ctx, "emails", []byte(`{"to":"a@b.c"}`), job.WithPriority(job.PriorityHigh))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.State != job.StateWaiting {
		t.Fatalf("State = %q, want waiting", added.State)
	}

	got, err := a.GetJob(ctx, "emails", added.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil || got.ID != added.ID || got.Opts.Priority != job.PriorityHigh {
		t.Fatalf("stored job = %+v", got)
	}
}

func TestGetJobAbsentIsNil(t *testing.T) {
	a := newTestAdapter(t)

	got, err := a.GetJob(context.Background(), "emails", "job_missing")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestDuplicateJobIDIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	first, err := a.Add(ctx, "q", []byte("one"), job.WithJobID("fixed"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := a.Add(ctx, "q", []byte("two"), job.WithJobID("fixed"))
	if err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}
	if second.ID != first.ID || string(second.Payload) != "one" {
		t.Fatalf("duplicate add replaced the job: %+v", second)
	}
}

func TestRepeatUnsupported(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Add(context.Background(), "q", nil, job.WithRepeatEvery(time.Minute, 0))
	if !errors.Is(err, moroq.ErrUnsupported) {
		t.Fatalf("Add with Repeat: %v, want ErrUnsupported", err)
	}
}

func TestProcessRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	if err := a.Process("q", 2, func(context.Context, *job.Context) (any, error) {
		return map[string]int{"n": 1}, nil
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	added, _ := a.Add(ctx, "q", nil)
	waitFor(t, 2*time.Second, func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateCompleted
	})

	j, _ := a.GetJob(ctx, "q", added.ID)
	if string(j.Result) != `{"n":1}` {
		t.Fatalf("Result = %s", j.Result)
	}
	if j.Progress != 100 {
		t.Fatalf("Progress = %d, want 100", j.Progress)
	}
}

func TestSecondProcessorRejected(t *testing.T) {
	a := newTestAdapter(t)

	handler := func(context.Context, *job.Context) (any, error) { return nil, nil }
	if err := a.Process("q", 1, handler); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := a.Process("q", 1, handler); !errors.Is(err, moroq.ErrProcessorExists) {
		t.Fatalf("second Process: %v, want ErrProcessorExists", err)
	}
}

func TestRetryExhaustion(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	if err := a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	added, _ := a.Add(ctx, "q", nil, job.WithAttempts(3), job.WithFixedBackoff(time.Millisecond))
	waitFor(t, 2*time.Second, func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateFailed
	})

	j, _ := a.GetJob(ctx, "q", added.ID)
	if j.AttemptsMade != 3 {
		t.Fatalf("AttemptsMade = %d, want 3", j.AttemptsMade)
	}
	if j.FailedReason != "boom" {
		t.Fatalf("FailedReason = %q", j.FailedReason)
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	if err := a.PauseQueue(ctx, "q"); err != nil {
		t.Fatalf("PauseQueue: %v", err)
	}

	_, _ = a.Add(ctx, "q", []byte("low"), job.WithPriority(job.PriorityLow))
	_, _ = a.Add(ctx, "q", []byte("high"), job.WithPriority(job.PriorityHigh))
	_, _ = a.Add(ctx, "q", []byte("high-2"), job.WithPriority(job.PriorityHigh))
	_, _ = a.Add(ctx, "q", []byte("mid"), job.WithPriority(job.PriorityNormal))

	order := make(chan string, 4)
	if err := a.Process("q", 1, func(_ context.Context, jc *job.Context) (any, error) {
		order <- string(jc.Payload)
		return nil, nil
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := a.ResumeQueue(ctx, "q"); err != nil {
		t.Fatalf("ResumeQueue: %v", err)
	}

	want := []string{"high", "high-2", "mid", "low"}
	for _, w := range want {
		select {
		case got := <-order:
			if got != w {
				t.Fatalf("dispatch order got %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestDelayedPromotion(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	done := make(chan time.Time, 1)
	if err := a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		done <- time.Now()
		return nil, nil
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	start := time.Now()
	added, _ := a.Add(ctx, "q", nil, job.WithDelay(50*time.Millisecond))
	if added.State != job.StateDelayed {
		t.Fatalf("State = %q, want delayed", added.State)
	}

	select {
	case ran := <-done:
		if elapsed := ran.Sub(start); elapsed < 50*time.Millisecond {
			t.Fatalf("ran after %v, want >= 50ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	added, _ := a.Add(ctx, "q", nil)
	if err := a.RemoveJob(ctx, "q", added.ID); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if err := a.RemoveJob(ctx, "q", added.ID); err != nil {
		t.Fatalf("second RemoveJob: %v", err)
	}
	if err := a.RemoveJob(ctx, "q", "job_never_existed"); err != nil {
		t.Fatalf("RemoveJob absent: %v", err)
	}
}

func TestRetryJobResetsFailed(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	added, _ := a.Add(ctx, "q", nil)
	if err := a.RetryJob(ctx, "q", added.ID); err == nil {
		t.Fatal("RetryJob on waiting job should fail")
	}
	if err := a.RetryJob(ctx, "q", "job_missing"); !errors.Is(err, moroq.ErrJobNotFound) {
		t.Fatalf("RetryJob absent: %v, want ErrJobNotFound", err)
	}

	fails := make(chan struct{}, 8)
	if err := a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		fails <- struct{}{}
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateFailed
	})

	if err := a.RetryJob(ctx, "q", added.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	select {
	case <-fails:
	case <-time.After(2 * time.Second):
		t.Fatal("retried job never re-ran")
	}
}

func TestJobCountsCensus(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, _ = a.Add(ctx, "q", nil)
	_, _ = a.Add(ctx, "q", nil)
	_, _ = a.Add(ctx, "q", nil, job.WithDelay(time.Hour))

	counts, err := a.JobCounts(ctx, "q")
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	want := adapter.Counts{Waiting: 2, Delayed: 1}
	if counts != want {
		t.Fatalf("counts = %+v, want %+v", counts, want)
	}

	if err := a.PauseQueue(ctx, "q"); err != nil {
		t.Fatalf("PauseQueue: %v", err)
	}
	counts, _ = a.JobCounts(ctx, "q")
	if counts.Paused != 2 || counts.Waiting != 0 {
		t.Fatalf("paused counts = %+v", counts)
	}
}

func TestCleanRemovesOldTerminalJobs(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	if err := a.Process("q", 1, func(context.Context, *job.Context) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	added, _ := a.Add(ctx, "q", nil)
	waitFor(t, 2*time.Second, func() bool {
		j, _ := a.GetJob(ctx, "q", added.ID)
		return j != nil && j.State == job.StateCompleted
	})

	removed, err := a.Clean(ctx, "q", 0, job.StateCompleted)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	j, _ := a.GetJob(ctx, "q", added.ID)
	if j != nil {
		t.Fatalf("job survived clean: %+v", j)
	}
}

func TestObliterate(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, _ = a.Add(ctx, "q", nil)
	_, _ = a.Add(ctx, "q", nil, job.WithDelay(time.Hour))
	_ = a.PauseQueue(ctx, "q")

	if err := a.Obliterate(ctx, "q"); err != nil {
		t.Fatalf("Obliterate: %v", err)
	}
	counts, err := a.JobCounts(ctx, "q")
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts.Total() != 0 {
		t.Fatalf("counts after obliterate = %+v", counts)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a := New(dir)
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	added, err := a.Add(ctx, "q", []byte("payload"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b := New(dir)
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("reopen Initialize: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(ctx) })

	j, err := b.GetJob(ctx, "q", added.ID)
	if err != nil {
		t.Fatalf("GetJob after reopen: %v", err)
	}
	if j == nil || string(j.Payload) != "payload" {
		t.Fatalf("job did not survive reopen: %+v", j)
	}
}

func TestRegisteredWithRegistry(t *testing.T) {
	t.Parallel()

	found := false
	for _, name := range adapter.Backends() {
		if name == "badger" {
			found = true
		}
	}
	if !found {
		t.Fatalf("badger missing from registry: %v", adapter.Backends())
	}
}
