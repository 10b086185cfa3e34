package hook

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/Moro-JS/moro-sub006/job"
)

// recordingListener opts in to a subset of hooks and records calls.
type recordingListener struct {
	name      string
	added     int
	completed int
	failed    int
	paused    []string
}

func (l *recordingListener) Name() string { return l.name }

func (l *recordingListener) OnJobAdded(_ context.Context, _ *job.Job) error {
	l.added++
	return nil
}

func (l *recordingListener) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	l.completed++
	return nil
}

func (l *recordingListener) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	l.failed++
	return nil
}

func (l *recordingListener) OnQueuePaused(_ context.Context, queue string) error {
	l.paused = append(l.paused, queue)
	return nil
}

// failingListener always errors; the registry must swallow it.
type failingListener struct{}

func (failingListener) Name() string { return "failing" }

func (failingListener) OnJobAdded(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

func TestRegistryDispatchesToOptedInHooks(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.Default())
	l := &recordingListener{name: "rec"}
	r.Register(l)

	ctx := context.Background()
	j := job.New("email", nil, job.Resolve())

	r.EmitJobAdded(ctx, j)
	r.EmitJobStarted(ctx, j) // not implemented by l; must be a no-op
	r.EmitJobCompleted(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, errors.New("x"))
	r.EmitQueuePaused(ctx, "email")

	if l.added != 1 || l.completed != 1 || l.failed != 1 {
		t.Fatalf("counts added=%d completed=%d failed=%d, want 1 each", l.added, l.completed, l.failed)
	}
	if len(l.paused) != 1 || l.paused[0] != "email" {
		t.Fatalf("paused = %v", l.paused)
	}
}

func TestRegistryHookErrorDoesNotPropagate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(slog.Default())
	r.Register(failingListener{})
	ok := &recordingListener{name: "after"}
	r.Register(ok)

	// Must not panic, and later listeners still run.
	r.EmitJobAdded(context.Background(), job.New("q", nil, job.Resolve()))
	if ok.added != 1 {
		t.Fatalf("listener after failing one: added = %d, want 1", ok.added)
	}
}

func TestRegistryListsListeners(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Register(&recordingListener{name: "a"})
	r.Register(&recordingListener{name: "b"})

	got := r.Listeners()
	if len(got) != 2 || got[0].Name() != "a" || got[1].Name() != "b" {
		t.Fatalf("listeners = %v", got)
	}
}
