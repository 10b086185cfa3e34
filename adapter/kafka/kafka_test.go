package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/job"
)

func TestGroupID(t *testing.T) {
	t.Parallel()

	if got := groupID("emails"); got != "moroq-emails" {
		t.Fatalf("groupID = %q, want moroq-emails", got)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	j := job.New("emails", []byte(`{"to":"a@b.c"}`),
		job.Resolve(job.WithAttempts(3), job.WithDelay(time.Minute)))

	body, err := encodeEnvelope(j)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	back, err := decodeEnvelope(body)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if back.ID != j.ID || back.Queue != j.Queue {
		t.Fatalf("envelope lost identity: %+v", back)
	}
	if !back.RunAt.Equal(j.RunAt) {
		t.Fatalf("envelope lost RunAt: %v != %v", back.RunAt, j.RunAt)
	}
	if back.Opts.Attempts != 3 {
		t.Fatalf("envelope lost opts: %+v", back.Opts)
	}
}

func TestUninitializedErrors(t *testing.T) {
	t.Parallel()

	a := New([]string{"localhost:9092"})
	if _, err := a.Add(context.Background(), "q", nil); !errors.Is(err, moroq.ErrNotInitialized) {
		t.Fatalf("Add: %v", err)
	}
	if err := a.Process("q", 1, nil); !errors.Is(err, moroq.ErrNotInitialized) {
		t.Fatalf("Process: %v", err)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	t.Parallel()

	a := New([]string{"localhost:9092"})
	a.initialized = true
	ctx := context.Background()

	if _, err := a.GetJob(ctx, "q", "id"); !errors.Is(err, moroq.ErrUnsupported) {
		t.Fatalf("GetJob: %v", err)
	}
	if _, err := a.GetJobs(ctx, "q"); !errors.Is(err, moroq.ErrUnsupported) {
		t.Fatalf("GetJobs: %v", err)
	}
	if err := a.RemoveJob(ctx, "q", "id"); !errors.Is(err, moroq.ErrUnsupported) {
		t.Fatalf("RemoveJob: %v", err)
	}
	if err := a.RetryJob(ctx, "q", "id"); !errors.Is(err, moroq.ErrUnsupported) {
		t.Fatalf("RetryJob: %v", err)
	}
	if _, err := a.JobCounts(ctx, "q"); !errors.Is(err, moroq.ErrUnsupported) {
		t.Fatalf("JobCounts: %v", err)
	}
	if _, err := a.Clean(ctx, "q", 0, job.StateCompleted); !errors.Is(err, moroq.ErrUnsupported) {
		t.Fatalf("Clean: %v", err)
	}
	if _, err := a.Add(ctx, "q", nil, job.WithRepeatEvery(time.Minute, 0)); !errors.Is(err, moroq.ErrUnsupported) {
		t.Fatalf("Add with Repeat: %v", err)
	}
}
