package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/job"
)

// stubAdapter satisfies Adapter for registry tests; only lifecycle
// methods carry behavior.
type stubAdapter struct {
	initErr     error
	initialized bool
	closed      bool
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Initialize(context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	s.initialized = true
	return nil
}

func (s *stubAdapter) Close(context.Context) error {
	s.closed = true
	return nil
}

func (s *stubAdapter) Add(context.Context, string, []byte, ...job.Option) (*job.Job, error) {
	return nil, nil
}

func (s *stubAdapter) AddBulk(context.Context, string, []BulkJob) ([]*job.Job, error) {
	return nil, nil
}

func (s *stubAdapter) Process(string, int, job.Handler) error { return nil }

func (s *stubAdapter) GetJob(context.Context, string, string) (*job.Job, error) {
	return nil, nil
}

func (s *stubAdapter) GetJobs(context.Context, string, ...job.State) ([]*job.Job, error) {
	return nil, nil
}

func (s *stubAdapter) RemoveJob(context.Context, string, string) error  { return nil }
func (s *stubAdapter) RetryJob(context.Context, string, string) error   { return nil }
func (s *stubAdapter) PauseQueue(context.Context, string) error         { return nil }
func (s *stubAdapter) ResumeQueue(context.Context, string) error        { return nil }
func (s *stubAdapter) JobCounts(context.Context, string) (Counts, error) {
	return Counts{}, nil
}

func (s *stubAdapter) Clean(context.Context, string, time.Duration, job.State) (int, error) {
	return 0, nil
}

func (s *stubAdapter) Obliterate(context.Context, string) error { return nil }

func TestRegistryOpenAndProbe(t *testing.T) {
	var built *stubAdapter
	Register("test-ok", func(moroq.Config) (Adapter, error) {
		built = &stubAdapter{}
		return built, nil
	})

	a, err := Open(context.Background(), "test-ok", moroq.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a != built || !built.initialized {
		t.Fatal("Open must construct and initialize via the factory")
	}

	av := Probe(context.Background(), "test-ok", moroq.DefaultConfig())
	if !av.OK {
		t.Fatalf("Probe: %+v", av)
	}
	if !built.closed {
		t.Fatal("Probe must close its probe connection")
	}
}

func TestRegistryUnknownBackend(t *testing.T) {
	_, err := New("no-such-backend", moroq.DefaultConfig())
	if !errors.Is(err, moroq.ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}

	av := Probe(context.Background(), "no-such-backend", moroq.DefaultConfig())
	if av.OK || av.Reason == "" {
		t.Fatalf("probe of unknown backend = %+v", av)
	}
}

func TestRegistryProbeReportsInitFailure(t *testing.T) {
	cause := errors.New("connection refused")
	Register("test-down", func(moroq.Config) (Adapter, error) {
		return &stubAdapter{initErr: cause}, nil
	})

	if _, err := Open(context.Background(), "test-down", moroq.DefaultConfig()); !errors.Is(err, cause) {
		t.Fatalf("Open must surface the init error, got %v", err)
	}

	av := Probe(context.Background(), "test-down", moroq.DefaultConfig())
	if av.OK {
		t.Fatal("probe of failing backend must not be OK")
	}
}

func TestRegistryBackendsSorted(t *testing.T) {
	Register("test-a", func(moroq.Config) (Adapter, error) { return &stubAdapter{}, nil })
	Register("test-z", func(moroq.Config) (Adapter, error) { return &stubAdapter{}, nil })

	names := Backends()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("backends not sorted: %v", names)
		}
	}
}
