package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestCollectorRunningAggregates(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordCompleted("email", 100*time.Millisecond)
	c.RecordCompleted("email", 300*time.Millisecond)
	c.RecordFailed("email", 200*time.Millisecond)

	got := c.Queue("email")
	if got.TotalJobs != 3 || got.SuccessfulJobs != 2 || got.FailedJobs != 1 {
		t.Fatalf("counters = %+v", got)
	}
	if got.TotalDuration != 600*time.Millisecond {
		t.Fatalf("total = %v, want 600ms", got.TotalDuration)
	}
	if got.AvgDuration != 200*time.Millisecond {
		t.Fatalf("avg = %v, want 200ms", got.AvgDuration)
	}
	if got.MinDuration != 100*time.Millisecond || got.MaxDuration != 300*time.Millisecond {
		t.Fatalf("min/max = %v/%v, want 100ms/300ms", got.MinDuration, got.MaxDuration)
	}
}

func TestCollectorQueuesAreIndependent(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordFailed("a", time.Millisecond)
	c.RecordCompleted("b", time.Second)

	if got := c.Queue("a"); got.FailedJobs != 1 || got.SuccessfulJobs != 0 {
		t.Fatalf("queue a = %+v", got)
	}
	if got := c.Queue("b"); got.SuccessfulJobs != 1 || got.AvgDuration != time.Second {
		t.Fatalf("queue b = %+v", got)
	}
	if got := c.Queue("unknown"); got != (Stats{}) {
		t.Fatalf("unknown queue = %+v, want zero", got)
	}
}

func TestCollectorAllAndReset(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordCompleted("a", time.Millisecond)
	c.RecordCompleted("b", time.Millisecond)

	all := c.All()
	if len(all) != 2 {
		t.Fatalf("All() = %d queues, want 2", len(all))
	}

	c.Reset("a")
	if got := c.Queue("a"); got.TotalJobs != 0 {
		t.Fatalf("after Reset: %+v", got)
	}
	if got := c.Queue("b"); got.TotalJobs != 1 {
		t.Fatalf("Reset(a) touched b: %+v", got)
	}

	c.ResetAll()
	if len(c.All()) != 0 {
		t.Fatal("ResetAll left queues behind")
	}
}

func TestCollectorConcurrent(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.RecordCompleted("q", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	got := c.Queue("q")
	if got.TotalJobs != 1000 || got.SuccessfulJobs != 1000 {
		t.Fatalf("counters = %+v, want 1000/1000", got)
	}
	if got.AvgDuration != time.Millisecond {
		t.Fatalf("avg = %v, want 1ms", got.AvgDuration)
	}
}
