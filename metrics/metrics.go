// Package metrics provides a per-queue metrics collector for job
// throughput and processing latency.
//
// A [Collector] is plain dependency-injected state: construct one per
// adapter (or share one across adapters) and read it from dashboards or
// health endpoints. It keeps running aggregates, never per-job samples,
// so memory use is constant regardless of volume.
package metrics

import (
	"sync"
	"time"
)

// Stats is a snapshot of one queue's running aggregates over processed
// (terminal) jobs.
type Stats struct {
	// TotalJobs is the number of jobs processed to a terminal state.
	TotalJobs int64 `json:"total_jobs"`

	// SuccessfulJobs is the number of jobs that completed.
	SuccessfulJobs int64 `json:"successful_jobs"`

	// FailedJobs is the number of jobs that failed terminally.
	FailedJobs int64 `json:"failed_jobs"`

	// TotalDuration is the summed execution time of processed jobs.
	TotalDuration time.Duration `json:"total_duration"`

	// AvgDuration is TotalDuration / TotalJobs.
	AvgDuration time.Duration `json:"avg_duration"`

	// MinDuration is the fastest execution seen.
	MinDuration time.Duration `json:"min_duration"`

	// MaxDuration is the slowest execution seen.
	MaxDuration time.Duration `json:"max_duration"`
}

// queueStats is the mutable per-queue aggregate behind a Stats snapshot.
type queueStats struct {
	total         int64
	successful    int64
	failed        int64
	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration
}

func (s *queueStats) record(elapsed time.Duration) {
	s.total++
	s.totalDuration += elapsed
	if s.total == 1 || elapsed < s.minDuration {
		s.minDuration = elapsed
	}
	if elapsed > s.maxDuration {
		s.maxDuration = elapsed
	}
}

func (s *queueStats) snapshot() Stats {
	out := Stats{
		TotalJobs:      s.total,
		SuccessfulJobs: s.successful,
		FailedJobs:     s.failed,
		TotalDuration:  s.totalDuration,
		MinDuration:    s.minDuration,
		MaxDuration:    s.maxDuration,
	}
	if s.total > 0 {
		out.AvgDuration = s.totalDuration / time.Duration(s.total)
	}
	return out
}

// Collector accumulates per-queue job metrics. Safe for concurrent use.
type Collector struct {
	mu     sync.RWMutex
	queues map[string]*queueStats
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{queues: make(map[string]*queueStats)}
}

func (c *Collector) stats(queue string) *queueStats {
	s, ok := c.queues[queue]
	if !ok {
		s = &queueStats{}
		c.queues[queue] = s
	}
	return s
}

// RecordCompleted counts a successful job and folds its execution
// duration into the running aggregates.
func (c *Collector) RecordCompleted(queue string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats(queue)
	s.record(elapsed)
	s.successful++
}

// RecordFailed counts a terminally failed job and folds its execution
// duration into the running aggregates.
func (c *Collector) RecordFailed(queue string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats(queue)
	s.record(elapsed)
	s.failed++
}

// Queue returns the snapshot for one queue. Unknown queues return zero
// stats.
func (c *Collector) Queue(queue string) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.queues[queue]
	if !ok {
		return Stats{}
	}
	return s.snapshot()
}

// All returns snapshots for every queue the collector has seen.
func (c *Collector) All() map[string]Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Stats, len(c.queues))
	for name, s := range c.queues {
		out[name] = s.snapshot()
	}
	return out
}

// Reset clears the counters for one queue.
func (c *Collector) Reset(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queues, queue)
}

// ResetAll clears every queue's counters.
func (c *Collector) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = make(map[string]*queueStats)
}
