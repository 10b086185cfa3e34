package hook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Moro-JS/moro-sub006/job"
)

// Named entry types pair a hook implementation with the listener name
// captured at registration time. This avoids type-asserting back to
// Listener inside the emit methods.
type jobAddedEntry struct {
	name string
	hook JobAdded
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobProgressEntry struct {
	name string
	hook JobProgress
}

type queuePausedEntry struct {
	name string
	hook QueuePaused
}

type queueResumedEntry struct {
	name string
	hook QueueResumed
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered listeners and dispatches lifecycle events to
// them. It type-caches listeners at registration time so emit calls
// iterate only over listeners that implement the relevant hook.
type Registry struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobAdded     []jobAddedEntry
	jobStarted   []jobStartedEntry
	jobCompleted []jobCompletedEntry
	jobFailed    []jobFailedEntry
	jobRetrying  []jobRetryingEntry
	jobProgress  []jobProgressEntry
	queuePaused  []queuePausedEntry
	queueResumed []queueResumedEntry
	shutdown     []shutdownEntry
}

// NewRegistry creates a listener registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a listener and type-asserts it into all applicable hook
// caches. Listeners are notified in registration order.
func (r *Registry) Register(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, l)
	name := l.Name()

	if h, ok := l.(JobAdded); ok {
		r.jobAdded = append(r.jobAdded, jobAddedEntry{name, h})
	}
	if h, ok := l.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := l.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := l.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := l.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := l.(JobProgress); ok {
		r.jobProgress = append(r.jobProgress, jobProgressEntry{name, h})
	}
	if h, ok := l.(QueuePaused); ok {
		r.queuePaused = append(r.queuePaused, queuePausedEntry{name, h})
	}
	if h, ok := l.(QueueResumed); ok {
		r.queueResumed = append(r.queueResumed, queueResumedEntry{name, h})
	}
	if h, ok := l.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Listeners returns all registered listeners.
func (r *Registry) Listeners() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Listener(nil), r.listeners...)
}

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobAdded notifies all listeners that implement JobAdded.
func (r *Registry) EmitJobAdded(ctx context.Context, j *job.Job) {
	r.mu.RLock()
	entries := r.jobAdded
	r.mu.RUnlock()
	for _, e := range entries {
		if err := e.hook.OnJobAdded(ctx, j); err != nil {
			r.logHookError("OnJobAdded", e.name, err)
		}
	}
}

// EmitJobStarted notifies all listeners that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	r.mu.RLock()
	entries := r.jobStarted
	r.mu.RUnlock()
	for _, e := range entries {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all listeners that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	r.mu.RLock()
	entries := r.jobCompleted
	r.mu.RUnlock()
	for _, e := range entries {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all listeners that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	r.mu.RLock()
	entries := r.jobFailed
	r.mu.RUnlock()
	for _, e := range entries {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all listeners that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	r.mu.RLock()
	entries := r.jobRetrying
	r.mu.RUnlock()
	for _, e := range entries {
		if err := e.hook.OnJobRetrying(ctx, j, attempt, nextRunAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobProgress notifies all listeners that implement JobProgress.
func (r *Registry) EmitJobProgress(ctx context.Context, j *job.Job, progress int) {
	r.mu.RLock()
	entries := r.jobProgress
	r.mu.RUnlock()
	for _, e := range entries {
		if err := e.hook.OnJobProgress(ctx, j, progress); err != nil {
			r.logHookError("OnJobProgress", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Queue event emitters
// ──────────────────────────────────────────────────

// EmitQueuePaused notifies all listeners that implement QueuePaused.
func (r *Registry) EmitQueuePaused(ctx context.Context, queue string) {
	r.mu.RLock()
	entries := r.queuePaused
	r.mu.RUnlock()
	for _, e := range entries {
		if err := e.hook.OnQueuePaused(ctx, queue); err != nil {
			r.logHookError("OnQueuePaused", e.name, err)
		}
	}
}

// EmitQueueResumed notifies all listeners that implement QueueResumed.
func (r *Registry) EmitQueueResumed(ctx context.Context, queue string) {
	r.mu.RLock()
	entries := r.queueResumed
	r.mu.RUnlock()
	for _, e := range entries {
		if err := e.hook.OnQueueResumed(ctx, queue); err != nil {
			r.logHookError("OnQueueResumed", e.name, err)
		}
	}
}

// EmitShutdown notifies all listeners that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	entries := r.shutdown
	r.mu.RUnlock()
	for _, e := range entries {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block job
// processing.
func (r *Registry) logHookError(hook, listenerName string, err error) {
	r.logger.Warn("listener hook error",
		slog.String("hook", hook),
		slog.String("listener", listenerName),
		slog.String("error", err.Error()),
	)
}
