// Package badger implements the queue adapter contract on embedded
// BadgerDB. Job records are JSON values; dispatch order comes from a
// waiting index whose keys sort by priority then enqueue sequence, so a
// plain prefix iteration yields the next job. Suited to single-process
// deployments that need persistence without an external broker.
// Repeatable jobs are not supported; Add with Repeat options returns
// moroq.ErrUnsupported.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/hook"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/metrics"
	"github.com/Moro-JS/moro-sub006/middleware"
)

func init() {
	adapter.Register("badger", func(cfg moroq.Config) (adapter.Adapter, error) {
		if cfg.Path == "" {
			return New("", WithInMemory()), nil
		}
		return New(cfg.Path), nil
	})
}

var _ adapter.Adapter = (*Adapter)(nil)

const defaultPollInterval = 100 * time.Millisecond

// Option configures the adapter.
type Option func(*Adapter)

// WithInMemory keeps all data in memory instead of on disk. Mostly
// useful in tests.
func WithInMemory() Option {
	return func(a *Adapter) { a.inMemory = true }
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

// Adapter is the BadgerDB-backed queue adapter.
type Adapter struct {
	path     string
	inMemory bool
	db       *badgerdb.DB

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

// New creates a BadgerDB adapter rooted at path. Call Initialize before
// use.
func New(path string, opts ...Option) *Adapter {
	a := &Adapter{
		path:  path,
		poll:  defaultPollInterval,
		procs: make(map[string]*processor),
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

// Name returns "badger".
func (a *Adapter) Name() string { return "badger" }

// Collector returns the adapter's metrics collector.
func (a *Adapter) Collector() *metrics.Collector { return a.collector }

// Hooks returns the adapter's lifecycle listener registry.
func (a *Adapter) Hooks() *hook.Registry { return a.hooks }

// Initialize opens the database. Idempotent.
func (a *Adapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	if a.db == nil {
		opts := badgerdb.DefaultOptions(a.path).WithInMemory(a.inMemory)
		// Badger's logger interface differs from slog; keep it quiet.
		opts.Logger = nil

		db, err := badgerdb.Open(opts)
		if err != nil {
			return fmt.Errorf("%w: badger open: %w", moroq.ErrAdapterUnavailable, err)
		}
		a.db = db
	}
	a.initialized = true
	return nil
}

// Close stops dispatchers, waits for in-flight executions, and closes
// the database.
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

	if a.db != nil {
		err := a.db.Close()
		a.db = nil
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

// retryUpdate retries an update on transaction conflicts, which badger
// reports under concurrent writers.
func (a *Adapter) retryUpdate(fn func(txn *badgerdb.Txn) error) error {
	const maxRetries = 50
	const retryDelay = time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		err := a.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badgerdb.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("moroq/badger: transaction conflict after %d retries: %w", maxRetries, lastErr)
}
