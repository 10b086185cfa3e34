// Package mongo implements the queue adapter contract on MongoDB. Jobs
// live in one collection and are claimed atomically with
// FindOneAndUpdate, so several workers can share a deployment without
// double-processing. Repeatable jobs are not supported; Add with Repeat
// options returns moroq.ErrUnsupported.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/hook"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/metrics"
	"github.com/Moro-JS/moro-sub006/middleware"
)

func init() {
	adapter.Register("mongo", func(cfg moroq.Config) (adapter.Adapter, error) {
		return New(uri(cfg), database(cfg)), nil
	})
}

var _ adapter.Adapter = (*Adapter)(nil)

const (
	colJobs   = "moroq_jobs"
	colQueues = "moroq_queues"

	defaultPollInterval = 250 * time.Millisecond
	defaultDatabase     = "moroq"
)

func uri(cfg moroq.Config) string {
	if cfg.User != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s", cfg.User, cfg.Password, cfg.Addr())
	}
	return "mongodb://" + cfg.Addr()
}

func database(cfg moroq.Config) string {
	if cfg.Database != "" {
		return cfg.Database
	}
	return defaultDatabase
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClient supplies an existing client; the caller owns its lifecycle.
func WithClient(c *mongod.Client) Option {
	return func(a *Adapter) {
		a.client = c
		a.ownsClient = false
	}
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

// Adapter is the MongoDB-backed queue adapter.
type Adapter struct {
	uri        string
	dbName     string
	client     *mongod.Client
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

// New creates a MongoDB adapter. Call Initialize before use.
func New(uri, dbName string, opts ...Option) *Adapter {
	a := &Adapter{
		uri:        uri,
		dbName:     dbName,
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

// Name returns "mongo".
func (a *Adapter) Name() string { return "mongo" }

// Collector returns the adapter's metrics collector.
func (a *Adapter) Collector() *metrics.Collector { return a.collector }

// Hooks returns the adapter's lifecycle listener registry.
func (a *Adapter) Hooks() *hook.Registry { return a.hooks }

// Initialize connects, verifies the connection, and creates indexes.
// Idempotent.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	if a.client == nil {
		client, err := mongod.Connect(options.Client().ApplyURI(a.uri))
		if err != nil {
			return fmt.Errorf("%w: mongo connect: %w", moroq.ErrAdapterUnavailable, err)
		}
		a.client = client
	}
	if err := a.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: mongo ping: %w", moroq.ErrAdapterUnavailable, err)
	}

	idx := []mongod.IndexModel{
		// Dispatch index: queue + state + priority + seq.
		{Keys: bson.D{
			{Key: "queue", Value: 1},
			{Key: "state", Value: 1},
			{Key: "priority", Value: 1},
			{Key: "seq", Value: 1},
		}},
		// Delayed promotion index.
		{Keys: bson.D{
			{Key: "queue", Value: 1},
			{Key: "state", Value: 1},
			{Key: "run_at", Value: 1},
		}},
	}
	if _, err := a.jobs().Indexes().CreateMany(ctx, idx); err != nil {
		return fmt.Errorf("moroq/mongo: create indexes: %w", err)
	}

	a.initialized = true
	return nil
}

// Close stops dispatchers, waits for in-flight executions, and
// disconnects the client when owned.
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
		err := a.client.Disconnect(ctx)
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

func (a *Adapter) jobs() *mongod.Collection {
	return a.client.Database(a.dbName).Collection(colJobs)
}

func (a *Adapter) queues() *mongod.Collection {
	return a.client.Database(a.dbName).Collection(colQueues)
}

// isNoDocuments reports whether err means no matching document.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey reports whether err is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}
