// Package sqs implements the queue adapter contract on Amazon SQS via
// aws-sdk-go-v2. Jobs travel as JSON bodies (SQS bodies must be text)
// and delays ride on DelaySeconds, capped at the SQS maximum of 15
// minutes.
//
// SQS is an append-only transport: there is no point lookup or in-place
// mutation of sent messages. GetJob, GetJobs, RemoveJob, RetryJob, and
// Clean return moroq.ErrUnsupported, duplicate JobIDs are not
// deduplicated, priorities do not affect delivery order, and PauseQueue
// only halts this process's consumers.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/hook"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/metrics"
	"github.com/Moro-JS/moro-sub006/middleware"
)

func init() {
	adapter.Register("sqs", func(cfg moroq.Config) (adapter.Adapter, error) {
		return New(WithQueueURLPrefix(cfg.QueueURLPrefix)), nil
	})
}

var _ adapter.Adapter = (*Adapter)(nil)

// maxDelay is the SQS DelaySeconds ceiling.
const maxDelay = 15 * time.Minute

// Option configures the adapter.
type Option func(*Adapter)

// WithClient supplies an existing SQS client; skips AWS config loading.
func WithClient(c *awssqs.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithQueueURLPrefix resolves queue URLs as prefix + "/" + queue name
// instead of calling GetQueueUrl.
func WithQueueURLPrefix(prefix string) Option {
	return func(a *Adapter) { a.urlPrefix = prefix }
}

// WithCreateMissingQueues makes Initialize-time URL resolution create
// queues that do not exist yet.
func WithCreateMissingQueues() Option {
	return func(a *Adapter) { a.createMissing = true }
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

// Adapter is the Amazon SQS-backed queue adapter.
type Adapter struct {
	client        *awssqs.Client
	urlPrefix     string
	createMissing bool

	logger    *slog.Logger
	hooks     *hook.Registry
	collector *metrics.Collector
	mws       []middleware.Middleware

	mu          sync.Mutex
	initialized bool
	urls        map[string]string
	procs       map[string]*processor
	wg          sync.WaitGroup
}

type processor struct {
	handler job.Handler
	paused  *atomic.Bool
	stop    chan struct{}
}

// New creates an SQS adapter. Call Initialize before use.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		urls:  make(map[string]string),
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

// Name returns "sqs".
func (a *Adapter) Name() string { return "sqs" }

// Collector returns the adapter's metrics collector.
func (a *Adapter) Collector() *metrics.Collector { return a.collector }

// Hooks returns the adapter's lifecycle listener registry.
func (a *Adapter) Hooks() *hook.Registry { return a.hooks }

// Initialize loads AWS configuration unless a client was injected.
// Idempotent.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	if a.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("%w: aws config: %w", moroq.ErrAdapterUnavailable, err)
		}
		a.client = awssqs.NewFromConfig(cfg)
	}
	a.initialized = true
	return nil
}

// Close stops consumers and waits for in-flight executions.
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

// queueURL resolves and caches the URL for a queue name.
func (a *Adapter) queueURL(ctx context.Context, queue string) (string, error) {
	a.mu.Lock()
	if u, ok := a.urls[queue]; ok {
		a.mu.Unlock()
		return u, nil
	}
	a.mu.Unlock()

	var u string
	switch {
	case a.urlPrefix != "":
		u = strings.TrimSuffix(a.urlPrefix, "/") + "/" + queue
	default:
		out, err := a.client.GetQueueUrl(ctx, &awssqs.GetQueueUrlInput{QueueName: &queue})
		if err == nil {
			u = *out.QueueUrl
			break
		}
		if !a.createMissing {
			return "", fmt.Errorf("moroq/sqs: resolve queue %q: %w", queue, err)
		}
		created, cerr := a.client.CreateQueue(ctx, &awssqs.CreateQueueInput{QueueName: &queue})
		if cerr != nil {
			return "", fmt.Errorf("moroq/sqs: create queue %q: %w", queue, cerr)
		}
		u = *created.QueueUrl
	}

	a.mu.Lock()
	a.urls[queue] = u
	a.mu.Unlock()
	return u, nil
}

// delaySeconds converts a delay to the SQS parameter, clamped to the
// service maximum.
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return int32(d / time.Second)
}
