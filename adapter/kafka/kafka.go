// Package kafka implements the queue adapter contract on Apache Kafka
// via segmentio/kafka-go. Each queue is a topic, jobs travel as msgpack
// envelopes keyed by job ID, and consumers join the "moroq-{queue}"
// consumer group for at-least-once delivery.
//
// Kafka is an append-only log: there is no point lookup, no in-place
// mutation, and no broker-side delay. GetJob, GetJobs, RemoveJob,
// RetryJob, JobCounts, and Clean return moroq.ErrUnsupported, duplicate
// JobIDs are not deduplicated, priorities do not affect delivery order,
// and delays are honored consumer-side by waiting for the envelope's
// RunAt before execution. PauseQueue only halts this process's
// consumers.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/vmihailenco/msgpack/v5"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/hook"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/metrics"
	"github.com/Moro-JS/moro-sub006/middleware"
)

func init() {
	adapter.Register("kafka", func(cfg moroq.Config) (adapter.Adapter, error) {
		brokers := cfg.Brokers
		if len(brokers) == 0 {
			brokers = []string{cfg.Addr()}
		}
		return New(brokers), nil
	})
}

var _ adapter.Adapter = (*Adapter)(nil)

// groupID names the consumer group for a queue.
func groupID(queue string) string { return "moroq-" + queue }

// Option configures the adapter.
type Option func(*Adapter)

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

// WithCreateTopics makes Add auto-create missing topics.
func WithCreateTopics() Option {
	return func(a *Adapter) { a.createTopics = true }
}

// Adapter is the Kafka-backed queue adapter.
type Adapter struct {
	brokers      []string
	createTopics bool

	logger    *slog.Logger
	hooks     *hook.Registry
	collector *metrics.Collector
	mws       []middleware.Middleware

	mu          sync.Mutex
	initialized bool
	writer      *kafkago.Writer
	procs       map[string]*processor
	wg          sync.WaitGroup
}

type processor struct {
	handler job.Handler
	paused  *atomic.Bool
	stop    chan struct{}
	cancel  context.CancelFunc
}

// New creates a Kafka adapter. Call Initialize before use.
func New(brokers []string, opts ...Option) *Adapter {
	a := &Adapter{
		brokers: brokers,
		procs:   make(map[string]*processor),
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

// Name returns "kafka".
func (a *Adapter) Name() string { return "kafka" }

// Collector returns the adapter's metrics collector.
func (a *Adapter) Collector() *metrics.Collector { return a.collector }

// Hooks returns the adapter's lifecycle listener registry.
func (a *Adapter) Hooks() *hook.Registry { return a.hooks }

// Initialize verifies broker connectivity and builds the shared writer.
// Idempotent.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	if len(a.brokers) == 0 {
		return fmt.Errorf("%w: kafka: no brokers configured", moroq.ErrAdapterUnavailable)
	}

	conn, err := kafkago.DialContext(ctx, "tcp", a.brokers[0])
	if err != nil {
		return fmt.Errorf("%w: kafka dial %s: %w", moroq.ErrAdapterUnavailable, a.brokers[0], err)
	}
	_ = conn.Close()

	a.writer = &kafkago.Writer{
		Addr:                   kafkago.TCP(a.brokers...),
		Balancer:               &kafkago.LeastBytes{},
		AllowAutoTopicCreation: a.createTopics,
	}
	a.initialized = true
	return nil
}

// Close stops consumers, waits for in-flight executions, and closes the
// writer.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return nil
	}
	a.initialized = false
	for _, p := range a.procs {
		close(p.stop)
		p.cancel()
	}
	a.procs = make(map[string]*processor)
	writer := a.writer
	a.writer = nil
	a.mu.Unlock()

	a.wg.Wait()
	a.hooks.EmitShutdown(ctx)

	if writer != nil {
		return writer.Close()
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

// encodeEnvelope serializes a job record for the wire.
func encodeEnvelope(j *job.Job) ([]byte, error) {
	body, err := msgpack.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("moroq/kafka: encode envelope: %w", err)
	}
	return body, nil
}

// decodeEnvelope restores a job record from the wire.
func decodeEnvelope(body []byte) (*job.Job, error) {
	var j job.Job
	if err := msgpack.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("moroq/kafka: decode envelope: %w", err)
	}
	return &j, nil
}

// produce appends one job envelope to the queue's topic.
func (a *Adapter) produce(ctx context.Context, j *job.Job) error {
	a.mu.Lock()
	w := a.writer
	a.mu.Unlock()
	if w == nil {
		return moroq.ErrNotInitialized
	}

	body, err := encodeEnvelope(j)
	if err != nil {
		return err
	}
	err = w.WriteMessages(ctx, kafkago.Message{
		Topic: j.Queue,
		Key:   []byte(j.ID),
		Value: body,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("moroq/kafka: produce: %w", err)
	}
	return nil
}
