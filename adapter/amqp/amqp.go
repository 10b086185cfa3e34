// Package amqp implements the queue adapter contract on RabbitMQ via
// amqp091-go. Jobs travel as msgpack envelopes; priority maps onto
// RabbitMQ's x-max-priority queues and delays use the per-message TTL +
// dead-letter pattern, so no broker plugins are required.
//
// RabbitMQ is an append-only transport: there is no point lookup or
// in-place mutation of published messages. GetJob, GetJobs, RemoveJob,
// RetryJob, and Clean return moroq.ErrUnsupported, duplicate JobIDs are
// not deduplicated, and PauseQueue only halts this process's consumers.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/hook"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/metrics"
	"github.com/Moro-JS/moro-sub006/middleware"
)

func init() {
	adapter.Register("amqp", func(cfg moroq.Config) (adapter.Adapter, error) {
		return New(url(cfg)), nil
	})
}

var _ adapter.Adapter = (*Adapter)(nil)

// maxPriority is the x-max-priority bound declared on every queue.
// RabbitMQ treats higher numbers as more urgent, the reverse of the
// job.Priority scale, so publish maps between them.
const maxPriority = 10

func url(cfg moroq.Config) string {
	user := cfg.User
	if user == "" {
		user = "guest"
	}
	password := cfg.Password
	if password == "" {
		password = "guest"
	}
	return fmt.Sprintf("amqp://%s:%s@%s/", user, password, cfg.Addr())
}

// amqpPriority converts a job priority (lower is more urgent) to the
// RabbitMQ scale (higher is more urgent).
func amqpPriority(p int) uint8 {
	if p < 1 {
		p = 1
	}
	if p > maxPriority {
		p = maxPriority
	}
	return uint8(maxPriority - p)
}

// delayQueue names the TTL + dead-letter holding queue for delayed jobs.
func delayQueue(queue string) string { return queue + ".delayed" }

// Option configures the adapter.
type Option func(*Adapter)

// WithConnection supplies an existing connection; the caller owns its
// lifecycle.
func WithConnection(conn *amqp091.Connection) Option {
	return func(a *Adapter) {
		a.conn = conn
		a.ownsConn = false
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

// Adapter is the RabbitMQ-backed queue adapter.
type Adapter struct {
	url      string
	conn     *amqp091.Connection
	ownsConn bool

	logger    *slog.Logger
	hooks     *hook.Registry
	collector *metrics.Collector
	mws       []middleware.Middleware

	mu          sync.Mutex
	initialized bool
	pub         *amqp091.Channel
	declared    map[string]bool
	procs       map[string]*processor
	wg          sync.WaitGroup
}

type processor struct {
	handler job.Handler
	paused  *atomic.Bool
	stop    chan struct{}
}

// New creates a RabbitMQ adapter. Call Initialize before use.
func New(url string, opts ...Option) *Adapter {
	a := &Adapter{
		url:      url,
		ownsConn: true,
		declared: make(map[string]bool),
		procs:    make(map[string]*processor),
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

// Name returns "amqp".
func (a *Adapter) Name() string { return "amqp" }

// Collector returns the adapter's metrics collector.
func (a *Adapter) Collector() *metrics.Collector { return a.collector }

// Hooks returns the adapter's lifecycle listener registry.
func (a *Adapter) Hooks() *hook.Registry { return a.hooks }

// Initialize connects and opens the publish channel. Idempotent.
func (a *Adapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}

	if a.conn == nil {
		conn, err := amqp091.Dial(a.url)
		if err != nil {
			return fmt.Errorf("%w: amqp dial: %w", moroq.ErrAdapterUnavailable, err)
		}
		a.conn = conn
	}
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: amqp channel: %w", moroq.ErrAdapterUnavailable, err)
	}
	a.pub = ch
	a.initialized = true
	return nil
}

// Close stops consumers, waits for in-flight executions, and closes the
// connection when owned.
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
	pub := a.pub
	a.pub = nil
	a.mu.Unlock()

	a.wg.Wait()
	a.hooks.EmitShutdown(ctx)

	if pub != nil {
		_ = pub.Close()
	}
	if a.ownsConn && a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
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

// declare sets up the work queue and its delay companion once per queue.
// The delay queue dead-letters expired messages back onto the work
// queue, which is how both WithDelay and retry backoff are served.
func (a *Adapter) declare(ch *amqp091.Channel, queue string) error {
	a.mu.Lock()
	done := a.declared[queue]
	a.mu.Unlock()
	if done {
		return nil
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp091.Table{
		"x-max-priority": int32(maxPriority),
	}); err != nil {
		return fmt.Errorf("moroq/amqp: declare queue %q: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(delayQueue(queue), true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("moroq/amqp: declare delay queue %q: %w", queue, err)
	}

	a.mu.Lock()
	a.declared[queue] = true
	a.mu.Unlock()
	return nil
}

// publish sends a job envelope, routing delayed jobs through the TTL
// holding queue.
func (a *Adapter) publish(ctx context.Context, ch *amqp091.Channel, j *job.Job, delay time.Duration) error {
	body, err := encodeEnvelope(j)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType:  "application/msgpack",
		DeliveryMode: amqp091.Persistent,
		MessageId:    j.ID,
		Priority:     amqpPriority(j.Opts.Priority),
		Body:         body,
	}

	routing := j.Queue
	if delay > 0 {
		routing = delayQueue(j.Queue)
		msg.Expiration = fmt.Sprintf("%d", delay.Milliseconds())
	}
	if err := ch.PublishWithContext(ctx, "", routing, false, false, msg); err != nil {
		return fmt.Errorf("moroq/amqp: publish: %w", err)
	}
	return nil
}
