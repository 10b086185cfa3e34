package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/middleware"
)

// Add publishes one job. RabbitMQ cannot look up published messages, so
// caller-supplied JobIDs are not deduplicated. Repeat options are not
// supported.
func (a *Adapter) Add(ctx context.Context, queue string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	o := job.Resolve(opts...)
	if o.Repeat != nil {
		return nil, fmt.Errorf("%w: repeatable jobs on amqp", moroq.ErrUnsupported)
	}

	j := job.New(queue, payload, o)
	if err := a.declare(a.pub, queue); err != nil {
		return nil, err
	}
	if err := a.publish(ctx, a.pub, j, o.Delay); err != nil {
		return nil, err
	}

	a.hooks.EmitJobAdded(ctx, j)
	return j, nil
}

// AddBulk publishes several jobs in input order.
func (a *Adapter) AddBulk(ctx context.Context, queue string, jobs []adapter.BulkJob) ([]*job.Job, error) {
	out := make([]*job.Job, 0, len(jobs))
	for _, bj := range jobs {
		j, err := a.Add(ctx, queue, bj.Payload, bj.Opts...)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Process registers the handler for a queue and starts a consumer pool.
func (a *Adapter) Process(queue string, concurrency int, handler job.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return moroq.ErrNotInitialized
	}
	if _, ok := a.procs[queue]; ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %q", moroq.ErrProcessorExists, queue)
	}
	conn := a.conn
	a.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("moroq/amqp: consumer channel: %w", err)
	}
	if err := a.declare(ch, queue); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("moroq/amqp: qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("moroq/amqp: consume: %w", err)
	}

	p := &processor{
		handler: middleware.Chain(a.mws...)(handler),
		paused:  &atomic.Bool{},
		stop:    make(chan struct{}),
	}

	a.mu.Lock()
	if _, ok := a.procs[queue]; ok {
		a.mu.Unlock()
		_ = ch.Close()
		return fmt.Errorf("%w: %q", moroq.ErrProcessorExists, queue)
	}
	a.procs[queue] = p
	a.mu.Unlock()

	a.wg.Add(1)
	go a.consume(queue, p, ch, deliveries, concurrency)
	return nil
}

// consume fans deliveries out to a bounded worker group and tears the
// channel down on stop.
func (a *Adapter) consume(queue string, p *processor, ch *amqp091.Channel, deliveries <-chan amqp091.Delivery, concurrency int) {
	defer a.wg.Done()
	defer func() { _ = ch.Close() }()

	// Closing the channel ends the deliveries range below.
	go func() {
		<-p.stop
		_ = ch.Close()
	}()

	var g errgroup.Group
	g.SetLimit(concurrency)

	for d := range deliveries {
		if p.paused.Load() {
			// Local pause: hand the message back to the broker.
			_ = d.Nack(false, true)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		g.Go(func() error {
			a.execute(queue, p, d)
			return nil
		})
	}
	_ = g.Wait()
}

// execute runs one delivered job and acks or reroutes it.
func (a *Adapter) execute(queue string, p *processor, d amqp091.Delivery) {
	ctx := context.Background()

	j, err := decodeEnvelope(d.Body)
	if err != nil {
		a.logger.Error("drop undecodable delivery",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		_ = d.Ack(false)
		return
	}

	now := time.Now().UTC()
	j.MarkActive(now)

	jc := job.NewContext(j, nil)
	a.hooks.EmitJobStarted(ctx, jc.Job)

	start := time.Now()
	res, err := p.handler(ctx, jc)
	elapsed := time.Since(start)
	now = time.Now().UTC()

	j = jc.Job

	if err == nil {
		var result []byte
		if res != nil {
			result, _ = json.Marshal(res)
		}
		j.MarkCompleted(result, now)
		_ = d.Ack(false)

		a.collector.RecordCompleted(queue, elapsed)
		a.hooks.EmitJobCompleted(ctx, j, elapsed)
		return
	}

	if j.ShouldRetry() {
		delay := j.RetryDelay()
		j.ScheduleRetry(err.Error(), job.ErrorStack(err), delay, now)
		if perr := a.publish(ctx, a.pub, j, delay); perr != nil {
			a.logger.Error("reschedule retry failed",
				slog.String("job_id", j.ID),
				slog.String("error", perr.Error()),
			)
			// Let the broker redeliver rather than lose the job.
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		a.hooks.EmitJobRetrying(ctx, j, j.AttemptsMade, j.RunAt)
		return
	}

	j.MarkFailed(err.Error(), job.ErrorStack(err), now)
	_ = d.Ack(false)

	a.collector.RecordFailed(queue, elapsed)
	a.hooks.EmitJobFailed(ctx, j, err)
}

// GetJob is not expressible on RabbitMQ; published messages have no
// point lookup. Always returns moroq.ErrUnsupported.
func (a *Adapter) GetJob(context.Context, string, string) (*job.Job, error) {
	return nil, fmt.Errorf("%w: job lookup on amqp", moroq.ErrUnsupported)
}

// GetJobs is not expressible on RabbitMQ. Always returns
// moroq.ErrUnsupported.
func (a *Adapter) GetJobs(context.Context, string, ...job.State) ([]*job.Job, error) {
	return nil, fmt.Errorf("%w: job enumeration on amqp", moroq.ErrUnsupported)
}

// RemoveJob is not expressible on RabbitMQ. Always returns
// moroq.ErrUnsupported.
func (a *Adapter) RemoveJob(context.Context, string, string) error {
	return fmt.Errorf("%w: job removal on amqp", moroq.ErrUnsupported)
}

// RetryJob is not expressible on RabbitMQ; failed jobs are not retained.
// Always returns moroq.ErrUnsupported.
func (a *Adapter) RetryJob(context.Context, string, string) error {
	return fmt.Errorf("%w: manual retry on amqp", moroq.ErrUnsupported)
}

// PauseQueue halts this process's consumers. The pause is local: other
// consumers of the same broker queue keep receiving.
func (a *Adapter) PauseQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	p := a.procs[queue]
	a.mu.Unlock()
	if p != nil {
		p.paused.Store(true)
	}
	a.hooks.EmitQueuePaused(ctx, queue)
	return nil
}

// ResumeQueue resumes this process's consumers.
func (a *Adapter) ResumeQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.mu.Lock()
	p := a.procs[queue]
	a.mu.Unlock()
	if p != nil {
		p.paused.Store(false)
	}
	a.hooks.EmitQueueResumed(ctx, queue)
	return nil
}

// JobCounts reports what the broker exposes: the ready backlog as
// Waiting and the delay queue's depth as Delayed. Completed and failed
// totals are not retained by RabbitMQ.
func (a *Adapter) JobCounts(_ context.Context, queue string) (adapter.Counts, error) {
	if err := a.ready(); err != nil {
		return adapter.Counts{}, err
	}

	var c adapter.Counts
	q, err := a.pub.QueueDeclarePassive(queue, true, false, false, false, amqp091.Table{
		"x-max-priority": int32(maxPriority),
	})
	if err != nil {
		return adapter.Counts{}, fmt.Errorf("moroq/amqp: inspect queue: %w", err)
	}
	c.Waiting = q.Messages

	dq, err := a.pub.QueueDeclarePassive(delayQueue(queue), true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	})
	if err == nil {
		c.Delayed = dq.Messages
	}
	return c, nil
}

// Clean is not expressible on RabbitMQ; terminal jobs are not retained.
// Always returns moroq.ErrUnsupported.
func (a *Adapter) Clean(context.Context, string, time.Duration, job.State) (int, error) {
	return 0, fmt.Errorf("%w: clean on amqp", moroq.ErrUnsupported)
}

// Obliterate purges the work and delay queues.
func (a *Adapter) Obliterate(_ context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if _, err := a.pub.QueuePurge(queue, false); err != nil {
		return fmt.Errorf("moroq/amqp: purge queue: %w", err)
	}
	if _, err := a.pub.QueuePurge(delayQueue(queue), false); err != nil {
		return fmt.Errorf("moroq/amqp: purge delay queue: %w", err)
	}
	return nil
}
