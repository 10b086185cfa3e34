package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/middleware"
)

// Add appends one job to the queue's topic. Kafka cannot look up
// produced messages, so caller-supplied JobIDs are not deduplicated,
// and delivery order ignores priority. Repeat options are not
// supported.
func (a *Adapter) Add(ctx context.Context, queue string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	o := job.Resolve(opts...)
	if o.Repeat != nil {
		return nil, fmt.Errorf("%w: repeatable jobs on kafka", moroq.ErrUnsupported)
	}

	j := job.New(queue, payload, o)
	if err := a.produce(ctx, j); err != nil {
		return nil, err
	}

	a.hooks.EmitJobAdded(ctx, j)
	return j, nil
}

// AddBulk appends several jobs in input order.
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

// Process registers the handler for a queue and starts a consumer-group
// reader.
func (a *Adapter) Process(queue string, concurrency int, handler job.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return moroq.ErrNotInitialized
	}
	if _, ok := a.procs[queue]; ok {
		return fmt.Errorf("%w: %q", moroq.ErrProcessorExists, queue)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &processor{
		handler: middleware.Chain(a.mws...)(handler),
		paused:  &atomic.Bool{},
		stop:    make(chan struct{}),
		cancel:  cancel,
	}
	a.procs[queue] = p

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: a.brokers,
		GroupID: groupID(queue),
		Topic:   queue,
	})

	a.wg.Add(1)
	go a.consume(ctx, queue, p, reader, concurrency)
	return nil
}

// consume fetches messages and fans them out to a bounded worker group,
// committing each message after its outcome is settled.
func (a *Adapter) consume(ctx context.Context, queue string, p *processor, reader *kafkago.Reader, concurrency int) {
	defer a.wg.Done()
	defer func() { _ = reader.Close() }()

	var g errgroup.Group
	g.SetLimit(concurrency)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if p.paused.Load() {
			timer := time.NewTimer(time.Second)
			select {
			case <-p.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("fetch failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}

		g.Go(func() error {
			a.execute(ctx, queue, p, reader, m)
			return nil
		})
	}
}

// execute runs one fetched job and commits its offset. Delays are
// honored here: the worker waits until the envelope's RunAt.
func (a *Adapter) execute(ctx context.Context, queue string, p *processor, reader *kafkago.Reader, m kafkago.Message) {
	commit := func() {
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			a.logger.Error("commit failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
	}

	j, err := decodeEnvelope(m.Value)
	if err != nil {
		a.logger.Error("drop undecodable message",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		commit()
		return
	}

	if wait := time.Until(j.RunAt); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
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
		commit()

		a.collector.RecordCompleted(queue, elapsed)
		a.hooks.EmitJobCompleted(ctx, j, elapsed)
		return
	}

	if j.ShouldRetry() {
		delay := j.RetryDelay()
		j.ScheduleRetry(err.Error(), job.ErrorStack(err), delay, now)
		if perr := a.produce(ctx, j); perr != nil {
			a.logger.Error("reschedule retry failed",
				slog.String("job_id", j.ID),
				slog.String("error", perr.Error()),
			)
			// Leave the offset uncommitted; the group will redeliver.
			return
		}
		commit()
		a.hooks.EmitJobRetrying(ctx, j, j.AttemptsMade, j.RunAt)
		return
	}

	j.MarkFailed(err.Error(), job.ErrorStack(err), now)
	commit()

	a.collector.RecordFailed(queue, elapsed)
	a.hooks.EmitJobFailed(ctx, j, err)
}

// GetJob is not expressible on Kafka; the log has no point lookup.
// Always returns moroq.ErrUnsupported.
func (a *Adapter) GetJob(context.Context, string, string) (*job.Job, error) {
	return nil, fmt.Errorf("%w: job lookup on kafka", moroq.ErrUnsupported)
}

// GetJobs is not expressible on Kafka. Always returns
// moroq.ErrUnsupported.
func (a *Adapter) GetJobs(context.Context, string, ...job.State) ([]*job.Job, error) {
	return nil, fmt.Errorf("%w: job enumeration on kafka", moroq.ErrUnsupported)
}

// RemoveJob is not expressible on Kafka. Always returns
// moroq.ErrUnsupported.
func (a *Adapter) RemoveJob(context.Context, string, string) error {
	return fmt.Errorf("%w: job removal on kafka", moroq.ErrUnsupported)
}

// RetryJob is not expressible on Kafka; failed jobs are not retained.
// Always returns moroq.ErrUnsupported.
func (a *Adapter) RetryJob(context.Context, string, string) error {
	return fmt.Errorf("%w: manual retry on kafka", moroq.ErrUnsupported)
}

// PauseQueue halts this process's consumers. The pause is local: other
// members of the consumer group keep receiving.
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

// JobCounts is not expressible on Kafka; the log does not retain
// per-state counts. Always returns moroq.ErrUnsupported.
func (a *Adapter) JobCounts(context.Context, string) (adapter.Counts, error) {
	return adapter.Counts{}, fmt.Errorf("%w: job counts on kafka", moroq.ErrUnsupported)
}

// Clean is not expressible on Kafka; retention is broker policy.
// Always returns moroq.ErrUnsupported.
func (a *Adapter) Clean(context.Context, string, time.Duration, job.State) (int, error) {
	return 0, fmt.Errorf("%w: clean on kafka", moroq.ErrUnsupported)
}

// Obliterate deletes the queue's topic.
func (a *Adapter) Obliterate(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	client := &kafkago.Client{Addr: kafkago.TCP(a.brokers...)}
	_, err := client.DeleteTopics(ctx, &kafkago.DeleteTopicsRequest{
		Topics: []string{queue},
	})
	if err != nil {
		return fmt.Errorf("moroq/kafka: delete topic: %w", err)
	}
	return nil
}
