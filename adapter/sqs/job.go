package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/middleware"
)

// encodeBody serializes a job record as a JSON message body.
func encodeBody(j *job.Job) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("moroq/sqs: encode body: %w", err)
	}
	return string(data), nil
}

// decodeBody restores a job record from a message body.
func decodeBody(body string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return nil, fmt.Errorf("moroq/sqs: decode body: %w", err)
	}
	return &j, nil
}

// send queues one job message with the given delivery delay.
func (a *Adapter) send(ctx context.Context, j *job.Job, delay time.Duration) error {
	u, err := a.queueURL(ctx, j.Queue)
	if err != nil {
		return err
	}
	body, err := encodeBody(j)
	if err != nil {
		return err
	}
	_, err = a.client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:     &u,
		MessageBody:  &body,
		DelaySeconds: delaySeconds(delay),
	})
	if err != nil {
		return fmt.Errorf("moroq/sqs: send message: %w", err)
	}
	return nil
}

// Add queues one job. SQS cannot look up sent messages, so
// caller-supplied JobIDs are not deduplicated, and delivery order
// ignores priority. Repeat options are not supported.
func (a *Adapter) Add(ctx context.Context, queue string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	o := job.Resolve(opts...)
	if o.Repeat != nil {
		return nil, fmt.Errorf("%w: repeatable jobs on sqs", moroq.ErrUnsupported)
	}

	j := job.New(queue, payload, o)
	if err := a.send(ctx, j, o.Delay); err != nil {
		return nil, err
	}

	a.hooks.EmitJobAdded(ctx, j)
	return j, nil
}

// AddBulk queues several jobs in input order.
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

// Process registers the handler for a queue and starts a long-polling
// receive loop.
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

	p := &processor{
		handler: middleware.Chain(a.mws...)(handler),
		paused:  &atomic.Bool{},
		stop:    make(chan struct{}),
	}
	a.procs[queue] = p

	a.wg.Add(1)
	go a.consume(queue, p, concurrency)
	return nil
}

// consume long-polls the queue and fans messages out to a bounded
// worker group.
func (a *Adapter) consume(queue string, p *processor, concurrency int) {
	defer a.wg.Done()
	ctx := context.Background()

	batch := int32(concurrency)
	if batch > 10 {
		batch = 10 // SQS receive cap
	}

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

		u, err := a.queueURL(ctx, queue)
		if err != nil {
			a.logger.Error("resolve queue failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}

		out, err := a.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:            &u,
			MaxNumberOfMessages: batch,
			WaitTimeSeconds:     5,
		})
		if err != nil {
			a.logger.Error("receive failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}

		for _, m := range out.Messages {
			g.Go(func() error {
				a.execute(ctx, queue, u, p, m)
				return nil
			})
		}
	}
}

// execute runs one received job and deletes or reroutes the message.
func (a *Adapter) execute(ctx context.Context, queue, queueURL string, p *processor, m types.Message) {
	deleteMsg := func() {
		_, err := a.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
			QueueUrl:      &queueURL,
			ReceiptHandle: m.ReceiptHandle,
		})
		if err != nil {
			a.logger.Error("delete message failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
	}

	j, err := decodeBody(deref(m.Body))
	if err != nil {
		a.logger.Error("drop undecodable message",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		deleteMsg()
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
		deleteMsg()

		a.collector.RecordCompleted(queue, elapsed)
		a.hooks.EmitJobCompleted(ctx, j, elapsed)
		return
	}

	if j.ShouldRetry() {
		delay := j.RetryDelay()
		j.ScheduleRetry(err.Error(), job.ErrorStack(err), delay, now)
		if serr := a.send(ctx, j, delay); serr != nil {
			a.logger.Error("reschedule retry failed",
				slog.String("job_id", j.ID),
				slog.String("error", serr.Error()),
			)
			// Leave the message invisible; SQS will redeliver it.
			return
		}
		deleteMsg()
		a.hooks.EmitJobRetrying(ctx, j, j.AttemptsMade, j.RunAt)
		return
	}

	j.MarkFailed(err.Error(), job.ErrorStack(err), now)
	deleteMsg()

	a.collector.RecordFailed(queue, elapsed)
	a.hooks.EmitJobFailed(ctx, j, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GetJob is not expressible on SQS; sent messages have no point lookup.
// Always returns moroq.ErrUnsupported.
func (a *Adapter) GetJob(context.Context, string, string) (*job.Job, error) {
	return nil, fmt.Errorf("%w: job lookup on sqs", moroq.ErrUnsupported)
}

// GetJobs is not expressible on SQS. Always returns moroq.ErrUnsupported.
func (a *Adapter) GetJobs(context.Context, string, ...job.State) ([]*job.Job, error) {
	return nil, fmt.Errorf("%w: job enumeration on sqs", moroq.ErrUnsupported)
}

// RemoveJob is not expressible on SQS. Always returns
// moroq.ErrUnsupported.
func (a *Adapter) RemoveJob(context.Context, string, string) error {
	return fmt.Errorf("%w: job removal on sqs", moroq.ErrUnsupported)
}

// RetryJob is not expressible on SQS; failed jobs are not retained.
// Always returns moroq.ErrUnsupported.
func (a *Adapter) RetryJob(context.Context, string, string) error {
	return fmt.Errorf("%w: manual retry on sqs", moroq.ErrUnsupported)
}

// PauseQueue halts this process's consumers. The pause is local: other
// consumers of the same queue keep receiving.
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

// JobCounts reports what the service exposes: approximate visible,
// in-flight, and delayed message counts. Completed and failed totals
// are not retained by SQS.
func (a *Adapter) JobCounts(ctx context.Context, queue string) (adapter.Counts, error) {
	if err := a.ready(); err != nil {
		return adapter.Counts{}, err
	}
	u, err := a.queueURL(ctx, queue)
	if err != nil {
		return adapter.Counts{}, err
	}

	out, err := a.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: &u,
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return adapter.Counts{}, fmt.Errorf("moroq/sqs: queue attributes: %w", err)
	}

	atoi := func(name types.QueueAttributeName) int {
		n, _ := strconv.Atoi(out.Attributes[string(name)])
		return n
	}
	return adapter.Counts{
		Waiting: atoi(types.QueueAttributeNameApproximateNumberOfMessages),
		Active:  atoi(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed: atoi(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

// Clean is not expressible on SQS; terminal jobs are not retained.
// Always returns moroq.ErrUnsupported.
func (a *Adapter) Clean(context.Context, string, time.Duration, job.State) (int, error) {
	return 0, fmt.Errorf("%w: clean on sqs", moroq.ErrUnsupported)
}

// Obliterate purges the queue.
func (a *Adapter) Obliterate(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	u, err := a.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	if _, err := a.client.PurgeQueue(ctx, &awssqs.PurgeQueueInput{QueueUrl: &u}); err != nil {
		return fmt.Errorf("moroq/sqs: purge queue: %w", err)
	}
	return nil
}
