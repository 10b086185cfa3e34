package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	moroq "github.com/Moro-JS/moro-sub006"
	"github.com/Moro-JS/moro-sub006/adapter"
	"github.com/Moro-JS/moro-sub006/job"
	"github.com/Moro-JS/moro-sub006/middleware"
)

// Add enqueues one job. A duplicate caller-supplied JobID is idempotent.
// Repeat options are not supported on mongo.
func (a *Adapter) Add(ctx context.Context, queue string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	o := job.Resolve(opts...)
	if o.Repeat != nil {
		return nil, fmt.Errorf("%w: repeatable jobs on mongo", moroq.ErrUnsupported)
	}

	j := job.New(queue, payload, o)
	m, err := toJobModel(j)
	if err != nil {
		return nil, err
	}
	if _, err := a.jobs().InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			// Caller-supplied JobID already present: return the stored job.
			return a.GetJob(ctx, queue, j.ID)
		}
		return nil, fmt.Errorf("moroq/mongo: insert job: %w", err)
	}

	a.hooks.EmitJobAdded(ctx, j)
	return j, nil
}

// AddBulk enqueues several jobs in input order.
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

// Process registers the handler for a queue and starts its dispatcher.
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
		sem:     make(chan struct{}, concurrency),
		stop:    make(chan struct{}),
	}
	a.procs[queue] = p

	a.wg.Add(1)
	go a.dispatch(queue, p)
	return nil
}

func (a *Adapter) dispatch(queue string, p *processor) {
	defer a.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		claimed, err := a.claim(ctx, queue)
		if err != nil {
			a.logger.Error("dispatch claim failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
		if claimed == nil {
			timer := time.NewTimer(a.poll)
			select {
			case <-p.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-p.stop:
			a.release(ctx, claimed)
			return
		}

		a.wg.Add(1)
		go a.execute(ctx, queue, p, claimed)
	}
}

// claim promotes due delayed jobs and atomically claims the best waiting
// job with FindOneAndUpdate. Returns nil when empty or paused.
func (a *Adapter) claim(ctx context.Context, queue string) (*job.Job, error) {
	paused, err := a.isPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	now := time.Now().UTC()
	if _, err := a.jobs().UpdateMany(ctx,
		bson.M{"queue": queue, "state": string(job.StateDelayed), "run_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"state": string(job.StateWaiting), "updated_at": now}},
	); err != nil {
		return nil, fmt.Errorf("moroq/mongo: promote delayed: %w", err)
	}

	filter := bson.M{"queue": queue, "state": string(job.StateWaiting)}
	update := bson.M{
		"$set": bson.M{
			"state":      string(job.StateActive),
			"started_at": now,
			"updated_at": now,
		},
		"$inc": bson.M{"attempts_made": 1},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{
			{Key: "priority", Value: 1},
			{Key: "seq", Value: 1},
		})

	var m jobModel
	if err := a.jobs().FindOneAndUpdate(ctx, filter, update, opts).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("moroq/mongo: claim: %w", err)
	}
	return fromJobModel(&m)
}

// release returns a claimed job to the waiting set (shutdown race).
func (a *Adapter) release(ctx context.Context, j *job.Job) {
	_, _ = a.jobs().UpdateOne(ctx,
		bson.M{"_id": j.ID},
		bson.M{
			"$set": bson.M{"state": string(job.StateWaiting), "updated_at": time.Now().UTC()},
			"$inc": bson.M{"attempts_made": -1},
		},
	)
}

func (a *Adapter) updateJob(ctx context.Context, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	if _, err := a.jobs().ReplaceOne(ctx, bson.M{"_id": m.ID}, m); err != nil {
		return fmt.Errorf("moroq/mongo: update job: %w", err)
	}
	return nil
}

// execute runs one claimed job and persists the outcome.
func (a *Adapter) execute(ctx context.Context, queue string, p *processor, j *job.Job) {
	defer a.wg.Done()
	defer func() { <-p.sem }()

	jc := job.NewContext(j.Clone(), a)
	a.hooks.EmitJobStarted(ctx, jc.Job)

	start := time.Now()
	res, err := p.handler(ctx, jc)
	elapsed := time.Since(start)
	now := time.Now().UTC()

	j = jc.Job

	if err == nil {
		var result []byte
		if res != nil {
			result, _ = json.Marshal(res)
		}
		j.MarkCompleted(result, now)
		if j.Opts.RemoveOnComplete {
			_, _ = a.jobs().DeleteOne(ctx, bson.M{"_id": j.ID})
		} else if uerr := a.updateJob(ctx, j); uerr != nil {
			a.logger.Error("persist completion failed", slog.String("job_id", j.ID), slog.String("error", uerr.Error()))
		}

		a.collector.RecordCompleted(queue, elapsed)
		a.hooks.EmitJobCompleted(ctx, j, elapsed)
		return
	}

	if j.ShouldRetry() {
		j.ScheduleRetry(err.Error(), job.ErrorStack(err), j.RetryDelay(), now)
		if uerr := a.updateJob(ctx, j); uerr != nil {
			a.logger.Error("persist retry failed", slog.String("job_id", j.ID), slog.String("error", uerr.Error()))
		}
		a.hooks.EmitJobRetrying(ctx, j, j.AttemptsMade, j.RunAt)
		return
	}

	j.MarkFailed(err.Error(), job.ErrorStack(err), now)
	if j.Opts.RemoveOnFail {
		_, _ = a.jobs().DeleteOne(ctx, bson.M{"_id": j.ID})
	} else if uerr := a.updateJob(ctx, j); uerr != nil {
		a.logger.Error("persist failure failed", slog.String("job_id", j.ID), slog.String("error", uerr.Error()))
	}

	a.collector.RecordFailed(queue, elapsed)
	a.hooks.EmitJobFailed(ctx, j, err)
}

// GetJob returns the job, or (nil, nil) when absent.
func (a *Adapter) GetJob(ctx context.Context, queue, jobID string) (*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	var m jobModel
	err := a.jobs().FindOne(ctx, bson.M{"_id": jobID, "queue": queue}).Decode(&m)
	if isNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moroq/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// GetJobs returns the queue's jobs in the given states, in creation
// order. No states means all states.
func (a *Adapter) GetJobs(ctx context.Context, queue string, states ...job.State) ([]*job.Job, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	filter := bson.M{"queue": queue}
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		filter["state"] = bson.M{"$in": names}
	}

	cursor, err := a.jobs().Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("moroq/mongo: list jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("moroq/mongo: list jobs decode: %w", err)
	}

	out := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, j)
	}
	sort.SliceStable(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// RemoveJob deletes a non-active job. Absent jobs are a no-op.
func (a *Adapter) RemoveJob(ctx context.Context, queue, jobID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	var m jobModel
	err := a.jobs().FindOne(ctx, bson.M{"_id": jobID, "queue": queue}).Decode(&m)
	if isNoDocuments(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("moroq/mongo: remove lookup: %w", err)
	}
	if job.State(m.State) == job.StateActive {
		return fmt.Errorf("moroq/mongo: cannot remove active job %s", jobID)
	}
	if _, err := a.jobs().DeleteOne(ctx,
		bson.M{"_id": jobID, "state": bson.M{"$ne": string(job.StateActive)}},
	); err != nil {
		return fmt.Errorf("moroq/mongo: remove job: %w", err)
	}
	return nil
}

// RetryJob re-enqueues a failed job with a fresh attempt budget.
func (a *Adapter) RetryJob(ctx context.Context, queue, jobID string) error {
	if err := a.ready(); err != nil {
		return err
	}
	res, err := a.jobs().UpdateOne(ctx,
		bson.M{"_id": jobID, "queue": queue, "state": string(job.StateFailed)},
		bson.M{
			"$set": bson.M{
				"state":         string(job.StateWaiting),
				"attempts_made": 0,
				"failed_reason": "",
				"run_at":        time.Now().UTC(),
				"updated_at":    time.Now().UTC(),
			},
			"$unset": bson.M{"finished_at": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("moroq/mongo: retry job: %w", err)
	}
	if res.MatchedCount == 0 {
		j, gerr := a.GetJob(ctx, queue, jobID)
		if gerr != nil {
			return gerr
		}
		if j == nil {
			return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
		}
		return fmt.Errorf("moroq/mongo: retry requires a failed job, %s is %s", jobID, j.State)
	}
	return nil
}

func (a *Adapter) isPaused(ctx context.Context, queue string) (bool, error) {
	var doc struct {
		Paused bool `bson:"paused"`
	}
	err := a.queues().FindOne(ctx, bson.M{"_id": queue}).Decode(&doc)
	if isNoDocuments(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("moroq/mongo: paused check: %w", err)
	}
	return doc.Paused, nil
}

func (a *Adapter) setPaused(ctx context.Context, queue string, paused bool) error {
	_, err := a.queues().UpdateOne(ctx,
		bson.M{"_id": queue},
		bson.M{"$set": bson.M{"paused": paused}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// PauseQueue freezes dispatch for a queue.
func (a *Adapter) PauseQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.setPaused(ctx, queue, true); err != nil {
		return fmt.Errorf("moroq/mongo: pause: %w", err)
	}
	a.hooks.EmitQueuePaused(ctx, queue)
	return nil
}

// ResumeQueue resumes a paused queue.
func (a *Adapter) ResumeQueue(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.setPaused(ctx, queue, false); err != nil {
		return fmt.Errorf("moroq/mongo: resume: %w", err)
	}
	a.hooks.EmitQueueResumed(ctx, queue)
	return nil
}

// JobCounts returns the queue census, recomputed per call.
func (a *Adapter) JobCounts(ctx context.Context, queue string) (adapter.Counts, error) {
	if err := a.ready(); err != nil {
		return adapter.Counts{}, err
	}

	paused, err := a.isPaused(ctx, queue)
	if err != nil {
		return adapter.Counts{}, err
	}

	cursor, err := a.jobs().Aggregate(ctx, bson.A{
		bson.M{"$match": bson.M{"queue": queue}},
		bson.M{"$group": bson.M{"_id": "$state", "n": bson.M{"$sum": 1}}},
	})
	if err != nil {
		return adapter.Counts{}, fmt.Errorf("moroq/mongo: counts: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		State string `bson:"_id"`
		N     int    `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return adapter.Counts{}, fmt.Errorf("moroq/mongo: counts decode: %w", err)
	}

	var c adapter.Counts
	for _, r := range rows {
		switch job.State(r.State) {
		case job.StateWaiting:
			if paused {
				c.Paused += r.N
			} else {
				c.Waiting += r.N
			}
		case job.StateDelayed:
			c.Delayed += r.N
		case job.StateActive:
			c.Active += r.N
		case job.StateCompleted:
			c.Completed += r.N
		case job.StateFailed:
			c.Failed += r.N
		}
	}
	return c, nil
}

// Clean removes terminal jobs in the given state older than grace.
func (a *Adapter) Clean(ctx context.Context, queue string, grace time.Duration, state job.State) (int, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return 0, fmt.Errorf("moroq/mongo: clean supports completed or failed, got %q", state)
	}
	if err := a.ready(); err != nil {
		return 0, err
	}
	res, err := a.jobs().DeleteMany(ctx, bson.M{
		"queue":       queue,
		"state":       string(state),
		"finished_at": bson.M{"$lte": time.Now().UTC().Add(-grace)},
	})
	if err != nil {
		return 0, fmt.Errorf("moroq/mongo: clean: %w", err)
	}
	return int(res.DeletedCount), nil
}

// Obliterate removes every job and the queue's bookkeeping document.
func (a *Adapter) Obliterate(ctx context.Context, queue string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if _, err := a.jobs().DeleteMany(ctx, bson.M{"queue": queue}); err != nil {
		return fmt.Errorf("moroq/mongo: obliterate jobs: %w", err)
	}
	if _, err := a.queues().DeleteOne(ctx, bson.M{"_id": queue}); err != nil {
		return fmt.Errorf("moroq/mongo: obliterate queue: %w", err)
	}
	return nil
}

// UpdateProgress persists a handler's progress report. Part of the
// job.Recorder contract.
func (a *Adapter) UpdateProgress(ctx context.Context, queue, jobID string, progress int) error {
	res, err := a.jobs().UpdateOne(ctx,
		bson.M{"_id": jobID, "queue": queue},
		bson.M{"$set": bson.M{"progress": progress, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("moroq/mongo: update progress: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
	}
	return nil
}

// AppendLog persists a handler's log line. Part of the job.Recorder
// contract.
func (a *Adapter) AppendLog(ctx context.Context, queue, jobID, msg string) error {
	res, err := a.jobs().UpdateOne(ctx,
		bson.M{"_id": jobID, "queue": queue},
		bson.M{
			"$push": bson.M{"logs": msg},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return fmt.Errorf("moroq/mongo: append log: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s/%s", moroq.ErrJobNotFound, queue, jobID)
	}
	return nil
}
