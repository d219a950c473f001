package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hauworth/mediamill/pkg/logger"
)

var log = logger.Get("Queue")

// ErrJobNotFound is returned when a job record has been garbage collected
// (or never existed) for the ID requested.
var ErrJobNotFound = errors.New("no job record found")

// Queue is a named, durable, ordered channel of jobs backed by the Redis
// broker. Waiting jobs live in a priority-ordered sorted set, delayed
// (backing-off) jobs in a time-ordered one, and finished jobs are retained
// in completed/failed sets trimmed according to the queue's retention
// policy.
type Queue struct {
	name   string
	client *redis.Client
	opts   Options
}

func newQueue(name string, client *redis.Client, opts Options) *Queue {
	return &Queue{name: name, client: client, opts: opts}
}

func (q *Queue) Name() string     { return q.name }
func (q *Queue) Options() Options { return q.opts }

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("mq:%s:%s", q.name, suffix)
}

func (q *Queue) jobKey(id string) string {
	return fmt.Sprintf("mq:%s:job:%s", q.name, id)
}

// waitScore orders the waiting set by (priority, arrival). Priorities are
// small integers so the sequence component never bleeds into the priority
// component within float64 precision.
func waitScore(priority int, seq int64) float64 {
	return float64(priority)*1e12 + float64(seq)
}

// Enqueue adds a job to the back of the queue (within its priority band).
// Enqueueing an ID that is already waiting is benign: the record is
// overwritten and the job keeps a single waiting entry, which is what gives
// producers their dedup hint.
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte, priority int) error {
	seq, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s on queue %s: %w", id, q.name, err)
	}

	job := &Job{
		ID:          id,
		Queue:       q.name,
		Payload:     payload,
		Priority:    priority,
		State:       StateQueued,
		Attempts:    0,
		MaxAttempts: q.opts.Retry.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	// The ID may still sit in a finished set from a previous run of the
	// same identity; pull it out so retention trimming can never garbage
	// collect the record of the now-live job.
	for _, set := range []string{"completed", "failed"} {
		if err := q.client.ZRem(ctx, q.key(set), id).Err(); err != nil {
			return fmt.Errorf("failed to enqueue job %s on queue %s: %w", id, q.name, err)
		}
	}

	if err := q.client.ZAdd(ctx, q.key("wait"), redis.Z{Score: waitScore(priority, seq), Member: id}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s on queue %s: %w", id, q.name, err)
	}

	log.Emit(logger.NEW, "Enqueued %s with priority %d\n", job, priority)
	return nil
}

// Job fetches the job record for the given ID.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load job %s from queue %s: %w", id, q.name, err)
	}

	job := &Job{}
	if err := json.Unmarshal([]byte(raw), job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s from queue %s: %w", id, q.name, err)
	}

	return job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	if err := q.client.Set(ctx, q.jobKey(job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist job %s on queue %s: %w", job.ID, q.name, err)
	}

	return nil
}

// dequeue claims the highest priority waiting job, promoting any due
// delayed jobs first. Returns nil when the queue has nothing ready.
func (q *Queue) dequeue(ctx context.Context) (*Job, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	members, err := q.client.ZPopMin(ctx, q.key("wait"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop from queue %s: %w", q.name, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	id, _ := members[0].Member.(string)
	job, err := q.Job(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// Record was GC'd out from underneath the waiting entry; nothing to run.
		log.Warnf("Job %s popped from queue %s has no record, skipping\n", id, q.name)
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.State = StateActive
	job.Attempts++
	job.ProcessedAt = &now
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}

	return job, nil
}

// promoteDelayed moves jobs whose backoff has elapsed back into the waiting
// set. Each member is claimed with ZRem so concurrent workers promote a
// given job exactly once.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("failed to inspect delayed set for queue %s: %w", q.name, err)
	}

	for _, id := range due {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("failed to promote delayed job %s on queue %s: %w", id, q.name, err)
		}
		if removed == 0 {
			continue
		}

		seq, err := q.client.Incr(ctx, q.key("seq")).Result()
		if err != nil {
			return err
		}

		job, err := q.Job(ctx, id)
		if err != nil {
			continue
		}

		if err := q.client.ZAdd(ctx, q.key("wait"), redis.Z{Score: waitScore(job.Priority, seq), Member: id}).Err(); err != nil {
			return err
		}

		log.Debugf("Promoted delayed job %s back to waiting on queue %s\n", id, q.name)
	}

	return nil
}

// markCompleted transitions a job to its terminal completed state and
// applies completed-set retention.
func (q *Queue) markCompleted(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.State = StateCompleted
	job.FinishedAt = &now
	job.LastError = ""
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	if err := q.client.ZAdd(ctx, q.key("completed"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("failed to record completion of job %s: %w", job.ID, err)
	}

	return q.trimFinished(ctx, "completed", q.opts.Retention.CompletedCount, q.opts.Retention.CompletedAge)
}

// markFailed handles a failed attempt. If the retry policy has attempts
// remaining the job is pushed to the delayed set with exponential backoff;
// otherwise it lands in the failed set where it is retained (never silently
// dropped) until retention expires it.
func (q *Queue) markFailed(ctx context.Context, job *Job, jobErr error) error {
	job.LastError = jobErr.Error()

	if job.Attempts < job.MaxAttempts {
		delay := q.opts.Retry.Backoff.DelayForAttempt(job.Attempts)
		readyAt := time.Now().Add(delay)

		job.State = StateQueued
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}

		if err := q.client.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID}).Err(); err != nil {
			return fmt.Errorf("failed to schedule retry of job %s: %w", job.ID, err)
		}

		log.Warnf("%s failed (%s), retrying in %s\n", job, jobErr, delay)
		return nil
	}

	now := time.Now().UTC()
	job.State = StateFailed
	job.FinishedAt = &now
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	if err := q.client.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("failed to record failure of job %s: %w", job.ID, err)
	}

	log.Errorf("%s exhausted its %d attempts, parking as failed: %s\n", job, job.MaxAttempts, jobErr)
	return q.trimFinished(ctx, "failed", q.opts.Retention.FailedCount, q.opts.Retention.FailedAge)
}

// trimFinished enforces the retention policy over a finished-job set,
// deleting both the set entries and the underlying job records.
func (q *Queue) trimFinished(ctx context.Context, set string, keepCount int, keepAge time.Duration) error {
	key := q.key(set)

	// Age-expired members first, then count overflow (oldest score first).
	cutoff := fmt.Sprintf("%d", time.Now().Add(-keepAge).UnixMilli())
	expired, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return fmt.Errorf("failed to trim %s set for queue %s: %w", set, q.name, err)
	}

	size, err := q.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to trim %s set for queue %s: %w", set, q.name, err)
	}

	overflow := []string{}
	if excess := size - int64(len(expired)) - int64(keepCount); excess > 0 {
		overflow, err = q.client.ZRange(ctx, key, int64(len(expired)), int64(len(expired))+excess-1).Result()
		if err != nil {
			return fmt.Errorf("failed to trim %s set for queue %s: %w", set, q.name, err)
		}
	}

	victims := append(expired, overflow...)
	if len(victims) == 0 {
		return nil
	}

	pipe := q.client.Pipeline()
	for _, id := range victims {
		pipe.ZRem(ctx, key, id)

		// A record whose identity has been re-enqueued since finishing is
		// live again; only terminal records lose their backing record.
		if job, err := q.Job(ctx, id); err == nil && job.State != StateCompleted && job.State != StateFailed {
			continue
		}
		pipe.Del(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to trim %s set for queue %s: %w", set, q.name, err)
	}

	log.Emit(logger.REMOVE, "Trimmed %d %s job(s) from queue %s\n", len(victims), set, q.name)
	return nil
}

// Counts reports the size of each job set, primarily for tests and
// operator introspection.
func (q *Queue) Counts(ctx context.Context) (waiting, delayed, completed, failed int64, err error) {
	for _, c := range []struct {
		set  string
		dest *int64
	}{
		{"wait", &waiting},
		{"delayed", &delayed},
		{"completed", &completed},
		{"failed", &failed},
	} {
		if *c.dest, err = q.client.ZCard(ctx, q.key(c.set)).Result(); err != nil {
			return 0, 0, 0, 0, fmt.Errorf("failed to count %s set for queue %s: %w", c.set, q.name, err)
		}
	}

	return waiting, delayed, completed, failed, nil
}
