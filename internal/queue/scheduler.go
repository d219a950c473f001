package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/hauworth/mediamill/pkg/logger"
)

var schedLog = logger.Get("Scheduler")

// cronParser accepts the standard five-field "minute hour day month
// weekday" format.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduledJobDefinition is a recurring job registration. Definitions are
// uniquely keyed: re-registering the same ID replaces the schedule rather
// than duplicating it.
type ScheduledJobDefinition struct {
	ID          string          `json:"id"`
	CronPattern string          `json:"cronPattern"`
	Payload     json.RawMessage `json:"payload"`
}

// Scheduler turns cron-style recurring definitions into ordinary jobs on
// its queue. Schedule state is owned by the broker, not an in-process
// timer: each due fire is claimed with SETNX so multiple worker replicas
// running the same scheduler never double-fire.
type Scheduler struct {
	queue *Queue
}

func newScheduler(queue *Queue) *Scheduler {
	return &Scheduler{queue: queue}
}

func (s *Scheduler) defsKey() string { return s.queue.key("sched:defs") }
func (s *Scheduler) nextKey() string { return s.queue.key("sched:next") }

// ScheduleRecurring registers (or replaces) a recurring job definition.
// Calling it twice with the same ID results in exactly one active schedule.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, def ScheduledJobDefinition) error {
	schedule, err := cronParser.Parse(def.CronPattern)
	if err != nil {
		return fmt.Errorf("invalid cron pattern %q for scheduled job %s: %w", def.CronPattern, def.ID, err)
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode scheduled job %s: %w", def.ID, err)
	}

	if err := s.queue.client.HSet(ctx, s.defsKey(), def.ID, raw).Err(); err != nil {
		return fmt.Errorf("failed to register scheduled job %s: %w", def.ID, err)
	}

	next := schedule.Next(time.Now().UTC())
	if err := s.queue.client.ZAdd(ctx, s.nextKey(), redis.Z{Score: float64(next.UnixMilli()), Member: def.ID}).Err(); err != nil {
		return fmt.Errorf("failed to schedule next fire of job %s: %w", def.ID, err)
	}

	schedLog.Emit(logger.NEW, "Registered recurring job %s (%s) on queue %s, next fire %s\n", def.ID, def.CronPattern, s.queue.Name(), next.Format(time.RFC3339))
	return nil
}

// Run polls for due schedules and enqueues a job for each fire. It blocks
// until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.fireDue(ctx); err != nil {
				schedLog.Errorf("Scheduler tick for queue %s failed: %s\n", s.queue.Name(), err)
			}
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.queue.client.ZRangeByScore(ctx, s.nextKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli())}).Result()
	if err != nil {
		return fmt.Errorf("failed to inspect schedule set: %w", err)
	}

	for _, id := range due {
		if err := s.fire(ctx, id, now); err != nil {
			schedLog.Errorf("Failed to fire scheduled job %s: %s\n", id, err)
		}
	}

	return nil
}

func (s *Scheduler) fire(ctx context.Context, id string, now time.Time) error {
	score, err := s.queue.client.ZScore(ctx, s.nextKey(), id).Result()
	if err != nil {
		// Another replica claimed and rescheduled this entry already.
		return nil
	}

	// Claim this specific fire; SETNX makes the claim exclusive across
	// replicas sharing the broker.
	claimKey := s.queue.key(fmt.Sprintf("sched:fire:%s:%d", id, int64(score)))
	claimed, err := s.queue.client.SetNX(ctx, claimKey, 1, time.Hour).Result()
	if err != nil {
		return fmt.Errorf("failed to claim fire of %s: %w", id, err)
	}
	if !claimed {
		return nil
	}

	// If the fire fails before the job lands on the queue, give the claim
	// back so the next tick (on any replica) can retry instead of the fire
	// silently skipping until the claim TTL lapses.
	releaseClaim := func() {
		if err := s.queue.client.Del(ctx, claimKey).Err(); err != nil {
			schedLog.Warnf("Failed to release fire claim %s: %s\n", claimKey, err)
		}
	}

	raw, err := s.queue.client.HGet(ctx, s.defsKey(), id).Result()
	if err != nil {
		releaseClaim()
		return fmt.Errorf("failed to load definition of %s: %w", id, err)
	}

	def := ScheduledJobDefinition{}
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		releaseClaim()
		return fmt.Errorf("failed to decode definition of %s: %w", id, err)
	}

	schedule, err := cronParser.Parse(def.CronPattern)
	if err != nil {
		releaseClaim()
		return fmt.Errorf("stored cron pattern for %s no longer parses: %w", id, err)
	}

	// Each fire gets a unique job ID so retention of a previous run never
	// collides with the next one.
	jobID := fmt.Sprintf("%s-%d", def.ID, int64(score))
	if err := s.queue.Enqueue(ctx, jobID, def.Payload, defaultSchedulePriority); err != nil {
		releaseClaim()
		return err
	}

	next := schedule.Next(now)
	if err := s.queue.client.ZAdd(ctx, s.nextKey(), redis.Z{Score: float64(next.UnixMilli()), Member: id}).Err(); err != nil {
		return fmt.Errorf("failed to reschedule %s: %w", id, err)
	}

	schedLog.Infof("Fired recurring job %s, next fire %s\n", id, next.Format(time.RFC3339))
	return nil
}

const defaultSchedulePriority = 50

// Definitions returns the currently registered recurring definitions,
// used by tests and operator introspection.
func (s *Scheduler) Definitions(ctx context.Context) ([]ScheduledJobDefinition, error) {
	raw, err := s.queue.client.HGetAll(ctx, s.defsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}

	defs := make([]ScheduledJobDefinition, 0, len(raw))
	for _, encoded := range raw {
		def := ScheduledJobDefinition{}
		if err := json.Unmarshal([]byte(encoded), &def); err != nil {
			return nil, fmt.Errorf("failed to decode scheduled job: %w", err)
		}
		defs = append(defs, def)
	}

	return defs, nil
}
