// Package maintenance owns the scheduled housekeeping queue: the daily
// purge of expired soft-deleted assets and the storage usage recalculation.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hauworth/mediamill/internal/event"
	"github.com/hauworth/mediamill/internal/queue"
	"github.com/hauworth/mediamill/pkg/logger"
)

var log = logger.Get("Maintenance")

const (
	// QueueName is the dedicated housekeeping queue. Concurrency is pinned
	// to one: maintenance tasks sweep shared state and must never overlap.
	QueueName = "maintenance"

	TaskPurgeExpired      = "purge-expired"
	TaskRecalculateUsage  = "recalculate-storage-usage"
	purgeScheduleID       = "maintenance-purge-expired"
	usageScheduleID       = "maintenance-recalculate-usage"
	purgeCronPattern      = "0 0 * * *"
	usageCronPattern      = "30 0 * * *"
	defaultRetentionDays  = 30
	maintenanceRetention  = 30
	maintenanceFailedKeep = 100
)

// taskPayload is the envelope maintenance jobs carry; the task name selects
// the routine to run.
type taskPayload struct {
	Task string `json:"task"`
}

// PurgeResult is the partial-failure outcome of a purge batch: one asset
// failing to delete never aborts the rest of the batch.
type PurgeResult struct {
	DeletedCount int
	Errors       []error
}

type (
	// AssetSource lists purge candidates and removes their records.
	AssetSource interface {
		ListExpiredDeleted(ctx context.Context, cutoff time.Time) ([]PurgeCandidate, error)
		DeleteRecord(ctx context.Context, assetID string) error
		RecalculateStorageUsage(ctx context.Context) error
	}

	// ObjectDeleter removes the stored bytes of a purged asset.
	ObjectDeleter interface {
		Delete(ctx context.Context, storageKey string) error
	}

	// PurgeCandidate is the projection of an asset the purge needs.
	PurgeCandidate struct {
		AssetID    string
		StorageKey string
	}
)

// Service registers and executes the recurring maintenance tasks.
type Service struct {
	registry *queue.Registry
	assets   AssetSource
	objects  ObjectDeleter
	eventBus event.EventDispatcher

	retentionWindow time.Duration
}

func New(registry *queue.Registry, assets AssetSource, objects ObjectDeleter, eventBus event.EventDispatcher) *Service {
	return &Service{
		registry:        registry,
		assets:          assets,
		objects:         objects,
		eventBus:        eventBus,
		retentionWindow: time.Hour * 24 * defaultRetentionDays,
	}
}

// queueOptions returns the housekeeping queue's policies: long retention in
// both directions so a month of daily runs stays inspectable.
func queueOptions() queue.Options {
	opts := queue.DefaultOptions()
	opts.Retention = queue.RetentionPolicy{
		CompletedCount: maintenanceRetention,
		CompletedAge:   time.Hour * 24 * 30,
		FailedCount:    maintenanceFailedKeep,
		FailedAge:      time.Hour * 24 * 30,
	}

	return opts
}

// Run registers the recurring schedules, then runs the scheduler and the
// single-slot worker until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.registry.GetQueueWithOptions(ctx, QueueName, queueOptions()); err != nil {
		return err
	}

	scheduler, err := s.registry.GetScheduler(ctx, QueueName)
	if err != nil {
		return err
	}

	schedules := []queue.ScheduledJobDefinition{
		{ID: purgeScheduleID, CronPattern: purgeCronPattern, Payload: encodeTask(TaskPurgeExpired)},
		{ID: usageScheduleID, CronPattern: usageCronPattern, Payload: encodeTask(TaskRecalculateUsage)},
	}
	for _, def := range schedules {
		if err := scheduler.ScheduleRecurring(ctx, def); err != nil {
			return err
		}
	}

	worker, err := s.registry.GetWorker(ctx, QueueName, s.handleTask, 1)
	if err != nil {
		return err
	}

	schedulerDone := make(chan error, 1)
	go func() { schedulerDone <- scheduler.Run(ctx) }()

	workerErr := worker.Run(ctx)
	schedulerErr := <-schedulerDone
	if workerErr != nil {
		return workerErr
	}

	return schedulerErr
}

func encodeTask(task string) json.RawMessage {
	raw, _ := json.Marshal(taskPayload{Task: task})
	return raw
}

func (s *Service) handleTask(ctx context.Context, job *queue.Job) error {
	payload := taskPayload{}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode maintenance task from %s: %w", job, err)
	}

	switch payload.Task {
	case TaskPurgeExpired:
		result, err := s.PurgeExpiredFiles(ctx)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("purge completed with %d error(s) (%d asset(s) deleted): %w", len(result.Errors), result.DeletedCount, result.Errors[0])
		}
		return nil
	case TaskRecalculateUsage:
		return s.RecalculateStorageUsage(ctx)
	default:
		return fmt.Errorf("unknown maintenance task %q", payload.Task)
	}
}

// PurgeExpiredFiles permanently removes assets that were soft-deleted more
// than the retention window ago. Each asset's stored object is deleted
// before its record; a failure on either is collected and the batch moves
// on, so a single bad asset never blocks the sweep.
func (s *Service) PurgeExpiredFiles(ctx context.Context) (PurgeResult, error) {
	cutoff := time.Now().UTC().Add(-s.retentionWindow)
	candidates, err := s.assets.ListExpiredDeleted(ctx, cutoff)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("failed to list purge candidates: %w", err)
	}

	result := PurgeResult{}
	for _, candidate := range candidates {
		if err := s.purgeOne(ctx, candidate); err != nil {
			log.Errorf("Failed to purge asset %s: %s\n", candidate.AssetID, err)
			result.Errors = append(result.Errors, fmt.Errorf("asset %s: %w", candidate.AssetID, err))
			continue
		}

		result.DeletedCount++
	}

	log.Infof("Purge swept %d candidate(s): %d deleted, %d error(s)\n", len(candidates), result.DeletedCount, len(result.Errors))
	if s.eventBus != nil {
		s.eventBus.Dispatch(event.PURGE_COMPLETE, event.PurgeCompletePayload{
			DeletedCount: result.DeletedCount,
			ErrorCount:   len(result.Errors),
		})
	}

	return result, nil
}

func (s *Service) purgeOne(ctx context.Context, candidate PurgeCandidate) error {
	if err := s.objects.Delete(ctx, candidate.StorageKey); err != nil {
		return err
	}

	return s.assets.DeleteRecord(ctx, candidate.AssetID)
}

// RecalculateStorageUsage rebuilds the per-account storage totals.
func (s *Service) RecalculateStorageUsage(ctx context.Context) error {
	if err := s.assets.RecalculateStorageUsage(ctx); err != nil {
		return err
	}

	log.Infof("Recalculated per-account storage usage\n")
	return nil
}
