package internal

import (
	"context"
	"fmt"

	"github.com/hauworth/mediamill/internal/database"
	"github.com/hauworth/mediamill/internal/event"
	"github.com/hauworth/mediamill/internal/ffmpeg"
	"github.com/hauworth/mediamill/internal/jobs"
	"github.com/hauworth/mediamill/internal/maintenance"
	"github.com/hauworth/mediamill/internal/processor"
	"github.com/hauworth/mediamill/internal/queue"
	"github.com/hauworth/mediamill/internal/storage"
	"github.com/hauworth/mediamill/pkg/logger"
)

var log = logger.Get("MediaMill")

// MediaMill is the top-level orchestrator: it connects the durable stores,
// owns the long-lived collaborators and supervises the runnable services
// (processor workers, maintenance scheduler). A crash of any service brings
// the process down rather than limping along partially alive.
type MediaMill struct {
	eventBus event.EventCoordinator
	config   MediaMillConfig

	registry   *queue.Registry
	dispatcher *jobs.Dispatcher
	db         database.Manager

	// transcriber is optional; when nil, transcription jobs are neither
	// fanned out nor accepted.
	transcriber processor.Transcriber
}

func New(config MediaMillConfig) *MediaMill {
	return &MediaMill{
		eventBus: event.New(),
		config:   config,
		registry: queue.NewRegistry(config.Broker, queue.DefaultOptions()),
		db:       database.New(),
	}
}

// SetTranscriber wires in a speech-to-text collaborator before Run.
func (m *MediaMill) SetTranscriber(transcriber processor.Transcriber) {
	m.transcriber = transcriber
}

// Run brings up the pipeline and blocks until the context is cancelled or a
// service crashes.
func (m *MediaMill) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log.Emit(logger.INFO, "Initialising MediaMill\n")

	if err := m.db.Connect(m.config.Database); err != nil {
		return fmt.Errorf("failed to initialise MediaMill: %w", err)
	}

	objects, err := storage.NewS3Store(ctx, m.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialise MediaMill: %w", err)
	}

	m.dispatcher = jobs.NewDispatcher(m.registry)
	records := newAssetRecords(m.db)

	proc := processor.New(
		m.config.Pipeline,
		m.registry,
		m.dispatcher,
		objects,
		records,
		ffmpeg.NewProber(m.config.Ffmpeg),
		ffmpeg.NewTranscoder(m.config.Ffmpeg, m.config.TranscodeTimeout),
		m.transcriber,
		m.eventBus,
	)
	maint := maintenance.New(m.registry, records, objects, m.eventBus)

	crashChannel := make(chan error, 2)
	running := 0
	for _, service := range []func(context.Context) error{proc.Run, maint.Run} {
		running++
		go func(service func(context.Context) error) {
			crashChannel <- service(ctx)
		}(service)
	}

	log.Emit(logger.SUCCESS, "MediaMill is running\n")

	// First error (or context cancellation) stops everything; remaining
	// services drain before the broker connection is released.
	var firstErr error
	for running > 0 {
		if err := <-crashChannel; err != nil && firstErr == nil {
			firstErr = err
			log.Emit(logger.ERROR, "Service crashed: %s\n", err)
		}
		running--
		cancel()
	}

	if err := m.registry.Close(); err != nil {
		log.Warnf("Failed to close job broker cleanly: %s\n", err)
	}

	log.Emit(logger.STOP, "MediaMill has stopped\n")
	return firstErr
}

// Dispatcher exposes the job intake for embedding callers.
func (m *MediaMill) Dispatcher() *jobs.Dispatcher {
	return m.dispatcher
}

// PurgeExpiredFiles runs one purge sweep outside of the schedule. It is the
// manual maintenance path: it connects only what the sweep needs and does
// not start any workers.
func (m *MediaMill) PurgeExpiredFiles(ctx context.Context) (maintenance.PurgeResult, error) {
	if err := m.db.Connect(m.config.Database); err != nil {
		return maintenance.PurgeResult{}, err
	}

	objects, err := storage.NewS3Store(ctx, m.config.Storage)
	if err != nil {
		return maintenance.PurgeResult{}, err
	}

	maint := maintenance.New(m.registry, newAssetRecords(m.db), objects, m.eventBus)
	return maint.PurgeExpiredFiles(ctx)
}
