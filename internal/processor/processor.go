package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/floostack/transcoder"
	"github.com/go-playground/validator/v10"

	"github.com/hauworth/mediamill/internal/event"
	"github.com/hauworth/mediamill/internal/ffmpeg"
	"github.com/hauworth/mediamill/internal/jobs"
	"github.com/hauworth/mediamill/internal/media"
	"github.com/hauworth/mediamill/internal/queue"
	"github.com/hauworth/mediamill/pkg/logger"
)

var log = logger.Get("Processor")

type Config struct {
	Concurrency int    `yaml:"concurrency" env:"PIPELINE_CONCURRENCY" env-default:"4"`
	TempDir     string `yaml:"temp_dir" env:"PIPELINE_TEMP_DIR"`
}

type (
	// ObjectStore resolves storage keys to local bytes and accepts derived
	// artifacts back.
	ObjectStore interface {
		DownloadTo(ctx context.Context, storageKey string, destPath string) error
		UploadFrom(ctx context.Context, storageKey string, sourcePath string, contentType string) error
	}

	// MetadataSaver persists the classified metadata document for an asset.
	MetadataSaver interface {
		SaveMetadata(ctx context.Context, assetID string, meta media.MediaMetadata) error
	}

	// Prober inspects a local media container.
	Prober interface {
		Probe(ctx context.Context, path string) (*ffmpeg.ProbeOutput, error)
	}

	// MediaTranscoder runs a bounded ffmpeg invocation.
	MediaTranscoder interface {
		Transcode(ctx context.Context, inputPath string, outputPath string, opts transcoder.Options, updateHandler func(transcoder.Progress)) error
	}

	// Transcriber converts an extracted audio track to text. The pipeline
	// treats it as a pluggable collaborator; transcription jobs fail when no
	// implementation is wired in.
	Transcriber interface {
		Transcribe(ctx context.Context, audioPath string) (string, error)
	}

	// JobDispatcher is how the processor fans out derived jobs after a
	// metadata classification lands.
	JobDispatcher interface {
		AddJob(ctx context.Context, payload jobs.Payload) error
	}
)

// Processor runs the per-job-type workers. It owns no queue state; queues
// and workers come from the injected registry so every worker shares the
// same broker connection and default policies.
type Processor struct {
	registry    *queue.Registry
	dispatcher  JobDispatcher
	objects     ObjectStore
	records     MetadataSaver
	prober      Prober
	transcoder  MediaTranscoder
	transcriber Transcriber
	eventBus    event.EventCoordinator
	validate    *validator.Validate
	config      Config
}

func New(
	config Config,
	registry *queue.Registry,
	dispatcher JobDispatcher,
	objects ObjectStore,
	records MetadataSaver,
	prober Prober,
	mediaTranscoder MediaTranscoder,
	transcriber Transcriber,
	eventBus event.EventCoordinator,
) *Processor {
	return &Processor{
		registry:    registry,
		dispatcher:  dispatcher,
		objects:     objects,
		records:     records,
		prober:      prober,
		transcoder:  mediaTranscoder,
		transcriber: transcriber,
		eventBus:    eventBus,
		validate:    validator.New(),
		config:      config,
	}
}

// Run starts one worker per job type and blocks until the context is
// cancelled and all in-flight jobs have drained. Metadata completions are
// consumed off the event bus to fan out the applicable derived jobs.
func (p *Processor) Run(ctx context.Context) error {
	p.eventBus.RegisterAsyncHandlerFunction(event.METADATA_SAVED, p.handleMetadataSaved)

	workers := make([]*queue.Worker, 0, len(jobs.AllTypes()))
	for _, jobType := range jobs.AllTypes() {
		queueName, err := jobType.QueueName()
		if err != nil {
			return err
		}

		worker, err := p.registry.GetWorker(ctx, queueName, p.handleJob, p.config.Concurrency)
		if err != nil {
			return err
		}

		workers = append(workers, worker)
	}

	wg := &sync.WaitGroup{}
	for _, worker := range workers {
		wg.Add(1)
		go func(worker *queue.Worker) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				log.Errorf("Worker for queue %s concluded with error: %s\n", worker.Queue().Name(), err)
			}
		}(worker)
	}

	wg.Wait()
	return nil
}

// handleJob is the router every worker shares: it decodes the payload
// envelope and delegates to the type's handler. The switch is exhaustive
// over the enumerated types; anything else is an UnknownJobTypeError.
func (p *Processor) handleJob(ctx context.Context, job *queue.Job) error {
	payload := jobs.Payload{}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode payload of %s: %w", job, err)
	}

	if err := p.validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid payload on %s: %w", job, err)
	}

	switch payload.Type {
	case jobs.TypeMetadata:
		return p.handleMetadata(ctx, payload)
	case jobs.TypeThumbnail:
		return p.handleThumbnail(ctx, payload)
	case jobs.TypeProxy:
		return p.handleProxy(ctx, payload)
	case jobs.TypeFilmstrip:
		return p.handleFilmstrip(ctx, payload)
	case jobs.TypeWaveform:
		return p.handleWaveform(ctx, payload)
	case jobs.TypeTranscription:
		return p.handleTranscription(ctx, payload)
	default:
		return &jobs.UnknownJobTypeError{Type: payload.Type}
	}
}

// handleMetadataSaved inspects a fresh classification and dispatches the
// derived jobs that apply to the asset's stream layout. Dispatch failures
// are logged, not fatal: the metadata job itself has already completed.
func (p *Processor) handleMetadataSaved(_ event.Event, payload event.Payload) {
	saved, ok := payload.(event.MetadataSavedPayload)
	if !ok {
		return
	}

	ctx := context.Background()
	meta := saved.Metadata

	derived := []jobs.Payload{}
	if meta.Width != nil && meta.Height != nil {
		derived = append(derived,
			jobs.Payload{Type: jobs.TypeThumbnail},
			jobs.Payload{
				Type: jobs.TypeProxy,
				Params: map[string]any{
					"sourceWidth":  *meta.Width,
					"sourceHeight": *meta.Height,
					"isHDR":        meta.IsHDR,
				},
			},
		)

		if meta.Duration != nil {
			derived = append(derived, jobs.Payload{
				Type:   jobs.TypeFilmstrip,
				Params: map[string]any{"durationSeconds": *meta.Duration},
			})
		}
	}

	if meta.AudioCodec != nil {
		derived = append(derived, jobs.Payload{Type: jobs.TypeWaveform})
		if p.transcriber != nil {
			derived = append(derived, jobs.Payload{Type: jobs.TypeTranscription})
		}
	}

	for _, job := range derived {
		job.AssetID = saved.AssetID
		job.StorageKey = saved.StorageKey
		job.MimeType = saved.MimeType
		job.SourceFilename = saved.SourceFilename
		job.AccountID = saved.AccountID
		job.ProjectID = saved.ProjectID

		if err := p.dispatcher.AddJob(ctx, job); err != nil {
			log.Errorf("Failed to dispatch follow-on %s job for asset %s: %s\n", job.Type, job.AssetID, err)
		}
	}
}

// stageSource downloads the job's source object into the workspace,
// preserving the original extension so ffmpeg can sniff the container.
func (p *Processor) stageSource(ctx context.Context, ws *workspace, payload jobs.Payload) (string, error) {
	ext := filepath.Ext(payload.SourceFilename)
	if ext == "" {
		ext = filepath.Ext(payload.StorageKey)
	}

	sourcePath := ws.path("source" + ext)
	if err := p.objects.DownloadTo(ctx, payload.StorageKey, sourcePath); err != nil {
		return "", err
	}

	return sourcePath, nil
}

// artifactKey builds the deterministic object key a derived artifact is
// stored under.
func artifactKey(assetID string, name string) string {
	return fmt.Sprintf("derived/%s/%s", assetID, name)
}

// saveArtifact uploads a derived artifact and announces it on the bus.
func (p *Processor) saveArtifact(ctx context.Context, payload jobs.Payload, kind string, name string, localPath string, contentType string) error {
	key := artifactKey(payload.AssetID, name)
	if err := p.objects.UploadFrom(ctx, key, localPath, contentType); err != nil {
		return err
	}

	p.eventBus.Dispatch(event.ARTIFACT_SAVED, event.ArtifactSavedPayload{
		AssetID:    payload.AssetID,
		Kind:       kind,
		StorageKey: key,
	})

	return nil
}

func isImageMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
