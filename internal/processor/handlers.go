package processor

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"math"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/floostack/transcoder"
	floostack "github.com/floostack/transcoder/ffmpeg"

	"github.com/hauworth/mediamill/internal/event"
	"github.com/hauworth/mediamill/internal/jobs"
	"github.com/hauworth/mediamill/internal/media"
	"github.com/hauworth/mediamill/pkg/logger"
)

var defaultThumbnailSizes = []int{320, 640, 1280}

var defaultProxyResolutions = []int{720}

// filmstripFrames is how many frames a filmstrip samples across the full
// duration, laid out on a 10x10 tile sheet.
const filmstripFrames = 100

// tonemapFilter converts HDR source material to SDR before proxy encoding
// so the proxy is watchable on non-HDR displays.
const tonemapFilter = "zscale=t=linear:npl=100,tonemap=hable,zscale=p=bt709:t=bt709:m=bt709,format=yuv420p"

// handleMetadata stages the source, probes it and persists the classified
// metadata. The classification is announced on the bus so derived jobs can
// fan out.
func (p *Processor) handleMetadata(ctx context.Context, payload jobs.Payload) error {
	ws, err := newWorkspace(p.config.TempDir, payload.Identity())
	if err != nil {
		return err
	}
	defer ws.release()

	sourcePath, err := p.stageSource(ctx, ws, payload)
	if err != nil {
		return err
	}

	probe, err := p.prober.Probe(ctx, sourcePath)
	if err != nil {
		return err
	}

	meta := media.Classify(probe)
	if err := p.records.SaveMetadata(ctx, payload.AssetID, meta); err != nil {
		return err
	}

	p.eventBus.Dispatch(event.METADATA_SAVED, event.MetadataSavedPayload{
		AssetID:        payload.AssetID,
		StorageKey:     payload.StorageKey,
		MimeType:       payload.MimeType,
		SourceFilename: payload.SourceFilename,
		AccountID:      payload.AccountID,
		ProjectID:      payload.ProjectID,
		Metadata:       meta,
	})

	log.Emit(logger.SUCCESS, "Classified asset %s\n", payload.AssetID)
	return nil
}

// handleThumbnail renders JPEG thumbnails at each requested size. Video
// sources have a representative frame extracted first; image sources are
// resized directly.
func (p *Processor) handleThumbnail(ctx context.Context, payload jobs.Payload) error {
	params := jobs.ThumbnailParams{}
	if err := payload.DecodeParams(&params); err != nil {
		return err
	}
	if err := p.validate.Struct(params); err != nil {
		return fmt.Errorf("invalid thumbnail params for asset %s: %w", payload.AssetID, err)
	}

	sizes := params.Sizes
	if len(sizes) == 0 {
		sizes = defaultThumbnailSizes
	}

	ws, err := newWorkspace(p.config.TempDir, payload.Identity())
	if err != nil {
		return err
	}
	defer ws.release()

	sourcePath, err := p.stageSource(ctx, ws, payload)
	if err != nil {
		return err
	}

	framePath := sourcePath
	if !isImageMime(payload.MimeType) {
		framePath = ws.path("frame.png")
		if err := p.extractFrame(ctx, sourcePath, framePath); err != nil {
			return err
		}
	}

	frame, err := imaging.Open(framePath)
	if err != nil {
		return fmt.Errorf("failed to decode extracted frame for asset %s: %w", payload.AssetID, err)
	}

	for _, size := range sizes {
		thumb := imaging.Resize(frame, size, 0, imaging.Lanczos)
		thumbPath := ws.path(fmt.Sprintf("thumb_%d.jpg", size))
		if err := imaging.Save(thumb, thumbPath, imaging.JPEGQuality(jpeg.DefaultQuality)); err != nil {
			return fmt.Errorf("failed to encode %dpx thumbnail for asset %s: %w", size, payload.AssetID, err)
		}

		name := fmt.Sprintf("thumbnails/%d.jpg", size)
		if err := p.saveArtifact(ctx, payload, "thumbnail", name, thumbPath, "image/jpeg"); err != nil {
			return err
		}
	}

	return nil
}

// extractFrame pulls a single early frame out of a video source.
func (p *Processor) extractFrame(ctx context.Context, sourcePath string, framePath string) error {
	seek := "00:00:01"
	frames := 1
	skipAudio := true

	return p.transcoder.Transcode(ctx, sourcePath, framePath, floostack.Options{
		SeekTime:  &seek,
		Vframes:   &frames,
		SkipAudio: &skipAudio,
	}, nil)
}

// handleProxy encodes H.264/AAC MP4 renditions of the source at each
// requested resolution. Resolutions above the source height are skipped so
// proxies are never upscaled; HDR sources are tonemapped down to SDR.
func (p *Processor) handleProxy(ctx context.Context, payload jobs.Payload) error {
	params := jobs.ProxyParams{}
	if err := payload.DecodeParams(&params); err != nil {
		return err
	}
	if err := p.validate.Struct(params); err != nil {
		return fmt.Errorf("invalid proxy params for asset %s: %w", payload.AssetID, err)
	}

	resolutions := params.Resolutions
	if len(resolutions) == 0 {
		resolutions = defaultProxyResolutions
	}

	ws, err := newWorkspace(p.config.TempDir, payload.Identity())
	if err != nil {
		return err
	}
	defer ws.release()

	sourcePath, err := p.stageSource(ctx, ws, payload)
	if err != nil {
		return err
	}

	for _, resolution := range resolutions {
		if params.SourceHeight > 0 && resolution > params.SourceHeight {
			log.Debugf("Skipping %dp proxy for asset %s: source is only %dp\n", resolution, payload.AssetID, params.SourceHeight)
			continue
		}

		filters := []string{}
		if params.IsHDR {
			filters = append(filters, tonemapFilter)
		}
		filters = append(filters, fmt.Sprintf("scale=-2:%d", resolution))

		videoCodec := "libx264"
		audioCodec := "aac"
		preset := "veryfast"
		crf := uint32(23)
		movFlags := "+faststart"
		videoFilter := strings.Join(filters, ",")

		proxyPath := ws.path(fmt.Sprintf("proxy_%dp.mp4", resolution))
		err := p.transcoder.Transcode(ctx, sourcePath, proxyPath, floostack.Options{
			VideoCodec:  &videoCodec,
			AudioCodec:  &audioCodec,
			Preset:      &preset,
			Crf:         &crf,
			MovFlags:    &movFlags,
			VideoFilter: &videoFilter,
		}, func(progress transcoder.Progress) {
			log.Verbosef("Proxy %dp for asset %s: %.1f%%\n", resolution, payload.AssetID, progress.GetProgress())
		})
		if err != nil {
			return err
		}

		name := fmt.Sprintf("proxies/%dp.mp4", resolution)
		if err := p.saveArtifact(ctx, payload, "proxy", name, proxyPath, "video/mp4"); err != nil {
			return err
		}
	}

	return nil
}

// handleFilmstrip samples frames evenly across the duration and tiles them
// into a single sprite sheet for timeline scrubbing.
func (p *Processor) handleFilmstrip(ctx context.Context, payload jobs.Payload) error {
	params := jobs.TimelineParams{}
	if err := payload.DecodeParams(&params); err != nil {
		return err
	}
	if err := p.validate.Struct(params); err != nil {
		return fmt.Errorf("invalid filmstrip params for asset %s: %w", payload.AssetID, err)
	}

	ws, err := newWorkspace(p.config.TempDir, payload.Identity())
	if err != nil {
		return err
	}
	defer ws.release()

	sourcePath, err := p.stageSource(ctx, ws, payload)
	if err != nil {
		return err
	}

	// Sample interval spreads the frame budget across the whole duration.
	// Unknown durations fall back to one frame per second.
	interval := 1.0
	if params.DurationSeconds > 0 {
		interval = math.Max(params.DurationSeconds/filmstripFrames, 0.04)
	}

	videoFilter := fmt.Sprintf("fps=1/%.4f,scale=160:-2,tile=10x10", interval)
	frames := 1
	skipAudio := true

	stripPath := ws.path("filmstrip.jpg")
	err = p.transcoder.Transcode(ctx, sourcePath, stripPath, floostack.Options{
		VideoFilter: &videoFilter,
		Vframes:     &frames,
		SkipAudio:   &skipAudio,
	}, nil)
	if err != nil {
		return err
	}

	return p.saveArtifact(ctx, payload, "filmstrip", "filmstrip.jpg", stripPath, "image/jpeg")
}

// handleWaveform renders the audio track's amplitude envelope to a PNG.
func (p *Processor) handleWaveform(ctx context.Context, payload jobs.Payload) error {
	ws, err := newWorkspace(p.config.TempDir, payload.Identity())
	if err != nil {
		return err
	}
	defer ws.release()

	sourcePath, err := p.stageSource(ctx, ws, payload)
	if err != nil {
		return err
	}

	frames := 1
	wavePath := ws.path("waveform.png")
	err = p.transcoder.Transcode(ctx, sourcePath, wavePath, floostack.Options{
		Vframes: &frames,
		ExtraArgs: map[string]interface{}{
			"-filter_complex": "showwavespic=s=1200x240:colors=white",
		},
	}, nil)
	if err != nil {
		return err
	}

	return p.saveArtifact(ctx, payload, "waveform", "waveform.png", wavePath, "image/png")
}

// handleTranscription extracts a speech-recognition friendly audio track
// and hands it to the transcriber collaborator.
func (p *Processor) handleTranscription(ctx context.Context, payload jobs.Payload) error {
	if p.transcriber == nil {
		return errors.New("transcription job received but no transcriber is configured")
	}

	ws, err := newWorkspace(p.config.TempDir, payload.Identity())
	if err != nil {
		return err
	}
	defer ws.release()

	sourcePath, err := p.stageSource(ctx, ws, payload)
	if err != nil {
		return err
	}

	skipVideo := true
	audioCodec := "pcm_s16le"
	audioRate := 16000
	audioChannels := 1

	audioPath := ws.path("audio.wav")
	err = p.transcoder.Transcode(ctx, sourcePath, audioPath, floostack.Options{
		SkipVideo:     &skipVideo,
		AudioCodec:    &audioCodec,
		AudioRate:     &audioRate,
		AudioChannels: &audioChannels,
	}, nil)
	if err != nil {
		return err
	}

	transcript, err := p.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return fmt.Errorf("failed to transcribe asset %s: %w", payload.AssetID, err)
	}

	transcriptPath := ws.path("transcript.txt")
	if err := os.WriteFile(transcriptPath, []byte(transcript), 0o644); err != nil {
		return fmt.Errorf("failed to stage transcript for asset %s: %w", payload.AssetID, err)
	}

	return p.saveArtifact(ctx, payload, "transcript", "transcript.txt", transcriptPath, "text/plain")
}
