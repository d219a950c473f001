package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/floostack/transcoder"
	floostack "github.com/floostack/transcoder/ffmpeg"
)

// Transcoder runs ffmpeg commands with an explicit wall-clock bound.
// Unlike probe reads, transcode invocations always carry a timeout: on
// expiry the subprocess is forcibly terminated and the call fails with a
// TimeoutError.
type Transcoder struct {
	config  Config
	timeout time.Duration
}

func NewTranscoder(config Config, timeout time.Duration) *Transcoder {
	return &Transcoder{config: config, timeout: timeout}
}

// Transcode executes ffmpeg for the given input/output pair. Progress
// updates from the subprocess are forwarded to updateHandler when one is
// provided.
func (t *Transcoder) Transcode(ctx context.Context, inputPath string, outputPath string, opts transcoder.Options, updateHandler func(transcoder.Progress)) error {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModeDir|os.ModePerm); err != nil {
		return &TranscodeFailedError{InputPath: inputPath, Err: err}
	}

	// Progress must stay enabled even with no handler: without it the
	// library never writes to (or closes) the returned channel and the
	// range below would block forever.
	ffmpeg := floostack.
		New(&floostack.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   t.config.FfmpegBinPath,
			FfprobeBinPath:  t.config.FfprobeBinPath,
		}).
		Input(inputPath).
		Output(outputPath).
		WithContext(&runCtx)

	progressChannel, err := ffmpeg.Start(opts)
	if err != nil {
		return t.concludeError(runCtx, inputPath, err)
	}

	for progress := range progressChannel {
		if updateHandler != nil {
			updateHandler(progress)
		}
	}

	if err := runCtx.Err(); err != nil {
		return t.concludeError(runCtx, inputPath, err)
	}

	// The library discards the subprocess exit status, so a closed channel
	// alone does not mean success. Treat a missing or empty output as the
	// subprocess having failed.
	if info, err := os.Stat(outputPath); err != nil || info.Size() == 0 {
		return &TranscodeFailedError{
			InputPath: inputPath,
			Output:    fmt.Sprintf("no output produced at %s", outputPath),
			Err:       errors.New("ffmpeg exited without producing output"),
		}
	}

	return nil
}

// concludeError distinguishes a deadline kill from a genuine subprocess
// failure so callers can tell the two apart.
func (t *Transcoder) concludeError(ctx context.Context, inputPath string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Errorf("Transcode of %s killed after exceeding %s\n", inputPath, t.timeout)
		return &TimeoutError{Op: "transcode", Timeout: t.timeout}
	}

	return &TranscodeFailedError{InputPath: inputPath, Output: err.Error(), Err: err}
}
