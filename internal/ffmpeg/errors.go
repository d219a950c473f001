package ffmpeg

import (
	"fmt"
	"time"
)

// ProbeFailedError indicates the ffprobe subprocess exited non-zero (or
// produced unusable output). Stderr is carried for diagnostics.
type ProbeFailedError struct {
	Path   string
	Stderr string
	Err    error
}

func (e *ProbeFailedError) Error() string {
	return fmt.Sprintf("probe of %s failed: %s (stderr: %s)", e.Path, e.Err, e.Stderr)
}

func (e *ProbeFailedError) Unwrap() error { return e.Err }

// TranscodeFailedError indicates the ffmpeg subprocess exited non-zero.
// The combined output is carried for diagnostics.
type TranscodeFailedError struct {
	InputPath string
	Output    string
	Err       error
}

func (e *TranscodeFailedError) Error() string {
	return fmt.Sprintf("transcode of %s failed: %s", e.InputPath, e.Err)
}

func (e *TranscodeFailedError) Unwrap() error { return e.Err }

// TimeoutError indicates a subprocess exceeded its configured bound and
// was forcibly terminated.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded its %s timeout and was killed", e.Op, e.Timeout)
}
