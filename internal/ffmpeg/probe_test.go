package ffmpeg_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hauworth/mediamill/internal/ffmpeg"
	"github.com/hauworth/mediamill/pkg/logger"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

func TestProbe_MissingBinary(t *testing.T) {
	prober := ffmpeg.NewProber(ffmpeg.Config{FfprobeBinPath: "/does/not/exist/ffprobe"})

	_, err := prober.Probe(context.Background(), "input.mov")
	require.Error(t, err)
}

func TestProbe_UnparsableOutput(t *testing.T) {
	// `echo` stands in for an ffprobe that emits something other than the
	// expected JSON document.
	prober := ffmpeg.NewProber(ffmpeg.Config{FfprobeBinPath: "echo"})

	_, err := prober.Probe(context.Background(), "input.mov")
	require.Error(t, err)

	probeErr := &ffmpeg.ProbeFailedError{}
	require.ErrorAs(t, err, &probeErr)
	assert.Equal(t, "input.mov", probeErr.Path)
}

func TestProbeFailedError_IncludesStderr(t *testing.T) {
	err := &ffmpeg.ProbeFailedError{Path: "input.mov", Stderr: "moov atom not found", Err: assert.AnError}
	assert.Contains(t, err.Error(), "input.mov")
	assert.Contains(t, err.Error(), "moov atom not found")
	assert.ErrorIs(t, err, assert.AnError)
}
