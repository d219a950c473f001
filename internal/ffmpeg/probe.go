package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"github.com/hauworth/mediamill/pkg/logger"
)

var log = logger.Get("FFmpeg")

// maxProbeOutput bounds how much ffprobe output we are willing to buffer.
// Probe reads have no wall-clock timeout; the buffer bound is what protects
// against pathological containers.
const maxProbeOutput = 4 << 20

// Config locates the external media-inspection/transcoding executables.
type Config struct {
	FfmpegBinPath  string `yaml:"ffmpeg_bin" env:"FFMPEG_BIN" env-default:"ffmpeg"`
	FfprobeBinPath string `yaml:"ffprobe_bin" env:"FFPROBE_BIN" env-default:"ffprobe"`
}

// ProbeOutput is the raw structured result of inspecting a media container
// without decoding its payload: one format record plus an ordered sequence
// of stream records. Numeric fields that ffprobe reports as strings are
// kept as strings; the classifier owns their parsing.
type ProbeOutput struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

type ProbeFormat struct {
	Filename       string `json:"filename"`
	FormatName     string `json:"format_name"`
	FormatLongName string `json:"format_long_name"`
	Duration       string `json:"duration"`
	Size           string `json:"size"`
	BitRate        string `json:"bit_rate"`
}

type ProbeStream struct {
	Index            int        `json:"index"`
	CodecName        string     `json:"codec_name"`
	CodecLongName    string     `json:"codec_long_name"`
	CodecType        string     `json:"codec_type"`
	CodecTagString   string     `json:"codec_tag_string"`
	Profile          string     `json:"profile"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	PixFmt           string     `json:"pix_fmt"`
	RFrameRate       string     `json:"r_frame_rate"`
	AvgFrameRate     string     `json:"avg_frame_rate"`
	SampleRate       string     `json:"sample_rate"`
	Channels         int        `json:"channels"`
	ChannelLayout    string     `json:"channel_layout"`
	BitsPerRawSample string     `json:"bits_per_raw_sample"`
	BitRate          string     `json:"bit_rate"`
	ColorSpace       string     `json:"color_space"`
	ColorTransfer    string     `json:"color_transfer"`
	ColorPrimaries   string     `json:"color_primaries"`
	SideDataList     []SideData `json:"side_data_list"`
}

// SideData is an auxiliary per-stream metadata block (e.g. dynamic HDR
// metadata) outside the primary codec/format fields.
type SideData struct {
	SideDataType string `json:"side_data_type"`
}

// Prober invokes ffprobe against local files.
type Prober struct {
	config Config
}

func NewProber(config Config) *Prober {
	return &Prober{config: config}
}

// Probe inspects the container at path and parses ffprobe's JSON output.
// The output buffer is bounded; anything beyond maxProbeOutput fails the
// probe rather than exhausting memory.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeOutput, error) {
	cmd := exec.CommandContext(ctx, p.config.FfprobeBinPath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach to ffprobe stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffprobe: %w", err)
	}

	raw, readErr := io.ReadAll(io.LimitReader(stdout, maxProbeOutput+1))
	waitErr := cmd.Wait()

	if readErr != nil {
		return nil, &ProbeFailedError{Path: path, Stderr: stderr.String(), Err: readErr}
	}
	if len(raw) > maxProbeOutput {
		return nil, &ProbeFailedError{Path: path, Stderr: stderr.String(), Err: fmt.Errorf("probe output exceeded %d byte bound", maxProbeOutput)}
	}
	if waitErr != nil {
		return nil, &ProbeFailedError{Path: path, Stderr: stderr.String(), Err: waitErr}
	}

	output := &ProbeOutput{}
	if err := json.Unmarshal(raw, output); err != nil {
		return nil, &ProbeFailedError{Path: path, Stderr: stderr.String(), Err: fmt.Errorf("unparsable probe output: %w", err)}
	}

	log.Debugf("Probed %s: format=%s, %d stream(s)\n", path, output.Format.FormatName, len(output.Streams))
	return output, nil
}
