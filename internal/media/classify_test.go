package media_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hauworth/mediamill/internal/ffmpeg"
	"github.com/hauworth/mediamill/internal/media"
)

func videoStream(mutate func(*ffmpeg.ProbeStream)) ffmpeg.ProbeStream {
	stream := ffmpeg.ProbeStream{
		CodecType:  "video",
		CodecName:  "hevc",
		Width:      3840,
		Height:     2160,
		RFrameRate: "24000/1001",
	}
	if mutate != nil {
		mutate(&stream)
	}

	return stream
}

func TestClassify_HDRDetection(t *testing.T) {
	tests := []struct {
		name     string
		stream   ffmpeg.ProbeStream
		expected *media.HDRType
	}{
		{
			name: "dolby vision codec tag",
			stream: videoStream(func(s *ffmpeg.ProbeStream) {
				s.CodecTagString = "dvh1"
			}),
			expected: hdr(media.HDRTypeDolbyVision),
		},
		{
			name: "dolby vision side data",
			stream: videoStream(func(s *ffmpeg.ProbeStream) {
				s.SideDataList = []ffmpeg.SideData{{SideDataType: "DOVI configuration record"}}
			}),
			expected: hdr(media.HDRTypeDolbyVision),
		},
		{
			name: "dolby vision tag wins over hdr10 transfer characteristics",
			stream: videoStream(func(s *ffmpeg.ProbeStream) {
				s.CodecTagString = "dvhe"
				s.ColorTransfer = "smpte2084"
				s.ColorPrimaries = "bt2020"
			}),
			expected: hdr(media.HDRTypeDolbyVision),
		},
		{
			name: "hdr10+ dynamic metadata",
			stream: videoStream(func(s *ffmpeg.ProbeStream) {
				s.SideDataList = []ffmpeg.SideData{{SideDataType: "SMPTE ST 2094-40 (HDR10+)"}}
				s.ColorTransfer = "smpte2084"
				s.ColorPrimaries = "bt2020"
			}),
			expected: hdr(media.HDRTypeHDR10Plus),
		},
		{
			name: "hlg transfer with bt2020 primaries",
			stream: videoStream(func(s *ffmpeg.ProbeStream) {
				s.ColorTransfer = "arib-std-b67"
				s.ColorPrimaries = "bt2020"
			}),
			expected: hdr(media.HDRTypeHLG),
		},
		{
			name: "hdr10 transfer with bt2020 primaries",
			stream: videoStream(func(s *ffmpeg.ProbeStream) {
				s.ColorTransfer = "smpte2084"
				s.ColorPrimaries = "bt2020"
			}),
			expected: hdr(media.HDRTypeHDR10),
		},
		{
			name: "pq transfer without bt2020 is not hdr",
			stream: videoStream(func(s *ffmpeg.ProbeStream) {
				s.ColorTransfer = "smpte2084"
				s.ColorPrimaries = "bt709"
			}),
			expected: nil,
		},
		{
			name: "sdr bt709",
			stream: videoStream(func(s *ffmpeg.ProbeStream) {
				s.ColorTransfer = "bt709"
				s.ColorPrimaries = "bt709"
			}),
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := media.Classify(&ffmpeg.ProbeOutput{Streams: []ffmpeg.ProbeStream{tt.stream}})

			if tt.expected == nil {
				assert.False(t, meta.IsHDR)
				assert.Nil(t, meta.HDRType)
			} else {
				assert.True(t, meta.IsHDR)
				require.NotNil(t, meta.HDRType)
				assert.Equal(t, *tt.expected, *meta.HDRType)
			}
		})
	}
}

func hdr(t media.HDRType) *media.HDRType { return &t }

func TestClassify_FrameRate(t *testing.T) {
	tests := []struct {
		name     string
		rate     string
		avgRate  string
		expected *float64
	}{
		{name: "ntsc rate", rate: "30000/1001", expected: floatPtr(30000.0 / 1001.0)},
		{name: "ntsc film rate", rate: "24000/1001", expected: floatPtr(24000.0 / 1001.0)},
		{name: "integer rate", rate: "30/1", expected: floatPtr(30)},
		{name: "zero over zero", rate: "0/0", expected: nil},
		{name: "zero denominator", rate: "30/0", expected: nil},
		{name: "missing", rate: "", expected: nil},
		{name: "garbage", rate: "unknown", expected: nil},
		{name: "falls back to average rate", rate: "0/0", avgRate: "25/1", expected: floatPtr(25)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := videoStream(func(s *ffmpeg.ProbeStream) {
				s.RFrameRate = tt.rate
				s.AvgFrameRate = tt.avgRate
			})

			meta := media.Classify(&ffmpeg.ProbeOutput{Streams: []ffmpeg.ProbeStream{stream}})
			if tt.expected == nil {
				assert.Nil(t, meta.FrameRate)
			} else {
				require.NotNil(t, meta.FrameRate)
				assert.InDelta(t, *tt.expected, *meta.FrameRate, 0.0001)
			}
		})
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestClassify_StreamAttributes(t *testing.T) {
	probe := &ffmpeg.ProbeOutput{
		Format: ffmpeg.ProbeFormat{
			FormatName: "mov,mp4,m4a,3gp,3g2,mj2",
			Duration:   "734.56",
			BitRate:    "15000000",
		},
		Streams: []ffmpeg.ProbeStream{
			videoStream(func(s *ffmpeg.ProbeStream) { s.ColorSpace = "bt2020nc" }),
			{
				CodecType:        "audio",
				CodecName:        "aac",
				SampleRate:       "48000",
				Channels:         6,
				BitsPerRawSample: "24",
			},
		},
	}

	meta := media.Classify(probe)

	require.NotNil(t, meta.Duration)
	assert.InDelta(t, 734.56, *meta.Duration, 0.001)
	require.NotNil(t, meta.BitRate)
	assert.Equal(t, int64(15000000), *meta.BitRate)

	require.NotNil(t, meta.Width)
	assert.Equal(t, 3840, *meta.Width)
	require.NotNil(t, meta.VideoCodec)
	assert.Equal(t, "HEVC", *meta.VideoCodec)
	require.NotNil(t, meta.ColorSpace)
	assert.Equal(t, "bt2020nc", *meta.ColorSpace)

	require.NotNil(t, meta.AudioCodec)
	assert.Equal(t, "AAC", *meta.AudioCodec)
	require.NotNil(t, meta.SampleRate)
	assert.Equal(t, 48000, *meta.SampleRate)
	require.NotNil(t, meta.Channels)
	assert.Equal(t, 6, *meta.Channels)
	require.NotNil(t, meta.AudioBitDepth)
	assert.Equal(t, 24, *meta.AudioBitDepth)
}

func TestClassify_EmptyProbeYieldsNilFields(t *testing.T) {
	meta := media.Classify(&ffmpeg.ProbeOutput{})

	assert.Nil(t, meta.Duration)
	assert.Nil(t, meta.Width)
	assert.Nil(t, meta.Height)
	assert.Nil(t, meta.FrameRate)
	assert.Nil(t, meta.VideoCodec)
	assert.Nil(t, meta.AudioCodec)
	assert.Nil(t, meta.HDRType)
	assert.False(t, meta.IsHDR)
}

func TestCodecDisplayName(t *testing.T) {
	assert.Equal(t, "H.264", media.CodecDisplayName("h264"))
	assert.Equal(t, "Apple ProRes", media.CodecDisplayName("prores"))
	assert.Equal(t, "Dolby Digital Plus", media.CodecDisplayName("eac3"))
	assert.Equal(t, "SPEEDHQ", media.CodecDisplayName("speedhq"), "unknown codecs echo back upper-cased")
}
