package media

import (
	"strconv"
	"strings"

	"github.com/hauworth/mediamill/internal/ffmpeg"
)

// HDRType names the signaling convention a stream was tagged with. The
// conventions are mutually exclusive; classification picks exactly one.
type HDRType string

const (
	HDRTypeDolbyVision HDRType = "Dolby Vision"
	HDRTypeHDR10Plus   HDRType = "HDR10+"
	HDRTypeHLG         HDRType = "HLG"
	HDRTypeHDR10       HDRType = "HDR10"
)

// MediaMetadata is the normalized result derived from a probe. It is
// computed once per metadata job and persisted to the asset record;
// re-extraction produces a fresh computation, never an in-place update.
// Fields derived from an absent stream are nil.
type MediaMetadata struct {
	Duration      *float64 `json:"duration"`
	Width         *int     `json:"width"`
	Height        *int     `json:"height"`
	FrameRate     *float64 `json:"frameRate"`
	VideoCodec    *string  `json:"videoCodec"`
	AudioCodec    *string  `json:"audioCodec"`
	BitRate       *int64   `json:"bitRate"`
	SampleRate    *int     `json:"sampleRate"`
	Channels      *int     `json:"channels"`
	IsHDR         bool     `json:"isHDR"`
	HDRType       *HDRType `json:"hdrType"`
	ColorSpace    *string  `json:"colorSpace"`
	AudioBitDepth *int     `json:"audioBitDepth"`
	Format        *string  `json:"format"`
}

// codecDisplayNames maps short codec identifiers to the names surfaced to
// users. Unknown codecs fall back to an upper-cased echo of the identifier.
var codecDisplayNames = map[string]string{
	"h264":       "H.264",
	"hevc":       "HEVC",
	"h265":       "HEVC",
	"mpeg2video": "MPEG-2",
	"mpeg4":      "MPEG-4",
	"prores":     "Apple ProRes",
	"dnxhd":      "DNxHD",
	"vp8":        "VP8",
	"vp9":        "VP9",
	"av1":        "AV1",
	"mjpeg":      "Motion JPEG",
	"aac":        "AAC",
	"ac3":        "Dolby Digital",
	"eac3":       "Dolby Digital Plus",
	"mp3":        "MP3",
	"opus":       "Opus",
	"vorbis":     "Vorbis",
	"flac":       "FLAC",
	"alac":       "Apple Lossless",
	"pcm_s16le":  "PCM 16-bit",
	"pcm_s24le":  "PCM 24-bit",
	"pcm_s32le":  "PCM 32-bit",
}

// CodecDisplayName resolves a short codec identifier to its human-readable
// name. This is total: unknown identifiers echo back upper-cased, never an
// error.
func CodecDisplayName(codec string) string {
	if name, ok := codecDisplayNames[strings.ToLower(codec)]; ok {
		return name
	}

	return strings.ToUpper(codec)
}

// Classify derives normalized media attributes from a raw probe. It is a
// pure, total function: any probe output (including one with no streams at
// all) classifies deterministically, with absent data yielding nil fields.
func Classify(probe *ffmpeg.ProbeOutput) MediaMetadata {
	meta := MediaMetadata{}

	video := firstStreamOfType(probe, "video")
	audio := firstStreamOfType(probe, "audio")

	meta.Duration = parseFloat(probe.Format.Duration)
	meta.BitRate = parseInt64(probe.Format.BitRate)
	if probe.Format.FormatName != "" {
		format := probe.Format.FormatName
		meta.Format = &format
	}

	if video != nil {
		if video.Width > 0 {
			width := video.Width
			meta.Width = &width
		}
		if video.Height > 0 {
			height := video.Height
			meta.Height = &height
		}
		if video.CodecName != "" {
			codec := CodecDisplayName(video.CodecName)
			meta.VideoCodec = &codec
		}
		if video.ColorSpace != "" {
			colorSpace := video.ColorSpace
			meta.ColorSpace = &colorSpace
		}

		meta.FrameRate = parseFrameRate(video.RFrameRate)
		if meta.FrameRate == nil {
			meta.FrameRate = parseFrameRate(video.AvgFrameRate)
		}

		if hdrType := classifyHDR(video); hdrType != nil {
			meta.IsHDR = true
			meta.HDRType = hdrType
		}
	}

	if audio != nil {
		if audio.CodecName != "" {
			codec := CodecDisplayName(audio.CodecName)
			meta.AudioCodec = &codec
		}
		if rate := parseInt64(audio.SampleRate); rate != nil {
			sampleRate := int(*rate)
			meta.SampleRate = &sampleRate
		}
		if audio.Channels > 0 {
			channels := audio.Channels
			meta.Channels = &channels
		}
		if depth := parseInt64(audio.BitsPerRawSample); depth != nil {
			bitDepth := int(*depth)
			meta.AudioBitDepth = &bitDepth
		}
	}

	return meta
}

// classifyHDR applies an ordered, first-match decision rule over the video
// stream's HDR signals. The codec-tag and side-data checks are unambiguous
// and therefore take priority; the transfer/primaries pair is a fallback
// heuristic (bt2020 alone does not imply HDR).
func classifyHDR(video *ffmpeg.ProbeStream) *HDRType {
	tag := strings.ToLower(video.CodecTagString)
	if strings.Contains(tag, "dvh1") || strings.Contains(tag, "dvhe") {
		t := HDRTypeDolbyVision
		return &t
	}

	for _, sideData := range video.SideDataList {
		if isDolbyVisionSideData(sideData.SideDataType) {
			t := HDRTypeDolbyVision
			return &t
		}
	}

	for _, sideData := range video.SideDataList {
		if isHDR10PlusSideData(sideData.SideDataType) {
			t := HDRTypeHDR10Plus
			return &t
		}
	}

	if video.ColorTransfer == "arib-std-b67" && video.ColorPrimaries == "bt2020" {
		t := HDRTypeHLG
		return &t
	}

	if video.ColorTransfer == "smpte2084" && video.ColorPrimaries == "bt2020" {
		t := HDRTypeHDR10
		return &t
	}

	return nil
}

func isDolbyVisionSideData(sideDataType string) bool {
	normalized := strings.ToLower(sideDataType)
	return strings.Contains(normalized, "dovi") || strings.Contains(normalized, "dolby vision")
}

func isHDR10PlusSideData(sideDataType string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(sideDataType, " ", ""))
	return strings.Contains(normalized, "smpte2094-40") || strings.Contains(normalized, "smptest2094-40")
}

// parseFrameRate computes a float frame rate from ffprobe's rational
// "num/den" notation. Missing fields, unparsable sides and zero
// denominators all yield nil, never an error.
func parseFrameRate(rational string) *float64 {
	parts := strings.Split(rational, "/")
	if len(parts) != 2 {
		return nil
	}

	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil
	}

	den, err := strconv.Atoi(parts[1])
	if err != nil || den == 0 || num == 0 {
		return nil
	}

	rate := float64(num) / float64(den)
	return &rate
}

func parseFloat(value string) *float64 {
	if value == "" {
		return nil
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}

	return &parsed
}

func parseInt64(value string) *int64 {
	if value == "" {
		return nil
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil
	}

	return &parsed
}

func firstStreamOfType(probe *ffmpeg.ProbeOutput, codecType string) *ffmpeg.ProbeStream {
	for i := range probe.Streams {
		if probe.Streams[i].CodecType == codecType {
			return &probe.Streams[i]
		}
	}

	return nil
}
