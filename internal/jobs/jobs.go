package jobs

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// JobType enumerates every analysis/derivation task the pipeline knows how
// to run. Each type maps to exactly one queue for the lifetime of the
// process.
type JobType string

const (
	TypeMetadata      JobType = "metadata"
	TypeThumbnail     JobType = "thumbnail"
	TypeProxy         JobType = "proxy"
	TypeFilmstrip     JobType = "filmstrip"
	TypeWaveform      JobType = "waveform"
	TypeTranscription JobType = "transcription"
)

// AllTypes lists the closed set of job types; the dispatcher and the
// processor's router both switch exhaustively over this set.
func AllTypes() []JobType {
	return []JobType{TypeMetadata, TypeThumbnail, TypeProxy, TypeFilmstrip, TypeWaveform, TypeTranscription}
}

// QueueName returns the queue the type routes to. The error case exists
// because payloads cross a serialization boundary: a corrupted or
// out-of-date producer could hand us a tag outside the enumerated set.
func (t JobType) QueueName() (string, error) {
	switch t {
	case TypeMetadata:
		return "asset-metadata", nil
	case TypeThumbnail:
		return "asset-thumbnail", nil
	case TypeProxy:
		return "asset-proxy", nil
	case TypeFilmstrip:
		return "asset-filmstrip", nil
	case TypeWaveform:
		return "asset-waveform", nil
	case TypeTranscription:
		return "asset-transcription", nil
	default:
		return "", &UnknownJobTypeError{Type: t}
	}
}

// UnknownJobTypeError indicates a payload carried a job type outside the
// enumerated set. Defensive: unreachable with well-formed producers.
type UnknownJobTypeError struct {
	Type JobType
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("unknown job type %q", string(e.Type))
}

// Payload is the tagged union carried by every pipeline job. The common
// fields are validated by the dispatcher; variant-specific fields travel
// in Params and are decoded and validated only by the consuming worker.
type Payload struct {
	Type           JobType        `json:"type" validate:"required"`
	AssetID        string         `json:"assetId" validate:"required"`
	StorageKey     string         `json:"storageKey" validate:"required"`
	MimeType       string         `json:"mimeType"`
	SourceFilename string         `json:"sourceFilename"`
	AccountID      string         `json:"accountId"`
	ProjectID      string         `json:"projectId"`
	Priority       *int           `json:"priority,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Identity is the idempotency/dedup hint for the job: re-dispatching the
// same type+asset is a benign duplicate, not a new unit of work.
func (p Payload) Identity() string {
	return fmt.Sprintf("%s-%s", p.Type, p.AssetID)
}

// DecodeParams unmarshals the variant-specific fields into the typed
// parameter struct owned by the consuming worker.
func (p Payload) DecodeParams(out any) error {
	if err := mapstructure.Decode(p.Params, out); err != nil {
		return fmt.Errorf("failed to decode %s job params: %w", p.Type, err)
	}

	return nil
}

// ThumbnailParams are the variant fields of a thumbnail job.
type ThumbnailParams struct {
	Sizes []int `mapstructure:"sizes" validate:"omitempty,dive,gt=0"`
}

// ProxyParams are the variant fields of a proxy generation job.
type ProxyParams struct {
	Resolutions  []int `mapstructure:"resolutions" validate:"omitempty,dive,gt=0"`
	SourceWidth  int   `mapstructure:"sourceWidth" validate:"omitempty,gt=0"`
	SourceHeight int   `mapstructure:"sourceHeight" validate:"omitempty,gt=0"`
	IsHDR        bool  `mapstructure:"isHDR"`
}

// TimelineParams are the variant fields shared by filmstrip and waveform
// jobs.
type TimelineParams struct {
	DurationSeconds float64 `mapstructure:"durationSeconds" validate:"omitempty,gt=0"`
}
