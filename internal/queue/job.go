package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobState string

const (
	StateQueued    JobState = "queued"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Job is the envelope persisted to the broker for every unit of work. The
// payload is opaque to the queue layer; consumers decode it themselves.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

func (job *Job) String() string {
	return fmt.Sprintf("Job{ID=%s queue=%s state=%s attempts=%d/%d}", job.ID, job.Queue, job.State, job.Attempts, job.MaxAttempts)
}

// BackoffPolicy describes the delay inserted between successive attempts
// of a failing job. Only exponential growth is supported; the delay for
// attempt N (1-indexed) is InitialDelay * 2^(N-1).
type BackoffPolicy struct {
	Type         string        `yaml:"type" env-default:"exponential"`
	InitialDelay time.Duration `yaml:"initial_delay" env-default:"5s"`
}

func (policy BackoffPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	return policy.InitialDelay * (1 << (attempt - 1))
}

// RetryPolicy bounds how many times a job may be attempted before it is
// parked in the failed set for operator inspection.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" env-default:"3"`
	Backoff     BackoffPolicy `yaml:"backoff"`
}

// RetentionPolicy is the per-queue GC rule for finished job records. Failed
// retention is expected to be larger than completed retention in both count
// and age so that postmortems remain possible.
type RetentionPolicy struct {
	CompletedCount int           `yaml:"completed_count" env-default:"100"`
	CompletedAge   time.Duration `yaml:"completed_age" env-default:"24h"`
	FailedCount    int           `yaml:"failed_count" env-default:"500"`
	FailedAge      time.Duration `yaml:"failed_age" env-default:"168h"`
}

// Options are bound to a queue at creation time and apply to every job
// that flows through it.
type Options struct {
	Retry        RetryPolicy
	Retention    RetentionPolicy
	PollInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     BackoffPolicy{Type: "exponential", InitialDelay: time.Second * 5},
		},
		Retention: RetentionPolicy{
			CompletedCount: 100,
			CompletedAge:   time.Hour * 24,
			FailedCount:    500,
			FailedAge:      time.Hour * 24 * 7,
		},
		PollInterval: time.Millisecond * 250,
	}
}
