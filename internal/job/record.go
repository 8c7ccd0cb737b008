// Package job provides the job record model and the in-memory job store shared by
// the composition and conversion workflows.
package job

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind identifies the workflow a job belongs to.
type Kind string

const (
	KindComposition Kind = "composition"
	KindConversion  Kind = "conversion"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses along the lifecycle: pending < processing < terminal.
// Unknown statuses rank below pending.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2 //nolint:mnd
	default:
		return -1
	}
}

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// ArtifactSource tells where the bytes of an artifact live.
type ArtifactSource string

const (
	// SourceStore means the artifact is held in the service's object store under Key.
	SourceStore ArtifactSource = "store"
	// SourceProvider means the artifact must be fetched from the remote provider by handle Key.
	SourceProvider ArtifactSource = "provider"
)

// ArtifactRef locates the output of a completed job.
type ArtifactRef struct {
	Source      ArtifactSource
	Key         string
	ContentType string
	Filename    string
}

// Record is a snapshot of one job. Records returned by the Store are copies and
// may be read freely without locking.
type Record struct {
	ID             string
	Kind           Kind
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Progress       *float64
	Message        string
	InputRef       string
	OutputRef      *ArtifactRef
	Error          string
	ProviderHandle string
}

// Invariant violations reported by Validate and Store.Update.
var (
	ErrInvalidStatus        = errors.New("invalid job status")
	ErrInvalidTransition    = errors.New("invalid job status transition")
	ErrOutputWithoutSuccess = errors.New("output reference requires completed status")
	ErrSuccessWithoutOutput = errors.New("completed job requires an output reference")
	ErrErrorWithoutFailure  = errors.New("error requires failed status")
	ErrFailureWithoutError  = errors.New("failed job requires an error")
	ErrProgressRange        = errors.New("progress must be between 0 and 100")
	ErrImmutableField       = errors.New("job identity fields cannot change")
)

const maxProgress = 100.0

// Validate checks the field invariants that must hold for every committed record.
func (r *Record) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}

	completed := r.Status == StatusCompleted
	failed := r.Status == StatusFailed

	switch {
	case r.OutputRef != nil && !completed:
		return fmt.Errorf("%w: got %s", ErrOutputWithoutSuccess, r.Status)
	case r.OutputRef == nil && completed:
		return ErrSuccessWithoutOutput
	case r.Error != "" && !failed:
		return fmt.Errorf("%w: got %s", ErrErrorWithoutFailure, r.Status)
	case r.Error == "" && failed:
		return ErrFailureWithoutError
	}

	if r.Progress != nil && (math.IsNaN(*r.Progress) || *r.Progress < 0 || *r.Progress > maxProgress) {
		return fmt.Errorf("%w: got %f", ErrProgressRange, *r.Progress)
	}

	return nil
}

// CheckTransition reports whether a record may move from one status to another.
// Staying in the same status is always allowed so that advisory fields can change.
func CheckTransition(from, to Status) error {
	if from == to {
		return nil
	}

	if from.Terminal() || to.Rank() < from.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

func (r *Record) clone() Record {
	out := *r

	if r.Progress != nil {
		progress := *r.Progress
		out.Progress = &progress
	}

	if r.OutputRef != nil {
		ref := *r.OutputRef
		out.OutputRef = &ref
	}

	return out
}

// Percent returns a pointer to a clamped progress value, or nil for NaN.
func Percent(value float64) *float64 {
	switch {
	case math.IsNaN(value):
		return nil
	case value < 0:
		value = 0
	case value > maxProgress:
		value = maxProgress
	}

	return &value
}
