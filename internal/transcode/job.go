package transcode

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/livepair/internal/asset/id"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusIdle indicates the job was created but has not opened its source.
	StatusIdle Status = "IDLE"
	// StatusReading indicates the source is being probed and opened.
	StatusReading Status = "READING"
	// StatusProcessing indicates frames are being decoded, composited and encoded.
	StatusProcessing Status = "PROCESSING"
	// StatusFinalizing indicates the encoder is flushing and the output is being checked.
	StatusFinalizing Status = "FINALIZING"
	// StatusCompleted indicates the output file is finalized.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the job stopped on an error.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was cancelled at a frame boundary.
	StatusCancelled Status = "CANCELLED"
)

// MaxPendingProgress caps progress until the output file is finalized.
const MaxPendingProgress = 0.98

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusIdle:       {StatusReading, StatusFailed, StatusCancelled},
	StatusReading:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusFinalizing, StatusFailed, StatusCancelled},
	StatusFinalizing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Job tracks one composite-video request from source to finalized output.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// Source is the input video.
	Source string
	// Output is the destination video.
	Output string
	// Signature is the overlay signature baked into the output.
	Signature string
	// Progress is the completion fraction in [0, 1].
	Progress float64
	// FramesProcessed is the number of frames handed to the encoder.
	FramesProcessed int
	// FramesEstimated is the expected total, 0 if unknown.
	FramesEstimated int
	// Error contains any error message if the job failed.
	Error string
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when the source was opened.
	StartedAt time.Time
	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time

	onState func(Status)
}

// NewJob creates a Job in the Idle state.
func NewJob(source, output, signature string) *Job {
	now := time.Now()
	return &Job{
		ID:        id.NewJobID(),
		Status:    StatusIdle,
		Source:    source,
		Output:    output,
		Signature: signature,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	if !canTransition(j.Status, status) {
		j.mu.Unlock()
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusReading:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted:
		j.Progress = 1
		j.CompletedAt = j.UpdatedAt
	case StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}
	hook := j.onState
	j.mu.Unlock()

	if hook != nil {
		hook(status)
	}
	return nil
}

// Fail transitions the job to FAILED state with an error message.
func (j *Job) Fail(errMsg string) error {
	j.mu.Lock()
	j.Error = errMsg
	j.mu.Unlock()
	return j.TransitionTo(StatusFailed)
}

// Cancel transitions the job to CANCELLED state.
func (j *Job) Cancel() error {
	return j.TransitionTo(StatusCancelled)
}

// Complete transitions the job to COMPLETED state and sets progress to 1.
func (j *Job) Complete() error {
	return j.TransitionTo(StatusCompleted)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// GetProgress returns the current progress (thread-safe).
func (j *Job) GetProgress() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Progress
}

// RecordFrame records processed frames and returns the resulting progress,
// clamped to [0, MaxPendingProgress]. Progress never decreases.
func (j *Job) RecordFrame(processed int) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.FramesProcessed = processed
	p := 0.0
	if j.FramesEstimated > 0 {
		p = float64(processed) / float64(j.FramesEstimated)
	}
	if p > MaxPendingProgress {
		p = MaxPendingProgress
	}
	if p > j.Progress {
		j.Progress = p
	}
	j.UpdatedAt = time.Now()
	return j.Progress
}

// SetEstimate sets the expected frame total.
func (j *Job) SetEstimate(frames int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if frames < 0 {
		frames = 0
	}
	j.FramesEstimated = frames
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:              j.ID,
		Status:          j.Status,
		Source:          j.Source,
		Output:          j.Output,
		Signature:       j.Signature,
		Progress:        j.Progress,
		FramesProcessed: j.FramesProcessed,
		FramesEstimated: j.FramesEstimated,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}
