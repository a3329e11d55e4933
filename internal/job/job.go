// Package job provides the Job aggregate for media operations and the
// Orchestrator that validates, queues, runs and records them.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/mediaops-api/internal/job/id"
	"github.com/maauso/mediaops-api/internal/media"
	"github.com/maauso/mediaops-api/internal/operation"
	"github.com/maauso/mediaops-api/internal/storage"
)

// State represents the current state of a Job.
type State string

const (
	// StatePending indicates the job was accepted and is being validated.
	StatePending State = "PENDING"
	// StateValidated indicates the job is waiting for a free worker slot.
	StateValidated State = "VALIDATED"
	// StateRunning indicates the media tool is running.
	StateRunning State = "RUNNING"
	// StateSucceeded indicates the job finished and its outputs are available.
	StateSucceeded State = "SUCCEEDED"
	// StateFailed indicates the job ended with an error.
	StateFailed State = "FAILED"
)

// IsTerminal returns true for Succeeded and Failed.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[State][]State{
	StatePending:   {StateValidated, StateFailed},
	StateValidated: {StateRunning, StateFailed},
	StateRunning:   {StateSucceeded, StateFailed},
	StateSucceeded: {},
	StateFailed:    {},
}

// canTransition checks if a transition from one state to another is valid.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Output is a file produced by a job.
type Output struct {
	// AssetID identifies the output in the asset library.
	AssetID string `json:"asset_id"`
	// Path is the absolute file path.
	Path string `json:"path"`
	// RemoteURL is set when the output was mirrored.
	RemoteURL string `json:"remote_url,omitempty"`
}

// Job is one submitted operation and its lifecycle.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Operation is what the job runs.
	Operation operation.Operation
	// Inputs are asset IDs, in the order the operation expects.
	Inputs []string
	// Destination selects the output directory.
	Destination storage.Destination
	// Then lists operations to run on this job's output once it succeeds.
	Then []operation.Operation
	// ParentID is the job whose output this job consumes, if chained.
	ParentID string
	// NextID is the job submitted with this job's output, if chained.
	NextID string
	// State is the current job state.
	State State
	// Outputs is populated only when State is Succeeded.
	Outputs []Output
	// Timestamps are the source times of thumbnail outputs.
	Timestamps []float64
	// Metadata is the probe result of a metadata job.
	Metadata *media.ProbeResult
	// Error is set only when State is Failed.
	Error *Error
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when the media tool was started.
	StartedAt time.Time
	// FinishedAt is when the job reached a terminal state.
	FinishedAt time.Time
}

// New creates a new Job with a generated ID in Pending state.
func New(op operation.Operation, inputs []string, dest storage.Destination) *Job {
	return NewWithID(id.Generate(), op, inputs, dest)
}

// NewWithID creates a new Job with the specified ID in Pending state.
func NewWithID(jobID string, op operation.Operation, inputs []string, dest storage.Destination) *Job {
	now := time.Now()
	return &Job{
		ID:          jobID,
		Operation:   op,
		Inputs:      append([]string(nil), inputs...),
		Destination: dest,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// transition must be called with j.mu held.
func (j *Job) transition(to State) error {
	if !canTransition(j.State, to) {
		return ErrInvalidTransition
	}

	j.State = to
	j.UpdatedAt = time.Now()

	switch to {
	case StateRunning:
		j.StartedAt = j.UpdatedAt
	case StateSucceeded, StateFailed:
		j.FinishedAt = j.UpdatedAt
	}
	return nil
}

// TransitionTo attempts to change the job state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(state State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transition(state)
}

// Validate transitions the job from Pending to Validated.
func (j *Job) Validate() error {
	return j.TransitionTo(StateValidated)
}

// Start transitions the job from Validated to Running.
func (j *Job) Start() error {
	return j.TransitionTo(StateRunning)
}

// Succeed transitions the job from Running to Succeeded and records its results.
// Nothing is recorded if the transition is not allowed.
func (j *Job) Succeed(outputs []Output, timestamps []float64, metadata *media.ProbeResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(StateSucceeded); err != nil {
		return err
	}
	j.Outputs = append([]Output(nil), outputs...)
	j.Timestamps = append([]float64(nil), timestamps...)
	j.Metadata = metadata
	return nil
}

// Fail transitions the job to Failed with the given error.
// Nothing is recorded if the job already finished.
func (j *Job) Fail(e *Error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(StateFailed); err != nil {
		return err
	}
	j.Error = e
	return nil
}

// SetNext records the chained job that consumes this job's output.
func (j *Job) SetNext(nextID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.NextID = nextID
	j.UpdatedAt = time.Now()
}

// GetState returns the current job state (thread-safe).
func (j *Job) GetState() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.State
}

// Err returns the recorded failure, or nil (thread-safe).
func (j *Job) Err() *Error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Error
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.GetState().IsTerminal()
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var jerr *Error
	if j.Error != nil {
		e := *j.Error
		jerr = &e
	}
	var metadata *media.ProbeResult
	if j.Metadata != nil {
		m := *j.Metadata
		if m.Video != nil {
			v := *m.Video
			m.Video = &v
		}
		if m.Audio != nil {
			a := *m.Audio
			m.Audio = &a
		}
		metadata = &m
	}

	return &Job{
		ID:          j.ID,
		Operation:   j.Operation,
		Inputs:      append([]string(nil), j.Inputs...),
		Destination: j.Destination,
		Then:        append([]operation.Operation(nil), j.Then...),
		ParentID:    j.ParentID,
		NextID:      j.NextID,
		State:       j.State,
		Outputs:     append([]Output(nil), j.Outputs...),
		Timestamps:  append([]float64(nil), j.Timestamps...),
		Metadata:    metadata,
		Error:       jerr,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
}
