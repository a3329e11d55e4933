package job

import (
	"errors"
	"testing"
	"time"

	"github.com/maauso/mediaops-api/internal/media"
	"github.com/maauso/mediaops-api/internal/operation"
	"github.com/maauso/mediaops-api/internal/storage"
)

func rotateOp() operation.Operation {
	return operation.New(&operation.Rotate{Angle: 90})
}

func TestNew(t *testing.T) {
	job := New(rotateOp(), []string{"a1"}, storage.DestinationFinal)

	if job.ID == "" {
		t.Error("expected job to have an ID")
	}
	if job.State != StatePending {
		t.Errorf("expected state %s, got %s", StatePending, job.State)
	}
	if job.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if job.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
	if len(job.Inputs) != 1 || job.Inputs[0] != "a1" {
		t.Errorf("unexpected inputs %v", job.Inputs)
	}
}

func TestNewWithID(t *testing.T) {
	id := "test-job-123"
	job := NewWithID(id, rotateOp(), nil, storage.DestinationDraft)

	if job.ID != id {
		t.Errorf("expected ID %s, got %s", id, job.ID)
	}
	if job.Destination != storage.DestinationDraft {
		t.Errorf("expected destination %s, got %s", storage.DestinationDraft, job.Destination)
	}
}

func TestJob_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"PENDING to VALIDATED", StatePending, StateValidated, false},
		{"PENDING to FAILED", StatePending, StateFailed, false},
		{"VALIDATED to RUNNING", StateValidated, StateRunning, false},
		{"VALIDATED to FAILED", StateValidated, StateFailed, false},
		{"RUNNING to SUCCEEDED", StateRunning, StateSucceeded, false},
		{"RUNNING to FAILED", StateRunning, StateFailed, false},
		{"PENDING to RUNNING", StatePending, StateRunning, true},
		{"PENDING to SUCCEEDED", StatePending, StateSucceeded, true},
		{"VALIDATED to SUCCEEDED", StateValidated, StateSucceeded, true},
		{"RUNNING to VALIDATED", StateRunning, StateValidated, true},
		{"SUCCEEDED to FAILED", StateSucceeded, StateFailed, true},
		{"FAILED to RUNNING", StateFailed, StateRunning, true},
		{"FAILED to FAILED", StateFailed, StateFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewWithID("test", rotateOp(), nil, storage.DestinationFinal)
			job.State = tt.from

			err := job.TransitionTo(tt.to)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
				if job.State != tt.from {
					t.Errorf("state changed on rejected transition: %s", job.State)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if job.State != tt.to {
				t.Errorf("expected state %s, got %s", tt.to, job.State)
			}
		})
	}
}

func TestJob_Lifecycle(t *testing.T) {
	job := New(rotateOp(), []string{"a1"}, storage.DestinationFinal)

	if err := job.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := job.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if job.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}

	outputs := []Output{{AssetID: "o1", Path: "/data/processed/x.mp4"}}
	if err := job.Succeed(outputs, nil, nil); err != nil {
		t.Fatalf("Succeed() error = %v", err)
	}
	outputs[0].AssetID = "mutated"

	if job.GetState() != StateSucceeded {
		t.Errorf("expected %s, got %s", StateSucceeded, job.GetState())
	}
	if job.Outputs[0].AssetID != "o1" {
		t.Error("outputs must be copied")
	}
	if job.FinishedAt.IsZero() {
		t.Error("expected FinishedAt to be set")
	}
	if !job.IsTerminal() {
		t.Error("expected terminal job")
	}
	if job.Err() != nil {
		t.Error("succeeded job must not carry an error")
	}
}

func TestJob_FailIsFirstWriterWins(t *testing.T) {
	job := New(rotateOp(), nil, storage.DestinationFinal)

	if err := job.Fail(NewError(KindCancelled, "cancelled")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if err := job.Fail(NewError(KindTimeout, "late")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Fail() error = %v, want ErrInvalidTransition", err)
	}
	if job.Err().Kind != KindCancelled {
		t.Errorf("error kind = %s, want %s", job.Err().Kind, KindCancelled)
	}

	if err := job.Succeed([]Output{{AssetID: "x"}}, nil, nil); err == nil {
		t.Error("expected Succeed on failed job to be rejected")
	}
	if len(job.Outputs) != 0 {
		t.Error("failed job must not have outputs")
	}
}

func TestJob_Clone(t *testing.T) {
	job := New(rotateOp(), []string{"a1"}, storage.DestinationFinal)
	job.State = StateRunning
	_ = job.Succeed([]Output{{AssetID: "o1"}}, []float64{0, 1.5}, &media.ProbeResult{
		DurationSeconds: 3,
		Video:           &media.VideoStream{Width: 10},
	})
	job.SetNext("job-next")

	clone := job.Clone()

	if clone.ID != job.ID || clone.State != job.State || clone.NextID != "job-next" {
		t.Errorf("clone mismatch: %+v", clone)
	}

	clone.Inputs[0] = "changed"
	clone.Outputs[0].AssetID = "changed"
	clone.Timestamps[1] = 99
	clone.Metadata.Video.Width = 99

	if job.Inputs[0] != "a1" || job.Outputs[0].AssetID != "o1" || job.Timestamps[1] != 1.5 {
		t.Error("clone shares slices with original")
	}
	if job.Metadata.Video.Width != 10 {
		t.Error("clone shares metadata with original")
	}
}

func TestJob_ThreadSafety(t *testing.T) {
	job := New(rotateOp(), nil, storage.DestinationFinal)
	_ = job.Validate()
	_ = job.Start()

	done := make(chan bool)
	go func() {
		for i := 0; i < 100; i++ {
			_ = job.Clone()
			_ = job.GetState()
		}
		done <- true
	}()
	go func() {
		for i := 0; i < 100; i++ {
			job.SetNext("n")
		}
		done <- true
	}()

	select {
	case <-done:
		<-done
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for goroutines")
	}
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range []State{StatePending, StateValidated, StateRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{StateSucceeded, StateFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
