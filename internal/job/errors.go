package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/maauso/mediaops-api/internal/asset"
	"github.com/maauso/mediaops-api/internal/media"
	"github.com/maauso/mediaops-api/internal/operation"
	"github.com/maauso/mediaops-api/internal/process"
)

// ErrorKind classifies why a job or request failed.
type ErrorKind string

const (
	// KindInvalidInput means the operation, parameters or inputs were rejected.
	KindInvalidInput ErrorKind = "INVALID_INPUT"
	// KindNotFound means a referenced asset or job does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindMetadataUnavailable means a required probe failed.
	KindMetadataUnavailable ErrorKind = "METADATA_UNAVAILABLE"
	// KindProcessing means the media tool failed or produced no usable output.
	KindProcessing ErrorKind = "PROCESSING_ERROR"
	// KindTimeout means the media tool ran past its timeout.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindCancelled means the job was cancelled.
	KindCancelled ErrorKind = "CANCELLED"
)

// Static errors for job orchestration.
var (
	// ErrProcessing is returned when the media tool exits unsuccessfully.
	ErrProcessing = errors.New("media processing failed")
	// ErrJobFinished is returned when cancelling a job that already finished.
	ErrJobFinished = errors.New("job already finished")
	// ErrJobActive is returned when deleting a job that has not finished.
	ErrJobActive = errors.New("job is still active")
	// ErrClosed is returned when submitting to a closed orchestrator.
	ErrClosed = errors.New("orchestrator is closed")
)

// Error is the caller-facing failure recorded on a job.
// Message never contains subprocess diagnostics.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewError creates an Error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var jerr *Error
	switch {
	case errors.As(err, &jerr):
		return jerr.Kind
	case errors.Is(err, process.ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, media.ErrMetadataUnavailable):
		return KindMetadataUnavailable
	case errors.Is(err, process.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, operation.ErrInvalidParams):
		return KindInvalidInput
	case errors.Is(err, asset.ErrAssetNotFound), errors.Is(err, ErrJobNotFound):
		return KindNotFound
	default:
		return KindProcessing
	}
}

// AsError converts err into an *Error, keeping it as is when it already is one.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr
	}
	return &Error{Kind: KindOf(err), Message: err.Error()}
}
