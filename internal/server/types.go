// Package server provides the HTTP server for the media operations API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"encoding/json"
	"time"

	"github.com/maauso/mediaops-api/internal/media"
)

// StageRequest is one follow-up operation of a chain.
type StageRequest struct {
	// Operation is the operation kind, e.g. "rotate".
	Operation string `json:"operation" validate:"required"`
	// Params holds the kind-specific parameters.
	Params json.RawMessage `json:"params,omitempty"`
}

// CreateOperationRequest is the HTTP request body for starting an operation.
type CreateOperationRequest struct {
	// Operation is the operation kind, e.g. "trim".
	Operation string `json:"operation" validate:"required"`
	// Params holds the kind-specific parameters.
	Params json.RawMessage `json:"params,omitempty"`
	// Inputs are asset IDs in the order the operation expects.
	Inputs []string `json:"inputs" validate:"required,min=1,max=2,dive,required"`
	// Destination is "final" (default) or "draft".
	Destination string `json:"destination,omitempty" validate:"omitempty,oneof=final draft"`
	// Then lists operations applied to the output, in order.
	Then []StageRequest `json:"then,omitempty" validate:"max=8,dive"`
}

// CreateOperationResponse is the HTTP response after submitting an operation.
type CreateOperationResponse struct {
	// JobID identifies the created job.
	JobID string `json:"job_id"`
	// State is the job state at submission time.
	State string `json:"state"`
}

// OutputResponse describes one produced asset.
type OutputResponse struct {
	AssetID string `json:"asset_id"`
	// URL is the mirrored URL when available, else a /files URL.
	URL string `json:"url"`
	// Time is the source timestamp of a thumbnail, in seconds.
	Time *float64 `json:"time,omitempty"`
}

// JobErrorResponse is the error recorded on a failed job.
type JobErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	JobID       string             `json:"job_id"`
	Operation   string             `json:"operation"`
	State       string             `json:"state"`
	Inputs      []string           `json:"inputs"`
	Destination string             `json:"destination"`
	ParentID    string             `json:"parent_id,omitempty"`
	NextID      string             `json:"next_id,omitempty"`
	Outputs     []OutputResponse   `json:"outputs,omitempty"`
	Metadata    *media.ProbeResult `json:"metadata,omitempty"`
	Error       *JobErrorResponse  `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
}

// ListJobsResponse wraps a list of jobs.
type ListJobsResponse struct {
	Items []JobResponse `json:"items"`
}

// AssetResponse describes a stored media asset.
type AssetResponse struct {
	ID              string             `json:"id"`
	OriginalName    string             `json:"original_name"`
	MimeType        string             `json:"mime_type"`
	SizeBytes       int64              `json:"size_bytes"`
	Size            string             `json:"size"`
	DurationSeconds float64            `json:"duration_seconds"`
	URL             string             `json:"url"`
	Ephemeral       bool               `json:"ephemeral,omitempty"`
	ProducedBy      string             `json:"produced_by,omitempty"`
	Metadata        *media.ProbeResult `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// ListAssetsResponse wraps a list of assets.
type ListAssetsResponse struct {
	Items []AssetResponse `json:"items"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// JobID is set when the failed request was recorded as a job.
	JobID string `json:"job_id,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Running is the number of media tool processes in flight.
	Running int `json:"running"`
	// Queued is the number of jobs waiting for a slot.
	Queued int `json:"queued"`
}
