package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"

	"github.com/maauso/mediaops-api/internal/asset"
	"github.com/maauso/mediaops-api/internal/job"
	"github.com/maauso/mediaops-api/internal/operation"
	"github.com/maauso/mediaops-api/internal/storage"
)

const (
	defaultMaxUploadFiles = 10
	maxJSONBodyBytes      = 1 << 20
	maxFieldBytes         = 64 << 10
	cancelWaitTimeout     = 30 * time.Second
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	orchestrator   *job.Orchestrator
	library        *asset.Library
	store          storage.Storage
	validator      *validator.Validate
	logger         *slog.Logger
	maxUploadFiles int
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxUploadFiles caps the number of files accepted per request.
func WithMaxUploadFiles(n int) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadFiles = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(orchestrator *job.Orchestrator, library *asset.Library, store storage.Storage, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		orchestrator:   orchestrator,
		library:        library,
		store:          store,
		validator:      validator.New(validator.WithRequiredStructEnabled()),
		logger:         logger,
		maxUploadFiles: defaultMaxUploadFiles,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	running, queued := h.orchestrator.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Running: running, Queued: queued})
}

// Upload handles POST /uploads requests. Every "files" part becomes an asset.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	mr, err := multipartReader(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_MULTIPART")
		return
	}

	var imported []*asset.Asset
	fail := func(status int, message, code string) {
		h.discard(imported)
		writeError(w, status, message, code)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(http.StatusBadRequest, "malformed multipart body", "INVALID_MULTIPART")
			return
		}
		if part.FormName() != "files" || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		if len(imported) >= h.maxUploadFiles {
			_ = part.Close()
			fail(http.StatusBadRequest, fmt.Sprintf("at most %d files per upload", h.maxUploadFiles), "TOO_MANY_FILES")
			return
		}

		a, err := h.library.Import(r.Context(), part.FileName(), part, false)
		_ = part.Close()
		if err != nil {
			status, code := uploadErrorStatus(err)
			h.logger.Warn("upload rejected",
				slog.String("file", part.FileName()),
				slog.String("error", err.Error()),
			)
			fail(status, err.Error(), code)
			return
		}
		imported = append(imported, a)
	}

	if len(imported) == 0 {
		writeError(w, http.StatusBadRequest, `no "files" part in request`, "NO_FILES")
		return
	}

	resp := ListAssetsResponse{Items: make([]AssetResponse, 0, len(imported))}
	for _, a := range imported {
		resp.Items = append(resp.Items, h.toAssetResponse(a))
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListAssets handles GET /assets requests.
func (h *Handlers) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.library.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list assets", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list assets", "ASSET_LIST_FAILED")
		return
	}
	resp := ListAssetsResponse{Items: make([]AssetResponse, 0, len(assets))}
	for _, a := range assets {
		resp.Items = append(resp.Items, h.toAssetResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAsset handles GET /assets/{id} requests.
func (h *Handlers) GetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.library.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeJobError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, h.toAssetResponse(a))
}

// CreateOperation handles POST /operations requests, either as JSON or as a
// multipart form whose "inputs" file parts are imported as ephemeral assets.
func (h *Handlers) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var (
		req      CreateOperationRequest
		imported []*asset.Asset
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		var status int
		var code string
		var err error
		req, imported, status, code, err = h.readMultipartOperation(r)
		if err != nil {
			h.discard(imported)
			writeError(w, status, err.Error(), code)
			return
		}
	} else {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
			h.logger.Warn("failed to decode request body",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
			return
		}
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		h.discard(imported)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	submit, err := toSubmitRequest(req)
	if err != nil {
		h.discard(imported)
		writeError(w, http.StatusBadRequest, err.Error(), string(job.KindInvalidInput))
		return
	}

	j, err := h.orchestrator.Submit(r.Context(), submit)
	if err != nil {
		jobID := ""
		if j != nil {
			jobID = j.ID
		}
		h.writeJobError(w, err, jobID)
		return
	}

	h.logger.Info("operation accepted",
		slog.String("job_id", j.ID),
		slog.String("operation", req.Operation),
		slog.Int("stages", len(req.Then)+1),
	)

	writeJSON(w, http.StatusAccepted, CreateOperationResponse{
		JobID: j.ID,
		State: string(j.State),
	})
}

// readMultipartOperation parses the form fields of a multipart submission and
// imports its files. Uploaded inputs come before any "inputs" ID fields.
func (h *Handlers) readMultipartOperation(r *http.Request) (CreateOperationRequest, []*asset.Asset, int, string, error) {
	var (
		req      CreateOperationRequest
		imported []*asset.Asset
		ids      []string
		then     string
	)

	mr, err := multipartReader(r)
	if err != nil {
		return req, nil, http.StatusBadRequest, "INVALID_MULTIPART", err
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, imported, http.StatusBadRequest, "INVALID_MULTIPART", errors.New("malformed multipart body")
		}

		if part.FileName() != "" {
			if part.FormName() != "inputs" {
				_ = part.Close()
				continue
			}
			if len(imported) >= h.maxUploadFiles {
				_ = part.Close()
				return req, imported, http.StatusBadRequest, "TOO_MANY_FILES",
					fmt.Errorf("at most %d files per request", h.maxUploadFiles)
			}
			a, err := h.library.Import(r.Context(), part.FileName(), part, true)
			_ = part.Close()
			if err != nil {
				status, code := uploadErrorStatus(err)
				return req, imported, status, code, err
			}
			imported = append(imported, a)
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		_ = part.Close()
		if err != nil {
			return req, imported, http.StatusBadRequest, "INVALID_MULTIPART", errors.New("malformed multipart body")
		}
		switch part.FormName() {
		case "operation":
			req.Operation = strings.TrimSpace(string(value))
		case "params":
			req.Params = json.RawMessage(value)
		case "destination":
			req.Destination = strings.TrimSpace(string(value))
		case "then":
			then = string(value)
		case "inputs":
			ids = append(ids, strings.TrimSpace(string(value)))
		}
	}

	if strings.TrimSpace(then) != "" {
		if err := json.Unmarshal([]byte(then), &req.Then); err != nil {
			return req, imported, http.StatusBadRequest, "INVALID_JSON", errors.New(`"then" must be a JSON array`)
		}
	}
	for _, a := range imported {
		req.Inputs = append(req.Inputs, a.ID)
	}
	req.Inputs = append(req.Inputs, ids...)
	return req, imported, 0, "", nil
}

func toSubmitRequest(req CreateOperationRequest) (job.SubmitRequest, error) {
	op, err := operation.Decode(req.Operation, req.Params)
	if err != nil {
		return job.SubmitRequest{}, err
	}
	submit := job.SubmitRequest{
		Operation:   op,
		Inputs:      req.Inputs,
		Destination: storage.Destination(req.Destination),
	}
	for i, stage := range req.Then {
		next, err := operation.Decode(stage.Operation, stage.Params)
		if err != nil {
			return job.SubmitRequest{}, fmt.Errorf("then[%d]: %w", i, err)
		}
		submit.Then = append(submit.Then, next)
	}
	return submit, nil
}

// ListOperations handles GET /operations requests.
func (h *Handlers) ListOperations(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.orchestrator.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_LIST_FAILED")
		return
	}
	resp := ListJobsResponse{Items: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Items = append(resp.Items, h.toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOperation handles GET /operations/{id} requests.
func (h *Handlers) GetOperation(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	j, err := h.orchestrator.Get(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, h.toJobResponse(j))
}

// CancelOperation handles POST /operations/{id}/cancel requests.
func (h *Handlers) CancelOperation(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), cancelWaitTimeout)
	defer cancel()

	j, err := h.orchestrator.Cancel(ctx, jobID)
	if err != nil {
		h.writeJobError(w, err, jobID)
		return
	}
	writeJSON(w, http.StatusOK, h.toJobResponse(j))
}

// DeleteOperation handles DELETE /operations/{id} requests.
func (h *Handlers) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := h.orchestrator.Forget(r.Context(), jobID); err != nil {
		h.writeJobError(w, err, jobID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMetadata handles GET /metadata/{assetId} requests.
func (h *Handlers) GetMetadata(w http.ResponseWriter, r *http.Request) {
	res, err := h.orchestrator.Probe(r.Context(), r.PathValue("assetId"))
	if err != nil {
		h.writeJobError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		JobID:       j.ID,
		Operation:   j.Operation.String(),
		State:       string(j.State),
		Inputs:      j.Inputs,
		Destination: string(j.Destination),
		ParentID:    j.ParentID,
		NextID:      j.NextID,
		Metadata:    j.Metadata,
		CreatedAt:   j.CreatedAt,
	}
	if resp.Inputs == nil {
		resp.Inputs = []string{}
	}
	if !j.StartedAt.IsZero() {
		started := j.StartedAt
		resp.StartedAt = &started
	}
	if !j.FinishedAt.IsZero() {
		finished := j.FinishedAt
		resp.FinishedAt = &finished
	}
	if j.Error != nil {
		resp.Error = &JobErrorResponse{Kind: string(j.Error.Kind), Message: j.Error.Message}
	}
	for i, out := range j.Outputs {
		o := OutputResponse{AssetID: out.AssetID, URL: out.RemoteURL}
		if o.URL == "" {
			o.URL = h.fileURL(out.Path)
		}
		if i < len(j.Timestamps) {
			ts := j.Timestamps[i]
			o.Time = &ts
		}
		resp.Outputs = append(resp.Outputs, o)
	}
	return resp
}

func (h *Handlers) toAssetResponse(a *asset.Asset) AssetResponse {
	url := a.RemoteURL
	if url == "" {
		url = h.fileURL(a.StoragePath)
	}
	size := a.SizeBytes
	if size < 0 {
		size = 0
	}
	return AssetResponse{
		ID:              a.ID,
		OriginalName:    a.OriginalName,
		MimeType:        a.MimeHint,
		SizeBytes:       a.SizeBytes,
		Size:            humanize.Bytes(uint64(size)),
		DurationSeconds: a.DurationSeconds,
		URL:             url,
		Ephemeral:       a.Ephemeral,
		ProducedBy:      a.ProducedBy,
		Metadata:        a.Metadata,
		CreatedAt:       a.CreatedAt,
	}
}

// fileURL maps a stored path to its URL under /files/.
func (h *Handlers) fileURL(path string) string {
	rel, err := h.store.Rel(path)
	if err != nil {
		return ""
	}
	return "/files/" + filepath.ToSlash(rel)
}

// discard removes assets imported for a request that was rejected.
func (h *Handlers) discard(assets []*asset.Asset) {
	for _, a := range assets {
		if err := h.library.Delete(context.Background(), a.ID); err != nil {
			h.logger.Warn("failed to discard upload",
				slog.String("asset_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// writeJobError maps domain errors to HTTP responses.
func (h *Handlers) writeJobError(w http.ResponseWriter, err error, jobID string) {
	switch {
	case errors.Is(err, job.ErrJobFinished):
		writeErrorWithJob(w, http.StatusConflict, "job has already finished", "JOB_FINISHED", jobID)
		return
	case errors.Is(err, job.ErrJobActive):
		writeErrorWithJob(w, http.StatusConflict, "job is still active", "JOB_ACTIVE", jobID)
		return
	case errors.Is(err, job.ErrClosed):
		writeErrorWithJob(w, http.StatusServiceUnavailable, "service is shutting down", "SHUTTING_DOWN", jobID)
		return
	}

	e := job.AsError(err)
	status := statusForKind(e.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("job_id", jobID),
			slog.String("kind", string(e.Kind)),
			slog.String("error", err.Error()),
		)
	}
	writeErrorWithJob(w, status, e.Message, string(e.Kind), jobID)
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind job.ErrorKind) int {
	switch kind {
	case job.KindInvalidInput:
		return http.StatusBadRequest
	case job.KindNotFound:
		return http.StatusNotFound
	case job.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func uploadErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, asset.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"
	case errors.Is(err, asset.ErrUnsupportedMedia):
		return http.StatusBadRequest, "UNSUPPORTED_MEDIA"
	default:
		return http.StatusInternalServerError, "UPLOAD_FAILED"
	}
}

func multipartReader(r *http.Request) (*multipart.Reader, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errors.New("expected a multipart/form-data body")
	}
	return mr, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeErrorWithJob(w, status, message, code, "")
}

func writeErrorWithJob(w http.ResponseWriter, status int, message, code, jobID string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
		JobID: jobID,
	})
}
