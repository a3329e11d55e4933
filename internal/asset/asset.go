// Package asset provides the MediaAsset aggregate: a stored media file with
// its cached probe metadata, plus repositories and the upload Library.
package asset

import (
	"time"

	"github.com/google/uuid"

	"github.com/maauso/mediaops-api/internal/media"
)

// Asset is a media file known to the service.
type Asset struct {
	// ID is the unique identifier for this asset.
	ID string
	// StoragePath is the absolute path of the file on disk.
	StoragePath string
	// OriginalName is the client-supplied file name, or the name of the
	// producing job's output.
	OriginalName string
	// MimeHint is the sniffed content type.
	MimeHint string
	// SizeBytes is the file size.
	SizeBytes int64
	// DurationSeconds is 0 when unknown.
	DurationSeconds float64
	// Metadata is the last successful probe, if any.
	Metadata *media.ProbeResult
	// Ephemeral assets are removed once a job consumes them.
	Ephemeral bool
	// ProducedBy is the ID of the job that wrote this file, empty for uploads.
	ProducedBy string
	// RemoteURL is set when the file was mirrored to object storage.
	RemoteURL string
	// CreatedAt is when the asset was registered.
	CreatedAt time.Time
}

// New creates an Asset with a generated ID.
func New(storagePath, originalName, mimeHint string, size int64) *Asset {
	return &Asset{
		ID:           uuid.NewString(),
		StoragePath:  storagePath,
		OriginalName: originalName,
		MimeHint:     mimeHint,
		SizeBytes:    size,
		CreatedAt:    time.Now(),
	}
}

// ApplyProbe caches probe results on the asset.
func (a *Asset) ApplyProbe(p *media.ProbeResult) {
	if p == nil {
		return
	}
	cp := cloneProbe(p)
	a.Metadata = cp
	a.DurationSeconds = cp.DurationSeconds
	if a.SizeBytes == 0 {
		a.SizeBytes = cp.SizeBytes
	}
}

// Clone creates a deep copy of the asset.
func (a *Asset) Clone() *Asset {
	cp := *a
	cp.Metadata = cloneProbe(a.Metadata)
	return &cp
}

func cloneProbe(p *media.ProbeResult) *media.ProbeResult {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Video != nil {
		v := *p.Video
		cp.Video = &v
	}
	if p.Audio != nil {
		a := *p.Audio
		cp.Audio = &a
	}
	return &cp
}
