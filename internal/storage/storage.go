// Package storage provides file storage for uploaded inputs and produced outputs.
// It defines the Storage interface (port) and implementations for local disk,
// optionally mirroring outputs to S3 or a MinIO-compatible object store.
package storage

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"
)

// Destination selects where an operation writes its outputs.
type Destination string

const (
	// DestinationFinal is the default location for produced files.
	DestinationFinal Destination = "final"
	// DestinationDraft keeps work-in-progress outputs apart from final ones.
	DestinationDraft Destination = "draft"
)

// IsValid returns true if the destination is known.
func (d Destination) IsValid() bool {
	return d == DestinationFinal || d == DestinationDraft
}

// Storage defines the interface for media file storage.
type Storage interface {
	// Save writes data to a new upload file called name and returns its path and size.
	// The name must be a plain file name; existing files are never overwritten.
	Save(ctx context.Context, name string, data io.Reader) (path string, size int64, err error)

	// Open reads a stored file. The caller closes the returned ReadCloser.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Remove deletes the given files. Missing files are ignored and
	// cleanup continues past individual failures.
	Remove(ctx context.Context, paths []string) error

	// OutputDir returns the directory outputs for dest are written to.
	OutputDir(dest Destination) string

	// UploadsDir returns the directory uploads are saved in.
	UploadsDir() string

	// Rel returns path relative to the storage root, or an error if it lies outside.
	Rel(path string) (string, error)

	// Mirror copies size bytes of data to durable object storage under key and
	// returns its URL. A negative size means unknown length.
	// Returns ErrMirrorNotConfigured when no object store is configured.
	Mirror(ctx context.Context, key string, data io.Reader, size int64) (url string, err error)
}

var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".wav":  "audio/x-wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".png":  "image/png",
}

// contentType guesses the MIME type of an object from its key.
func contentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
