package asset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/maauso/mediaops-api/internal/media"
	"github.com/maauso/mediaops-api/internal/storage"
)

// Static errors for uploads.
var (
	// ErrUnsupportedMedia is returned when an upload is not audio or video.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("file exceeds maximum upload size")
)

// sniffLen is how many leading bytes are inspected to detect the content type.
const sniffLen = 3072

// Library imports, looks up and removes media assets.
// It keeps the repository record and the stored file in step.
type Library struct {
	repo     Repository
	store    storage.Storage
	prober   media.Prober
	logger   *slog.Logger
	maxBytes int64
	allowed  []string
}

// LibraryOption configures a Library.
type LibraryOption func(*Library)

// WithMaxBytes limits the size of imported files. Zero means unlimited.
func WithMaxBytes(n int64) LibraryOption {
	return func(l *Library) {
		l.maxBytes = n
	}
}

// WithAllowedTypes replaces the accepted MIME type prefixes.
func WithAllowedTypes(prefixes ...string) LibraryOption {
	return func(l *Library) {
		l.allowed = prefixes
	}
}

// WithLibraryLogger sets the logger.
func WithLibraryLogger(logger *slog.Logger) LibraryOption {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLibrary creates a Library. A nil prober skips probing on import.
func NewLibrary(repo Repository, store storage.Storage, prober media.Prober, opts ...LibraryOption) *Library {
	l := &Library{
		repo:    repo,
		store:   store,
		prober:  prober,
		logger:  slog.Default(),
		allowed: []string{"video/", "audio/"},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Import stores the content of r as a new asset.
// The content type is sniffed from the data; the client-supplied name is kept
// only as OriginalName. A failed probe leaves DurationSeconds at 0.
func (l *Library) Import(ctx context.Context, name string, r io.Reader, ephemeral bool) (*Asset, error) {
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	header = header[:n]
	if n == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrUnsupportedMedia)
	}

	mt := mimetype.Detect(header)
	if !l.isAllowed(mt.String()) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mt.String())
	}

	ext := mt.Extension()
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(filepath.Base(name)))
	}

	body := io.MultiReader(bytes.NewReader(header), r)
	if l.maxBytes > 0 {
		body = io.LimitReader(body, l.maxBytes+1)
	}

	path, size, err := l.store.Save(ctx, uuid.NewString()+ext, body)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	if l.maxBytes > 0 && size > l.maxBytes {
		_ = l.store.Remove(ctx, []string{path})
		return nil, fmt.Errorf("%w: limit is %s", ErrTooLarge, humanize.Bytes(uint64(l.maxBytes)))
	}

	a := New(path, filepath.Base(name), mt.String(), size)
	a.Ephemeral = ephemeral

	if l.prober != nil {
		res, err := l.prober.Probe(ctx, path)
		if err != nil {
			l.logger.Warn("probe on import failed",
				slog.String("asset_id", a.ID),
				slog.String("error", err.Error()),
			)
		} else {
			a.ApplyProbe(res)
		}
	}

	if err := l.repo.Save(ctx, a); err != nil {
		_ = l.store.Remove(ctx, []string{path})
		return nil, fmt.Errorf("save asset: %w", err)
	}

	l.logger.Info("asset imported",
		slog.String("asset_id", a.ID),
		slog.String("mime", a.MimeHint),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Bool("ephemeral", ephemeral),
	)
	return a.Clone(), nil
}

func (l *Library) isAllowed(mime string) bool {
	for _, prefix := range l.allowed {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	return false
}

// Get returns the asset with the given ID.
func (l *Library) Get(ctx context.Context, id string) (*Asset, error) {
	return l.repo.FindByID(ctx, id)
}

// List returns all assets.
func (l *Library) List(ctx context.Context) ([]*Asset, error) {
	return l.repo.List(ctx)
}

// Register records an asset whose file already exists in storage.
func (l *Library) Register(ctx context.Context, a *Asset) error {
	return l.repo.Save(ctx, a)
}

// Delete removes the asset's file and its record.
func (l *Library) Delete(ctx context.Context, id string) error {
	a, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := l.store.Remove(ctx, []string{a.StoragePath}); err != nil {
		return fmt.Errorf("remove asset file: %w", err)
	}
	return l.repo.Delete(ctx, id)
}
