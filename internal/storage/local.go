package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Static errors for storage operations.
var (
	// ErrMirrorNotConfigured is returned when mirroring is attempted
	// without an object store.
	ErrMirrorNotConfigured = errors.New("object storage mirror is not configured")
	// ErrInvalidName is returned for file names that are not plain base names.
	ErrInvalidName = errors.New("invalid file name")
	// ErrOutsideRoot is returned for paths outside the storage root.
	ErrOutsideRoot = errors.New("path is outside the storage root")
)

const (
	uploadsDir   = "uploads"
	processedDir = "processed"
	draftsDir    = "drafts"
)

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage implements the Storage interface using local disk.
// Layout under root: uploads/, processed/ and processed/drafts/.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new LocalStorage rooted at root.
// If root is empty, a directory under os.TempDir() is used.
// All directories are created if they don't exist.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "mediaops")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}

	s := &LocalStorage{root: root}
	for _, dir := range []string{s.UploadsDir(), s.OutputDir(DestinationFinal), s.OutputDir(DestinationDraft)} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	return s, nil
}

// Root returns the storage root directory.
func (s *LocalStorage) Root() string {
	return s.root
}

// UploadsDir implements Storage.
func (s *LocalStorage) UploadsDir() string {
	return filepath.Join(s.root, uploadsDir)
}

// OutputDir implements Storage. Unknown destinations map to the final directory.
func (s *LocalStorage) OutputDir(dest Destination) string {
	if dest == DestinationDraft {
		return filepath.Join(s.root, processedDir, draftsDir)
	}
	return filepath.Join(s.root, processedDir)
}

// Save implements Storage.
func (s *LocalStorage) Save(ctx context.Context, name string, data io.Reader) (string, int64, error) {
	select {
	case <-ctx.Done():
		return "", 0, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	path := filepath.Join(s.UploadsDir(), name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640) // #nosec G304 - name is a validated base name
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}

	n, err := io.Copy(f, data)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write upload file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("close upload file: %w", err)
	}

	return path, n, nil
}

// Open implements Storage.
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if _, err := s.Rel(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path) // #nosec G304 - path is confined to the storage root
	if err != nil {
		return nil, fmt.Errorf("open stored file: %w", err)
	}
	return f, nil
}

// Remove implements Storage, returning the first error encountered.
func (s *LocalStorage) Remove(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if _, err := s.Rel(p); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// Rel implements Storage.
func (s *LocalStorage) Rel(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return filepath.ToSlash(rel), nil
}

// Mirror is not supported by LocalStorage and returns ErrMirrorNotConfigured.
func (s *LocalStorage) Mirror(_ context.Context, _ string, _ io.Reader, _ int64) (string, error) {
	return "", ErrMirrorNotConfigured
}
