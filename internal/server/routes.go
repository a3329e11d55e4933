package server

import (
	"log/slog"
	"net/http"
	"strings"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// FilesDir is the storage root. Its uploads/ and processed/ trees are
	// served read-only under /files/. Empty disables file serving.
	FilesDir string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Register routes with method-based patterns (Go 1.22+)
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /uploads", h.Upload)
	mux.HandleFunc("GET /assets", h.ListAssets)
	mux.HandleFunc("GET /assets/{id}", h.GetAsset)

	mux.HandleFunc("POST /operations", h.CreateOperation)
	mux.HandleFunc("GET /operations", h.ListOperations)
	mux.HandleFunc("GET /operations/{id}", h.GetOperation)
	mux.HandleFunc("POST /operations/{id}/cancel", h.CancelOperation)
	mux.HandleFunc("DELETE /operations/{id}", h.DeleteOperation)

	mux.HandleFunc("GET /metadata/{assetId}", h.GetMetadata)

	if cfg.FilesDir != "" {
		files := http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.FilesDir)))
		mux.Handle("GET /files/", servedFiles(files))
	}

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}

// servedPrefixes are the only parts of the storage root exposed under /files/.
var servedPrefixes = []string{"/files/uploads/", "/files/processed/"}

// servedFiles rejects directory requests and anything outside servedPrefixes,
// such as a database file kept in the storage root.
func servedFiles(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") || !hasServedPrefix(r.URL.Path) {
			writeError(w, http.StatusNotFound, "file not found", "FILE_NOT_FOUND")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasServedPrefix(path string) bool {
	for _, prefix := range servedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
