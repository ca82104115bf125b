package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
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

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /transcribe/", h.Transcribe)
	mux.HandleFunc("POST /transcribe/batch-audio", h.BatchAudio)
	mux.HandleFunc("POST /transcribe/extract-audio", h.ExtractAudio)
	mux.HandleFunc("POST /transcribe/batch-video", h.BatchVideo)
	mux.HandleFunc("GET /transcribe/", h.ListTasks)
	mux.HandleFunc("GET /transcribe/{task_id}", h.GetTask)
	mux.HandleFunc("GET /transcribe/{task_id}/download", h.DownloadTask)
	mux.HandleFunc("POST /transcribe/{task_id}/cancel", h.CancelTask)
	mux.HandleFunc("DELETE /transcribe/{task_id}", h.DeleteTask)

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
