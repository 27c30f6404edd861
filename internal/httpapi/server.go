package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"terrarium-server/internal/config"
)

// NewServer wraps mux with request ids, CORS and request logging.
// WriteTimeout stays unset so /sse/summary streams are not cut off.
func NewServer(cfg config.Config, mux *http.ServeMux, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	var h http.Handler = mux
	h = cors(cfg.CORSAllowOrigins, h)
	h = requestLogger(logger, h)
	h = requestID(h)
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
