package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-probe/internal/logger"
)

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type LoggingMiddleware struct {
	log       *logger.Logger
	skipPaths map[string]bool
}

func NewLoggingMiddleware() *LoggingMiddleware {
	return &LoggingMiddleware{
		log: logger.Log.Component("http"),
		skipPaths: map[string]bool{
			"/healthz": true,
			"/metrics": true,
		},
	}
}

func (m *LoggingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		m.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client", r.RemoteAddr)
	})
}
