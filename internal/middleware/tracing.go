package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// RequestLogger tags each request with an id and logs it when done.
type RequestLogger struct {
	log *logger.Logger
}

// NewRequestLogger creates the middleware.
func NewRequestLogger(log *logger.Logger) *RequestLogger {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &RequestLogger{log: log}
}

// Handler returns the request logging middleware handler.
func (m *RequestLogger) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		m.log.WithFields(map[string]interface{}{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
