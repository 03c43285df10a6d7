package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code and the number of body bytes
// written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.written += n
	return n, err
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs one line per request. Server errors are logged at warn
// level, everything else at info. Query strings are never logged; they may
// carry correlation tokens and authorization codes.
func RequestLogger(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sr, r)

			lvl := level.Info
			if sr.status >= http.StatusInternalServerError {
				lvl = level.Warn
			}
			spanContext := trace.SpanFromContext(r.Context()).SpanContext()
			lvl(logger).Log(
				"msg", "request log",
				"request_id", middleware.GetReqID(r.Context()),
				"trace_id", spanContext.TraceID().String(),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"bytes", sr.written,
				"duration", time.Since(start),
			)
		})
	}
}
