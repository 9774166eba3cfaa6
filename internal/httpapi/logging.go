package httpapi

import (
	"bufio"
	"errors"
	"expvar"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var (
	requestsTotal  = expvar.NewInt("requests_total")
	requestsErrors = expvar.NewInt("requests_errors_total")
	ticketsIssued  = expvar.NewInt("tickets_issued_total")
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush and Hijack pass through so streaming and websocket transports keep working.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(writer, r)
			requestsTotal.Add(1)
			if writer.status >= http.StatusBadRequest {
				requestsErrors.Add(1)
			}
			if r.Method == http.MethodPost && r.URL.Path == "/api/tickets" && writer.status == http.StatusCreated {
				ticketsIssued.Add(1)
			}
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", writer.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", r.Header.Get("X-Request-ID")),
			)
		})
	}
}
