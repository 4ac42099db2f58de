package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/zapgate/zapgate/internal/otel"
	"github.com/zapgate/zapgate/internal/shared"
)

// writePlainError is the one body every unhandled failure produces.
func writePlainError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte("Algo deu errado!"))
}

// RecoverMiddleware converts handler panics into the generic plain-text 500.
// The panic value is logged, never returned to the caller.
func RecoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panicked",
						"method", r.Method,
						"path", r.URL.Path,
						"panic", rec,
						"request_id", shared.RequestID(r.Context()))
					writePlainError(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// websocket upgrade on /ws needs to hijack the connection.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// RequestLogMiddleware assigns each request an ID, logs one access line per
// request, and records the duration histogram.
func RequestLogMiddleware(logger *slog.Logger, metrics *otel.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := shared.NewRequestID()
			ctx := shared.WithRequestID(r.Context(), id)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))
			elapsed := time.Since(start)

			if metrics != nil {
				metrics.RequestDuration.Record(ctx, elapsed.Seconds())
			}
			logger.Info("http request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
				"remote", r.RemoteAddr)
		})
	}
}

// Chain applies middlewares right-to-left, so the first listed runs outermost.
func Chain(h http.Handler, wrappers ...func(http.Handler) http.Handler) http.Handler {
	for i := len(wrappers) - 1; i >= 0; i-- {
		h = wrappers[i](h)
	}
	return h
}
