package logging

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

type Environment struct {
	Service        string
	Version        string
	OrganizationID string
	ConsumerName   string
}

func NewJSONLogger() *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h)
}

// WithEnvironment attaches the fixed agent identity fields to every
// record.
func WithEnvironment(logger *slog.Logger, env Environment) *slog.Logger {
	return logger.With(
		slog.String("service", env.Service),
		slog.String("version", env.Version),
		slog.String("organization_id", env.OrganizationID),
		slog.String("consumer_name", env.ConsumerName),
	)
}

// Middleware logs one line per ops-endpoint request.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status_code", ww.statusCode),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
