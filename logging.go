package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"nostr-market/internal/offline"
)

type contextKey string

const loggerKey contextKey = "logger"

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// InitLogger installs the default logger. LOG_LEVEL selects the level
// (debug/info/warn/error) and LOG_FORMAT=text switches from JSON to
// key=value output for local use.
func InitLogger() {
	slog.SetDefault(newLogger(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))
	slog.Info("logger initialized", "level", parseLevel(os.Getenv("LOG_LEVEL")).String())
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// requestID reuses a well-formed id from the caller, or makes a new one
func requestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); len(id) >= 8 && len(id) <= 64 && isToken(id) {
		return id
	}
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func isToken(s string) bool {
	for _, c := range s {
		if !(c == '-' || c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// LoggerFromContext returns the request-scoped logger, or the default one
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestLoggingMiddleware tags each request with an id, stores a logger
// carrying it in the context and logs the outcome. Proxied app responses
// also log how the offline engine answered them.
func RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpRequestsTotal.Add(1)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		id := requestID(r)
		logger := slog.Default().With("request_id", id)
		r = r.WithContext(context.WithValue(r.Context(), loggerKey, logger))
		w.Header().Set(RequestIDHeader, id)

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.written,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if source := rec.Header().Get(offline.CacheHeader); source != "" {
			attrs = append(attrs, "cache", source)
		}

		switch {
		case rec.status >= 500:
			httpErrorsTotal.Add(1)
			logger.Error("request failed", attrs...)
		case rec.status >= 400:
			logger.Warn("request rejected", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	})
}

// responseRecorder captures the status and size of a response
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *responseRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Flush implements http.Flusher for streamed proxy responses
func (w *responseRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
