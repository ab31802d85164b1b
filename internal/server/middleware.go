package server

import (
	"log/slog"
	"net/http"
	"time"
)

// requestLogger is the second middleware layer of spec §4.6: "Records
// method, path, remote identifier, status, latency. Emits structured
// records." Grounded in the teacher's chi middleware chain shape (a plain
// func(http.Handler) http.Handler wrapping the ResponseWriter), generalized
// from its bare log.Printf to structured slog fields.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			log.LogAttrs(r.Context(), slog.LevelInfo, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
				slog.Int("status", sw.status),
				slog.Duration("latency", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
