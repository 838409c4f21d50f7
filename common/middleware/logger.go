package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/logger"
)

// RequestLogger логирует входящие HTTP-запросы с контекстом.
// Для SSE запись появляется при закрытии потока.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
			}
			entry := log.WithContext(r.Context())
			switch {
			case rw.status >= 500:
				entry.Error("HTTP request", fields...)
			case rw.status >= 400:
				entry.Warn("HTTP request", fields...)
			default:
				entry.Info("HTTP request", fields...)
			}
		})
	}
}
