package middleware

import (
	"net/http"

	"github.com/YaganovValera/market-stream/common/logger"
)

// Compose chains mws so that the first one sees the request first. Nil entries are skipped.
func Compose(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				next = mws[i](next)
			}
		}
		return next
	}
}

// Observe is the request-observability chain: the request id is assigned before the
// access log line and the metrics are taken, so both carry it.
func Observe(log *logger.Logger) func(http.Handler) http.Handler {
	return Compose(RequestID(), RequestLogger(log), Metrics())
}
