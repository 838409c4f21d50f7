// Package cache stores the latest tick per (symbol, channel). It is the only path from
// ingestion to fan-out.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/YaganovValera/market-stream/internal/marketdata"
)

// ErrMiss is returned by Get when the key is absent or its entry has expired.
var ErrMiss = errors.New("cache: miss")

// Cache is implemented by the memory and redis backends.
type Cache interface {
	// Put overwrites the entry for key and stamps tick.Seq with a value greater than
	// any earlier write. Last write wins.
	Put(ctx context.Context, key marketdata.Key, tick marketdata.Tick, ttl time.Duration) error
	// Get returns the entry or ErrMiss.
	Get(ctx context.Context, key marketdata.Key) (marketdata.Tick, error)
	Close() error
}

var cacheMetrics = struct {
	Ops    *prometheus.CounterVec
	Errors *prometheus.CounterVec
}{
	Ops: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "cache", Name: "operations_total",
		Help: "Cache operations by backend, op and result (hit|miss|ok)",
	}, []string{"backend", "op", "result"}),
	Errors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "cache", Name: "errors_total",
		Help: "Cache backend errors",
	}, []string{"backend", "op"}),
}
