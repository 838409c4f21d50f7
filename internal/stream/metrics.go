package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamMetrics = struct {
	Frames        prometheus.Counter
	Ticks         *prometheus.CounterVec
	CacheErrors   prometheus.Counter
	StaleFrames   prometheus.Counter
	Connects      *prometheus.CounterVec
	Reconnects    prometheus.Counter
	Rotations     *prometheus.CounterVec
	ControlFrames *prometheus.CounterVec
	State         *prometheus.GaugeVec
}{
	Frames: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "ws", Name: "frames_total",
		Help: "Frames read from the upstream socket",
	}),
	Ticks: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "ws", Name: "ticks_total",
		Help: "Normalized ticks written to the cache, by channel",
	}, []string{"channel"}),
	CacheErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "ws", Name: "cache_errors_total",
		Help: "Ticks that could not be written to the cache",
	}),
	StaleFrames: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "ws", Name: "stale_frames_total",
		Help: "Frames dropped because a newer socket already delivers ticks",
	}),
	Connects: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "ws", Name: "connect_attempts_total",
		Help: "Connect attempts by result",
	}, []string{"result"}),
	Reconnects: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "ws", Name: "reconnects_total",
		Help: "Transitions into Reconnecting",
	}),
	Rotations: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "ws", Name: "session_rotations_total",
		Help: "Session rotations by mode (overlap|gap|failed)",
	}, []string{"mode"}),
	ControlFrames: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "ws", Name: "control_frames_total",
		Help: "Subscribe/unsubscribe frames sent upstream",
	}, []string{"action"}),
	State: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "market_stream", Subsystem: "ws", Name: "state",
		Help: "1 for the current connection state",
	}, []string{"state"}),
}
