package normalizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "normalizer", Name: "dropped_total",
		Help: "Frames dropped during normalization, by reason",
	},
	[]string{"reason"},
)

// CountDropped records err under its reason label. Control replies are not counted.
func CountDropped(err error) {
	r := Reason(err)
	if r == "" || r == "control" {
		return
	}
	droppedTotal.WithLabelValues(r).Inc()
}
