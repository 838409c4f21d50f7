package producer

import "github.com/prometheus/client_golang/prometheus"

func PublishedFor(topic string) prometheus.Counter {
	return producerMetrics.Published.WithLabelValues(topic)
}
