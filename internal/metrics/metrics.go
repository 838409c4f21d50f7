// Package metrics holds the delivery-side metrics: client feeds and the Kafka tick mirror.
// Ingestion metrics live next to the code in internal/stream and internal/normalizer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	commonprom "github.com/YaganovValera/market-stream/common/prometheus"
)

var (
	once sync.Once

	// FeedClients: число открытых клиентских фидов.
	FeedClients = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "market_stream",
		Subsystem: "fanout",
		Name:      "clients",
		Help:      "Open client feeds by feed (prices|positions)",
	}, []string{"feed"})

	// FeedEvents: отправленные клиентам события.
	FeedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream",
		Subsystem: "fanout",
		Name:      "events_total",
		Help:      "Events written to clients by feed and event name",
	}, []string{"feed", "event"})

	// FeedWriteErrors: клиенты, отключённые из-за ошибки записи.
	FeedWriteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream",
		Subsystem: "fanout",
		Name:      "write_errors_total",
		Help:      "Client feeds torn down by a failed or timed-out write",
	}, []string{"feed"})

	// MirrorPublished: тики, опубликованные в Kafka.
	MirrorPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "market_stream",
		Subsystem: "kafka",
		Name:      "published_total",
		Help:      "Ticks published to Kafka",
	})

	// PublishErrors: число ошибок при публикации сообщений в Kafka.
	PublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "market_stream",
		Subsystem: "kafka",
		Name:      "publish_errors_total",
		Help:      "Total number of errors when publishing to Kafka",
	})

	// BufferDrops: число тиков, отброшенных из-за переполнения очереди.
	BufferDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "market_stream",
		Subsystem: "kafka",
		Name:      "buffer_drops_total",
		Help:      "Number of ticks dropped because the mirror queue was full",
	})

	// PublishLatency: задержка от получения тика до публикации в Kafka.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "market_stream",
		Subsystem: "kafka",
		Name:      "publish_latency_seconds",
		Help:      "Latency from tick observation to Kafka publish (seconds)",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		}
		commonprom.MustRegisterMany(reg,
			FeedClients,
			FeedEvents,
			FeedWriteErrors,
			MirrorPublished,
			PublishErrors,
			BufferDrops,
			PublishLatency,
		)
	})
}
