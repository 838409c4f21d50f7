// Package sink mirrors normalized ticks to Kafka off the ingestion path.
package sink

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/kafka"
	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/internal/marketdata"
	"github.com/YaganovValera/market-stream/internal/metrics"
)

// Kafka queues ticks and publishes them from its own goroutine. Records are keyed by
// symbol, so one symbol's ticks stay ordered within its partition.
type Kafka struct {
	producer kafka.Producer
	topic    string
	queue    chan marketdata.Tick
	log      *logger.Logger
}

// NewKafka creates a sink with a bounded queue.
func NewKafka(p kafka.Producer, topic string, queueSize int, log *logger.Logger) *Kafka {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Kafka{
		producer: p,
		topic:    topic,
		queue:    make(chan marketdata.Tick, queueSize),
		log:      log.Named("sink.kafka"),
	}
}

// Offer never blocks: a full queue drops the tick.
func (k *Kafka) Offer(t marketdata.Tick) {
	select {
	case k.queue <- t:
	default:
		metrics.BufferDrops.Inc()
	}
}

// Run publishes queued ticks until ctx ends. Publish failures are counted and logged;
// the tick is lost.
func (k *Kafka) Run(ctx context.Context) error {
	k.log.Info("tick mirror started", zap.String("topic", k.topic))
	for {
		select {
		case <-ctx.Done():
			k.log.Info("tick mirror stopped", zap.Int("pending", len(k.queue)))
			return nil
		case t := <-k.queue:
			_ = k.publish(ctx, t)
		}
	}
}

func (k *Kafka) publish(ctx context.Context, t marketdata.Tick) error {
	ctx, span := otel.Tracer("sink/kafka").Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("symbol", t.Symbol),
		attribute.String("channel", string(t.Channel)),
	))
	defer span.End()

	value, err := json.Marshal(t)
	if err != nil {
		metrics.PublishErrors.Inc()
		span.RecordError(err)
		k.log.WithContext(ctx).Error("marshal tick failed", zap.Error(err))
		return err
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(t.Symbol),
		Value: value,
		Headers: map[string]string{
			"channel":      string(t.Channel),
			"content-type": "application/json",
		},
	}
	if err := k.producer.Publish(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return err
		}
		metrics.PublishErrors.Inc()
		span.RecordError(err)
		k.log.WithContext(ctx).Error("publish tick failed", zap.String("symbol", t.Symbol), zap.Error(err))
		return err
	}
	metrics.MirrorPublished.Inc()
	metrics.PublishLatency.Observe(time.Since(t.ObservedAt).Seconds())
	return nil
}
