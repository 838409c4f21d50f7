// Package producer implements kafka.Producer on a sarama SyncProducer traced with otelsarama.
package producer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/backoff"
	commonkafka "github.com/YaganovValera/market-stream/common/kafka"
	"github.com/YaganovValera/market-stream/common/logger"
)

var producerMetrics = struct {
	Connects       *prometheus.CounterVec
	Published      *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	Bytes          *prometheus.CounterVec
}{
	Connects: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "kafka_producer", Name: "connects_total",
		Help: "Producer connect attempts by result (ok|error)",
	}, []string{"result"}),
	Published: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "kafka_producer", Name: "published_total",
		Help: "Records acknowledged by the brokers",
	}, []string{"topic"}),
	PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "kafka_producer", Name: "publish_errors_total",
		Help: "Records given up after retries",
	}, []string{"topic"}),
	PublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "market_stream", Subsystem: "kafka_producer", Name: "publish_latency_seconds",
		Help:    "Time from Publish to broker ack, retries included",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"topic"}),
	Bytes: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "kafka_producer", Name: "published_bytes_total",
		Help: "Value bytes acknowledged by the brokers",
	}, []string{"topic"}),
}

var tracer = otel.Tracer("kafka-producer")

// Config of the producer. Zero values get defaults.
type Config struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`

	// RequiredAcks: "all" | "leader" (дефолт) | "none".
	// Idempotent delivery is enabled only with "all".
	RequiredAcks string        `mapstructure:"required_acks"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// Compression: "none" (дефолт) | "gzip" | "snappy" | "lz4" | "zstd".
	Compression string `mapstructure:"compression"`

	FlushFrequency time.Duration `mapstructure:"flush_frequency"` // 0 → без таймера
	FlushMessages  int           `mapstructure:"flush_messages"`  // 0 → без порога

	Backoff backoff.Config `mapstructure:"backoff"`
}

var requiredAcks = map[string]sarama.RequiredAcks{
	"all":    sarama.WaitForAll,
	"leader": sarama.WaitForLocal,
	"none":   sarama.NoResponse,
}

var codecs = map[string]sarama.CompressionCodec{
	"none":   sarama.CompressionNone,
	"gzip":   sarama.CompressionGZIP,
	"snappy": sarama.CompressionSnappy,
	"lz4":    sarama.CompressionLZ4,
	"zstd":   sarama.CompressionZSTD,
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "leader"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.ClientID == "" {
		c.ClientID = "market-stream"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka producer: brokers required")
	}
	return nil
}

// saramaConfig maps Config onto sarama. Records are hash-partitioned by key.
func saramaConfig(c Config) (*sarama.Config, error) {
	acks, ok := requiredAcks[strings.ToLower(c.RequiredAcks)]
	if !ok {
		return nil, fmt.Errorf("kafka producer: invalid RequiredAcks %q", c.RequiredAcks)
	}
	codec, ok := codecs[strings.ToLower(c.Compression)]
	if !ok {
		return nil, fmt.Errorf("kafka producer: invalid Compression %q", c.Compression)
	}

	sc := sarama.NewConfig()
	sc.ClientID = c.ClientID
	sc.Producer.RequiredAcks = acks
	sc.Producer.Compression = codec
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	if acks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}
	if c.FlushFrequency > 0 {
		sc.Producer.Flush.Frequency = c.FlushFrequency
	}
	if c.FlushMessages > 0 {
		sc.Producer.Flush.Messages = c.FlushMessages
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return sc, nil
}

type kafkaProducer struct {
	prod    sarama.SyncProducer
	client  sarama.Client
	log     *logger.Logger
	backoff backoff.Config
}

// New connects to the brokers, retrying with cfg.Backoff.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	var (
		client   sarama.Client
		syncProd sarama.SyncProducer
	)
	connect := func(ctx context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			producerMetrics.Connects.WithLabelValues("error").Inc()
			return err
		}
		p, err := sarama.NewSyncProducerFromClient(c)
		if err != nil {
			_ = c.Close()
			producerMetrics.Connects.WithLabelValues("error").Inc()
			return err
		}
		producerMetrics.Connects.WithLabelValues("ok").Inc()
		client, syncProd = c, p
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	defer span.End()
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		log.Error("kafka producer connect failed", zap.Error(err))
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}

	log.Info("kafka producer ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("acks", cfg.RequiredAcks),
		zap.String("compression", cfg.Compression),
	)
	return &kafkaProducer{
		prod:    otelsarama.WrapSyncProducer(sc, syncProd),
		client:  client,
		log:     log,
		backoff: cfg.Backoff,
	}, nil
}

// NewFromSyncProducer wraps a ready SyncProducer (sarama/mocks in tests). Ping always succeeds.
func NewFromSyncProducer(p sarama.SyncProducer, bo backoff.Config, log *logger.Logger) commonkafka.Producer {
	return &kafkaProducer{prod: p, log: log.Named("kafka-producer"), backoff: bo}
}

// record builds a fresh sarama message; the otelsarama wrapper appends trace headers to it
// on every send, so it must not be reused across attempts.
func record(msg commonkafka.Message) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{Topic: msg.Topic, Value: sarama.ByteEncoder(msg.Value)}
	if msg.Key != nil {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	if len(msg.Headers) > 0 {
		names := make([]string, 0, len(msg.Headers))
		for k := range msg.Headers {
			names = append(names, k)
		}
		sort.Strings(names)
		pm.Headers = make([]sarama.RecordHeader, 0, len(names))
		for _, k := range names {
			pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(msg.Headers[k])})
		}
	}
	return pm
}

// Publish sends msg and waits for the ack, retrying transient failures.
func (k *kafkaProducer) Publish(ctx context.Context, msg commonkafka.Message) error {
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("topic", msg.Topic),
		attribute.String("key", string(msg.Key)),
	))
	defer span.End()
	start := time.Now()

	var partition int32
	var offset int64
	send := func(context.Context) error {
		var err error
		partition, offset, err = k.prod.SendMessage(record(msg))
		return err
	}
	err := backoff.Execute(ctx, k.backoff, k.log, send)
	producerMetrics.PublishLatency.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds())
	if err != nil {
		producerMetrics.PublishErrors.WithLabelValues(msg.Topic).Inc()
		span.RecordError(err)
		return fmt.Errorf("kafka producer: publish to %s: %w", msg.Topic, err)
	}

	producerMetrics.Published.WithLabelValues(msg.Topic).Inc()
	producerMetrics.Bytes.WithLabelValues(msg.Topic).Add(float64(len(msg.Value)))
	span.SetAttributes(attribute.Int("partition", int(partition)), attribute.Int64("offset", offset))
	return nil
}

// Ping обновляет метаданные клиента, проверяя доступность кластера.
func (k *kafkaProducer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()
	if k.client == nil {
		return nil
	}
	if err := k.client.RefreshMetadata(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("kafka producer: ping: %w", err)
	}
	return nil
}

// Close flushes the producer, then closes the client.
func (k *kafkaProducer) Close() error {
	if err := k.prod.Close(); err != nil {
		k.log.Error("producer close failed", zap.Error(err))
		return err
	}
	if k.client != nil && !k.client.Closed() {
		if err := k.client.Close(); err != nil {
			k.log.Error("client close failed", zap.Error(err))
			return err
		}
	}
	k.log.Info("kafka producer closed")
	return nil
}
