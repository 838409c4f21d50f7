// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/market-stream/common"
	"github.com/YaganovValera/market-stream/common/httpserver"
	producer "github.com/YaganovValera/market-stream/common/kafka/producer"
	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/common/middleware"
	"github.com/YaganovValera/market-stream/common/shutdown"
	"github.com/YaganovValera/market-stream/common/telemetry"

	"github.com/YaganovValera/market-stream/internal/cache"
	"github.com/YaganovValera/market-stream/internal/config"
	"github.com/YaganovValera/market-stream/internal/fanout"
	"github.com/YaganovValera/market-stream/internal/metrics"
	"github.com/YaganovValera/market-stream/internal/position"
	"github.com/YaganovValera/market-stream/internal/session"
	"github.com/YaganovValera/market-stream/internal/sink"
	"github.com/YaganovValera/market-stream/internal/status"
	"github.com/YaganovValera/market-stream/internal/stream"
	transporthttp "github.com/YaganovValera/market-stream/internal/transport/http"
)

// Run собирает зависимости и блокирует до отмены ctx.
// Исчерпание переподключений не завершает процесс: /readyz и /stream/status сообщают о нём.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	common.InitServiceName(cfg.ServiceName)
	metrics.Register(nil)

	// Трассировка
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdown.GracefulShutdown("telemetry", cfg.HTTP.ShutdownTimeout, shutdownTracer, log)

	// 1) Кэш последних тиков
	tickCache, err := newCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer shutdownSafe(ctx, "cache", tickCache.Close, log)

	// 2) Сессии провайдера
	sessions, err := session.NewManager(session.Config{
		URL:          cfg.Provider.SessionURL,
		APIKey:       cfg.Provider.APIKey,
		APISecret:    cfg.Provider.APISecret,
		DefaultTTL:   cfg.Provider.SessionTTL,
		SafetyMargin: cfg.Provider.SafetyMargin,
		Timeout:      cfg.Provider.NegotiateTimeout,
		Rate:         cfg.Provider.NegotiateRate,
		Burst:        cfg.Provider.NegotiateBurst,
		Retry:        cfg.Stream.Policy(),
	}, log)
	if err != nil {
		return fmt.Errorf("session manager init: %w", err)
	}

	// 3) Зеркало тиков в Kafka (опционально)
	var (
		opts   []stream.Option
		mirror *sink.Kafka
	)
	if cfg.Kafka.Enabled {
		kafkaProd, err := producer.New(ctx, producer.Config{
			Brokers:      cfg.Kafka.Brokers,
			RequiredAcks: cfg.Kafka.Acks,
			Timeout:      cfg.Kafka.Timeout,
			Compression:  cfg.Kafka.Compression,
			Backoff:      cfg.Kafka.Backoff,
		}, log)
		if err != nil {
			return fmt.Errorf("kafka producer init: %w", err)
		}
		defer shutdownSafe(ctx, "kafka-producer", kafkaProd.Close, log)
		mirror = sink.NewKafka(kafkaProd, cfg.Kafka.TicksTopic, cfg.Kafka.QueueSize, log)
		opts = append(opts, stream.WithSink(mirror))
	}

	// 4) Соединение с провайдером
	svc := stream.New(stream.Config{
		Policy:          cfg.Stream.Policy(),
		DialTimeout:     cfg.Stream.DialTimeout,
		ReadTimeout:     cfg.Stream.ReadTimeout,
		WriteTimeout:    cfg.Stream.WriteTimeout,
		CacheTTL:        cfg.Cache.TTL,
		OverlapSessions: cfg.Provider.OverlapSessions,
		MaxSymbols:      cfg.Stream.MaxSymbols,
	}, sessions, tickCache, status.NewTracker(cfg.Provider.Name), log, opts...)
	if len(cfg.Stream.Symbols) > 0 {
		if err := svc.Subscribe(cfg.Stream.Symbols); err != nil {
			return fmt.Errorf("initial subscription: %w", err)
		}
	}

	// 5) Источник позиций
	positions, err := newPositionSource(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer shutdownSafe(ctx, "position-source", func() error { positions.Close(); return nil }, log)

	// 6) HTTP: SSE-потоки, статус, управление подписками
	handler := transporthttp.NewHandler(
		svc,
		fanout.NewPriceStreamer(fanout.PriceConfig{
			Interval:      cfg.Fanout.PriceInterval,
			WriteTimeout:  cfg.Fanout.WriteTimeout,
			AutoSubscribe: cfg.Fanout.AutoSubscribe,
		}, tickCache, svc, log),
		fanout.NewPositionStreamer(fanout.PositionConfig{
			Interval:     cfg.Fanout.PositionInterval,
			WriteTimeout: cfg.Fanout.WriteTimeout,
		}, positions, log),
		log,
	)
	httpSrv, err := httpserver.New(
		cfg.HTTP,
		svc.Ready,
		log,
		transporthttp.Routes(handler),
		middleware.Observe(log),
		httpserver.CORSMiddleware(),
	)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })
	if mirror != nil {
		g.Go(func() error { return mirror.Run(ctx) })
	}
	g.Go(func() error {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("stream start: %w", err)
		}
		<-ctx.Done()
		shutdown.GracefulShutdown("stream", cfg.HTTP.ShutdownTimeout, svc.Stop, log)
		return ctx.Err()
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.WithContext(ctx).Info("market-stream stopped by context")
			return nil
		}
		return err
	}
	return nil
}

func newCache(ctx context.Context, cfg *config.Config, log *logger.Logger) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		c, err := cache.NewRedis(ctx, cache.RedisConfig{
			URL:     cfg.Cache.Redis.URL,
			Backoff: cfg.Cache.Redis.Backoff,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("redis cache init: %w", err)
		}
		return c, nil
	default:
		log.Info("using in-memory cache", zap.Duration("ttl", cfg.Cache.TTL))
		return cache.NewMemory(cfg.Cache.JanitorInterval, log), nil
	}
}

func newPositionSource(ctx context.Context, cfg *config.Config, log *logger.Logger) (position.Source, error) {
	if cfg.Position.DSN == "" {
		log.Info("position source: static (no DSN configured)")
		return position.NewStatic(), nil
	}
	src, err := position.NewPostgres(ctx, position.PostgresConfig{
		DSN:          cfg.Position.DSN,
		Table:        cfg.Position.Table,
		QueryTimeout: cfg.Position.QueryTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("position source init: %w", err)
	}
	return src, nil
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
