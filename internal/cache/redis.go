package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/backoff"
	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/internal/marketdata"
)

const (
	redisBackend = "redis"
	seqKey       = "tick:seq"
)

var tracer = otel.Tracer("market-stream/cache")

// RedisConfig хранит параметры подключения к Redis.
type RedisConfig struct {
	URL     string // e.g. "redis://host:6379/0"
	Backoff backoff.Config
}

func (c *RedisConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("cache: redis URL required")
	}
	return nil
}

// Redis stores JSON-encoded ticks with SET PX; expiry is enforced by the server.
// The write sequence is a shared INCR counter, so every instance sees the same order.
type Redis struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedis connects (with retries) and returns the backend.
func NewRedis(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*Redis, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("cache-redis")

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("addr", opts.Addr)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, ping); err != nil {
		span.RecordError(err)
		span.End()
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis connect: %w", err)
	}
	span.End()
	log.Info("redis: connected", zap.String("addr", opts.Addr))

	return &Redis{client: client, log: log}, nil
}

// NewRedisFromClient wraps an existing client without pinging it.
func NewRedisFromClient(client *redis.Client, log *logger.Logger) *Redis {
	return &Redis{client: client, log: log.Named("cache-redis")}
}

func (r *Redis) Put(ctx context.Context, key marketdata.Key, tick marketdata.Tick, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "Put", trace.WithAttributes(attribute.String("key", key.String())))
	defer span.End()

	seq, err := r.client.Incr(ctx, seqKey).Result()
	if err != nil {
		cacheMetrics.Errors.WithLabelValues(redisBackend, "put").Inc()
		span.RecordError(err)
		return fmt.Errorf("cache: redis INCR %s: %w", seqKey, err)
	}
	tick.Seq = uint64(seq)

	data, err := json.Marshal(tick)
	if err != nil {
		cacheMetrics.Errors.WithLabelValues(redisBackend, "put").Inc()
		return fmt.Errorf("cache: encode tick: %w", err)
	}
	if err := r.client.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		cacheMetrics.Errors.WithLabelValues(redisBackend, "put").Inc()
		span.RecordError(err)
		return fmt.Errorf("cache: redis SET %s: %w", key, err)
	}
	cacheMetrics.Ops.WithLabelValues(redisBackend, "put", "ok").Inc()
	return nil
}

func (r *Redis) Get(ctx context.Context, key marketdata.Key) (marketdata.Tick, error) {
	ctx, span := tracer.Start(ctx, "Get", trace.WithAttributes(attribute.String("key", key.String())))
	defer span.End()

	data, err := r.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		cacheMetrics.Ops.WithLabelValues(redisBackend, "get", "miss").Inc()
		return marketdata.Tick{}, ErrMiss
	}
	if err != nil {
		cacheMetrics.Errors.WithLabelValues(redisBackend, "get").Inc()
		span.RecordError(err)
		return marketdata.Tick{}, fmt.Errorf("cache: redis GET %s: %w", key, err)
	}

	var tick marketdata.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		cacheMetrics.Errors.WithLabelValues(redisBackend, "decode").Inc()
		r.log.WithContext(ctx).Warn("undecodable cache entry", zap.String("key", key.String()), zap.Error(err))
		return marketdata.Tick{}, ErrMiss
	}
	cacheMetrics.Ops.WithLabelValues(redisBackend, "get", "hit").Inc()
	return tick, nil
}

// Ping checks server reachability (readiness).
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
