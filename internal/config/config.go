// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/YaganovValera/market-stream/common/backoff"
	"github.com/YaganovValera/market-stream/common/configloader"
	"github.com/YaganovValera/market-stream/common/httpserver"
	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/common/telemetry"
)

// EnvPrefix: префикс переменных окружения: MARKET_STREAM_STREAM_BASE_DELAY=2s.
const EnvPrefix = "MARKET_STREAM"

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config: все настройки сервиса.
type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Logging   logger.Config     `mapstructure:"logging"`
	HTTP      httpserver.Config `mapstructure:"http"`
	Telemetry telemetry.Config  `mapstructure:"telemetry"`

	Provider ProviderConfig `mapstructure:"provider"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Fanout   FanoutConfig   `mapstructure:"fanout"`
	Position PositionConfig `mapstructure:"position"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// ProviderConfig описывает upstream-провайдера и его сессии.
type ProviderConfig struct {
	Name             string        `mapstructure:"name"`
	SessionURL       string        `mapstructure:"session_url"`
	APIKey           string        `mapstructure:"api_key" json:"-"`
	APISecret        string        `mapstructure:"api_secret" json:"-"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	SafetyMargin     time.Duration `mapstructure:"safety_margin"`
	NegotiateTimeout time.Duration `mapstructure:"negotiate_timeout"`
	OverlapSessions  bool          `mapstructure:"overlap_sessions"`
	NegotiateRate    float64       `mapstructure:"negotiate_rate"` // запросов в секунду
	NegotiateBurst   int           `mapstructure:"negotiate_burst"`
}

// StreamConfig: сокет и политика переподключения.
type StreamConfig struct {
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxSymbols   int           `mapstructure:"max_symbols"` // 0 → без лимита
	Symbols      []string      `mapstructure:"symbols"`     // подписка при старте
}

// Policy возвращает детерминированную политику backoff.
func (s StreamConfig) Policy() backoff.PolicyConfig {
	return backoff.PolicyConfig{
		BaseDelay:   s.BaseDelay,
		MaxDelay:    s.MaxDelay,
		MaxAttempts: s.MaxAttempts,
	}
}

// CacheConfig: бэкенд кэша последних тиков.
type CacheConfig struct {
	Backend         string        `mapstructure:"backend"` // memory | redis
	TTL             time.Duration `mapstructure:"ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	URL     string         `mapstructure:"url" json:"-"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

// FanoutConfig: параметры SSE-потоков.
type FanoutConfig struct {
	PriceInterval    time.Duration `mapstructure:"price_interval"`
	PositionInterval time.Duration `mapstructure:"position_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	AutoSubscribe    bool          `mapstructure:"auto_subscribe"`
}

// PositionConfig: источник снапшотов позиций. Пустой DSN → static.
type PositionConfig struct {
	DSN          string        `mapstructure:"dsn" json:"-"`
	Table        string        `mapstructure:"table"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// KafkaConfig: зеркалирование тиков в Kafka.
type KafkaConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Brokers     []string       `mapstructure:"brokers"`
	TicksTopic  string         `mapstructure:"ticks_topic"`
	QueueSize   int            `mapstructure:"queue_size"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	Acks        string         `mapstructure:"acks"`
	Compression string         `mapstructure:"compression"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Defaults возвращает значения по умолчанию (ключи в формате viper).
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"service_name":    "market-stream",
		"service_version": "v1.0.0",

		"logging.level":             "info",
		"logging.dev_mode":          false,
		"logging.sample_initial":    100,
		"logging.sample_thereafter": 100,

		"http.addr":             ":8080",
		"http.read_timeout":     "10s",
		"http.write_timeout":    "0s",
		"http.idle_timeout":     "60s",
		"http.shutdown_timeout": "5s",
		"http.metrics_path":     "/metrics",
		"http.healthz_path":     "/healthz",
		"http.readyz_path":      "/readyz",

		"telemetry.endpoint":      "",
		"telemetry.insecure":      true,
		"telemetry.sampler_ratio": 1.0,
		"telemetry.environment":   "",

		"provider.name":              "provider",
		"provider.session_url":       "",
		"provider.api_key":           "",
		"provider.api_secret":        "",
		"provider.session_ttl":       "5m",
		"provider.safety_margin":     "30s",
		"provider.negotiate_timeout": "10s",
		"provider.overlap_sessions":  true,
		"provider.negotiate_rate":    1.0,
		"provider.negotiate_burst":   3,

		"stream.base_delay":    "1s",
		"stream.max_delay":     "30s",
		"stream.max_attempts":  10,
		"stream.dial_timeout":  "10s",
		"stream.read_timeout":  "30s",
		"stream.write_timeout": "5s",
		"stream.max_symbols":   0,
		"stream.symbols":       []string{},

		"cache.backend":          "memory",
		"cache.ttl":              "60s",
		"cache.janitor_interval": "30s",
		"cache.redis.url":        "",

		"fanout.price_interval":    "1s",
		"fanout.position_interval": "2s",
		"fanout.write_timeout":     "5s",
		"fanout.auto_subscribe":    false,

		"position.dsn":           "",
		"position.table":         "positions",
		"position.query_timeout": "3s",

		"kafka.enabled":     false,
		"kafka.brokers":     []string{},
		"kafka.ticks_topic": "marketdata.ticks",
		"kafka.queue_size":  1024,
		"kafka.timeout":     "5s",
		"kafka.acks":        "leader",
		"kafka.compression": "none",
	}
}

// Load загружает и валидирует конфиг. Если path пустой: читаются только ENV и defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := configloader.Load(configloader.Options{
		Path:      path,
		EnvPrefix: EnvPrefix,
		Defaults:  Defaults(),
	}, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

// ApplyDefaults вызывается configloader'ом после decode.
func (c *Config) ApplyDefaults() {
	c.Logging.ApplyDefaults()
	c.HTTP.ApplyDefaults()
	c.Telemetry.ServiceName = c.ServiceName
	c.Telemetry.ServiceVersion = c.ServiceVersion
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
}

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}

	// Provider
	p := c.Provider
	if p.SessionURL == "" {
		return fmt.Errorf("provider.session_url is required")
	}
	if p.SessionTTL <= 0 {
		return fmt.Errorf("provider.session_ttl must be > 0")
	}
	if p.SafetyMargin < 0 || p.SafetyMargin >= p.SessionTTL {
		return fmt.Errorf("provider.safety_margin must be in [0, session_ttl)")
	}
	if p.NegotiateTimeout <= 0 {
		return fmt.Errorf("provider.negotiate_timeout must be > 0")
	}
	if p.NegotiateRate < 0 {
		return fmt.Errorf("provider.negotiate_rate must be ≥ 0")
	}

	// Stream
	if err := c.Stream.Policy().Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	durations := map[string]time.Duration{
		"stream.base_delay":        c.Stream.BaseDelay,
		"stream.max_delay":         c.Stream.MaxDelay,
		"stream.dial_timeout":      c.Stream.DialTimeout,
		"stream.read_timeout":      c.Stream.ReadTimeout,
		"stream.write_timeout":     c.Stream.WriteTimeout,
		"fanout.price_interval":    c.Fanout.PriceInterval,
		"fanout.position_interval": c.Fanout.PositionInterval,
		"fanout.write_timeout":     c.Fanout.WriteTimeout,
		"cache.ttl":                c.Cache.TTL,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	if c.Stream.MaxAttempts <= 0 {
		return fmt.Errorf("stream.max_attempts must be > 0")
	}
	if c.Stream.MaxSymbols < 0 {
		return fmt.Errorf("stream.max_symbols must be ≥ 0")
	}

	// Cache
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("cache.redis.url is required for redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of [memory, redis]")
	}

	// Position
	if c.Position.DSN != "" && c.Position.Table == "" {
		return fmt.Errorf("position.table is required with position.dsn")
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka.enabled")
		}
		if c.Kafka.TicksTopic == "" {
			return fmt.Errorf("kafka.ticks_topic is required when kafka.enabled")
		}
		switch strings.ToLower(c.Kafka.Acks) {
		case "all", "leader", "none":
		default:
			return fmt.Errorf("kafka.acks must be one of [all, leader, none]")
		}
		switch strings.ToLower(c.Kafka.Compression) {
		case "none", "gzip", "snappy", "lz4", "zstd":
		default:
			return fmt.Errorf("kafka.compression must be one of [none, gzip, snappy, lz4, zstd]")
		}
	}
	return nil
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print выводит текущий конфиг в JSON без секретов (удобно в DevMode).
func (c *Config) Print() {
	configloader.PrintConfig(c)
}
