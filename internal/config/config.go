// Package config loads the runtime options of the forecast refresh process
// from the environment (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains all runtime options for the scheduler, workers, and their backends.
type Config struct {
	TargetHitsPerHour int           `env:"TARGET_HITS_PER_HOUR" envDefault:"600"`
	DedupWindow       time.Duration `env:"DEDUP_WINDOW" envDefault:"1h"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	RetryQuarantine   time.Duration `env:"RETRY_QUARANTINE" envDefault:"24h"`
	InflightLockTTL   time.Duration `env:"INFLIGHT_LOCK_TTL" envDefault:"10m"`
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT" envDefault:"20s"`
	PersistTimeout    time.Duration `env:"PERSIST_TIMEOUT" envDefault:"10s"`
	StatusTTL         time.Duration `env:"STATUS_TTL" envDefault:"48h"`
	SeedPriority      int           `env:"SEED_PRIORITY" envDefault:"1"`
	DefaultPriority   int           `env:"DEFAULT_PRIORITY" envDefault:"100"`
	SeedSchedule      string        `env:"SEED_SCHEDULE" envDefault:"0 */6 * * *"`
	AnchorLead        time.Duration `env:"ANCHOR_LEAD" envDefault:"30m"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr       string        `env:"METRICS_ADDR" envDefault:":9102"`

	Queue    QueueConfig    `envPrefix:"QUEUE_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	DB       DBConfig       `envPrefix:"DB_"`
	Mongo    MongoConfig    `envPrefix:"MONGO_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`
	Rabbit   RabbitConfig   `envPrefix:"RABBITMQ_"`
	Forecast ForecastConfig `envPrefix:"FORECAST_"`
}

// QueueConfig configures the Redis-backed job list.
type QueueConfig struct {
	Key            string        `env:"KEY" envDefault:"forecast:jobs"`
	PopTimeout     time.Duration `env:"POP_TIMEOUT" envDefault:"5s"`
	ReconnectPause time.Duration `env:"RECONNECT_PAUSE" envDefault:"2s"`
	LockPrefix     string        `env:"LOCK_PREFIX" envDefault:"inflight:"`
}

// RedisConfig addresses the Redis instance behind the queue, lock and status hash.
type RedisConfig struct {
	Addr        string        `env:"ADDR" envDefault:"localhost:6379"`
	Username    string        `env:"USERNAME"`
	Password    string        `env:"PASSWORD"`
	DB          int           `env:"DB" envDefault:"0"`
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
}

// DBConfig selects the relational store.
type DBConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite"`
	DSN         string `env:"DSN" envDefault:"forecast.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
	MaxOpen     int    `env:"MAX_OPEN_CONNS" envDefault:"10"`
}

// MongoConfig enables the raw payload archive when URI is set.
type MongoConfig struct {
	URI            string        `env:"URI"`
	Database       string        `env:"DB" envDefault:"forecast"`
	Collection     string        `env:"COLLECTION" envDefault:"forecast_payloads"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
}

// KafkaConfig enables refreshed-forecast events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers      []string      `env:"BROKERS" envSeparator:","`
	Topic        string        `env:"TOPIC" envDefault:"forecast.refreshed.v1"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
}

// RabbitConfig enables the region status responder when URL is set.
type RabbitConfig struct {
	URL              string        `env:"URL"`
	StatusQueue      string        `env:"STATUS_QUEUE" envDefault:"region.status.request.v1"`
	ConsumerTag      string        `env:"CONSUMER_TAG" envDefault:"forecast-refresh-status"`
	Prefetch         int           `env:"PREFETCH" envDefault:"20"`
	ReconnectBackoff time.Duration `env:"RECONNECT_BACKOFF" envDefault:"2s"`
	ReplyTimeout     time.Duration `env:"REPLY_TIMEOUT" envDefault:"5s"`
}

// ForecastConfig selects the upstream forecast provider.
type ForecastConfig struct {
	Provider string `env:"PROVIDER" envDefault:"http"`
	URL      string `env:"URL" envDefault:"http://localhost:8090/forecast"`
	APIKey   string `env:"API_KEY"`
}

// Load reads an optional .env file and parses the environment into a validated Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the current environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize trims and lower-cases free-form values before validation.
func (c *Config) normalize() {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.Forecast.Provider = strings.ToLower(strings.TrimSpace(c.Forecast.Provider))
	c.SeedSchedule = strings.TrimSpace(c.SeedSchedule)
	brokers := c.Kafka.Brokers[:0]
	for _, b := range c.Kafka.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	c.Kafka.Brokers = brokers
}

// Validate rejects option combinations the scheduler cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.TargetHitsPerHour < 1 {
		errs = append(errs, errors.New("TARGET_HITS_PER_HOUR must be >= 1"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be >= 1"))
	}
	if c.DedupWindow < 0 {
		errs = append(errs, errors.New("DEDUP_WINDOW must not be negative"))
	}
	if c.RetryQuarantine <= 0 {
		errs = append(errs, errors.New("RETRY_QUARANTINE must be positive"))
	}
	if c.InflightLockTTL < time.Second {
		errs = append(errs, errors.New("INFLIGHT_LOCK_TTL must be at least 1s"))
	}
	if c.FetchTimeout <= 0 || c.PersistTimeout <= 0 {
		errs = append(errs, errors.New("FETCH_TIMEOUT and PERSIST_TIMEOUT must be positive"))
	}
	if c.Queue.PopTimeout < time.Second {
		errs = append(errs, errors.New("QUEUE_POP_TIMEOUT must be at least 1s"))
	}
	if c.Redis.DialTimeout <= 0 {
		errs = append(errs, errors.New("REDIS_DIAL_TIMEOUT must be positive"))
	}
	if c.Queue.ReconnectPause <= 0 {
		errs = append(errs, errors.New("QUEUE_RECONNECT_PAUSE must be positive"))
	}
	switch c.DB.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER value: %s", c.DB.Driver))
	}
	switch c.Forecast.Provider {
	case "http", "mock":
	default:
		errs = append(errs, fmt.Errorf("unsupported FORECAST_PROVIDER value: %s", c.Forecast.Provider))
	}
	return errors.Join(errs...)
}

// TickInterval spreads the hourly upstream budget evenly: 3600s / TARGET_HITS_PER_HOUR.
func (c Config) TickInterval() time.Duration {
	if c.TargetHitsPerHour < 1 {
		return time.Hour
	}
	return time.Hour / time.Duration(c.TargetHitsPerHour)
}
