package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Source    SourceConfig    `mapstructure:"source"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`    // debug, info, warn, error
	Encoding string `mapstructure:"encoding"` // json, console
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// SourceConfig selects and tunes the upstream quote source adapter.
type SourceConfig struct {
	Mode          string `mapstructure:"mode"` // "kafka" or "http"
	Endpoint      string `mapstructure:"endpoint"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	StaleAfterSec int    `mapstructure:"stale_after_sec"`
}

type FetcherConfig struct {
	MaxBatchSize       int `mapstructure:"max_batch_size"`
	MaxRetries         int `mapstructure:"max_retries"`
	BaseRetryDelayMs   int `mapstructure:"base_retry_delay_ms"`
	MaxRetryDelayMs    int `mapstructure:"max_retry_delay_ms"`
	FailureThreshold   int `mapstructure:"failure_threshold"`
	RecoveryTimeoutSec int `mapstructure:"recovery_timeout_sec"`
	PollIntervalSec    int `mapstructure:"poll_interval_sec"`
}

type CacheConfig struct {
	TTLSec           int      `mapstructure:"ttl_sec"`
	WarmTTLSec       int      `mapstructure:"warm_ttl_sec"`
	WarmIntervalSec  int      `mapstructure:"warm_interval_sec"`
	EssentialSymbols []string `mapstructure:"essential_symbols"`
}

type BroadcastConfig struct {
	MaxBatchSize         int `mapstructure:"max_batch_size"`
	BatchTimeoutMs       int `mapstructure:"batch_timeout_ms"`
	CompressionThreshold int `mapstructure:"compression_threshold"`
	OfflineQueueSize     int `mapstructure:"offline_queue_size"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Load .env file into System Environment (if it exists)
	// This ensures variables like APP_PORT are available as real env vars
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	// 2. Set Defaults (12-Factor App: Dev/Prod Parity)
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "quote_ticks")
	v.SetDefault("kafka.group_id", "quote-distributor-group")

	v.SetDefault("source.mode", "kafka")
	v.SetDefault("source.endpoint", "http://localhost:9000")
	v.SetDefault("source.timeout_sec", 5)
	v.SetDefault("source.stale_after_sec", 60)

	v.SetDefault("fetcher.max_batch_size", 20)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.base_retry_delay_ms", 1000)
	v.SetDefault("fetcher.max_retry_delay_ms", 60000)
	v.SetDefault("fetcher.failure_threshold", 5)
	v.SetDefault("fetcher.recovery_timeout_sec", 60)
	v.SetDefault("fetcher.poll_interval_sec", 5)

	v.SetDefault("cache.ttl_sec", 300)
	v.SetDefault("cache.warm_ttl_sec", 600)
	v.SetDefault("cache.warm_interval_sec", 300)
	v.SetDefault("cache.essential_symbols", []string{})

	v.SetDefault("broadcast.max_batch_size", 10)
	v.SetDefault("broadcast.batch_timeout_ms", 100)
	v.SetDefault("broadcast.compression_threshold", 500)
	v.SetDefault("broadcast.offline_queue_size", 50)

	// 3. Configure Viper to read Environment Variables
	// This maps dot-notation to underscores (e.g., "app.port" -> "APP_PORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Explicitly Bind Env Vars to Keys
	// This is crucial for Viper to map flat Env Vars (APP_PORT) to nested structs (App.Port)
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "logger.level", "logger.encoding")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.brokers", "kafka.topic", "kafka.group_id")
	bindEnv(v, "source.mode", "source.endpoint", "source.timeout_sec", "source.stale_after_sec")
	bindEnv(v, "fetcher.max_batch_size", "fetcher.max_retries", "fetcher.base_retry_delay_ms",
		"fetcher.max_retry_delay_ms", "fetcher.failure_threshold", "fetcher.recovery_timeout_sec",
		"fetcher.poll_interval_sec")
	bindEnv(v, "cache.ttl_sec", "cache.warm_ttl_sec", "cache.warm_interval_sec", "cache.essential_symbols")
	bindEnv(v, "broadcast.max_batch_size", "broadcast.batch_timeout_ms",
		"broadcast.compression_threshold", "broadcast.offline_queue_size")

	// 5. Unmarshal into Struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %v", err)
	}

	// 6. Basic Validation
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if cfg.Source.Mode != "kafka" && cfg.Source.Mode != "http" {
		return nil, fmt.Errorf("unknown source mode %q", cfg.Source.Mode)
	}
	if cfg.Fetcher.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("fetcher max batch size must be positive")
	}

	return &cfg, nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
