package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Upstream open-data service
	UpstreamBaseURL  string        `env:"UPSTREAM_BASE_URL"`
	UpstreamAppToken string        `env:"UPSTREAM_APP_TOKEN"`
	UpstreamTimeout  time.Duration `env:"UPSTREAM_TIMEOUT" default:"30s"`

	// Shared upstream request budget
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" default:"1000"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" default:"60s"`

	// Circuit breaker per collection
	BreakerFailureThreshold uint          `env:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerRecoveryDelay    time.Duration `env:"BREAKER_RECOVERY_DELAY" default:"60s"`

	// Retry policy for transient upstream failures
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" default:"10s"`

	// Tiered cache
	RedisURL                  string        `env:"REDIS_URL"`
	CacheL1Capacity           int           `env:"CACHE_L1_CAPACITY" default:"1000"`
	CacheL1TTL                time.Duration `env:"CACHE_L1_TTL" default:"300s"`
	CacheL2TTL                time.Duration `env:"CACHE_L2_TTL" default:"3600s"`
	CacheL2Retention          time.Duration `env:"CACHE_L2_RETENTION" default:"24h"`
	CacheL2Timeout            time.Duration `env:"CACHE_L2_TIMEOUT" default:"2s"`
	CacheCompressionThreshold int           `env:"CACHE_COMPRESSION_THRESHOLD" default:"1024"`

	// Batch fetch worker pool
	BatchConcurrency int `env:"BATCH_CONCURRENCY" default:"50"`

	// WebSocket surface
	MaxConnections          int           `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int           `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ReplayBufferSize        int           `env:"REPLAY_BUFFER_SIZE" default:"100"`
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	ConnectionMessageLimit  int           `env:"CONNECTION_MESSAGE_LIMIT" default:"100"`
	ConnectionMessageWindow time.Duration `env:"CONNECTION_MESSAGE_WINDOW" default:"60s"`

	// Token verification
	TokenSigningSecret string `env:"TOKEN_SIGNING_SECRET"`

	// Admin surface; endpoints disabled when empty
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// Scheduled ingest; disabled when empty
	IngestSchedule    string   `env:"INGEST_SCHEDULE"`
	WatchedProperties []string `env:"WATCHED_PROPERTIES"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"UPSTREAM_BASE_URL":    cfg.UpstreamBaseURL,
		"TOKEN_SIGNING_SECRET": cfg.TokenSigningSecret,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(cfg.TokenSigningSecret) < 32 {
		return errors.New("TOKEN_SIGNING_SECRET must be at least 32 characters")
	}

	positives := map[string]int{
		"RATE_LIMIT_REQUESTS": cfg.RateLimitRequests,
		"RETRY_MAX_ATTEMPTS":  cfg.RetryMaxAttempts,
		"CACHE_L1_CAPACITY":   cfg.CacheL1Capacity,
		"BATCH_CONCURRENCY":   cfg.BatchConcurrency,
		"MAX_CONNECTIONS":     cfg.MaxConnections,
		"REPLAY_BUFFER_SIZE":  cfg.ReplayBufferSize,
	}
	for name, value := range positives {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.BreakerFailureThreshold == 0 {
		return errors.New("BREAKER_FAILURE_THRESHOLD must be positive")
	}

	if cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		return errors.New("RETRY_BASE_DELAY must not exceed RETRY_MAX_DELAY")
	}

	if cfg.CacheL2Retention < cfg.CacheL2TTL {
		return errors.New("CACHE_L2_RETENTION must be at least CACHE_L2_TTL")
	}

	return nil
}
