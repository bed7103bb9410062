package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/NickAiNYC/ViolationSentinel/internal/broadcast"
	"github.com/NickAiNYC/ViolationSentinel/internal/cache"
	"github.com/NickAiNYC/ViolationSentinel/internal/config"
	"github.com/NickAiNYC/ViolationSentinel/internal/gateway"
	"github.com/NickAiNYC/ViolationSentinel/internal/ingest"
	"github.com/NickAiNYC/ViolationSentinel/internal/logging"
	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
	"github.com/NickAiNYC/ViolationSentinel/internal/redis"
	"github.com/NickAiNYC/ViolationSentinel/internal/registry"
	"github.com/NickAiNYC/ViolationSentinel/internal/server"
	"github.com/NickAiNYC/ViolationSentinel/internal/version"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupRedis connects the L2 cache tier. The service degrades to L1-only
// caching rather than refusing to start when Redis is down.
func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("No Redis configured, cache runs L1-only")
		return nil
	}

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis, continuing without L2 cache", "error", err)
		return nil
	}
	return client
}

func runGracefulShutdown(srv *server.Server, broadcaster *broadcast.Broadcaster, watcher *ingest.Watcher) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		watcher.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		broadcaster.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)

	redisClient := setupRedis(context.Background(), cfg)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	tiered := cache.New(redisClient, cache.Options{
		L1Capacity:           cfg.CacheL1Capacity,
		L1TTL:                cfg.CacheL1TTL,
		L2TTL:                cfg.CacheL2TTL,
		L2Retention:          cfg.CacheL2Retention,
		L2Timeout:            cfg.CacheL2Timeout,
		CompressionThreshold: cfg.CacheCompressionThreshold,
	}, clock)

	gw := gateway.New(tiered, gateway.Options{
		BaseURL:                 cfg.UpstreamBaseURL,
		AppToken:                cfg.UpstreamAppToken,
		UpstreamTimeout:         cfg.UpstreamTimeout,
		RateLimitRequests:       cfg.RateLimitRequests,
		RateLimitWindow:         cfg.RateLimitWindow,
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
		BreakerRecoveryDelay:    cfg.BreakerRecoveryDelay,
		RetryMaxAttempts:        cfg.RetryMaxAttempts,
		RetryBaseDelay:          cfg.RetryBaseDelay,
		RetryMaxDelay:           cfg.RetryMaxDelay,
		BatchConcurrency:        cfg.BatchConcurrency,
		CacheTTL:                cfg.CacheL2TTL,
	})

	verifier := registry.NewTokenVerifier(cfg.TokenSigningSecret, clock)
	reg := registry.New(verifier, cfg.ReplayBufferSize, clock)

	broadcaster := broadcast.New(reg, broadcast.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MessageLimit:      cfg.ConnectionMessageLimit,
		MessageWindow:     cfg.ConnectionMessageWindow,
	}, clock)

	watcher := ingest.New(gw, broadcaster, ingest.Options{
		Properties: cfg.WatchedProperties,
		Schedule:   cfg.IngestSchedule,
	}, clock)
	if err := watcher.Start(); err != nil {
		slog.Error("Failed to start ingest watcher", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg, gw, broadcaster, reg, verifier, redisClient)

	done := runGracefulShutdown(srv, broadcaster, watcher)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
