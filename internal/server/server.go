package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/NickAiNYC/ViolationSentinel/internal/broadcast"
	"github.com/NickAiNYC/ViolationSentinel/internal/config"
	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
	"github.com/NickAiNYC/ViolationSentinel/internal/gateway"
	"github.com/NickAiNYC/ViolationSentinel/internal/registry"
)

// Connection attempts per second one address may make, with a small burst
// for dashboards that open several panels at once.
const (
	connectionAttemptsPerSecond = 10.0
	connectionAttemptBurst      = 10
)

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	gateway     *gateway.Gateway
	broadcaster *broadcast.Broadcaster
	registry    *registry.Registry
	verifier    *registry.TokenVerifier
	limits      *ConnectionLimits
	redisClient *goredis.Client // nil when the cache runs in-process only
	startTime   time.Time
}

func NewServer(cfg *config.Config, gw *gateway.Gateway, b *broadcast.Broadcaster, reg *registry.Registry, verifier *registry.TokenVerifier, redisClient *goredis.Client) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(vserrors.Middleware())

	srv := &Server{
		echo:        e,
		config:      cfg,
		gateway:     gw,
		broadcaster: b,
		registry:    reg,
		verifier:    verifier,
		limits:      NewConnectionLimits(int64(cfg.MaxConnections), cfg.MaxConnectionsPerIP, connectionAttemptsPerSecond, connectionAttemptBurst),
		redisClient: redisClient,
		startTime:   time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
