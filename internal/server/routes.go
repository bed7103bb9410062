package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Dashboard stream
	s.echo.GET("/ws", s.handleWebSocket)

	// Record fetch API
	s.echo.GET("/api/collections/:collection/records", s.handleFetchRecords)
	s.echo.POST("/api/records/batch", s.handleBatchFetch)
	s.echo.GET("/api/gateway/health", s.handleGatewayHealth)
	s.echo.GET("/api/stats", s.handleStats)

	// Admin surface only exists when a key is configured
	if s.config.AdminAPIKey != "" {
		admin := s.echo.Group("/admin", s.requireAdminKey)
		admin.POST("/connections/:id/disconnect", s.handleDisconnectConnection)
		admin.POST("/cache/:collection/invalidate", s.handleInvalidateCollection)
		admin.POST("/tokens", s.handleIssueToken)
	}
}
