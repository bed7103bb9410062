package server

import (
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
)

const adminKeyHeader = "X-Admin-Key"

func (s *Server) requireAdminKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		provided := c.Request().Header.Get(adminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.config.AdminAPIKey)) != 1 {
			return vserrors.AuthenticationError("invalid admin key", nil)
		}
		return next(c)
	}
}

func (s *Server) handleDisconnectConnection(c echo.Context) error {
	connectionID := c.Param("id")
	if _, ok := s.registry.Get(connectionID); !ok {
		return vserrors.NotFoundError("connection not found").
			WithContext("connection_id", connectionID)
	}

	s.broadcaster.Disconnect(connectionID, "disconnected by administrator")
	slog.Info("connection force-disconnected", "connection_id", connectionID)

	return c.JSON(200, map[string]string{"status": "disconnected", "connection_id": connectionID})
}

func (s *Server) handleInvalidateCollection(c echo.Context) error {
	collection := c.Param("collection")
	if collection == "" {
		return vserrors.ValidationError("collection is required")
	}

	s.gateway.InvalidateCollection(c.Request().Context(), collection)
	slog.Info("cache invalidated", "collection", collection)

	return c.JSON(200, map[string]string{"status": "invalidated", "collection": collection})
}

type issueTokenRequest struct {
	ClientID  string `json:"client_id"`
	ExpiresIn string `json:"expires_in,omitempty"`
}

func (s *Server) handleIssueToken(c echo.Context) error {
	var body issueTokenRequest
	if err := c.Bind(&body); err != nil {
		return vserrors.ValidationError("malformed request body")
	}
	if body.ClientID == "" {
		return vserrors.ValidationError("client_id is required")
	}

	expiresIn := 24 * time.Hour
	if body.ExpiresIn != "" {
		parsed, err := time.ParseDuration(body.ExpiresIn)
		if err != nil || parsed <= 0 {
			return vserrors.ValidationError("expires_in must be a positive duration")
		}
		expiresIn = parsed
	}

	token, err := s.verifier.Sign(body.ClientID, expiresIn)
	if err != nil {
		return vserrors.InternalError("failed to sign token", err)
	}

	return c.JSON(200, map[string]any{
		"token":      token,
		"client_id":  body.ClientID,
		"expires_at": time.Now().Add(expiresIn).UTC().Format(time.RFC3339),
	})
}
