package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
)

// Dashboards are served from other origins, tokens carry the actual
// authentication.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		switch reason {
		case LimitReasonGlobal:
			return vserrors.CapacityError("server at connection capacity")
		case LimitReasonPerIP:
			return vserrors.CapacityError("too many connections from this address")
		default:
			return vserrors.ConnectionRateLimitExceeded("connection attempts too frequent")
		}
	}
	defer s.limits.Release(ip)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote_addr", ip, "error", err)
		return nil
	}

	// Blocks until the client disconnects or is evicted.
	s.broadcaster.HandleConnection(conn)
	return nil
}
