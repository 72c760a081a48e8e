package websocket

import (
	"crypto/subtle"
	"strings"

	"github.com/harbourtools/stevedore-agent/internal/auth"
	"github.com/harbourtools/stevedore-agent/internal/common"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	hub         *Hub
	accessToken string
}

func NewHandler(hub *Hub, accessToken string) *Handler {
	return &Handler{
		hub:         hub,
		accessToken: accessToken,
	}
}

// HandleEventsWebSocket authenticates the request itself because browser
// WebSocket clients cannot always attach middleware-friendly headers; the
// token may arrive as a query parameter instead.
func (h *Handler) HandleEventsWebSocket(c echo.Context) error {
	if h.accessToken == "" {
		auth.SetAuthFailure(c, "Access token not configured")
		return common.SendInternalError(c, "Access token not configured")
	}

	token := ""
	authHeader := c.Request().Header.Get("Authorization")
	switch {
	case strings.HasPrefix(authHeader, "Bearer "):
		token = strings.TrimPrefix(authHeader, "Bearer ")
	case c.QueryParam("token") != "":
		token = c.QueryParam("token")
	default:
		auth.SetAuthFailure(c, "Bearer token required")
		return common.SendUnauthorized(c, "Bearer token required")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(h.accessToken)) != 1 {
		auth.SetAuthFailure(c, "Invalid token")
		return common.SendUnauthorized(c, "Invalid token")
	}

	auth.SetAuthSuccess(c, token)
	return h.hub.ServeWebSocket(c, token)
}
