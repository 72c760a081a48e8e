package health

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	startTime time.Time
}

func NewHandler() *Handler {
	return &Handler{startTime: time.Now()}
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "stevedore-agent",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}
