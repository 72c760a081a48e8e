package maintenance

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/harbourtools/stevedore-agent/internal/audit"
)

type Handler struct {
	maintenanceService *Service
	auditService       *audit.Service
}

func NewHandler(maintenanceService *Service, auditService *audit.Service) *Handler {
	return &Handler{
		maintenanceService: maintenanceService,
		auditService:       auditService,
	}
}

func (h *Handler) GetInfo(c echo.Context) error {
	info, err := h.maintenanceService.GetInfo()
	if err != nil {
		h.auditService.LogMaintenanceEvent(audit.EventMaintenanceGetInfo, c.RealIP(), false, err.Error(), nil)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	h.auditService.LogMaintenanceEvent(audit.EventMaintenanceGetInfo, c.RealIP(), true, "", nil)
	return c.JSON(http.StatusOK, info)
}

func (h *Handler) Prune(c echo.Context) error {
	var req PruneRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	if req.OlderThanHours < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "older_than_hours must not be negative"})
	}

	result := h.maintenanceService.Prune(&req)

	h.auditService.LogMaintenanceEvent(audit.EventMaintenancePrune, c.RealIP(), true, "", map[string]any{
		"operations_pruned": result.OperationsPruned,
		"older_than":        result.OlderThan,
	})

	return c.JSON(http.StatusOK, result)
}
