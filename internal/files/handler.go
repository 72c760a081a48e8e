package files

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/harbourtools/stevedore-agent/internal/audit"
)

type Handler struct {
	service      *Service
	auditService *audit.Service
}

func NewHandler(service *Service, auditService *audit.Service) *Handler {
	return &Handler{
		service:      service,
		auditService: auditService,
	}
}

func (h *Handler) ListDirectory(c echo.Context) error {
	path := c.QueryParam("path")

	result, err := h.service.ListDirectory(path)
	if err != nil {
		h.auditService.LogFileEvent(audit.EventFileListDir, c.RealIP(), path, false, err.Error(), nil)
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "LIST_DIRECTORY_ERROR",
		})
	}

	h.auditService.LogFileEvent(audit.EventFileListDir, c.RealIP(), path, true, "", map[string]any{
		"entry_count": len(result.Entries),
	})

	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Delete(c echo.Context) error {
	var req DeleteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
	}

	if req.Path == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "path is required",
			Code:  "MISSING_PATH",
		})
	}

	if err := h.service.Delete(req.Path); err != nil {
		h.auditService.LogFileEvent(audit.EventFileDelete, c.RealIP(), req.Path, false, err.Error(), nil)
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "DELETE_ERROR",
		})
	}

	h.auditService.LogFileEvent(audit.EventFileDelete, c.RealIP(), req.Path, true, "", nil)

	return c.JSON(http.StatusOK, map[string]string{"status": "success"})
}
