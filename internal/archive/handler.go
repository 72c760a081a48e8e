package archive

import (
	"errors"
	"io/fs"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/harbourtools/stevedore-agent/config"
	"github.com/harbourtools/stevedore-agent/internal/audit"
	"github.com/harbourtools/stevedore-agent/internal/common"
	"github.com/harbourtools/stevedore-agent/internal/logging"
	"github.com/harbourtools/stevedore-agent/internal/validation"
)

type Handler struct {
	service *Service
	cfg     *config.Config
	logger  *logging.Logger
	audit   *audit.Service
}

func NewHandler(service *Service, cfg *config.Config, logger *logging.Logger, auditSvc *audit.Service) *Handler {
	return &Handler{
		service: service,
		cfg:     cfg,
		logger:  logger,
		audit:   auditSvc,
	}
}

type archiveRequest struct {
	Path string `json:"path"`
}

type listResponse struct {
	Entries []Entry `json:"entries"`
	Count   int     `json:"count"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

// ListArchive handles POST /api/archives/list.
func (h *Handler) ListArchive(c echo.Context) error {
	var req archiveRequest
	if err := c.Bind(&req); err != nil {
		return common.SendBadRequest(c, "Invalid request body")
	}

	archivePath, err := validation.ResolveWithin(h.cfg.WorkspacePath, req.Path)
	if err != nil {
		return common.SendBadRequest(c, err.Error())
	}

	entries, err := h.service.List(c.Request().Context(), archivePath)
	if err != nil {
		h.audit.LogArchiveAccess(audit.EventArchiveList, c.RealIP(), req.Path, false, err.Error())
		if errors.Is(err, ErrUnsupportedFormat) {
			return common.SendBadRequest(c, err.Error())
		}
		if errors.Is(err, fs.ErrNotExist) {
			return common.SendNotFound(c, "Archive not found")
		}
		h.logger.Error("failed to list archive", zap.String("path", req.Path), zap.Error(err))
		return common.SendInternalError(c, "Failed to list archive")
	}

	h.audit.LogArchiveAccess(audit.EventArchiveList, c.RealIP(), req.Path, true, "")
	return common.SendSuccess(c, listResponse{
		Entries: entries,
		Count:   len(entries),
	})
}

// ValidateArchive handles POST /api/archives/validate.
func (h *Handler) ValidateArchive(c echo.Context) error {
	var req archiveRequest
	if err := c.Bind(&req); err != nil {
		return common.SendBadRequest(c, "Invalid request body")
	}

	archivePath, err := validation.ResolveWithin(h.cfg.WorkspacePath, req.Path)
	if err != nil {
		return common.SendBadRequest(c, err.Error())
	}

	valid, err := h.service.Validate(c.Request().Context(), archivePath)
	if err != nil {
		h.audit.LogArchiveAccess(audit.EventArchiveValidate, c.RealIP(), req.Path, false, err.Error())
		if errors.Is(err, ErrUnsupportedFormat) {
			return common.SendBadRequest(c, err.Error())
		}
		if errors.Is(err, fs.ErrNotExist) {
			return common.SendNotFound(c, "Archive not found")
		}
		h.logger.Error("failed to validate archive", zap.String("path", req.Path), zap.Error(err))
		return common.SendInternalError(c, "Failed to validate archive")
	}

	h.audit.LogArchiveAccess(audit.EventArchiveValidate, c.RealIP(), req.Path, true, "")
	return common.SendSuccess(c, validateResponse{Valid: valid})
}
