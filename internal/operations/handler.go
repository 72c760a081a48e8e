package operations

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/harbourtools/stevedore-agent/internal/archive"
	"github.com/harbourtools/stevedore-agent/internal/audit"
	"github.com/harbourtools/stevedore-agent/internal/common"
	"github.com/harbourtools/stevedore-agent/internal/validation"
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

func (h *Handler) StartOperation(c echo.Context) error {
	var req OperationRequest
	if err := c.Bind(&req); err != nil {
		return common.SendBadRequest(c, "Invalid request format")
	}

	c.Set("operation_kind", string(req.Kind))
	c.Set("operation_source", req.SourcePath)

	operationID, err := h.service.Start(req, c.RealIP())
	if err != nil {
		h.auditService.LogOperationEvent(audit.EventOperationStarted, c.RealIP(), "", string(req.Kind), req.SourcePath, false, err.Error(), 0, nil)

		switch {
		case errors.Is(err, ErrSourceBusy):
			return common.SendConflict(c, err.Error())
		case errors.Is(err, archive.ErrUnsupportedFormat),
			errors.Is(err, archive.ErrCreateUnsupported):
			return common.SendBadRequest(c, err.Error())
		default:
			return common.SendBadRequest(c, "Invalid operation request: "+err.Error())
		}
	}

	return common.SendSuccess(c, OperationResponse{
		OperationID: operationID,
	})
}

func (h *Handler) CancelOperation(c echo.Context) error {
	operationID := c.Param("operationId")
	if err := validateOperationID(operationID); err != nil {
		return common.SendBadRequest(c, "Invalid operation ID format")
	}

	if err := h.service.Cancel(operationID, c.RealIP()); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return common.SendNotFound(c, "Operation not found")
		case errors.Is(err, ErrNotRunning):
			return common.SendConflict(c, err.Error())
		default:
			return common.SendInternalError(c, err.Error())
		}
	}

	return common.SendMessage(c, "Cancellation requested")
}

func (h *Handler) GetOperation(c echo.Context) error {
	operationID := c.Param("operationId")
	if err := validateOperationID(operationID); err != nil {
		return common.SendBadRequest(c, "Invalid operation ID format")
	}

	snapshot, err := h.service.Get(operationID)
	if err != nil {
		return common.SendNotFound(c, "Operation not found")
	}

	return common.SendSuccess(c, snapshot)
}

func (h *Handler) ListOperations(c echo.Context) error {
	return common.SendSuccess(c, map[string]any{
		"operations": h.service.List(),
	})
}

func (h *Handler) GetOperationEvents(c echo.Context) error {
	operationID := c.Param("operationId")
	if err := validateOperationID(operationID); err != nil {
		return common.SendBadRequest(c, "Invalid operation ID format")
	}

	messages, err := h.service.Events(operationID)
	if err != nil {
		return common.SendNotFound(c, "Operation not found")
	}

	return common.SendSuccess(c, map[string]any{
		"messages": messages,
	})
}

func (h *Handler) StreamOperation(c echo.Context) error {
	operationID := c.Param("operationId")
	if err := validateOperationID(operationID); err != nil {
		return common.SendBadRequest(c, "Invalid operation ID format")
	}

	if _, err := h.service.Get(operationID); err != nil {
		return common.SendNotFound(c, "Operation not found")
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("Access-Control-Allow-Origin", "*")
	c.Response().Header().Del("Content-Length")

	c.Response().WriteHeader(http.StatusOK)

	if flusher, ok := c.Response().Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	return h.service.Stream(c.Request().Context(), operationID, c.Response().Writer)
}

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

func validateOperationID(operationID string) error {
	if !uuidRegex.MatchString(operationID) {
		return validation.ErrInvalidCharacters
	}
	return nil
}
