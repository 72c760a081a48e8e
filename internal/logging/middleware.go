package logging

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	AuthStatusSuccess       = "success"
	AuthStatusFailed        = "failed"
	AuthStatusNone          = "none"
	AuthStatusSkipped       = "skipped"
	RequestIDHeader         = "X-Request-ID"
	AuthStatusContextKey    = "auth_status"
	AuthErrorContextKey     = "auth_error"
	AuthTokenHashContextKey = "auth_token_hash"
)

func RequestLoggingMiddleware(service *Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if service == nil || !service.enabled {
				return next(c)
			}

			start := time.Now()
			path := c.Request().URL.Path

			requestID := c.Request().Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
				c.Request().Header.Set(RequestIDHeader, requestID)
			}
			c.Response().Header().Set(RequestIDHeader, requestID)

			entry := NewRequestLogEntry()
			entry.RequestID = requestID
			entry.Method = c.Request().Method
			entry.Path = path
			entry.UserAgent = c.Request().UserAgent()

			sourceIP := c.RealIP()
			if sourceIP == "" {
				sourceIP = c.Request().RemoteAddr
			}
			entry.SourceIP = sourceIP

			err := next(c)

			extractRequestDetails(c, entry)

			entry.StatusCode = c.Response().Status
			entry.ResponseSize = c.Response().Size
			entry.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0

			if authStatus, ok := c.Get(AuthStatusContextKey).(string); ok {
				entry.AuthStatus = authStatus
			}
			if authError, ok := c.Get(AuthErrorContextKey).(string); ok {
				entry.AuthError = authError
			}
			if authTokenHash, ok := c.Get(AuthTokenHashContextKey).(string); ok {
				entry.AuthTokenHash = authTokenHash
			}

			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.Error = fmt.Sprintf("%v", he.Message)
					if entry.StatusCode == 0 {
						entry.StatusCode = he.Code
					}
				} else {
					entry.Error = err.Error()
				}
			}

			if shouldLogRequest(path) {
				go service.LogRequest(entry)
				go service.RotateIfNeeded()
			}

			return err
		}
	}
}

func shouldLogRequest(path string) bool {
	return path != "/health" && path != "/metrics"
}

func extractRequestDetails(c echo.Context, entry *RequestLogEntry) {
	if operationID := c.Param("operationId"); operationID != "" {
		entry.OperationID = operationID
	}

	if path := c.QueryParam("path"); path != "" {
		entry.FilePath = path
	}

	if kind, ok := c.Get("operation_kind").(string); ok && kind != "" {
		entry.Metadata["operation_kind"] = kind
	}

	if source, ok := c.Get("operation_source").(string); ok && source != "" {
		entry.Metadata["source"] = source
	}
}

func HashToken(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return fmt.Sprintf("sha256:%x", hash[:8])
}

func SetAuthSuccess(c echo.Context, token string) {
	c.Set(AuthStatusContextKey, AuthStatusSuccess)
	if token != "" {
		c.Set(AuthTokenHashContextKey, HashToken(token))
	}
}

func SetAuthFailure(c echo.Context, reason string) {
	c.Set(AuthStatusContextKey, AuthStatusFailed)
	c.Set(AuthErrorContextKey, reason)
}

func SetAuthSkipped(c echo.Context) {
	c.Set(AuthStatusContextKey, AuthStatusSkipped)
}

func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return parts[1]
	}
	return ""
}
