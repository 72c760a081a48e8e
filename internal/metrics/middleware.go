package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// Middleware records request counts and latency per route. The route
// template (not the raw URL) is used as the path label so IDs do not blow
// up the cardinality.
func Middleware(registry *Registry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			registry.RecordHTTPRequest(
				c.Request().Method,
				path,
				strconv.Itoa(status),
				time.Since(start).Seconds(),
			)

			return err
		}
	}
}
