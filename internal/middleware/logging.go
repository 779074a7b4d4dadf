// Package middleware provides Echo middleware for host validation, logging,
// metrics and CORS.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// ContextKeyRoute is the echo.Context key under which the gateway handler
// stores the selected route (a proxy prefix or "assets").
const ContextKeyRoute = "devgate.route"

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"host", req.Host,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if route, ok := c.Get(ContextKeyRoute).(string); ok {
				attrs = append(attrs, "route", route)
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}
