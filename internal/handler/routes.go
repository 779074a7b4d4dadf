package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devgate/internal/config"
	"devgate/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Internal
// endpoints are static routes and take precedence over the catch-all.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, gateway *GatewayHandler, health *HealthHandler) {
	e.GET(config.InternalPrefix+"/healthz", health.Healthz)
	e.GET(config.InternalPrefix+"/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/", gateway.Handle)
	e.Any("/*", gateway.Handle)
}
