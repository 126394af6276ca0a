package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ziply-proxy-go/internal/config"
	"ziply-proxy-go/internal/metrics"
	"ziply-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, fetch *FetchHandler, health *HealthHandler) {
	e.GET("/", health.Index)
	e.GET("/healthz", health.Healthz)

	e.GET("/resolve", fetch.Resolve)
	e.GET("/download", fetch.Download)
}

// RegisterMetrics installs the Prometheus middleware and exposition route
// when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
