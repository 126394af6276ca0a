package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Version is a string type for dependency injection of the build version.
type Version string

// endpoints is the usage summary returned by the index route.
var endpoints = []string{
	"/resolve?url=...",
	"/download?url=...&filename=...",
}

// indexResponse is the static discovery document served at "/".
type indexResponse struct {
	OK        bool     `json:"ok"`
	Service   string   `json:"service"`
	Endpoints []string `json:"endpoints"`
	Version   string   `json:"version"`
}

// HealthHandler serves the discovery and liveness endpoints.
type HealthHandler struct {
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(v Version) *HealthHandler {
	return &HealthHandler{version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Index describes the service and its endpoints.
func (h *HealthHandler) Index(c echo.Context) error {
	return c.JSON(http.StatusOK, indexResponse{
		OK:        true,
		Service:   "Ziply proxy",
		Endpoints: endpoints,
		Version:   string(h.version),
	})
}
