package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"devgate/internal/config"
	"devgate/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	service *service.GatewayService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, svc *service.GatewayService, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, service: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type ruleStatus struct {
	Prefix       string `json:"prefix"`
	Target       string `json:"target"`
	ChangeOrigin bool   `json:"change_origin"`
	VerifyCert   bool   `json:"verify_cert"`
}

type statusResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Listen  string       `json:"listen"`
	Rules   []ruleStatus `json:"rules"`
}

// Status returns the listen address and the active proxy rules.
func (h *HealthHandler) Status(c echo.Context) error {
	rules := h.service.Rules()
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Listen:  h.cfg.Server.Addr(),
		Rules:   make([]ruleStatus, 0, len(rules)),
	}
	for _, r := range rules {
		resp.Rules = append(resp.Rules, ruleStatus{
			Prefix:       r.Prefix,
			Target:       r.Target.String(),
			ChangeOrigin: r.ChangeOrigin,
			VerifyCert:   r.VerifyUpstreamCert,
		})
	}
	return c.JSON(http.StatusOK, resp)
}
