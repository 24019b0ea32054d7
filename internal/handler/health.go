package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"devproxy/internal/app"
	"devproxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	table   *service.Table
	app     *app.Application
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.ProxyService, a *app.Application, v Version) *HealthHandler {
	return &HealthHandler{table: svc.Table(), app: a, version: v}
}

type ruleStatus struct {
	Prefix       string `json:"prefix"`
	Target       string `json:"target"`
	WS           bool   `json:"ws"`
	ChangeOrigin bool   `json:"change_origin"`
}

type appStatus struct {
	Entry      string `json:"entry"`
	MountID    string `json:"mount_id"`
	Stylesheet string `json:"stylesheet,omitempty"`
}

type statusResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	App     appStatus    `json:"app"`
	Rules   []ruleStatus `json:"rules"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the version, the mounted application and the proxy table.
func (h *HealthHandler) Status(c echo.Context) error {
	opts := h.app.Options()
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		App: appStatus{
			Entry:      opts.Entry,
			MountID:    opts.MountID,
			Stylesheet: opts.Stylesheet,
		},
		Rules: []ruleStatus{},
	}
	for _, r := range h.table.Rules() {
		resp.Rules = append(resp.Rules, ruleStatus{
			Prefix:       r.PathPrefix,
			Target:       r.Target.String(),
			WS:           r.Upgrade,
			ChangeOrigin: r.ChangeOrigin,
		})
	}
	return c.JSON(http.StatusOK, resp)
}
