package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"devproxy/internal/app"
	"devproxy/internal/service"
)

// ProxyHandler dispatches every request that no fixed route claims: paths
// matched by the proxy table go upstream, everything else is served by the
// mounted application.
type ProxyHandler struct {
	service *service.ProxyService
	app     *app.Application
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, a *app.Application, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		app:     a,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle routes the request by path prefix.
//
// A client that goes away mid-stream makes the reverse proxy panic with
// http.ErrAbortHandler. The connection is gone by then, so the panic is
// absorbed here and the request still reaches the logging and metrics
// middleware.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	defer func() {
		if r := recover(); r != nil {
			if r != http.ErrAbortHandler {
				panic(r)
			}
			h.logger.Debug("client went away", "path", req.URL.Path)
		}
	}()

	rule, ok := h.service.Match(req.URL.Path)
	if !ok {
		h.app.ServeHTTP(c.Response(), req)
		return nil
	}

	h.logger.Debug("proxying",
		"prefix", rule.PathPrefix,
		"path", req.URL.Path,
		"target", rule.Target.String(),
	)
	res := c.Response()
	if h.service.ServeRule(res, req, rule) {
		// The 101 went out on the hijacked connection, not through res.
		res.Status = http.StatusSwitchingProtocols
	}
	return nil
}
