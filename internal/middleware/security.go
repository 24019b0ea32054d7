package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/net/http/httpguts"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests. Connection and Upgrade are
// kept on upgrade handshakes so WebSocket routes can still be proxied.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			upgrade := h.Get("Upgrade") != "" && httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade")
			for _, name := range hopByHopHeaders {
				if upgrade && (name == "Connection" || name == "Upgrade") {
					continue
				}
				h.Del(name)
			}
			if upgrade {
				h.Set("Connection", "Upgrade")
			}

			// Set at header-commit time so handlers that copy upstream
			// headers cannot drop them. Hijacked upgrade responses never
			// pass through here.
			res := c.Response()
			res.Before(func() {
				if strings.EqualFold(res.Header().Get("Upgrade"), "websocket") {
					return
				}
				res.Header().Set("X-Content-Type-Options", "nosniff")
				res.Header().Set("X-Frame-Options", "DENY")
			})

			return next(c)
		}
	}
}
