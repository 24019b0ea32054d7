package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"devproxy/internal/metrics"
)

// MetricsMiddleware records request count and latency per route label.
// Switched-protocol exchanges are counted but kept out of the latency
// histogram, since their duration is the lifetime of the connection.
func MetricsMiddleware(m *metrics.Metrics, route metrics.RouteLabeler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			// An *echo.HTTPError is written later by the central error handler.
			code := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				code = he.Code
			}

			status := strconv.Itoa(code)
			method := metrics.NormalizeMethod(c.Request().Method)
			label := route(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, label).Inc()
			if code != http.StatusSwitchingProtocols {
				m.RequestDuration.WithLabelValues(method, status, label).Observe(time.Since(start).Seconds())
			}

			return err
		}
	}
}
