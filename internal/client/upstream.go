// Package client provides the upstream transport shared by all proxy rules.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"devproxy/internal/config"
	"devproxy/internal/metrics"
)

// Upstream sends proxied requests to backend origins. It implements
// http.RoundTripper so it can sit under httputil.ReverseProxy.
type Upstream struct {
	transport http.RoundTripper
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewUpstream creates an Upstream with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// There is no overall request timeout: event streams and upgraded connections
// stay open for as long as either side wants.
func NewUpstream(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Upstream{
		transport: transport,
		logger:    logger.With("component", "upstream"),
		metrics:   m,
	}
}

// RoundTrip executes a single exchange with the upstream.
// The caller is responsible for closing the response body.
func (u *Upstream) RoundTrip(req *http.Request) (*http.Response, error) {
	u.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := u.transport.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if u.metrics != nil {
			u.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if u.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		u.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		u.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// CloseIdleConnections releases pooled connections.
func (u *Upstream) CloseIdleConnections() {
	if t, ok := u.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}
