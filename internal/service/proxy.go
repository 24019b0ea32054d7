// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"

	"golang.org/x/net/http/httpguts"

	"devproxy/internal/metrics"
	"devproxy/internal/model"
)

// ProxyService forwards requests matched by the Table to their upstreams.
// Each rule gets its own reverse proxy, built once at startup.
type ProxyService struct {
	table   *Table
	proxies map[string]*httputil.ReverseProxy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(table *Table, transport http.RoundTripper, m *metrics.Metrics, logger *slog.Logger) *ProxyService {
	s := &ProxyService{
		table:   table,
		proxies: make(map[string]*httputil.ReverseProxy),
		metrics: m,
		logger:  logger.With("component", "proxy_service"),
	}
	for _, r := range table.Rules() {
		s.proxies[r.PathPrefix] = s.newReverseProxy(r, transport)
	}
	return s
}

// Table returns the rule set the service dispatches on.
func (s *ProxyService) Table() *Table {
	return s.table
}

// Match returns the rule for path, if any.
func (s *ProxyService) Match(path string) (model.ProxyRule, bool) {
	return s.table.Match(path)
}

// ServeRule forwards r to the upstream of rule. Upgrade requests are only
// forwarded when the rule allows them; the call then blocks until either
// side closes the connection. It reports whether the upstream switched
// protocols, since the 101 response bypasses w.
func (s *ProxyService) ServeRule(w http.ResponseWriter, r *http.Request, rule model.ProxyRule) bool {
	rp, ok := s.proxies[rule.PathPrefix]
	if !ok {
		writeError(w, http.StatusNotFound, "no proxy rule for path")
		return false
	}

	if isUpgrade(r) {
		if !rule.Upgrade {
			s.logger.Warn("upgrade refused",
				"prefix", rule.PathPrefix,
				"path", r.URL.Path,
				"upgrade", r.Header.Get("Upgrade"),
			)
			writeError(w, http.StatusBadRequest, "protocol upgrade is not enabled for this route")
			return false
		}
		if s.metrics != nil {
			g := s.metrics.UpgradesActive.WithLabelValues(rule.PathPrefix)
			g.Inc()
			defer g.Dec()
		}
	}

	var switched bool
	rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), switchedKey{}, &switched)))
	return switched
}

type switchedKey struct{}

// markSwitched records a 101 from the upstream on the inbound request's flag.
func markSwitched(resp *http.Response) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil
	}
	if flag, ok := resp.Request.Context().Value(switchedKey{}).(*bool); ok {
		*flag = true
	}
	return nil
}

func (s *ProxyService) newReverseProxy(rule model.ProxyRule, transport http.RoundTripper) *httputil.ReverseProxy {
	target := rule.DialURL()
	origin := rule.Origin()

	if rule.OnResponse != nil {
		transport = &observedTransport{next: transport, onResponse: rule.OnResponse}
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// SetURL points Host at the target; undo that unless the rule
			// asks for it.
			pr.SetURL(target)
			pr.SetXForwarded()
			if !rule.ChangeOrigin {
				pr.Out.Host = pr.In.Host
				return
			}
			if pr.In.Header.Get("Origin") != "" {
				pr.Out.Header.Set("Origin", origin)
			}
		},
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: markSwitched,
		ErrorHandler:   s.errorHandler(rule),
		ErrorLog:       slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}

func (s *ProxyService) errorHandler(rule model.ProxyRule) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		if s.metrics != nil {
			s.metrics.ProxyErrors.WithLabelValues(rule.PathPrefix).Inc()
		}
		if rule.OnError != nil {
			rule.OnError(r, err)
		}

		s.logger.Debug("proxy error",
			"prefix", rule.PathPrefix,
			"path", r.URL.Path,
			"err", err,
		)

		status, msg := mapError(err)
		writeError(w, status, msg)
	}
}

// mapError picks the client-visible status for a failed exchange.
func mapError(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}

	if errors.Is(err, context.Canceled) {
		return http.StatusBadGateway, "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "upstream host unreachable"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return http.StatusBadGateway, "upstream connection failed"
	}

	return http.StatusBadGateway, "upstream request failed"
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" &&
		httpguts.HeaderValuesContainsToken(r.Header["Connection"], "Upgrade")
}

// observedTransport hands each upstream response's headers, as received, to a hook.
type observedTransport struct {
	next       http.RoundTripper
	onResponse model.ResponseHook
}

func (t *observedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.onResponse(req, resp.Header.Clone())
	return resp, nil
}
