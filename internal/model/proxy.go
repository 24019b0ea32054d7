// Package model defines shared types for the proxy.
package model

import (
	"net/http"
	"net/url"
	"strings"
)

// ResponseHook observes the headers of an upstream response. It receives a
// copy; changes to it never reach the client.
type ResponseHook func(r *http.Request, header http.Header)

// ErrorHook observes a failed exchange with the upstream. The client still
// receives the error response.
type ErrorHook func(r *http.Request, err error)

// ProxyRule maps a request path prefix to an upstream origin.
type ProxyRule struct {
	// PathPrefix is matched against the start of the request path.
	PathPrefix string
	// Target is the upstream origin (scheme://host:port). ws and wss are
	// dialed as http and https.
	Target *url.URL
	// Upgrade allows Connection: Upgrade requests to be proxied as a
	// bidirectional stream.
	Upgrade bool
	// ChangeOrigin rewrites the outbound Host (and Origin, when present)
	// to the target.
	ChangeOrigin bool

	OnResponse ResponseHook
	OnError    ErrorHook
}

// DialURL returns the target with ws/wss mapped onto http/https.
func (r ProxyRule) DialURL() *url.URL {
	u := *r.Target
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return &u
}

// Origin returns the target as an Origin header value.
func (r ProxyRule) Origin() string {
	u := r.DialURL()
	return u.Scheme + "://" + u.Host
}

// PrefixesOverlap reports whether a request path could match both prefixes.
func PrefixesOverlap(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
