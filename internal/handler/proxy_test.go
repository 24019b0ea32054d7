package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"devproxy/internal/model"
)

func TestProxyHandler_Handle_ServesApplication(t *testing.T) {
	a := mountTestApp(t)
	h := NewProxyHandler(newTestService(t, "ws://127.0.0.1:8000", "http://0.0.0.0:8001"), a, discardLogger())

	for _, path := range []string{"/", "/rooms/lobby"} {
		t.Run(path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.Handle(c); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if rec.Body.String() != string(a.Shell()) {
				t.Errorf("body = %q, want host document", rec.Body.String())
			}
		})
	}
}

func TestProxyHandler_Handle_MissingAssetIs404(t *testing.T) {
	h := NewProxyHandler(newTestService(t, "ws://127.0.0.1:8000", "http://0.0.0.0:8001"), mountTestApp(t), discardLogger())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/src/missing.js", http.NoBody)
	rec := httptest.NewRecorder()
	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestProxyHandler_Handle_ProxiesSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("id: 1\nevent: message\ndata: {\"id\":1}\n\n"))
	}))
	defer upstream.Close()

	var observed []http.Header
	svc := newTestService(t, "ws://127.0.0.1:8000", upstream.URL, func(r *model.ProxyRule) {
		r.OnResponse = func(_ *http.Request, h http.Header) { observed = append(observed, h) }
	})
	h := NewProxyHandler(svc, mountTestApp(t), discardLogger())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/sse/stream/", http.NoBody)
	rec := httptest.NewRecorder()
	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.HasPrefix(rec.Body.String(), "id: 1\n") {
		t.Errorf("body = %q", rec.Body.String())
	}
	if len(observed) != 1 {
		t.Fatalf("OnResponse calls = %d, want 1", len(observed))
	}
	if observed[0].Get("Content-Type") != "text/event-stream" {
		t.Errorf("observed Content-Type = %q", observed[0].Get("Content-Type"))
	}
}

func TestProxyHandler_Handle_UpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: cannot bind loopback socket: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	var errs []error
	svc := newTestService(t, "ws://127.0.0.1:8000", "http://"+addr, func(r *model.ProxyRule) {
		r.OnError = func(_ *http.Request, err error) { errs = append(errs, err) }
	})
	h := NewProxyHandler(svc, mountTestApp(t), discardLogger())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/sse/stream/", http.NoBody)
	rec := httptest.NewRecorder()
	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(errs) != 1 {
		t.Errorf("OnError calls = %d, want 1", len(errs))
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected non-empty error message in response")
	}
}
