package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	// Result reflects the headers as they were when WriteHeader ran.
	res := rec.Result()
	if v := res.Header.Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
	if v := res.Header.Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("X-Frame-Options = %q, want %q", v, "DENY")
	}
}

func TestSecurityHeaders_SentWithHandlerWrittenResponse(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	upstreamLike := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: hello\n\n"))
	})
	e.GET("/sse/stream/", echo.WrapHandler(upstreamLike))

	srv := httptest.NewServer(e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sse/stream/")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if v := resp.Header.Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
	if v := resp.Header.Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("X-Frame-Options = %q, want %q", v, "DENY")
	}
}

func TestSecurityHeaders_SkipsWebSocketHandshake(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/ws/chat/lobby/", func(c echo.Context) error {
		c.Response().Header().Set("Upgrade", "websocket")
		return c.NoContent(http.StatusSwitchingProtocols)
	})

	req := httptest.NewRequest(http.MethodGet, "/ws/chat/lobby/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Result().Header.Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q, want empty on a handshake", v)
	}
}

func TestSecurityHeaders_StripsHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	var got http.Header
	e.GET("/test", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Upgrade", "h2c")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, h := range []string{"Connection", "Proxy-Authorization", "Upgrade"} {
		if v := got.Get(h); v != "" {
			t.Errorf("%s header should be stripped, got %q", h, v)
		}
	}
}

func TestSecurityHeaders_KeepsUpgradeHandshake(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())

	var got http.Header
	e.GET("/ws/chat/lobby/", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ws/chat/lobby/", http.NoBody)
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := got.Get("Connection"); v != "Upgrade" {
		t.Errorf("Connection = %q, want %q", v, "Upgrade")
	}
	if v := got.Get("Upgrade"); v != "websocket" {
		t.Errorf("Upgrade = %q, want %q", v, "websocket")
	}
	if v := got.Get("Proxy-Authorization"); v != "" {
		t.Errorf("Proxy-Authorization should be stripped, got %q", v)
	}
	if v := got.Get("Sec-WebSocket-Key"); v == "" {
		t.Error("Sec-WebSocket-Key should be kept")
	}
}
