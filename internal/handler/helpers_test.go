package handler

import (
	"io"
	"log/slog"
	"net/url"
	"testing"
	"testing/fstest"

	"devproxy/internal/app"
	"devproxy/internal/client"
	"devproxy/internal/config"
	"devproxy/internal/model"
	"devproxy/internal/service"
)

const testDocument = `<!doctype html><html><head><title>chat</title></head><body><div id="app"></div></body></html>`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mountTestApp(t *testing.T) *app.Application {
	t.Helper()
	a, err := app.Mount(fstest.MapFS{
		"index.html":    {Data: []byte(testDocument)},
		"src/style.css": {Data: []byte("body{}")},
		"src/main.js":   {Data: []byte("console.log(1)")},
	}, app.MountOptions{Stylesheet: "src/style.css"})
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	return a
}

// newTestService builds the two stock rules against the given upstream origins.
func newTestService(t *testing.T, wsOrigin, sseOrigin string, hooks ...func(*model.ProxyRule)) *service.ProxyService {
	t.Helper()
	wsURL, err := url.Parse(wsOrigin)
	if err != nil {
		t.Fatal(err)
	}
	sseURL, err := url.Parse(sseOrigin)
	if err != nil {
		t.Fatal(err)
	}

	sse := model.ProxyRule{PathPrefix: "/sse", Target: sseURL, ChangeOrigin: true}
	for _, h := range hooks {
		h(&sse)
	}

	table, err := service.NewTable(
		model.ProxyRule{PathPrefix: "/ws", Target: wsURL, Upgrade: true, ChangeOrigin: true},
		sse,
	)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			DialTimeoutSeconds:           2,
			ResponseHeaderTimeoutSeconds: 10,
			IdleConnections:              10,
		},
	}
	up := client.NewUpstream(cfg, discardLogger(), nil)
	t.Cleanup(up.CloseIdleConnections)
	return service.NewProxyService(table, up, nil, discardLogger())
}
