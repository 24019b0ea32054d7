package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"devproxy/internal/app"
	"devproxy/internal/client"
	"devproxy/internal/config"
	"devproxy/internal/handler"
	"devproxy/internal/metrics"
	"devproxy/internal/middleware"
	"devproxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("devproxy"),
		kong.Description("Frontend dev server with a WebSocket and SSE proxy table."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newUpstream,
			newTable,
			service.NewProxyService,
			newApplication,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, registerMetrics, startWatcher, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMetrics returns nil when metrics are disabled; every consumer treats
// nil as "don't record".
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newUpstream(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) http.RoundTripper {
	up := client.NewUpstream(cfg, logger, m)
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			up.CloseIdleConnections()
			return nil
		},
	})
	return up
}

func newTable(cfg *config.Config, logger *slog.Logger) (*service.Table, error) {
	rules, err := cfg.Proxy.BuildRules(logger)
	if err != nil {
		return nil, err
	}
	return service.NewTable(rules...)
}

func newApplication(cfg *config.Config, logger *slog.Logger) (*app.Application, error) {
	a, err := app.Mount(os.DirFS(cfg.App.Root), app.MountOptions{
		Entry:      cfg.App.Entry,
		MountID:    cfg.App.MountID,
		Stylesheet: cfg.App.Stylesheet,
	})
	if err != nil {
		return nil, fmt.Errorf("mount application from %s: %w", cfg.App.Root, err)
	}
	opts := a.Options()
	logger.Info("application mounted",
		"root", cfg.App.Root,
		"entry", opts.Entry,
		"mount_id", opts.MountID,
		"stylesheet", opts.Stylesheet,
	)
	return a, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, svc *service.ProxyService, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0: event streams and upgraded connections are long-lived.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	route := svc.Table().Label

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, route))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if m != nil {
		e.Use(middleware.MetricsMiddleware(m, route))
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond, "/healthz"))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if m == nil {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func startWatcher(lc fx.Lifecycle, cfg *config.Config, a *app.Application, logger *slog.Logger) {
	if !cfg.App.Watch {
		return
	}
	w := app.NewWatcher(cfg.App.Root, a, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				if err := w.Run(ctx); err != nil {
					logger.Error("watcher stopped", "err", err)
				}
			}()
			logger.Info("watching host document", "root", cfg.App.Root)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, svc *service.ProxyService, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			for _, r := range svc.Table().Rules() {
				logger.Info("proxy rule",
					"prefix", r.PathPrefix,
					"target", r.Target.String(),
					"ws", r.Upgrade,
					"change_origin", r.ChangeOrigin,
				)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
