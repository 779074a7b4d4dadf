package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"devgate/internal/assets"
	"devgate/internal/client"
	"devgate/internal/config"
	"devgate/internal/handler"
	"devgate/internal/metrics"
	"devgate/internal/middleware"
	"devgate/internal/model"
	"devgate/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// restartCode is the fx exit code used to request a rebuild after the config
// file changed.
const restartCode = 75

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("devgate"),
		kong.Description("Development gateway: proxies API prefixes to a backend and serves frontend assets."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	for {
		code, restart := run(&cli)
		if !restart {
			os.Exit(code)
		}
	}
}

// run builds and runs one application generation. It reports the process
// exit code, or restart=true when the config changed and a new generation
// should be started.
func run(cli *config.CLI) (code int, restart bool) {
	app := fx.New(
		fx.WithLogger(newFxLogger),
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newHostAllowlist,
			newAssets,
			newEcho,
			client.NewUpstreamClient,
			service.NewGatewayService,
			handler.NewGatewayHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, logRules, startServer, watchConfig),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "devgate: %v\n", err)
		return 1, false
	}

	sig := <-app.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "devgate: shutdown: %v\n", err)
	}

	if sig.ExitCode == restartCode {
		return 0, true
	}
	return sig.ExitCode, false
}

func newFxLogger(logger *slog.Logger) fxevent.Logger {
	l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
	l.UseLogLevel(slog.LevelDebug)
	return l
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

func newMetrics(cfg *config.Config) *metrics.Metrics {
	prefixes := make([]string, 0, len(cfg.Proxy))
	for _, p := range cfg.Proxy {
		prefixes = append(prefixes, p.Prefix)
	}
	return metrics.New(prefixes...)
}

func newHostAllowlist(cfg *config.Config) *middleware.HostAllowlist {
	return middleware.NewHostAllowlist(cfg.Server.AllowedHosts, cfg.Server.Host)
}

func newAssets(cfg *config.Config, logger *slog.Logger) (http.Handler, error) {
	return assets.New(cfg.Assets, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, allow *middleware.HostAllowlist) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so event streams and long polls are not
	// cut off. The upstream client timeout bounds proxied responses.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.HostGuard(allow, m, logger))

	if cfg.Server.CORS.Enabled {
		e.Use(middleware.CORS(cfg.Server.CORS.AllowedOrigins))
		logger.Info("cors enabled", "origins", cfg.Server.CORS.AllowedOrigins)
	}

	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	logger.Debug("request body limit", "max", humanize.IBytes(uint64(cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logRules(svc *service.GatewayService, allow *middleware.HostAllowlist, cfg *config.Config, logger *slog.Logger) {
	for _, r := range svc.Rules() {
		logger.Info("proxy rule",
			"prefix", r.Prefix,
			"target", r.Target.String(),
			"change_origin", r.ChangeOrigin,
		)
		if !r.VerifyUpstreamCert && r.Target.Scheme == "https" {
			logger.Warn("upstream certificate verification disabled", "prefix", r.Prefix, "target", r.Target.String())
		}
	}
	if allow.Disabled() {
		logger.Warn("server.allowed_hosts is empty; accepting any Host header", "bind_host", cfg.Server.Host)
	}
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return &model.BindError{Addr: addr, Err: err}
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func watchConfig(lc fx.Lifecycle, cli *config.CLI, cfg *config.Config, sd fx.Shutdowner, logger *slog.Logger) {
	if cli.NoWatch {
		return
	}

	w := config.NewWatcher(cfg.FilePath(), cli, func(*config.Config) {
		logger.Info("config changed; restarting", "path", cfg.FilePath())
		if err := sd.Shutdown(fx.ExitCode(restartCode)); err != nil {
			logger.Error("request restart", "err", err)
		}
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				if err := w.Run(ctx); err != nil {
					logger.Error("config watcher stopped", "err", err)
				}
			}()
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
