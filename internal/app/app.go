// Package app wires the CryWatch subsystems into a running server.
//
// New builds the monitor, the HTTP API and the health probes from the
// config. Run serves HTTP until the context ends, and Shutdown stops the
// running session and tears everything down in order.
//
// For testing, inject a listener and metrics via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/crywatch/internal/api"
	"github.com/MrWong99/crywatch/internal/config"
	"github.com/MrWong99/crywatch/internal/health"
	"github.com/MrWong99/crywatch/internal/monitor"
	"github.com/MrWong99/crywatch/internal/observe"
	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
)

// Providers holds the instantiated providers. Populated by main.go via the
// config registry.
type Providers struct {
	Classifier classifier.Engine
	Audio      audio.Source
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	configPath     string
	listener       net.Listener

	granted atomic.Bool
	mon     *monitor.Monitor
	api     *api.Server
	health  *health.Handler
	server  *http.Server
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level of the handler
// built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithConfigWatch reloads the config file at path on change.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener serves HTTP on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App. Both providers are required.
func New(_ context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Classifier == nil {
		return nil, errors.New("app: a classifier provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: an audio provider is required")
	}

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Monitor ───────────────────────────────────────────────────────
	a.granted.Store(cfg.Detector.MicrophoneAccess != config.AccessDenied)
	a.mon = monitor.New(providers.Audio, providers.Classifier,
		monitor.WithConfig(MonitorConfig(cfg.Detector)),
		monitor.WithAuthorizer(monitor.AuthorizerFunc(a.authorize)),
		monitor.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.mon.Stop)

	// ── 2. Health ────────────────────────────────────────────────────────
	a.health = health.New(a.checkers()...)

	// ── 3. API ───────────────────────────────────────────────────────────
	loc := time.Local
	if tz := cfg.Server.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("app: load timezone %q: %w", tz, err)
		}
		loc = l
	}
	apiOpts := []api.Option{
		api.WithLocation(loc),
		api.WithMetrics(a.metrics),
		api.WithHandler("GET /healthz", http.HandlerFunc(a.health.Healthz)),
		api.WithHandler("GET /readyz", http.HandlerFunc(a.health.Readyz)),
	}
	if a.metricsHandler != nil {
		apiOpts = append(apiOpts, api.WithHandler("GET /metrics", a.metricsHandler))
	}
	a.api = api.New(a.mon, apiOpts...)
	a.closers = append(a.closers, func() error { a.api.Close(); return nil })

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 4. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	return a, nil
}

// Monitor returns the session controller.
func (a *App) Monitor() *monitor.Monitor { return a.mon }

// MonitorConfig maps the detector settings to the monitor config.
func MonitorConfig(d config.DetectorConfig) monitor.Config {
	return monitor.Config{
		Detector:   d.Episode(),
		Label:      d.Label,
		QueueSize:  d.QueueSize,
		BufferSize: d.BufferSize,
	}
}

// LogLevel maps a config log level to its slog level.
func LogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *App) authorize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.granted.Load() {
		return monitor.ErrPermissionDenied
	}
	return nil
}

type healthReporter interface {
	Health(ctx context.Context) error
}

func (a *App) checkers() []health.Checker {
	checkers := []health.Checker{{
		Name: "audio",
		Check: func(context.Context) error {
			if f := a.providers.Audio.Format(); f.SampleRate <= 0 || f.Channels <= 0 {
				return fmt.Errorf("invalid source format %s", f)
			}
			return nil
		},
	}}
	if hr, ok := a.providers.Classifier.(healthReporter); ok {
		checkers = append(checkers, health.Checker{Name: "classifier", Check: hr.Health, Optional: true})
	}
	return checkers
}

// applyConfig applies a reloaded config. Settings that need new providers
// or a new listener are only logged.
func (a *App) applyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(LogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DetectorChanged {
		a.granted.Store(d.NewDetector.MicrophoneAccess != config.AccessDenied)
		if err := a.mon.SetConfig(MonitorConfig(d.NewDetector)); err != nil {
			slog.Warn("reloaded detector config rejected", "err", err)
		} else {
			slog.Info("detector config updated; applies at the next session start")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "fields", d.RestartRequired)
	}
}

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// It returns ctx.Err() after a cancellation.
func (a *App) Run(ctx context.Context) error {
	l := a.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(l, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(l)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		a.api.Close()
		return a.server.Shutdown(shutdownCtx)
	})

	slog.Info("app running", "addr", l.Addr().String())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown stops the session and closes all subsystems. If ctx expires
// before all closers finish, the remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
