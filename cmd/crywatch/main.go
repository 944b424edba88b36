// Command crywatch is the main entry point for the CryWatch monitoring server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/crywatch/internal/app"
	"github.com/MrWong99/crywatch/internal/config"
	"github.com/MrWong99/crywatch/internal/observe"
	"github.com/MrWong99/crywatch/internal/resilience"
	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/audio/pcm"
	"github.com/MrWong99/crywatch/pkg/audio/wav"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
	"github.com/MrWong99/crywatch/pkg/provider/classifier/energy"
	"github.com/MrWong99/crywatch/pkg/provider/classifier/remote"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "crywatch.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "crywatch: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "crywatch: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.LogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("crywatch starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otelProvider.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if c, ok := providers.Audio.(io.Closer); ok {
		defer c.Close()
	}

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithMetricsHandler(otelProvider.MetricsHandler()),
		app.WithLevelVar(levelVar),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Classifiers ───────────────────────────────────────────────────────────

	reg.RegisterClassifier("energy", func(entry config.ProviderEntry) (classifier.Engine, error) {
		opts := []energy.Option{
			energy.WithRange(entry.OptFloat("floor", 0.02), entry.OptFloat("ceiling", 0.25)),
			energy.WithSmoothing(entry.OptFloat("smoothing", 0.6)),
		}
		if rate := entry.OptInt("sample_rate", 0); rate > 0 {
			opts = append(opts, energy.WithSampleRate(rate))
		}
		if label := entry.OptString("label", ""); label != "" {
			opts = append(opts, energy.WithLabel(label))
		}
		return energy.New(opts...)
	})

	reg.RegisterClassifier("remote", func(entry config.ProviderEntry) (classifier.Engine, error) {
		var opts []remote.Option
		if entry.Model != "" {
			opts = append(opts, remote.WithModel(entry.Model))
		}
		if entry.APIKey != "" {
			opts = append(opts, remote.WithAPIKey(entry.APIKey))
		}
		if d := entry.OptDuration("timeout", 0); d > 0 {
			opts = append(opts, remote.WithTimeout(d))
		}
		return remote.New(entry.BaseURL, opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("wav", func(entry config.ProviderEntry) (audio.Source, error) {
		path := entry.OptString("path", "")
		if path == "" {
			return nil, errors.New("wav: options.path is required")
		}
		return wav.Open(path,
			wav.WithLoop(entry.OptBool("loop", false)),
			wav.WithRealtime(entry.OptBool("realtime", true)),
		)
	})

	reg.RegisterAudio("pcm", func(entry config.ProviderEntry) (audio.Source, error) {
		format := audio.Format{
			SampleRate: entry.OptInt("sample_rate", 16000),
			Channels:   entry.OptInt("channels", 1),
		}
		var r io.Reader = os.Stdin
		if path := entry.OptString("path", "-"); path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("pcm: open %q: %w", path, err)
			}
			r = f
		}
		return pcm.New(r, format)
	})

	for _, name := range reg.ClassifierNames() {
		slog.Debug("registered provider", "kind", "classifier", "name", name)
	}
	for _, name := range reg.AudioNames() {
		slog.Debug("registered provider", "kind", "audio", "name", name)
	}
}

// buildProviders instantiates the providers named in cfg. A named fallback
// classifier puts both engines behind a [resilience.ClassifierFallback].
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	primary, err := reg.CreateClassifier(cfg.Providers.Classifier)
	if err != nil {
		return nil, fmt.Errorf("create classifier %q: %w", cfg.Providers.Classifier.Name, err)
	}
	slog.Info("provider created", "kind", "classifier", "name", cfg.Providers.Classifier.Name)
	ps.Classifier = primary

	if fbEntry := cfg.Providers.FallbackClassifier; fbEntry.Name != "" {
		backup, err := reg.CreateClassifier(fbEntry)
		if err != nil {
			return nil, fmt.Errorf("create fallback classifier %q: %w", fbEntry.Name, err)
		}
		fb := resilience.NewClassifierFallback(primary, cfg.Providers.Classifier.Name, resilience.FallbackConfig{},
			resilience.WithFailoverMetrics(metrics))
		fb.AddFallback(fbEntry.Name, backup)
		ps.Classifier = fb
		slog.Info("provider created", "kind", "fallback_classifier", "name", fbEntry.Name)
	}

	if cfg.Providers.Audio.Name == "" {
		return nil, errors.New("providers.audio is not configured")
	}
	src, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}
	ps.Audio = src
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name, "format", src.Format().String())

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	d := cfg.Detector
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        CryWatch startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Classifier", providerValue(cfg.Providers.Classifier))
	printRow("Fallback", providerValue(cfg.Providers.FallbackClassifier))
	printRow("Audio", providerValue(cfg.Providers.Audio))
	printRow("Label", d.Label)
	printRow("Threshold", fmt.Sprintf("%.2f", d.ConfidenceThreshold))
	printRow("Max gap", d.MaxGap.String())
	printRow("Min duration", d.MinDuration.String())
	printRow("Microphone", string(d.MicrophoneAccess))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerValue(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}
