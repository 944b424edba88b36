package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/crywatch/internal/app"
	"github.com/MrWong99/crywatch/internal/config"
	"github.com/MrWong99/crywatch/internal/monitor"
	"github.com/MrWong99/crywatch/internal/observe"
	audiomock "github.com/MrWong99/crywatch/pkg/audio/mock"
	classifiermock "github.com/MrWong99/crywatch/pkg/provider/classifier/mock"
)

// testConfig returns the validated config parsed from yaml.
func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		Classifier: &classifiermock.Engine{},
		Audio:      &audiomock.Source{},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "")

	tests := []struct {
		name      string
		providers *app.Providers
	}{
		{"nil", nil},
		{"no classifier", &app.Providers{Audio: &audiomock.Source{}}},
		{"no audio", &app.Providers{Classifier: &classifiermock.Engine{}}},
	}
	for _, tt := range tests {
		if _, err := app.New(context.Background(), cfg, tt.providers); err == nil {
			t.Errorf("%s: New succeeded, want an error", tt.name)
		}
	}
}

func TestApp_RunServesAndShutsDown(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	application, err := app.New(context.Background(), testConfig(t, ""), testProviders(),
		app.WithListener(l),
		app.WithMetrics(testMetrics(t)),
		app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	base := "http://" + l.Addr().String()
	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusNoContent},
		{http.MethodPost, "/v1/session/start", http.StatusOK},
		{http.MethodGet, "/v1/episodes", http.StatusOK},
	} {
		req, _ := http.NewRequest(tc.method, base+tc.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}
	if application.Monitor().State() != monitor.Running {
		t.Errorf("state = %v, want running", application.Monitor().State())
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := application.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if application.Monitor().State() != monitor.Idle {
		t.Errorf("state after shutdown = %v, want idle", application.Monitor().State())
	}
	// A second Shutdown is a no-op.
	if err := application.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_MicrophoneDenied(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(t, "detector:\n  microphone_access: denied\n"), testProviders(),
		app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })

	if err := application.Monitor().Start(context.Background()); !errors.Is(err, monitor.ErrPermissionDenied) {
		t.Errorf("Start = %v, want ErrPermissionDenied", err)
	}
}

func TestApp_ConfigReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crywatch.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	lv := new(slog.LevelVar)
	application, err := app.New(context.Background(), cfg, testProviders(),
		app.WithMetrics(testMetrics(t)),
		app.WithLevelVar(lv),
		app.WithConfigWatch(path),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })

	time.Sleep(20 * time.Millisecond)
	updated := "server:\n  log_level: debug\ndetector:\n  confidence_threshold: 0.8\n  microphone_access: denied\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(8 * time.Second)
	for lv.Level() != slog.LevelDebug || application.Monitor().Config().Detector.ConfidenceThreshold != 0.8 {
		if time.Now().After(deadline) {
			t.Fatalf("reload not applied: level %v, threshold %v", lv.Level(), application.Monitor().Config().Detector.ConfidenceThreshold)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := application.Monitor().Start(context.Background()); !errors.Is(err, monitor.ErrPermissionDenied) {
		t.Errorf("Start after reload = %v, want ErrPermissionDenied", err)
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.LogLevel(tt.in); got != tt.want {
			t.Errorf("LogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMonitorConfig(t *testing.T) {
	t.Parallel()

	d := testConfig(t, "detector:\n  max_gap: 30s\n  queue_size: 8\n").Detector
	got := app.MonitorConfig(d)
	if got.Detector.MaxGap != 30*time.Second || got.QueueSize != 8 || got.Label != d.Label || got.BufferSize != d.BufferSize {
		t.Errorf("MonitorConfig = %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
