package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/crywatch/internal/observe"
	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
	"github.com/MrWong99/crywatch/pkg/provider/classifier/mock"
)

func newFailoverMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func failoverCount(t *testing.T, reader *sdkmetric.ManualReader, from, to string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "crywatch.classifier.failovers" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("failovers has type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				f, _ := dp.Attributes.Value("from")
				g, _ := dp.Attributes.Value("to")
				if f.AsString() == from && g.AsString() == to {
					return dp.Value
				}
			}
		}
	}
	return 0
}

var errUnreachable = fmt.Errorf("remote: describe model: %w: %w: connection refused", classifier.ErrModelLoad, classifier.ErrUnavailable)

var testCfg = classifier.Config{SampleRate: 16000, Channels: 1, Labels: []string{classifier.DefaultLabel}}

func TestClassifierFallback_NewSessionUsesPrimary(t *testing.T) {
	t.Parallel()

	m, reader := newFailoverMetrics(t)
	primary := &mock.Engine{Session: &mock.Session{Result: []classifier.Classification{{Label: classifier.DefaultLabel, Confidence: 0.8}}}}
	backup := &mock.Engine{}
	fb := NewClassifierFallback(primary, "primary", FallbackConfig{}, WithFailoverMetrics(m))
	fb.AddFallback("backup", backup)

	h, err := fb.NewSession(context.Background(), testCfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	if len(primary.Calls()) != 1 || len(backup.Calls()) != 0 {
		t.Errorf("NewSession calls primary=%d backup=%d, want 1/0", len(primary.Calls()), len(backup.Calls()))
	}
	if got := primary.Calls()[0].Cfg.Labels; len(got) != 1 || got[0] != classifier.DefaultLabel {
		t.Errorf("config labels = %v", got)
	}

	res, err := h.Classify(context.Background(), make([]byte, 32))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(res) != 1 || res[0].Confidence != 0.8 {
		t.Errorf("Classify = %+v", res)
	}
	if n := failoverCount(t, reader, "primary", "backup"); n != 0 {
		t.Errorf("failovers = %d, want 0", n)
	}
}

func TestClassifierFallback_NewSessionFailsOver(t *testing.T) {
	t.Parallel()

	m, reader := newFailoverMetrics(t)
	primary := &mock.Engine{NewSessionErr: errUnreachable}
	backup := &mock.Engine{}
	fb := NewClassifierFallback(primary, "primary", FallbackConfig{}, WithFailoverMetrics(m))
	fb.AddFallback("backup", backup)

	h, err := fb.NewSession(context.Background(), testCfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	if got := h.(*failoverSession).Engine(); got != "backup" {
		t.Errorf("active engine = %q, want backup", got)
	}
	if n := failoverCount(t, reader, "primary", "backup"); n != 1 {
		t.Errorf("failovers = %d, want 1", n)
	}
}

func TestClassifierFallback_NewSessionAllFail(t *testing.T) {
	t.Parallel()

	m, _ := newFailoverMetrics(t)
	fb := NewClassifierFallback(&mock.Engine{NewSessionErr: errUnreachable}, "primary", FallbackConfig{}, WithFailoverMetrics(m))
	last := fmt.Errorf("backup down: %w", classifier.ErrUnavailable)
	fb.AddFallback("backup", &mock.Engine{NewSessionErr: last})

	_, err := fb.NewSession(context.Background(), testCfg)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("err = %v, want it to wrap the last engine error", err)
	}
}

func TestClassifierFallback_NewSessionConfigErrorIsFinal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"label mismatch", fmt.Errorf("remote: model has no label: %w", classifier.ErrLabelMismatch)},
		{"model rejected", fmt.Errorf("remote: describe model: %w: HTTP 404", classifier.ErrModelLoad)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, reader := newFailoverMetrics(t)
			primary := &mock.Engine{NewSessionErr: tt.err}
			backup := &mock.Engine{}
			fb := NewClassifierFallback(primary, "remote", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
			}, WithFailoverMetrics(m))
			fb.AddFallback("energy", backup)

			// Repeated attempts must neither fall back nor trip the breaker.
			for range 3 {
				h, err := fb.NewSession(context.Background(), testCfg)
				if err == nil {
					_ = h.Close()
					t.Fatal("NewSession succeeded on the fallback engine, want the setup error")
				}
				if !errors.Is(err, tt.err) || errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want %v unwrapped", err, tt.err)
				}
			}
			if n := len(backup.Calls()); n != 0 {
				t.Errorf("fallback NewSession calls = %d, want 0", n)
			}
			if n := failoverCount(t, reader, "remote", "energy"); n != 0 {
				t.Errorf("failovers = %d, want 0", n)
			}
			if err := fb.Health(context.Background()); err != nil {
				t.Errorf("Health = %v, want nil", err)
			}
		})
	}
}

func TestClassifierFallback_ClassifyFailsOverWhenBreakerOpens(t *testing.T) {
	t.Parallel()

	m, reader := newFailoverMetrics(t)
	broken := &mock.Session{ClassifyErr: errors.New("inference timeout")}
	healthy := &mock.Session{
		FormatResult: audio.Format{SampleRate: 22050, Channels: 1},
		Result:       []classifier.Classification{{Label: classifier.DefaultLabel, Confidence: 0.6}},
	}
	fb := NewClassifierFallback(&mock.Engine{Session: broken}, "remote", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	}, WithFailoverMetrics(m))
	fb.AddFallback("energy", &mock.Engine{Session: healthy})

	h, err := fb.NewSession(context.Background(), testCfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	ctx := context.Background()
	if _, err := h.Classify(ctx, nil); err == nil {
		t.Fatal("first Classify succeeded on broken engine")
	}
	if got := h.(*failoverSession).Engine(); got != "remote" {
		t.Fatalf("engine after one failure = %q, want remote", got)
	}
	if _, err := h.Classify(ctx, nil); err == nil {
		t.Fatal("second Classify succeeded on broken engine")
	}
	if got := h.(*failoverSession).Engine(); got != "energy" {
		t.Fatalf("engine after breaker opened = %q, want energy", got)
	}
	if broken.Closed() != 1 {
		t.Errorf("broken session closed %d times, want 1", broken.Closed())
	}
	if h.Format().SampleRate != 22050 {
		t.Errorf("Format after failover = %v, want the fallback format", h.Format())
	}

	res, err := h.Classify(ctx, nil)
	if err != nil {
		t.Fatalf("Classify after failover: %v", err)
	}
	if len(res) != 1 || res[0].Confidence != 0.6 {
		t.Errorf("Classify = %+v", res)
	}
	if n := failoverCount(t, reader, "remote", "energy"); n != 1 {
		t.Errorf("failovers = %d, want 1", n)
	}
}

func TestClassifierFallback_Close(t *testing.T) {
	t.Parallel()

	m, _ := newFailoverMetrics(t)
	sess := &mock.Session{}
	fb := NewClassifierFallback(&mock.Engine{Session: sess}, "only", FallbackConfig{}, WithFailoverMetrics(m))

	h, err := fb.NewSession(context.Background(), testCfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sess.Closed() != 1 {
		t.Errorf("session closed %d times, want 1", sess.Closed())
	}
	if _, err := h.Classify(context.Background(), nil); !errors.Is(err, classifier.ErrSessionClosed) {
		t.Errorf("Classify after Close = %v, want ErrSessionClosed", err)
	}
}

func TestClassifierFallback_Health(t *testing.T) {
	t.Parallel()

	m, _ := newFailoverMetrics(t)
	cfg := FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}}
	primary := &mock.Engine{NewSessionErr: errUnreachable}
	backup := &mock.Engine{}
	fb := NewClassifierFallback(primary, "primary", cfg, WithFailoverMetrics(m))
	fb.AddFallback("backup", backup)

	if err := fb.Health(context.Background()); err != nil {
		t.Fatalf("Health before use = %v, want nil", err)
	}

	h, err := fb.NewSession(context.Background(), testCfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	_ = h.Close()
	if err := fb.Health(context.Background()); err != nil {
		t.Errorf("Health with a healthy backup = %v, want nil", err)
	}

	backup.NewSessionErr = errUnreachable
	if _, err := fb.NewSession(context.Background(), testCfg); err == nil {
		t.Fatal("NewSession succeeded with both engines failing")
	}
	if err := fb.Health(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Health = %v, want ErrCircuitOpen", err)
	}
}
