package monitor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/crywatch/internal/monitor"
	"github.com/MrWong99/crywatch/internal/observe"
	"github.com/MrWong99/crywatch/pkg/audio"
	audiomock "github.com/MrWong99/crywatch/pkg/audio/mock"
	"github.com/MrWong99/crywatch/pkg/episode"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
	classifiermock "github.com/MrWong99/crywatch/pkg/provider/classifier/mock"
)

var epoch = time.Date(2026, 5, 4, 21, 30, 0, 0, time.UTC)

type fixture struct {
	mon     *monitor.Monitor
	src     *audiomock.Source
	engine  *classifiermock.Engine
	session *classifiermock.Session
	reader  *sdkmetric.ManualReader
}

func newFixture(t *testing.T, confidences []float64, opts ...monitor.Option) *fixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	results := make([][]classifier.Classification, len(confidences))
	for i, c := range confidences {
		results[i] = []classifier.Classification{{Label: classifier.DefaultLabel, Confidence: c}}
	}
	sess := &classifiermock.Session{Results: results}
	eng := &classifiermock.Engine{Session: sess}
	src := &audiomock.Source{}

	opts = append([]monitor.Option{monitor.WithMetrics(met)}, opts...)
	mon := monitor.New(src, eng, opts...)
	t.Cleanup(func() { _ = mon.Stop() })

	return &fixture{mon: mon, src: src, engine: eng, session: sess, reader: reader}
}

// emit pushes one buffer captured at epoch+offset.
func (f *fixture) emit(t *testing.T, offset time.Duration) {
	t.Helper()
	frame := audio.Frame{
		Data:       make([]byte, 320),
		SampleRate: 16000,
		Channels:   1,
		CapturedAt: epoch.Add(offset),
	}
	if !f.src.Emit(frame) {
		t.Fatal("Emit: no tap installed")
	}
}

func (f *fixture) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s has type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); !ok || v.AsString() != value {
					continue
				}
				total += dp.Value
			}
		}
	}
	return total
}

func receive(t *testing.T, ch <-chan monitor.Change) monitor.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("change channel closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return monitor.Change{}
	}
}

func TestMonitor_StartRecordsEpisodes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []float64{0.9, 0.9, 0.9, 0.9})
	changes, cancel := f.mon.Subscribe(8)
	defer cancel()

	if err := f.mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.mon.State() != monitor.Running {
		t.Fatalf("State = %v, want running", f.mon.State())
	}
	if !f.src.Running() {
		t.Fatal("source not started")
	}
	if calls := f.engine.Calls(); len(calls) != 1 || calls[0].Cfg.Labels[0] != classifier.DefaultLabel {
		t.Fatalf("NewSession calls = %+v", calls)
	}

	for i := range 4 {
		f.emit(t, time.Duration(i)*time.Second)
	}

	created := receive(t, changes)
	if created.Kind != episode.CreatedNewEntry || created.Index != 0 || created.Count != 1 {
		t.Errorf("first change = %+v, want created at index 0", created)
	}
	if want := (episode.Episode{Start: epoch, End: epoch.Add(2 * time.Second)}); created.Episode != want {
		t.Errorf("created episode = %+v, want %+v", created.Episode, want)
	}
	modified := receive(t, changes)
	if modified.Kind != episode.ModifiedExistingEntry || modified.Index != 0 {
		t.Errorf("second change = %+v, want modified at index 0", modified)
	}
	if !modified.Episode.End.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("modified end = %v, want epoch+3s", modified.Episode.End)
	}
	if created.SessionID == "" || created.SessionID != f.mon.Info().SessionID {
		t.Errorf("change session id = %q, info = %q", created.SessionID, f.mon.Info().SessionID)
	}

	eps := f.mon.Episodes()
	if len(eps) != 1 || eps[0].Duration() != 3*time.Second {
		t.Errorf("Episodes = %+v, want one 3s episode", eps)
	}
	if n := f.counter(t, "crywatch.episodes.modifications", "kind", "created"); n != 1 {
		t.Errorf("created modifications = %d, want 1", n)
	}
	if n := f.counter(t, "crywatch.session.starts", "status", "ok"); n != 1 {
		t.Errorf("ok session starts = %d, want 1", n)
	}
}

func TestMonitor_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.mon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := f.mon.Info().SessionID
	if err := f.mon.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if len(f.engine.Calls()) != 1 {
		t.Errorf("NewSession called %d times, want 1", len(f.engine.Calls()))
	}
	if f.src.CallCountStart != 1 {
		t.Errorf("source started %d times, want 1", f.src.CallCountStart)
	}
	if f.mon.Info().SessionID != id {
		t.Error("second Start replaced the session")
	}
}

func TestMonitor_PermissionDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, monitor.WithAuthorizer(monitor.StaticAuthorizer{Granted: false}))
	err := f.mon.Start(context.Background())
	if !errors.Is(err, monitor.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if err.Error() != "Allow microphone access to application in settings." {
		t.Errorf("message = %q", err.Error())
	}
	if f.mon.State() != monitor.Idle || len(f.engine.Calls()) != 0 || f.src.CallCountStart != 0 || f.src.HasTap() {
		t.Error("denied Start set something up")
	}
	if n := f.counter(t, "crywatch.session.starts", "status", "permission_denied"); n != 1 {
		t.Errorf("permission_denied starts = %d, want 1", n)
	}
}

func TestMonitor_CancelledContextIsNotDenial(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, monitor.WithAuthorizer(monitor.StaticAuthorizer{Granted: true}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.mon.Start(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start = %v, want context.Canceled", err)
	}
	if errors.Is(err, monitor.ErrPermissionDenied) {
		t.Errorf("Start = %v, must not report a permission denial", err)
	}
	if f.mon.State() != monitor.Idle || len(f.engine.Calls()) != 0 {
		t.Error("cancelled Start set something up")
	}
	if n := f.counter(t, "crywatch.session.starts", "status", "permission_denied"); n != 0 {
		t.Errorf("permission_denied starts = %d, want 0", n)
	}
	if n := f.counter(t, "crywatch.session.starts", "status", "canceled"); n != 1 {
		t.Errorf("canceled starts = %d, want 1", n)
	}
}

func TestMonitor_ClassifierSetupFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.engine.NewSessionErr = classifier.ErrModelLoad

	err := f.mon.Start(context.Background())
	var setupErr *monitor.SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("Start = %v, want *SetupError", err)
	}
	if !errors.Is(err, monitor.ErrClassifierSetup) || !errors.Is(err, classifier.ErrModelLoad) {
		t.Errorf("error %v does not match ErrClassifierSetup and ErrModelLoad", err)
	}
	if f.mon.State() != monitor.Idle || f.src.CallCountStart != 0 || f.src.HasTap() {
		t.Error("failed setup left the monitor partially started")
	}
}

func TestMonitor_AudioStartFailureTearsDown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.src.StartErr = errors.New("device busy")

	err := f.mon.Start(context.Background())
	var audioErr *monitor.AudioError
	if !errors.As(err, &audioErr) || audioErr.Op != "start" {
		t.Fatalf("Start = %v, want *AudioError for start", err)
	}
	if !errors.Is(err, monitor.ErrAudioSession) {
		t.Errorf("error %v does not match ErrAudioSession", err)
	}
	if f.mon.State() != monitor.Idle {
		t.Error("monitor running after audio failure")
	}
	if f.src.HasTap() {
		t.Error("tap left installed after audio failure")
	}
	if f.session.Closed() != 1 {
		t.Errorf("classifier session closed %d times, want 1", f.session.Closed())
	}

	// The failure is transient: a retry succeeds once the device is free.
	f.src.StartErr = nil
	if err := f.mon.Start(context.Background()); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if f.mon.State() != monitor.Running {
		t.Error("retry did not start the session")
	}
}

func TestMonitor_StopKeepsEpisodesUntilNextStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []float64{0.9, 0.9, 0.9})
	changes, cancel := f.mon.Subscribe(4)
	defer cancel()

	ctx := context.Background()
	if err := f.mon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := range 3 {
		f.emit(t, time.Duration(i)*time.Second)
	}
	receive(t, changes)

	if err := f.mon.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.mon.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if f.src.Running() || f.src.HasTap() {
		t.Error("source still running or tapped after Stop")
	}
	if f.session.Closed() != 1 {
		t.Errorf("session closed %d times, want 1", f.session.Closed())
	}
	if got := len(f.mon.Episodes()); got != 1 {
		t.Errorf("Episodes after Stop = %d, want 1", got)
	}
	if info := f.mon.Info(); info.State != monitor.Idle || info.StoppedAt.IsZero() {
		t.Errorf("Info after Stop = %+v", info)
	}

	if err := f.mon.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := len(f.mon.Episodes()); got != 0 {
		t.Errorf("Episodes after restart = %d, want 0", got)
	}
}

func TestMonitor_StopReturnsAudioError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if err := f.mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.src.StopErr = errors.New("device vanished")

	err := f.mon.Stop()
	var audioErr *monitor.AudioError
	if !errors.As(err, &audioErr) || audioErr.Op != "stop" {
		t.Fatalf("Stop = %v, want *AudioError for stop", err)
	}
	if f.mon.State() != monitor.Idle {
		t.Error("monitor not idle after failed stop")
	}
	if err := f.mon.Stop(); err != nil {
		t.Errorf("Stop on idle monitor = %v, want nil", err)
	}
}

func TestMonitor_FirstMatchingResultPerBuffer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, monitor.WithConfig(monitor.Config{
		Detector: episode.Config{ConfidenceThreshold: 0.5, MaxGap: 20 * time.Second, MinDuration: time.Second},
		Label:    classifier.DefaultLabel,
	}))
	f.session.Result = []classifier.Classification{
		{Label: "speech", Confidence: 0.99},
		{Label: classifier.DefaultLabel, Confidence: 0.2},
		{Label: classifier.DefaultLabel, Confidence: 0.9},
	}
	changes, cancel := f.mon.Subscribe(4)
	defer cancel()

	if err := f.mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.emit(t, 0)
	f.emit(t, time.Second)

	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v: the first matching result is below threshold", c)
	case <-time.After(50 * time.Millisecond):
	}
	if _, ok := f.mon.Pending(); ok {
		t.Error("a span is pending although every first match was below threshold")
	}
}

func TestMonitor_SubscribeCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ch, cancel := f.mon.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}
}

func TestMonitor_SetConfigAppliesAtNextStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.mon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	next := monitor.DefaultConfig()
	next.Detector.MaxGap = 5 * time.Second
	if err := f.mon.SetConfig(next); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if got := f.mon.Info().Config.Detector.MaxGap; got != 20*time.Second {
		t.Errorf("running session MaxGap = %v, want 20s", got)
	}

	_ = f.mon.Stop()
	if err := f.mon.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := f.mon.Info().Config.Detector.MaxGap; got != 5*time.Second {
		t.Errorf("new session MaxGap = %v, want 5s", got)
	}

	bad := monitor.DefaultConfig()
	bad.Detector.ConfidenceThreshold = 2
	if err := f.mon.SetConfig(bad); err == nil {
		t.Error("SetConfig accepted threshold 2")
	}
}

func TestParseAccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		granted bool
		wantErr bool
	}{
		{in: "", granted: true},
		{in: "granted", granted: true},
		{in: " Denied ", granted: false},
		{in: "maybe", wantErr: true},
	}
	for _, tt := range tests {
		a, err := monitor.ParseAccess(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAccess(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && a.Granted != tt.granted {
			t.Errorf("ParseAccess(%q).Granted = %v, want %v", tt.in, a.Granted, tt.granted)
		}
	}
}
