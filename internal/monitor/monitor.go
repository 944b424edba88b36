// Package monitor is the single controller of a CryWatch recording session.
//
// A [Monitor] owns one audio source and one classifier engine. Each call to
// [Monitor.Start] begins a session with a fresh [episode.Aggregator] and a
// fresh [classify.Classifier]; classifier results are handed to one
// aggregation goroutine over a channel, so the aggregator is only ever driven
// from that goroutine. Every visible change of the episode list is published
// as a [Change] to subscribers.
//
// All exported methods are safe for concurrent use.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/crywatch/internal/classify"
	"github.com/MrWong99/crywatch/internal/observe"
	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/episode"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
)

// defaultEventBuffer is the capacity of the channel between the classifier
// worker and the aggregation goroutine.
const defaultEventBuffer = 64

// State is the lifecycle state of a [Monitor].
type State int

const (
	// Idle means no session is running.
	Idle State = iota

	// Running means a session is recording and classifying.
	Running
)

// String returns "idle" or "running".
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Config holds the per-session detector settings. A session keeps the config
// it was started with; changes apply at the next Start.
type Config struct {
	// Detector holds the aggregation thresholds.
	Detector episode.Config

	// Label is the sound class tracked. Default: [classifier.DefaultLabel].
	Label string

	// QueueSize is the classifier queue capacity. Zero selects the
	// classifier default.
	QueueSize int

	// BufferSize is the tap buffer size in sample frames. Zero selects
	// [audio.DefaultBufferSize].
	BufferSize int
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		Detector:   episode.DefaultConfig(),
		Label:      classifier.DefaultLabel,
		BufferSize: audio.DefaultBufferSize,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if err := c.Detector.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Label == "" {
		errs = append(errs, errors.New("monitor: label must not be empty"))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("monitor: queue size %d must not be negative", c.QueueSize))
	}
	if c.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("monitor: buffer size %d must not be negative", c.BufferSize))
	}
	return errors.Join(errs...)
}

// Info describes the current or most recent session.
type Info struct {
	// SessionID identifies the session. Empty before the first Start.
	SessionID string

	// StartedAt is when the session started.
	StartedAt time.Time

	// StoppedAt is when the session stopped. Zero while running.
	StoppedAt time.Time

	// State is the monitor state.
	State State

	// Config is the config the session runs with.
	Config Config
}

// Change is one visible change of the episode list.
type Change struct {
	// SessionID is the session the change belongs to.
	SessionID string

	// Kind is [episode.CreatedNewEntry] or [episode.ModifiedExistingEntry].
	Kind episode.Modification

	// Episode is the most recent episode after the change.
	Episode episode.Episode

	// Index is the position of Episode in the list, oldest first. It is always
	// the last index.
	Index int

	// Count is the list length after the change.
	Count int
}

// Option is a functional option for [New].
type Option func(*Monitor)

// WithAuthorizer sets the microphone access gate. Default: [AllowAll].
func WithAuthorizer(a Authorizer) Option {
	return func(m *Monitor) { m.auth = a }
}

// WithConfig sets the initial session config. Default: [DefaultConfig].
func WithConfig(cfg Config) Option {
	return func(m *Monitor) { m.cfg = cfg }
}

// WithMetrics records metrics on met instead of [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = met }
}

// WithEventBuffer sets the capacity of the classifier-to-aggregator channel.
func WithEventBuffer(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.eventBuffer = n
		}
	}
}

// running holds the resources of one session.
type running struct {
	cls       *classify.Classifier
	cancelObs func()
	events    chan classify.Event
	loopDone  chan struct{}
}

// Monitor controls recording sessions.
type Monitor struct {
	src         audio.Source
	engine      classifier.Engine
	auth        Authorizer
	metrics     *observe.Metrics
	eventBuffer int

	mu   sync.Mutex
	cfg  Config
	info Info
	run  *running

	// aggMu guards agg. The aggregation goroutine holds it for each Record;
	// readers hold it to take a snapshot.
	aggMu sync.Mutex
	agg   *episode.Aggregator

	subMu   sync.RWMutex
	subs    map[uint64]chan Change
	nextSub uint64
}

// New creates an idle monitor for src and engine.
func New(src audio.Source, engine classifier.Engine, opts ...Option) *Monitor {
	m := &Monitor{
		src:         src,
		engine:      engine,
		auth:        AllowAll,
		cfg:         DefaultConfig(),
		eventBuffer: defaultEventBuffer,
		subs:        make(map[uint64]chan Change),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.cfg.Label == "" {
		m.cfg.Label = classifier.DefaultLabel
	}
	return m
}

// SetConfig replaces the config used by the next session. A running session
// keeps its config.
func (m *Monitor) SetConfig(cfg Config) error {
	if cfg.Label == "" {
		cfg.Label = classifier.DefaultLabel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Start begins a session. Starting a running monitor is a no-op.
//
// Errors:
//   - access refused: matches [ErrPermissionDenied]; nothing was started.
//   - classifier session failed: a [*SetupError] matching
//     [ErrClassifierSetup]; nothing was started.
//   - audio source failed: an [*AudioError] matching [ErrAudioSession];
//     everything was torn down and the call may be retried.
func (m *Monitor) Start(ctx context.Context) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run != nil {
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "monitor.start")
	defer func() { observe.EndSpan(span, err) }()

	if err := m.auth.Authorize(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			m.metrics.RecordSessionStart(context.WithoutCancel(ctx), "canceled")
			return err
		}
		m.metrics.RecordSessionStart(ctx, "permission_denied")
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	cfg := m.cfg
	srcFormat := m.src.Format()
	session, err := m.engine.NewSession(ctx, classifier.Config{
		SampleRate: srcFormat.SampleRate,
		Channels:   srcFormat.Channels,
		Labels:     []string{cfg.Label},
	})
	if err != nil {
		m.metrics.RecordSessionStart(ctx, "setup_failed")
		slog.Error("classifier setup failed", "err", err)
		return &SetupError{Err: err}
	}

	clsOpts := []classify.Option{
		classify.WithMetrics(m.metrics),
		classify.WithLabels(cfg.Label),
		classify.WithQueueSize(cfg.QueueSize),
		classify.WithBufferSize(cfg.BufferSize),
	}
	cls := classify.New(session, clsOpts...)

	agg := episode.New(cfg.Detector)
	sessionID := uuid.NewString()
	run := &running{
		cls:      cls,
		events:   make(chan classify.Event, m.eventBuffer),
		loopDone: make(chan struct{}),
	}
	events := run.events
	run.cancelObs = cls.OnResult(func(ev classify.Event) { events <- ev })

	if err := cls.Attach(m.src); err != nil {
		run.cancelObs()
		_ = cls.Close()
		m.metrics.RecordSessionStart(ctx, "setup_failed")
		return &SetupError{Err: err}
	}

	m.aggMu.Lock()
	prev := m.agg
	m.agg = agg
	m.aggMu.Unlock()

	go m.loop(sessionID, agg, cfg.Label, run.events, run.loopDone)

	// The source outlives the request that started the session.
	if err := m.src.Start(context.WithoutCancel(ctx)); err != nil {
		m.teardown(run)
		m.aggMu.Lock()
		m.agg = prev
		m.aggMu.Unlock()
		m.metrics.RecordSessionStart(ctx, "audio_unavailable")
		slog.Warn("audio source failed to start", "err", err)
		return &AudioError{Op: "start", Err: err}
	}

	m.run = run
	m.info = Info{
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
		State:     Running,
		Config:    cfg,
	}
	m.metrics.RecordSessionStart(ctx, "ok")
	m.metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session started",
		"session_id", sessionID,
		"source_format", srcFormat.String(),
		"classifier_format", session.Format().String(),
		"label", cfg.Label,
		"threshold", cfg.Detector.ConfidenceThreshold,
		"max_gap", cfg.Detector.MaxGap,
		"min_duration", cfg.Detector.MinDuration,
	)
	return nil
}

// Stop ends the running session. Stopping an idle monitor is a no-op. The
// episode list of the stopped session stays readable until the next Start.
// A source failure is returned as an [*AudioError]; the monitor is idle
// afterwards regardless.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := m.run
	if run == nil {
		return nil
	}
	m.run = nil

	stopErr := m.teardown(run)

	m.info.State = Idle
	m.info.StoppedAt = time.Now().UTC()
	m.metrics.ActiveSessions.Add(context.Background(), -1)

	slog.Info("session stopped",
		"session_id", m.info.SessionID,
		"duration", m.info.StoppedAt.Sub(m.info.StartedAt).Round(time.Second),
		"episodes", len(m.Episodes()),
	)
	if stopErr != nil {
		slog.Warn("audio source failed to stop cleanly", "err", stopErr)
		return &AudioError{Op: "stop", Err: stopErr}
	}
	return nil
}

// teardown detaches the tap, stops the source, closes the classifier and
// waits for the aggregation goroutine to drain.
func (m *Monitor) teardown(run *running) error {
	run.cls.Detach()
	stopErr := m.src.Stop()
	if err := run.cls.Close(); err != nil {
		slog.Warn("closing classifier", "err", err)
	}
	run.cancelObs()
	// The classifier worker has exited, so nothing sends on events anymore.
	close(run.events)
	<-run.loopDone
	return stopErr
}

func (m *Monitor) loop(sessionID string, agg *episode.Aggregator, label string, events <-chan classify.Event, done chan<- struct{}) {
	defer close(done)

	ctx := context.Background()
	handled := false
	var last int64
	for ev := range events {
		if ev.Label != label {
			continue
		}
		// Only the first matching result of an analysed buffer counts.
		if handled && ev.SampleTime == last {
			continue
		}
		handled, last = true, ev.SampleTime

		m.aggMu.Lock()
		before := agg.Clamped()
		mod := agg.Record(ev.Confidence, ev.CapturedAt)
		clamped := agg.Clamped() > before
		var (
			latest episode.Episode
			count  int
		)
		if mod != episode.NoChange {
			latest, _ = agg.Last()
			count = agg.Len()
		}
		m.aggMu.Unlock()

		if clamped {
			m.metrics.AggregatorClamped.Add(ctx, 1)
			slog.Debug("observation time moved backwards, clamped",
				"session_id", sessionID, "captured_at", ev.CapturedAt)
		}
		if mod == episode.NoChange {
			continue
		}

		m.metrics.RecordModification(ctx, mod.String())
		m.publish(Change{
			SessionID: sessionID,
			Kind:      mod,
			Episode:   latest,
			Index:     count - 1,
			Count:     count,
		})
	}
}

// Subscribe returns a channel that receives every published [Change] and a
// cancel func that unregisters it and closes the channel. Publishing never
// blocks: a change is dropped for a subscriber whose buffer is full, and the
// subscriber can resync with [Monitor.Episodes]. Cancel is idempotent.
func (m *Monitor) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Change, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Monitor) publish(c Change) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- c:
		default:
			slog.Debug("subscriber too slow, change dropped", "session_id", c.SessionID, "index", c.Index)
		}
	}
}

// Episodes returns a snapshot of the episode list, oldest first.
func (m *Monitor) Episodes() []episode.Episode {
	m.aggMu.Lock()
	defer m.aggMu.Unlock()
	if m.agg == nil {
		return nil
	}
	return m.agg.Episodes()
}

// Pending returns the candidate span that has not yet reached the minimum
// duration, if any.
func (m *Monitor) Pending() (episode.Episode, bool) {
	m.aggMu.Lock()
	defer m.aggMu.Unlock()
	if m.agg == nil {
		return episode.Episode{}, false
	}
	return m.agg.Pending()
}

// State returns the monitor state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return Idle
	}
	return Running
}

// Info describes the current or most recent session.
func (m *Monitor) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.info
	if info.SessionID == "" {
		info.Config = m.cfg
	}
	return info
}

// Config returns the config the next session will use.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}
