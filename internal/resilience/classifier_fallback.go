package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/crywatch/internal/observe"
	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
)

// ClassifierFallback implements [classifier.Engine] over an ordered list of
// engines. NewSession opens a session on the first healthy engine. When the
// breaker of the active engine opens during Classify, the session moves to the
// next healthy engine; the failing buffer is reported as an error and the
// following buffers go to the new engine.
type ClassifierFallback struct {
	group   *FallbackGroup[classifier.Engine]
	metrics *observe.Metrics
}

var _ classifier.Engine = (*ClassifierFallback)(nil)

// ClassifierFallbackOption is a functional option for [NewClassifierFallback].
type ClassifierFallbackOption func(*ClassifierFallback)

// WithFailoverMetrics records failovers on m instead of [observe.DefaultMetrics].
func WithFailoverMetrics(m *observe.Metrics) ClassifierFallbackOption {
	return func(f *ClassifierFallback) { f.metrics = m }
}

// NewClassifierFallback creates a fallback engine with primary as the
// preferred backend.
func NewClassifierFallback(primary classifier.Engine, primaryName string, cfg FallbackConfig, opts ...ClassifierFallbackOption) *ClassifierFallback {
	f := &ClassifierFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// AddFallback registers another engine, tried after all earlier ones.
func (f *ClassifierFallback) AddFallback(name string, engine classifier.Engine) {
	f.group.AddFallback(name, engine)
}

// Health returns nil while at least one engine's breaker admits calls.
func (f *ClassifierFallback) Health(context.Context) error {
	for i := range f.group.Len() {
		if f.group.Breaker(i).State() != StateOpen {
			return nil
		}
	}
	return ErrCircuitOpen
}

// NewSession implements [classifier.Engine]. Only transient failures move on
// to the next engine; a configuration error ([classifier.IsConfigError]) of
// an engine is returned at once.
func (f *ClassifierFallback) NewSession(ctx context.Context, cfg classifier.Config) (classifier.SessionHandle, error) {
	h, idx, err := ExecuteFrom(f.group, 0, -1, openSession(ctx, cfg))
	if err != nil {
		return nil, err
	}
	if idx != 0 {
		f.metrics.RecordFailover(ctx, f.group.Name(0), f.group.Name(idx))
	}
	return &failoverSession{fb: f, cfg: cfg, idx: idx, handle: h}, nil
}

func openSession(ctx context.Context, cfg classifier.Config) func(classifier.Engine) (classifier.SessionHandle, error) {
	return func(e classifier.Engine) (classifier.SessionHandle, error) {
		h, err := e.NewSession(ctx, cfg)
		if err != nil && classifier.IsConfigError(err) {
			return nil, Permanent(err)
		}
		return h, err
	}
}

type failoverSession struct {
	fb  *ClassifierFallback
	cfg classifier.Config

	mu     sync.Mutex
	idx    int
	handle classifier.SessionHandle
	closed bool
}

// Classify forwards to the active engine's session.
func (s *failoverSession) Classify(ctx context.Context, frame []byte) ([]classifier.Classification, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, classifier.ErrSessionClosed
	}
	h, idx := s.handle, s.idx
	s.mu.Unlock()

	breaker := s.fb.group.Breaker(idx)
	var out []classifier.Classification
	err := breaker.Execute(func() error {
		var innerErr error
		out, innerErr = h.Classify(ctx, frame)
		return innerErr
	})
	if err == nil {
		return out, nil
	}
	if ctx.Err() == nil && s.fb.group.Len() > 1 &&
		(errors.Is(err, ErrCircuitOpen) || breaker.State() == StateOpen) {
		s.failover(ctx, idx)
	}
	return nil, err
}

func (s *failoverSession) failover(ctx context.Context, from int) {
	next, idx, err := ExecuteFrom(s.fb.group, from+1, from, openSession(ctx, s.cfg))
	if err != nil {
		slog.Warn("classifier failover found no healthy engine, staying on current",
			"engine", s.fb.group.Name(from), "err", err)
		return
	}

	s.mu.Lock()
	if s.closed || s.idx != from {
		s.mu.Unlock()
		_ = next.Close()
		return
	}
	old := s.handle
	s.handle, s.idx = next, idx
	s.mu.Unlock()

	if err := old.Close(); err != nil {
		slog.Debug("closing failed classifier session", "engine", s.fb.group.Name(from), "err", err)
	}
	s.fb.metrics.RecordFailover(ctx, s.fb.group.Name(from), s.fb.group.Name(idx))
	slog.Warn("classifier failed over",
		"from", s.fb.group.Name(from), "to", s.fb.group.Name(idx))
}

// Format returns the active engine's input format. It can change after a
// failover.
func (s *failoverSession) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Format()
}

// Engine returns the name of the active engine.
func (s *failoverSession) Engine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fb.group.Name(s.idx)
}

// Close closes the active session. Later calls are no-ops.
func (s *failoverSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.handle.Close()
}
