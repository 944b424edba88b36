// Package energy provides a pure-Go classifier engine that scores a buffer by
// its loudness. It maps the RMS level of each buffer linearly onto a
// confidence between a floor (silence) and a ceiling (sustained crying) and
// smooths the result exponentially across buffers, so that a single door slam
// does not register as a cry.
//
// It is the fallback engine when no model server is configured and the
// default engine for local development.
package energy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
)

const (
	defaultSampleRate = 16000
	defaultFloor      = 0.02
	defaultCeiling    = 0.25
	defaultSmoothing  = 0.6
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLabel sets the single label the engine reports. Defaults to
// classifier.DefaultLabel.
func WithLabel(label string) Option {
	return func(e *Engine) { e.label = label }
}

// WithSampleRate sets the sample rate sessions expect when the session Config
// leaves it zero. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) { e.sampleRate = rate }
}

// WithRange sets the normalised RMS levels mapped to confidence 0 and 1.
// Levels are fractions of full scale in [0, 1]. Defaults: 0.02 and 0.25.
func WithRange(floor, ceiling float64) Option {
	return func(e *Engine) { e.floor, e.ceiling = floor, ceiling }
}

// WithSmoothing sets the weight of the newest buffer in the exponential
// moving average. 1 disables smoothing. Defaults to 0.6.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) { e.alpha = alpha }
}

// Engine implements classifier.Engine using RMS energy.
type Engine struct {
	label      string
	sampleRate int
	floor      float64
	ceiling    float64
	alpha      float64
}

// New creates an energy Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		label:      classifier.DefaultLabel,
		sampleRate: defaultSampleRate,
		floor:      defaultFloor,
		ceiling:    defaultCeiling,
		alpha:      defaultSmoothing,
	}
	for _, o := range opts {
		o(e)
	}
	var errs []error
	if e.label == "" {
		errs = append(errs, errors.New("energy: label must not be empty"))
	}
	if e.sampleRate <= 0 {
		errs = append(errs, fmt.Errorf("energy: sample rate %d must be positive", e.sampleRate))
	}
	if e.floor < 0 || e.ceiling > 1 || e.floor >= e.ceiling {
		errs = append(errs, fmt.Errorf("energy: range [%.3f, %.3f] must satisfy 0 <= floor < ceiling <= 1", e.floor, e.ceiling))
	}
	if e.alpha <= 0 || e.alpha > 1 {
		errs = append(errs, fmt.Errorf("energy: smoothing %.3f must be in (0, 1]", e.alpha))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return e, nil
}

// NewSession implements classifier.Engine. Any requested label other than the
// engine's own fails with classifier.ErrLabelMismatch.
func (e *Engine) NewSession(ctx context.Context, cfg classifier.Config) (classifier.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	for _, l := range cfg.Labels {
		if l != e.label {
			return nil, fmt.Errorf("energy: label %q (engine reports %q): %w", l, e.label, classifier.ErrLabelMismatch)
		}
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = e.sampleRate
	}
	return &session{
		label:   e.label,
		format:  audio.Format{SampleRate: rate, Channels: 1},
		floor:   e.floor,
		ceiling: e.ceiling,
		alpha:   e.alpha,
	}, nil
}

// Ensure Engine implements classifier.Engine at compile time.
var _ classifier.Engine = (*Engine)(nil)

type session struct {
	label   string
	format  audio.Format
	floor   float64
	ceiling float64
	alpha   float64

	mu       sync.Mutex
	smoothed float64
	primed   bool
	closed   bool
}

func (s *session) Classify(_ context.Context, frame []byte) ([]classifier.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, classifier.ErrSessionClosed
	}
	if len(frame) < 2 {
		return nil, fmt.Errorf("energy: buffer of %d bytes holds no samples", len(frame))
	}

	conf := (RMS(frame) - s.floor) / (s.ceiling - s.floor)
	conf = max(0, min(1, conf))
	if !s.primed {
		s.smoothed = conf
		s.primed = true
	} else {
		s.smoothed = s.alpha*conf + (1-s.alpha)*s.smoothed
	}
	return []classifier.Classification{{Label: s.label, Confidence: s.smoothed}}, nil
}

func (s *session) Format() audio.Format { return s.format }

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// RMS returns the root-mean-square level of 16-bit PCM as a fraction of full
// scale. Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
