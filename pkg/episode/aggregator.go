// Package episode turns a stream of per-frame cry confidence scores into a
// list of discrete cry episodes.
//
// An [Aggregator] is a small state machine with three states:
//
//   - idle: nothing above threshold has been observed yet.
//   - pending: a run of above-threshold frames is accumulating but has not
//     lasted [Config.MinDuration] yet. Pending spans are never visible.
//   - tracking: the most recent committed episode may still be extended by
//     above-threshold frames arriving within [Config.MaxGap].
//
// Below-threshold frames are ignored entirely. Gap timing is driven only by
// the time elapsed between above-threshold observations.
//
// An Aggregator is not safe for concurrent use. Callers must serialise calls
// to [Aggregator.Record], typically by owning the aggregator from a single
// goroutine.
package episode

import (
	"errors"
	"fmt"
	"time"
)

// Default tuning values.
const (
	DefaultConfidenceThreshold = 0.5
	DefaultMaxGap              = 20 * time.Second
	DefaultMinDuration         = 2 * time.Second
)

// Episode is a confirmed cry interval. Start is never after End.
type Episode struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (e Episode) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Config holds the aggregator tuning knobs. It is copied into the aggregator
// at construction and cannot change afterwards.
type Config struct {
	// ConfidenceThreshold is the minimum confidence (inclusive) for a frame to
	// count as crying. Range: [0.0, 1.0].
	ConfidenceThreshold float64

	// MaxGap is the longest silence between two above-threshold observations
	// that still joins them into one episode.
	MaxGap time.Duration

	// MinDuration is how long a run must last before it becomes a visible
	// episode.
	MinDuration time.Duration
}

// DefaultConfig returns the stock tuning: 0.5 confidence, 20s gap, 2s minimum.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MaxGap:              DefaultMaxGap,
		MinDuration:         DefaultMinDuration,
	}
}

// Validate reports every out-of-range field as one joined error.
func (c Config) Validate() error {
	var errs []error
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("episode: confidence threshold %.3f is out of range [0, 1]", c.ConfidenceThreshold))
	}
	if c.MaxGap < 0 {
		errs = append(errs, fmt.Errorf("episode: max gap %s must not be negative", c.MaxGap))
	}
	if c.MinDuration < 0 {
		errs = append(errs, fmt.Errorf("episode: min duration %s must not be negative", c.MinDuration))
	}
	return errors.Join(errs...)
}

// Modification describes what a call to [Aggregator.Record] did to the
// visible episode list.
type Modification int

const (
	// NoChange means the visible list is unchanged.
	NoChange Modification = iota

	// CreatedNewEntry means one episode was appended at the most recent
	// position.
	CreatedNewEntry

	// ModifiedExistingEntry means only the most recent episode changed.
	ModifiedExistingEntry
)

// String returns the name of the modification.
func (m Modification) String() string {
	switch m {
	case NoChange:
		return "no_change"
	case CreatedNewEntry:
		return "created"
	case ModifiedExistingEntry:
		return "modified"
	default:
		return "unknown"
	}
}

// phase is the aggregator state.
type phase int

const (
	phaseIdle phase = iota
	phasePending
	phaseTracking
)

// Aggregator owns the episode list of one recording session.
type Aggregator struct {
	cfg Config

	phase    phase
	pending  Episode // valid only in phasePending
	episodes []Episode

	// lastSeen is the latest above-threshold time observed; used to clamp
	// out-of-order observations.
	lastSeen time.Time
	clamped  int
}

// New creates an idle aggregator with the given config.
func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Config returns the aggregator's config.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// Record feeds one confidence score produced at now and reports how the
// visible episode list changed. Record never fails.
//
// A now earlier than the previous above-threshold observation is clamped to
// that observation, so episode end times never move backwards.
func (a *Aggregator) Record(confidence float64, now time.Time) Modification {
	if confidence < a.cfg.ConfidenceThreshold {
		return NoChange
	}

	if a.phase == phaseIdle {
		a.lastSeen = now
		a.pending = Episode{Start: now, End: now}
		a.phase = phasePending
		return NoChange
	}

	if now.Before(a.lastSeen) {
		a.clamped++
		now = a.lastSeen
	}
	a.lastSeen = now

	// lastRecorded is the end of the pending span while pending, otherwise
	// the end of the last committed episode. Promotion resets the pending span
	// and a fresh span always starts after the last episode's end, so the
	// larger of the two is always the one belonging to the current phase.
	if gap := now.Sub(a.lastRecorded()); gap > a.cfg.MaxGap {
		a.pending = Episode{Start: now, End: now}
		a.phase = phasePending
		return NoChange
	}

	switch a.phase {
	case phasePending:
		span := Episode{Start: a.pending.Start, End: now}
		if span.Duration() >= a.cfg.MinDuration {
			a.pending = Episode{}
			a.episodes = append(a.episodes, span)
			a.phase = phaseTracking
			return CreatedNewEntry
		}
		a.pending = span
		return NoChange

	case phaseTracking:
		a.episodes[len(a.episodes)-1].End = now
		return ModifiedExistingEntry
	}

	return NoChange
}

// lastRecorded returns max(pending end, last episode end).
func (a *Aggregator) lastRecorded() time.Time {
	var t time.Time
	if a.phase == phasePending {
		t = a.pending.End
	}
	if n := len(a.episodes); n > 0 && a.episodes[n-1].End.After(t) {
		t = a.episodes[n-1].End
	}
	return t
}

// Episodes returns a copy of the committed episodes, oldest first.
func (a *Aggregator) Episodes() []Episode {
	out := make([]Episode, len(a.episodes))
	copy(out, a.episodes)
	return out
}

// Len returns the number of committed episodes.
func (a *Aggregator) Len() int {
	return len(a.episodes)
}

// Last returns the most recent committed episode.
func (a *Aggregator) Last() (Episode, bool) {
	if len(a.episodes) == 0 {
		return Episode{}, false
	}
	return a.episodes[len(a.episodes)-1], true
}

// Pending returns the span that has not lasted long enough to be committed,
// if one is accumulating.
func (a *Aggregator) Pending() (Episode, bool) {
	if a.phase != phasePending {
		return Episode{}, false
	}
	return a.pending, true
}

// Clamped returns how many observations arrived with a time earlier than the
// previous above-threshold observation.
func (a *Aggregator) Clamped() int {
	return a.clamped
}
