package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or was
// rejected by its breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// permanentError marks a failure that no later backend can fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [ExecuteFrom] stops at it instead of trying the
// next entry. The error is returned unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// FallbackConfig is the breaker template applied to every group entry. The
// entry name replaces CircuitBreaker.Name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [CircuitBreaker]. Entries are tried in registration order, starting
// from the primary. Register all entries before the group is used
// concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend that is tried after all earlier entries.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Name returns the name of entry i.
func (fg *FallbackGroup[T]) Name(i int) string { return fg.entries[i].name }

// Breaker returns the breaker guarding entry i.
func (fg *FallbackGroup[T]) Breaker(i int) *CircuitBreaker { return fg.entries[i].breaker }

// Execute runs fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, _, err := ExecuteFrom(fg, 0, -1, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against each entry in order until one succeeds and
// returns its result.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	r, _, err := ExecuteFrom(fg, 0, -1, fn)
	return r, err
}

// ExecuteFrom runs fn against the entries starting at index start and wrapping
// around, skipping index skip (pass -1 to skip none). It returns the result
// and index of the first entry that succeeds. Entries whose breaker is open
// are passed over. An error marked with [Permanent] ends the search, is
// returned without the marker and is not counted by the entry's breaker.
// When every entry fails the error wraps [ErrAllFailed] and the last backend
// error.
func ExecuteFrom[T, R any](fg *FallbackGroup[T], start, skip int, fn func(T) (R, error)) (R, int, error) {
	var (
		zero    R
		lastErr error
		n       = len(fg.entries)
	)
	for k := range n {
		i := (start + k) % n
		if i == skip {
			continue
		}
		entry := &fg.entries[i]
		var (
			result  R
			permErr error
		)
		err := entry.breaker.Execute(func() error {
			r, innerErr := fn(entry.value)
			// The backend answered; a permanent failure does not trip its breaker.
			var pe *permanentError
			if errors.As(innerErr, &pe) {
				permErr = pe.err
				return nil
			}
			result = r
			return innerErr
		})
		if permErr != nil {
			slog.Warn("backend failed permanently, not trying others", "backend", entry.name, "err", permErr)
			return zero, -1, permErr
		}
		if err == nil {
			return result, i, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no backend available")
	}
	return zero, -1, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
