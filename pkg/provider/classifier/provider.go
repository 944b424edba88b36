// Package classifier defines the Engine interface for sound classification
// backends.
//
// A classifier engine wraps a model that scores a fixed-size audio buffer
// against a set of sound classes (e.g., "crying_baby", "dog_bark", "speech")
// and surfaces it as a per-stream session. Creating a session is where model
// artifacts are loaded and validated, so a NewSession failure is a setup
// error that the caller should treat as fatal for the recording session.
//
// Classify is synchronous and may be slow (hundreds of milliseconds for a
// remote model). Callers must never invoke it on an audio capture goroutine;
// internal/classify runs it on a dedicated worker.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is used from one goroutine at a time.
package classifier

import (
	"context"
	"errors"

	"github.com/MrWong99/crywatch/pkg/audio"
)

var (
	// ErrModelLoad is returned by NewSession when the model artifact cannot be
	// loaded or the backend serving it is unreachable.
	ErrModelLoad = errors.New("classifier: model could not be loaded")

	// ErrUnavailable marks a transient backend failure: a transport error, a
	// 5xx or a rate limit. It is wrapped alongside ErrModelLoad when the model
	// could not be reached, as opposed to being rejected.
	ErrUnavailable = errors.New("classifier: backend unavailable")

	// ErrLabelMismatch is returned by NewSession when a requested label is not
	// produced by the model.
	ErrLabelMismatch = errors.New("classifier: requested label is not supported by the model")

	// ErrSessionClosed is returned by Classify after Close.
	ErrSessionClosed = errors.New("classifier: session is closed")
)

// IsConfigError reports whether err is a setup failure that retrying on the
// same or another backend cannot fix: a label mismatch, or a model that was
// reached but could not be loaded.
func IsConfigError(err error) bool {
	if errors.Is(err, ErrLabelMismatch) {
		return true
	}
	return errors.Is(err, ErrModelLoad) && !errors.Is(err, ErrUnavailable)
}

// SessionHandle represents an active classifier session for one audio stream.
// It is an interface so that test code can supply mock implementations without
// a live model.
type SessionHandle interface {
	// Classify analyses one buffer of 16-bit signed little-endian PCM in the
	// session's Format and returns the scored classes. An error affects this
	// buffer only; the session stays usable.
	Classify(ctx context.Context, frame []byte) ([]Classification, error)

	// Format returns the PCM format the session expects from Classify callers.
	Format() audio.Format

	// Close releases all resources associated with the session. After Close,
	// Classify returns ErrSessionClosed. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Engine is the factory for classifier sessions. It is the top-level interface
// implemented by each classification backend.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession loads the model and returns a session ready to accept
	// buffers. Errors wrap ErrModelLoad or ErrLabelMismatch where applicable.
	NewSession(ctx context.Context, cfg Config) (SessionHandle, error)
}
