package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by [Monitor.Start] when microphone
	// access was refused. The message is shown to the user as is.
	ErrPermissionDenied = errors.New("Allow microphone access to application in settings.") //nolint:staticcheck // shown verbatim

	// ErrClassifierSetup marks a classifier that could not be set up. A
	// session cannot run without one, so callers should not retry blindly.
	ErrClassifierSetup = errors.New("classifier could not be added")

	// ErrAudioSession marks a transient failure of the audio source. The
	// caller may retry.
	ErrAudioSession = errors.New("audio session failed")
)

// SetupError reports a failure to create the classifier session.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("monitor: %v: %v", ErrClassifierSetup, e.Err)
}

// Unwrap returns both [ErrClassifierSetup] and the engine error so that
// errors.Is matches either.
func (e *SetupError) Unwrap() []error { return []error{ErrClassifierSetup, e.Err} }

// AudioError reports a failure to start or stop the audio source.
type AudioError struct {
	// Op is "start" or "stop".
	Op  string
	Err error
}

func (e *AudioError) Error() string {
	return fmt.Sprintf("monitor: %s audio: %v", e.Op, e.Err)
}

// Unwrap returns both [ErrAudioSession] and the source error.
func (e *AudioError) Unwrap() []error { return []error{ErrAudioSession, e.Err} }
