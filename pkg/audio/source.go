// Package audio defines the audio capture contract used by crywatch and the
// PCM helpers shared by sources and classifiers.
//
// The central abstraction is [Source]: something that captures audio and
// hands fixed-size [Frame] buffers to exactly one registered tap, in strict
// temporal order, on a goroutine the source owns. Concrete sources live in
// sub-packages (audio/wav, audio/pcm); tests use audio/mock.
//
// This package lives under pkg/ because external code (platform capture
// adapters) is expected to implement [Source].
package audio

import (
	"context"
	"errors"
	"fmt"
)

// DefaultBufferSize is the number of sample frames per tap buffer. At 16 kHz
// it is just under one second of audio, which matches the analysis window of
// the sound classifier.
const DefaultBufferSize = 15600

// ErrSourceClosed is returned by Start after a source has reached the end of
// its input and cannot be restarted.
var ErrSourceClosed = errors.New("audio: source closed")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable format description, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

// Validate reports whether the format can carry audio.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count %d must be positive", f.Channels)
	}
	return nil
}

// TapFunc receives every captured buffer. It runs on the source's capture
// goroutine and must return quickly; it must never block on analysis.
type TapFunc func(Frame)

// Source captures audio and delivers fixed-size buffers to a single tap.
//
// Frames are delivered in strict temporal order with non-decreasing
// SampleTime. Implementations must be safe for concurrent use.
type Source interface {
	// Format returns the native format of the frames delivered to the tap.
	Format() Format

	// InstallTap registers tap to receive buffers of bufferSize sample frames.
	// Any previously installed tap is replaced. A bufferSize <= 0 selects
	// [DefaultBufferSize].
	InstallTap(bufferSize int, tap TapFunc)

	// RemoveTap unregisters the current tap. Buffers captured afterwards are
	// discarded. Removing when no tap is installed is a no-op.
	RemoveTap()

	// Start begins capture. ctx governs the capture goroutine. Starting an
	// already started source is a no-op and returns nil.
	Start(ctx context.Context) error

	// Stop ends capture. When Stop returns the tap is not running and will
	// not be called again before the next Start. Stopping a stopped source is
	// a no-op and returns nil.
	Stop() error
}
