// Package mock provides an in-memory [audio.Source] for unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and it exposes exported
// fields that the test can set to control return values. Frames are pushed
// to the installed tap with [Source.Emit], synchronously on the caller's
// goroutine, which stands in for the capture goroutine of a real source.
//
// Typical usage:
//
//	src := &mock.Source{FormatResult: audio.Format{SampleRate: 16000, Channels: 1}}
//	c.Attach(src)
//	src.Emit(audio.Frame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/crywatch/pkg/audio"
)

// InstallTapCall records the arguments of a single [Source.InstallTap] invocation.
type InstallTapCall struct {
	// BufferSize is the bufferSize argument passed to InstallTap.
	BufferSize int
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// FormatResult is returned by [Source.Format]. Defaults to 16 kHz mono
	// when left zero.
	FormatResult audio.Format

	// StartErr is returned by Start. A failed Start leaves the source stopped.
	StartErr error

	// StopErr is returned by Stop. The source is stopped regardless.
	StopErr error

	// InstallTapCalls records all InstallTap invocations.
	InstallTapCalls []InstallTapCall

	// CallCountRemoveTap records how many times RemoveTap was called.
	CallCountRemoveTap int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	tap     audio.TapFunc
	running bool
	next    int64
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult == (audio.Format{}) {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.FormatResult
}

// InstallTap implements [audio.Source]. The tap replaces any previous one.
func (s *Source) InstallTap(bufferSize int, tap audio.TapFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InstallTapCalls = append(s.InstallTapCalls, InstallTapCall{BufferSize: bufferSize})
	s.tap = tap
}

// RemoveTap implements [audio.Source].
func (s *Source) RemoveTap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRemoveTap++
	s.tap = nil
}

// Start implements [audio.Source]. Returns StartErr.
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.running = true
	return nil
}

// Stop implements [audio.Source]. Returns StopErr.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	return s.StopErr
}

// Running reports whether Start succeeded and Stop has not been called since.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// HasTap reports whether a tap is currently installed.
func (s *Source) HasTap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tap != nil
}

// Emit delivers frame to the installed tap and reports whether a tap received
// it. A zero SampleTime is replaced by the running sample counter so that
// consecutive emitted frames have increasing sample times.
func (s *Source) Emit(frame audio.Frame) bool {
	s.mu.Lock()
	tap := s.tap
	if frame.SampleTime == 0 {
		frame.SampleTime = s.next
	}
	s.next = frame.SampleTime + int64(frame.Samples())
	s.mu.Unlock()

	if tap == nil {
		return false
	}
	tap(frame)
	return true
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)
