// Package mock provides test doubles for the classifier package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config and
// to inject setup failures. Use Session to script per-buffer results and
// inspect the buffers that were submitted.
//
// Example:
//
//	sess := &mock.Session{
//	    Results: [][]classifier.Classification{{{Label: "crying_baby", Confidence: 0.9}}},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg classifier.Config
}

// Engine is a mock implementation of classifier.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session each call.
	Session classifier.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(_ context.Context, cfg classifier.Config) (classifier.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Calls returns a copy of the recorded NewSession calls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NewSessionCall, len(e.NewSessionCalls))
	copy(out, e.NewSessionCalls)
	return out
}

// Ensure Engine implements classifier.Engine at compile time.
var _ classifier.Engine = (*Engine)(nil)

// ClassifyCall records a single invocation of Session.Classify.
type ClassifyCall struct {
	// Frame is a copy of the bytes passed to Classify.
	Frame []byte
}

// Session is a mock implementation of classifier.SessionHandle.
type Session struct {
	mu sync.Mutex

	// FormatResult is returned by Format. Defaults to 16 kHz mono when zero.
	FormatResult audio.Format

	// Results is consumed one entry per Classify call. Once exhausted, Result
	// is returned for every further call.
	Results [][]classifier.Classification

	// Result is returned by Classify once Results is exhausted.
	Result []classifier.Classification

	// ClassifyFunc, if set, replaces the scripted results entirely. It is
	// called without the mock's lock held.
	ClassifyFunc func(ctx context.Context, frame []byte) ([]classifier.Classification, error)

	// ClassifyErr, if non-nil, is returned by every Classify call.
	ClassifyErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ClassifyCalls records every call to Classify in order.
	ClassifyCalls []ClassifyCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Classify records the call and returns the next scripted result.
func (s *Session) Classify(ctx context.Context, frame []byte) ([]classifier.Classification, error) {
	s.mu.Lock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.ClassifyCalls = append(s.ClassifyCalls, ClassifyCall{Frame: cp})
	fn := s.ClassifyFunc
	if fn == nil {
		defer s.mu.Unlock()
		if s.ClassifyErr != nil {
			return nil, s.ClassifyErr
		}
		if len(s.Results) > 0 {
			r := s.Results[0]
			s.Results = s.Results[1:]
			return r, nil
		}
		return s.Result, nil
	}
	s.mu.Unlock()
	return fn(ctx, frame)
}

// Format returns FormatResult, or 16 kHz mono when it is zero.
func (s *Session) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult == (audio.Format{}) {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.FormatResult
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Calls returns a copy of the recorded Classify calls. Thread-safe.
func (s *Session) Calls() []ClassifyCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClassifyCall, len(s.ClassifyCalls))
	copy(out, s.ClassifyCalls)
	return out
}

// Closed returns the number of Close calls. Thread-safe.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements classifier.SessionHandle at compile time.
var _ classifier.SessionHandle = (*Session)(nil)
