// Package pcm provides an [audio.Source] that reads raw 16-bit signed
// little-endian PCM from an [io.Reader]. The usual producer is an external
// capture tool writing to stdin or a FIFO:
//
//	arecord -f S16_LE -r 16000 -c 1 -t raw | crywatch -config crywatch.yaml
//
// The reader is consumed by one long-lived goroutine started on the first
// Start. Stop pauses delivery without closing the reader; captured data that
// arrives while stopped is discarded so that a resumed session starts with
// live audio.
package pcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/crywatch/pkg/audio"
)

// Source cuts a PCM byte stream into tap buffers. All methods are safe for
// concurrent use.
type Source struct {
	r      io.Reader
	format audio.Format
	now    func() time.Time

	// deliverMu is held while the tap runs so that Stop can wait for an
	// in-flight delivery.
	deliverMu sync.Mutex

	mu         sync.Mutex
	tap        audio.TapFunc
	bufferSize int
	running    bool
	reading    bool
	eof        bool
	position   int64
	epoch      time.Time
	stopped    chan struct{} // closed when the reader goroutine exits
}

// Option is a functional option for [New].
type Option func(*Source)

// WithClock overrides the wall clock used to anchor frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// New returns a stopped source reading PCM in the given format from r.
func New(r io.Reader, format audio.Format, opts ...Option) (*Source, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("pcm: %w", err)
	}
	s := &Source{
		r:          r,
		format:     format,
		now:        time.Now,
		bufferSize: audio.DefaultBufferSize,
		stopped:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return s.format
}

// InstallTap implements [audio.Source].
func (s *Source) InstallTap(bufferSize int, tap audio.TapFunc) {
	if bufferSize <= 0 {
		bufferSize = audio.DefaultBufferSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferSize = bufferSize
	s.tap = tap
}

// RemoveTap implements [audio.Source].
func (s *Source) RemoveTap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tap = nil
}

// Start implements [audio.Source]. It returns [audio.ErrSourceClosed] once the
// reader has reached EOF.
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof {
		return audio.ErrSourceClosed
	}
	if s.running {
		return nil
	}
	s.running = true
	// Frame times are anchored to the wall clock at the start of each run,
	// offset by the position in the stream.
	s.epoch = s.now().Add(-s.offset(s.position))
	if !s.reading {
		s.reading = true
		go s.readLoop()
	}
	return nil
}

// Stop implements [audio.Source]. Once Stop returns the tap is not running and
// frames read afterwards are discarded.
func (s *Source) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	return nil
}

// Done is closed when the reader has been consumed to EOF or failed.
func (s *Source) Done() <-chan struct{} {
	return s.stopped
}

func (s *Source) readLoop() {
	defer close(s.stopped)

	blockAlign := s.format.Channels * 2
	var buf []byte
	for {
		s.mu.Lock()
		size := s.bufferSize * blockAlign
		s.mu.Unlock()
		if cap(buf) < size {
			buf = make([]byte, size)
		}
		buf = buf[:size]

		n, err := io.ReadFull(s.r, buf)
		n -= n % blockAlign
		if n > 0 {
			s.deliver(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("pcm: read failed, closing source", "err", err)
			}
			s.mu.Lock()
			s.eof = true
			s.running = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *Source) deliver(data []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	start := s.position
	s.position += int64(len(data) / (s.format.Channels * 2))
	if !s.running || s.tap == nil {
		s.mu.Unlock()
		return
	}
	tap := s.tap
	at := s.epoch.Add(s.offset(start))
	s.mu.Unlock()

	out := make([]byte, len(data))
	copy(out, data)
	tap(audio.Frame{
		Data:       out,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		SampleTime: start,
		CapturedAt: at,
	})
}

func (s *Source) offset(sampleFrames int64) time.Duration {
	return time.Duration(sampleFrames) * time.Second / time.Duration(s.format.SampleRate)
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)
