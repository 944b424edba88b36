// Package wav provides an [audio.Source] that replays a WAV recording as if it
// were a live microphone. It is used to run the detector against recorded
// nursery audio and as a deterministic source in integration tests.
//
// Decoding is done by github.com/gopxl/beep/wav. Samples are converted back to
// 16-bit PCM and cut into buffers of the size requested by the tap. By default
// buffers are paced in real time; [WithRealtime](false) replays as fast as the
// consumer accepts them. Frame timestamps are always derived from the sample
// position, so episodes detected in a fast replay carry the same times as in
// a real-time one.
package wav

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	beepwav "github.com/gopxl/beep/wav"

	"github.com/MrWong99/crywatch/pkg/audio"
)

// Option is a functional option for [Open].
type Option func(*Source)

// WithRealtime controls whether buffers are paced to the recording's sample
// rate. Default: true.
func WithRealtime(realtime bool) Option {
	return func(s *Source) { s.realtime = realtime }
}

// WithLoop restarts playback from the beginning when the file ends. Sample
// times keep increasing across loops. Default: false.
func WithLoop(loop bool) Option {
	return func(s *Source) { s.loop = loop }
}

// WithEpoch sets the wall-clock time that corresponds to sample 0. By default
// the clock is anchored at each Start.
func WithEpoch(t time.Time) Option {
	return func(s *Source) { s.epoch, s.fixedEpoch = t, true }
}

// Source replays a decoded WAV stream. All methods are safe for concurrent use.
type Source struct {
	path     string
	realtime bool
	loop     bool

	mu         sync.Mutex
	streamer   beep.StreamSeekCloser
	format     audio.Format
	tap        audio.TapFunc
	bufferSize int
	epoch      time.Time
	fixedEpoch bool
	position   int64 // sample frames delivered since the epoch
	exhausted  bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// Open decodes the header of the WAV file at path and returns a stopped
// source.
func Open(path string, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wav: open %q: %w", path, err)
	}
	streamer, format, err := beepwav.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wav: decode %q: %w", path, err)
	}
	s := &Source{
		path:       path,
		realtime:   true,
		streamer:   streamer,
		format:     audio.Format{SampleRate: int(format.SampleRate), Channels: format.NumChannels},
		bufferSize: audio.DefaultBufferSize,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.format.Validate(); err != nil {
		_ = streamer.Close()
		return nil, fmt.Errorf("wav: %q: %w", path, err)
	}
	return s, nil
}

// Format implements [audio.Source]. It reports the native format of the file.
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

// Start implements [audio.Source]. Playback resumes where a previous Stop left
// it. Once a non-looping file has been played to the end Start returns
// [audio.ErrSourceClosed].
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.exhausted {
		return audio.ErrSourceClosed
	}
	if s.done != nil {
		return nil
	}
	if !s.fixedEpoch {
		// Resuming re-anchors the clock so that paused time is not replayed
		// in a burst.
		s.epoch = time.Now().Add(-s.offset(s.position))
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	return nil
}

// Stop implements [audio.Source]. It waits for the playback goroutine to exit.
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	<-done

	s.mu.Lock()
	if s.done == done {
		s.cancel, s.done = nil, nil
	}
	s.mu.Unlock()
	return nil
}

// Close stops playback and releases the file.
func (s *Source) Close() error {
	_ = s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.streamer.Close(); err != nil {
		return fmt.Errorf("wav: close %q: %w", s.path, err)
	}
	return nil
}

func (s *Source) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var samples [][2]float64
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if cap(samples) < s.bufferSize {
			samples = make([][2]float64, s.bufferSize)
		}
		samples = samples[:s.bufferSize]
		n, ok := s.streamer.Stream(samples)
		streamErr := s.streamer.Err()
		start := s.position
		s.position += int64(n)
		tap := s.tap
		epoch := s.epoch
		s.mu.Unlock()

		if n > 0 && tap != nil {
			tap(audio.Frame{
				Data:       s.toPCM(samples[:n]),
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				SampleTime: start,
				CapturedAt: epoch.Add(s.offset(start)),
			})
		}

		if streamErr != nil {
			slog.Warn("wav: decode error, stopping playback", "path", s.path, "err", streamErr)
			s.markExhausted(done)
			return
		}
		if !ok || n < len(samples) {
			if !s.loop {
				slog.Info("wav: end of file", "path", s.path, "samples", start+int64(n))
				s.markExhausted(done)
				return
			}
			s.mu.Lock()
			err := s.streamer.Seek(0)
			s.mu.Unlock()
			if err != nil {
				slog.Warn("wav: rewind failed, stopping playback", "path", s.path, "err", err)
				s.markExhausted(done)
				return
			}
			if n == 0 {
				continue
			}
		}

		if s.realtime {
			wait := time.Until(epoch.Add(s.offset(start + int64(n))))
			if wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
		}
	}
}

// markExhausted records end of input and detaches the finished goroutine so
// that Stop returns immediately and Start reports ErrSourceClosed.
func (s *Source) markExhausted(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = true
	if s.done == done {
		s.cancel()
		s.cancel, s.done = nil, nil
	}
}

// Exhausted reports whether a non-looping source has reached the end of the
// file.
func (s *Source) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

func (s *Source) offset(sampleFrames int64) time.Duration {
	return time.Duration(sampleFrames) * time.Second / time.Duration(s.format.SampleRate)
}

// toPCM converts beep's float samples back to interleaved 16-bit PCM. beep
// always yields two channels; mono files carry the same value in both.
func (s *Source) toPCM(samples [][2]float64) []byte {
	ch := s.format.Channels
	out := make([]byte, len(samples)*ch*2)
	i := 0
	for _, frame := range samples {
		for c := range ch {
			v := frame[min(c, 1)]
			v = max(-1, min(1, v))
			pcm := int16(math.Round(v * 32767))
			out[i] = byte(pcm)
			out[i+1] = byte(pcm >> 8)
			i += 2
		}
	}
	return out
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)
