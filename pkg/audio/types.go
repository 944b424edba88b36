package audio

import "time"

// bytesPerSample is fixed: every frame in the pipeline carries 16-bit signed
// little-endian PCM.
const bytesPerSample = 2

// Frame is one fixed-size buffer of captured audio. Frames are the unit that
// a [Source] delivers to its tap and that the classifier analyses.
type Frame struct {
	// Data is interleaved 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the classifier, 44100 or 48000 for a
	// microphone).
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// SampleTime is the position of the first sample of this frame, counted
	// in sample frames since the source started.
	SampleTime int64

	// CapturedAt is the wall-clock time at which the frame was captured.
	CapturedAt time.Time
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of sample frames (per-channel samples) in Data.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (bytesPerSample * f.Channels)
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Clone returns a deep copy of the frame. Sources may reuse their buffers
// once the tap returns, so consumers that keep a frame must clone it.
func (f Frame) Clone() Frame {
	cp := f
	cp.Data = make([]byte, len(f.Data))
	copy(cp.Data, f.Data)
	return cp
}
