package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/crywatch/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmixMono(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{name: "stereo", in: []int16{100, 200, -100, -200}, channels: 2, want: []int16{150, -150}},
		{name: "no overflow", in: []int16{32767, 32767}, channels: 2, want: []int16{32767}},
		{name: "quad", in: []int16{4, 8, 12, 16}, channels: 4, want: []int16{10}},
		{name: "mono passthrough", in: []int16{1, 2, 3}, channels: 1, want: []int16{1, 2, 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.DownmixMono(samplesToBytes(tc.in), tc.channels))
			equalSamples(t, got, tc.want)
		})
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()

	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 48000))
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if last := got[len(got)-1]; last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()

	// 48kHz → 16kHz is the common microphone-to-classifier path.
	got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{100, 200, 300, 400, 500, 600}), 48000, 16000))
	equalSamples(t, got, []int16{100, 400})
}

func TestResampleMono16_InvalidRate(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{100, 200})
	for _, rates := range [][2]int{{0, 16000}, {16000, 0}, {-1, 16000}} {
		if out := audio.ResampleMono16(pcm, rates[0], rates[1]); len(out) != len(pcm) {
			t.Errorf("rates %v: expected unchanged output, got len %d", rates, len(out))
		}
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.Frame{
		Data:       samplesToBytes([]int16{100, 200}),
		SampleRate: 16000,
		Channels:   1,
	}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestFormatConverter_StereoMicrophoneToClassifier(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	captured := time.Date(2021, 2, 3, 9, 0, 0, 0, time.UTC)
	// 6 stereo frames at 48 kHz → 2 mono samples at 16 kHz.
	frame := audio.Frame{
		Data:       samplesToBytes([]int16{100, 300, 0, 0, 0, 0, 400, 400, 0, 0, 0, 0}),
		SampleRate: 48000,
		Channels:   2,
		SampleTime: 96000,
		CapturedAt: captured,
	}
	result := conv.Convert(frame)
	if result.SampleRate != 16000 || result.Channels != 1 {
		t.Fatalf("unexpected format: %dHz %dch", result.SampleRate, result.Channels)
	}
	equalSamples(t, bytesToSamples(result.Data), []int16{200, 400})
	if result.SampleTime != 96000 || !result.CapturedAt.Equal(captured) {
		t.Errorf("timestamps not preserved: sampleTime=%d capturedAt=%v", result.SampleTime, result.CapturedAt)
	}
}

func TestFormatConverter_Layouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     []int16
		from   audio.Format
		to     audio.Format
		want   []int16
		wantCh int
	}{
		{
			name: "stereo rate change keeps both channels",
			in:   []int16{100, -100, 200, -200, 300, -300, 400, -400, 500, -500, 600, -600},
			from: audio.Format{SampleRate: 48000, Channels: 2},
			to:   audio.Format{SampleRate: 16000, Channels: 2},
			want: []int16{100, -100, 400, -400}, wantCh: 2,
		},
		{
			name: "mono to stereo",
			in:   []int16{1, 2},
			from: audio.Format{SampleRate: 16000, Channels: 1},
			to:   audio.Format{SampleRate: 16000, Channels: 2},
			want: []int16{1, 1, 2, 2}, wantCh: 2,
		},
		{
			name: "mono resampled to stereo",
			in:   []int16{100, 200, 300, 400, 500, 600},
			from: audio.Format{SampleRate: 48000, Channels: 1},
			to:   audio.Format{SampleRate: 16000, Channels: 2},
			want: []int16{100, 100, 400, 400}, wantCh: 2,
		},
		{
			name: "quad to stereo",
			in:   []int16{4, 8, 12, 16},
			from: audio.Format{SampleRate: 16000, Channels: 4},
			to:   audio.Format{SampleRate: 16000, Channels: 2},
			want: []int16{10, 10}, wantCh: 2,
		},
		{
			name: "stereo to mono",
			in:   []int16{100, 300},
			from: audio.Format{SampleRate: 16000, Channels: 2},
			to:   audio.Format{SampleRate: 16000, Channels: 1},
			want: []int16{200}, wantCh: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conv := audio.FormatConverter{Target: tc.to}
			result := conv.Convert(audio.Frame{
				Data:       samplesToBytes(tc.in),
				SampleRate: tc.from.SampleRate,
				Channels:   tc.from.Channels,
			})
			if result.SampleRate != tc.to.SampleRate || result.Channels != tc.wantCh {
				t.Fatalf("format = %dHz %dch, want %dHz %dch", result.SampleRate, result.Channels, tc.to.SampleRate, tc.wantCh)
			}
			equalSamples(t, bytesToSamples(result.Data), tc.want)
			if got := len(result.Data) % (2 * result.Channels); got != 0 {
				t.Errorf("output is not whole sample frames: %d bytes", len(result.Data))
			}
		})
	}
}

func TestResampleInterleaved16_MonoMatchesResampleMono16(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{1000, 2000, 3000})
	equalSamples(t,
		bytesToSamples(audio.ResampleInterleaved16(pcm, 1, 16000, 48000)),
		bytesToSamples(audio.ResampleMono16(pcm, 16000, 48000)))
}

func TestFormatConverter_MisalignedData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame audio.Frame
	}{
		{name: "odd bytes with resample", frame: audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 22050, Channels: 1}},
		{name: "odd bytes matching format", frame: audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}},
		{name: "partial stereo frame", frame: audio.Frame{Data: []byte{1, 2, 3, 4, 5, 6}, SampleRate: 16000, Channels: 2}},
		{name: "zero channels", frame: audio.Frame{Data: []byte{1, 2}, SampleRate: 16000}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
			result := conv.Convert(tc.frame)
			if len(result.Data) != 0 {
				t.Errorf("expected empty data, got %d bytes", len(result.Data))
			}
			if result.SampleRate != 16000 || result.Channels != 1 {
				t.Errorf("dropped frame should carry target format, got %dHz %dch", result.SampleRate, result.Channels)
			}
		})
	}
}

func TestInt16Samples_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768}
	equalSamples(t, audio.Int16Samples(audio.PCMBytes(in)), in)

	if got := audio.Int16Samples([]byte{1, 0, 9}); len(got) != 1 || got[0] != 1 {
		t.Errorf("trailing byte not ignored: %v", got)
	}
}

func TestFrame_Duration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame audio.Frame
		want  time.Duration
	}{
		{name: "one second mono", frame: audio.Frame{Data: make([]byte, 32000), SampleRate: 16000, Channels: 1}, want: time.Second},
		{name: "default buffer", frame: audio.Frame{Data: make([]byte, audio.DefaultBufferSize*2), SampleRate: 16000, Channels: 1}, want: 975 * time.Millisecond},
		{name: "stereo", frame: audio.Frame{Data: make([]byte, 1920), SampleRate: 48000, Channels: 2}, want: 10 * time.Millisecond},
		{name: "zero rate", frame: audio.Frame{Data: make([]byte, 10), Channels: 1}, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.frame.Duration(); got != tc.want {
				t.Errorf("Duration() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFrame_Clone(t *testing.T) {
	t.Parallel()

	orig := audio.Frame{Data: []byte{1, 2, 3, 4}, SampleRate: 16000, Channels: 1, SampleTime: 7}
	cp := orig.Clone()
	cp.Data[0] = 99
	if orig.Data[0] != 1 {
		t.Error("Clone shares the data buffer")
	}
	if cp.SampleTime != 7 || cp.SampleRate != 16000 {
		t.Errorf("Clone lost metadata: %+v", cp)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format  audio.Format
		str     string
		bps     int
		wantErr bool
	}{
		{format: audio.Format{SampleRate: 16000, Channels: 1}, str: "16000Hz mono", bps: 32000},
		{format: audio.Format{SampleRate: 48000, Channels: 2}, str: "48000Hz stereo", bps: 192000},
		{format: audio.Format{SampleRate: 44100, Channels: 6}, str: "44100Hz 6ch", bps: 529200},
		{format: audio.Format{SampleRate: 0, Channels: 1}, str: "0Hz mono", bps: 0, wantErr: true},
		{format: audio.Format{SampleRate: 16000, Channels: 0}, str: "16000Hz mono", bps: 0, wantErr: true},
	}
	for _, tc := range tests {
		if got := tc.format.String(); got != tc.str {
			t.Errorf("%+v: String() = %q, want %q", tc.format, got, tc.str)
		}
		if got := tc.format.BytesPerSecond(); got != tc.bps {
			t.Errorf("%+v: BytesPerSecond() = %d, want %d", tc.format, got, tc.bps)
		}
		if err := tc.format.Validate(); (err != nil) != tc.wantErr {
			t.Errorf("%+v: Validate() error = %v, wantErr %v", tc.format, err, tc.wantErr)
		}
	}
}
