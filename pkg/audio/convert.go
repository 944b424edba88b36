package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts frames to the format a classifier expects. It logs
// a warning on the first format mismatch and on the first misaligned buffer.
// Create one per stream; it is not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// A channel count change goes through mono: the source is downmixed first,
// resampled, and then copied to every target channel. With equal channel
// counts each channel is resampled on its own.
//
// Frames whose byte count is not a whole number of sample frames are dropped:
// the returned frame has nil Data.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if frame.Channels <= 0 || len(frame.Data)%(bytesPerSample*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		out := frame
		out.Data = nil
		out.SampleRate = c.Target.SampleRate
		out.Channels = c.Target.Channels
		return out
	}

	rate, channels := c.Target.SampleRate, c.Target.Channels
	if rate <= 0 {
		rate = frame.SampleRate
	}
	if channels <= 0 {
		channels = frame.Channels
	}
	if frame.SampleRate == rate && frame.Channels == channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(rate, channels),
		)
	})

	pcm := frame.Data
	cur := frame.Channels
	if cur != channels && cur > 1 {
		pcm = DownmixMono(pcm, cur)
		cur = 1
	}
	if frame.SampleRate != rate {
		pcm = ResampleInterleaved16(pcm, cur, frame.SampleRate, rate)
	}
	if cur != channels {
		pcm = UpmixMono(pcm, channels)
		cur = channels
	}

	out := frame
	out.Data = pcm
	out.SampleRate = rate
	out.Channels = cur
	// SampleTime stays in source sample frames so that ordering and
	// timestamps keep referring to the capture clock.
	return out
}

// DownmixMono averages each group of channels interleaved samples into a
// single mono sample. Uses int32 arithmetic so the sum cannot overflow.
func DownmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * bytesPerSample
	frames := len(pcm) / stride
	out := make([]byte, frames*bytesPerSample)
	for i := range frames {
		var sum int32
		base := i * stride
		for ch := range channels {
			off := base + ch*bytesPerSample
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := sum / int32(channels)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleInterleaved16 resamples interleaved 16-bit PCM with the given
// channel count, one channel at a time. Mono input goes straight to
// [ResampleMono16].
func ResampleInterleaved16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 1 {
		return ResampleMono16(pcm, srcRate, dstRate)
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	stride := channels * bytesPerSample
	frames := len(pcm) / stride
	mono := make([]byte, frames*bytesPerSample)
	var out []byte
	for ch := range channels {
		for i := range frames {
			off := i*stride + ch*bytesPerSample
			mono[i*2], mono[i*2+1] = pcm[off], pcm[off+1]
		}
		res := ResampleMono16(mono, srcRate, dstRate)
		if out == nil {
			out = make([]byte, len(res)*channels)
		}
		for i := range len(res) / 2 {
			off := i*stride + ch*bytesPerSample
			out[off], out[off+1] = res[i*2], res[i*2+1]
		}
	}
	return out
}

// UpmixMono copies every mono sample to each of channels interleaved
// channels.
func UpmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samples := len(pcm) / bytesPerSample
	out := make([]byte, samples*channels*bytesPerSample)
	for i := range samples {
		for ch := range channels {
			off := (i*channels + ch) * bytesPerSample
			out[off], out[off+1] = pcm[i*2], pcm[i*2+1]
		}
	}
	return out
}

// Int16Samples decodes little-endian 16-bit PCM into samples. A trailing odd
// byte is ignored.
func Int16Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// PCMBytes encodes samples as little-endian 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
