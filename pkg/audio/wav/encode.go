package wav

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/MrWong99/crywatch/pkg/audio"
)

// headerSize is the size of a canonical PCM WAV header.
const headerSize = 44

// Encode writes pcm (16-bit signed little-endian, interleaved) as a canonical
// RIFF/WAVE stream to w. Unlike beep's encoder it needs no io.Seeker, so it
// can write straight into an HTTP request body.
func Encode(w io.Writer, pcm []byte, format audio.Format) error {
	if err := format.Validate(); err != nil {
		return fmt.Errorf("wav: encode: %w", err)
	}
	blockAlign := format.Channels * 2
	if len(pcm)%blockAlign != 0 {
		return fmt.Errorf("wav: encode: %d bytes is not a whole number of %d-byte frames", len(pcm), blockAlign)
	}

	var hdr [headerSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(format.BytesPerSecond()))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("wav: write data: %w", err)
	}
	return nil
}
