package codec

import (
	"fmt"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// l16Encoder passes PCM through unchanged.
type l16Encoder struct {
	frameBytes int
	pending    []byte
}

func newL16Encoder(f audio.Format) (Encoder, error) {
	return &l16Encoder{frameBytes: 2 * f.Channels}, nil
}

func (e *l16Encoder) MIMEType() string { return MIMEL16 }

func (e *l16Encoder) Encode(pcm []byte) error {
	if len(pcm)%e.frameBytes != 0 {
		return fmt.Errorf("codec: l16 encode: %d bytes is not a whole number of frames", len(pcm))
	}
	e.pending = append(e.pending, pcm...)
	return nil
}

func (e *l16Encoder) Flush() ([]byte, error) {
	out := e.pending
	e.pending = nil
	return out, nil
}

func (e *l16Encoder) Close() ([]byte, error) {
	return e.Flush()
}

func decodeL16(data []byte, f audio.Format) (audio.Buffer, error) {
	if len(data)%(2*f.Channels) != 0 {
		return audio.Buffer{}, fmt.Errorf("codec: l16 decode: %d bytes is not a whole number of frames", len(data))
	}
	return audio.Buffer{PCM: data, Format: f}, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
