package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// go-mp3 always produces 16-bit little-endian stereo.
const mp3Channels = 2

func decodeMP3(data []byte) (audio.Buffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("codec: mp3 decode: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("codec: mp3 decode: %w", err)
	}
	f := audio.Format{SampleRate: dec.SampleRate(), Channels: mp3Channels}
	// A stream cut mid-frame can leave a dangling byte pair.
	pcm = pcm[:len(pcm)-len(pcm)%(2*mp3Channels)]
	return audio.Buffer{PCM: pcm, Format: f}, nil
}
