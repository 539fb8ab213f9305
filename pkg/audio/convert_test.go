package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
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

func TestMonoToStereo(t *testing.T) {
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, -200, 300})))
	equalSamples(t, got, []int16{100, 100, -200, -200, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200})))
	equalSamples(t, got, []int16{150, -150})
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{32767, 32767, -32768, -32768})))
	equalSamples(t, got, []int16{32767, -32768})
}

func TestResample16(t *testing.T) {
	t.Run("same rate is identity", func(t *testing.T) {
		in := samplesToBytes([]int16{1, 2, 3})
		out := audio.Resample16(in, 1, 16000, 16000)
		if &out[0] != &in[0] {
			t.Error("expected input slice to be returned unchanged")
		}
	})

	t.Run("upsample mono doubles length", func(t *testing.T) {
		out := audio.Resample16(samplesToBytes([]int16{0, 100, 200, 300}), 1, 8000, 16000)
		got := bytesToSamples(out)
		equalSamples(t, got, []int16{0, 50, 100, 150, 200, 250, 300, 300})
	})

	t.Run("downsample stereo keeps channels apart", func(t *testing.T) {
		in := samplesToBytes([]int16{10, -10, 20, -20, 30, -30, 40, -40})
		got := bytesToSamples(audio.Resample16(in, 2, 48000, 24000))
		equalSamples(t, got, []int16{10, -10, 30, -30})
	})

	t.Run("invalid rates pass through", func(t *testing.T) {
		in := samplesToBytes([]int16{1, 2})
		if got := audio.Resample16(in, 1, 0, 16000); len(got) != len(in) {
			t.Errorf("len = %d, want %d", len(got), len(in))
		}
	})
}

func TestConverter_Convert(t *testing.T) {
	t.Run("matching format is unchanged", func(t *testing.T) {
		c := audio.Converter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
		buf := audio.Buffer{PCM: samplesToBytes([]int16{1, 2}), Format: c.Target}
		got := c.Convert(buf)
		if &got.PCM[0] != &buf.PCM[0] {
			t.Error("expected zero-copy pass-through")
		}
	})

	t.Run("mono 24k to stereo 48k", func(t *testing.T) {
		c := audio.Converter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
		buf := audio.Buffer{PCM: samplesToBytes([]int16{0, 100}), Format: audio.Format{SampleRate: 24000, Channels: 1}}
		got := c.Convert(buf)
		if got.Format != c.Target {
			t.Fatalf("format = %v, want %v", got.Format, c.Target)
		}
		equalSamples(t, bytesToSamples(got.PCM), []int16{0, 0, 50, 50, 100, 100, 100, 100})
	})

	t.Run("corrupt buffer is dropped", func(t *testing.T) {
		c := audio.Converter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
		got := c.Convert(audio.Buffer{PCM: []byte{1, 2, 3}, Format: audio.Format{SampleRate: 16000, Channels: 1}})
		if len(got.PCM) != 0 {
			t.Errorf("expected empty PCM, got %d bytes", len(got.PCM))
		}
	})
}

func TestBuffer_Duration(t *testing.T) {
	buf := audio.Buffer{
		PCM:    make([]byte, 3200),
		Format: audio.Format{SampleRate: 16000, Channels: 1},
	}
	if got := buf.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", got)
	}
	if got := (audio.Buffer{PCM: make([]byte, 10)}).Duration(); got != 0 {
		t.Errorf("Duration with invalid format = %v, want 0", got)
	}
}

func TestFormat_String(t *testing.T) {
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
