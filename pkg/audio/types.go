package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of 16-bit PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// IsValid reports whether both fields are positive.
func (f Format) IsValid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// AudioFrame is a slice of raw microphone audio flowing from a
// [CaptureStream] into the capture pipeline.
type AudioFrame struct {
	// PCM audio data, little-endian int16, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g. 16000, 48000).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Buffer is decoded, playable audio: 16-bit little-endian interleaved PCM in
// a known format. A Buffer is produced by [PlaybackDevice.Decode] and handed
// back to the same device's Play method, which owns it from then on.
type Buffer struct {
	PCM    []byte
	Format Format
}

// Duration returns how long the buffer plays for. A buffer with an invalid
// format has zero duration.
func (b Buffer) Duration() time.Duration {
	bps := b.Format.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(len(b.PCM)) * int64(time.Second) / int64(bps))
}
