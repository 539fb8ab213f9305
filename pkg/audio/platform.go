// Package audio defines the audio types and device capabilities used by the
// jarvis capture pipeline and playback queue.
//
// The two sides are asymmetric:
//
//   - [CaptureDevice]: the microphone. [CaptureDevice.Acquire] opens the
//     device and returns a [CaptureStream] of raw PCM frames;
//     [CaptureDevice.Release] closes it again. One device is owned by one
//     listening span at a time.
//   - [PlaybackPlatform]: the audio output subsystem. [PlaybackPlatform.Open]
//     acquires a [PlaybackDevice], which decodes inbound encoded audio into
//     [Buffer] values and renders them one at a time.
//
// Implementations of these interfaces live in backend packages
// (audio/malgo, audio/oto, audio/wavfile). The interfaces are kept narrow so
// that the session core never depends on a concrete audio stack.
//
// This package lives under pkg/ because third-party device backends are
// expected to implement it.
package audio

import (
	"context"
)

// CaptureStream is an open microphone stream.
type CaptureStream interface {
	// Format reports the PCM format of every frame on Frames.
	Format() Format

	// Frames returns the channel on which captured PCM frames arrive. The
	// channel is closed when the device is released or fails.
	Frames() <-chan AudioFrame
}

// CaptureDevice is the microphone capability.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Acquire opens the device and starts capturing. It fails when the device
	// is unavailable or access is denied; in that case nothing is left open.
	Acquire(ctx context.Context) (CaptureStream, error)

	// Release stops capturing and closes the stream returned by Acquire.
	// Calling Release on a device that is not acquired returns nil.
	Release() error
}

// PlaybackDevice is an acquired audio output.
//
// Implementations must be safe for concurrent use.
type PlaybackDevice interface {
	// Decode turns encoded audio bytes (mp3, wav, …) into a playable [Buffer].
	// Decode may take a noticeable amount of time and must respect ctx.
	Decode(ctx context.Context, data []byte) (Buffer, error)

	// Play starts rendering buf and returns immediately. onFinished is called
	// exactly once, from any goroutine, when the buffer has finished playing.
	// If Play returns an error, onFinished is never called.
	Play(buf Buffer, onFinished func()) error
}

// Suspender is implemented by playback devices whose output can be suspended
// by the platform, for example until a user interaction unlocks audio.
type Suspender interface {
	// Suspended reports whether output is currently suspended.
	Suspended() bool

	// Resume restarts suspended output.
	Resume(ctx context.Context) error
}

// PlaybackPlatform acquires a [PlaybackDevice]. Acquisition is performed
// lazily by the playback queue on the first inbound audio.
type PlaybackPlatform interface {
	Open(ctx context.Context) (PlaybackDevice, error)
}

// PlaybackPlatformFunc adapts a function to [PlaybackPlatform].
type PlaybackPlatformFunc func(ctx context.Context) (PlaybackDevice, error)

// Open calls f(ctx).
func (f PlaybackPlatformFunc) Open(ctx context.Context) (PlaybackDevice, error) {
	return f(ctx)
}
