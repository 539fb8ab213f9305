// Package mock provides in-memory mock implementations of the capture and
// playback capabilities in [audio] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.CaptureDevice{Format: audio.Format{SampleRate: 16000, Channels: 1}}
//	stream, _ := mic.Acquire(ctx)
//	mic.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//
//	dev := &mock.PlaybackDevice{AutoFinish: true}
//	platform := &mock.PlaybackPlatform{Device: dev}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice]. Frames are
// injected with [CaptureDevice.Push] while the device is acquired.
type CaptureDevice struct {
	mu sync.Mutex

	// Format is reported by every stream this device opens.
	Format audio.Format

	// AcquireErr, when non-nil, is returned by Acquire and no stream is opened.
	AcquireErr error

	// ReleaseErr is returned by Release.
	ReleaseErr error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int

	frames chan audio.AudioFrame
}

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// Acquire implements [audio.CaptureDevice].
func (d *CaptureDevice) Acquire(_ context.Context) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAcquire++
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	if d.frames != nil {
		return nil, errors.New("mock: capture device already acquired")
	}
	d.frames = make(chan audio.AudioFrame, 64)
	return &captureStream{format: d.Format, frames: d.frames}, nil
}

// Release implements [audio.CaptureDevice]. It closes the frame channel of the
// open stream, if any.
func (d *CaptureDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountRelease++
	if d.frames != nil {
		close(d.frames)
		d.frames = nil
	}
	return d.ReleaseErr
}

// Push delivers a frame to the open stream. It reports false when the device
// is not acquired.
func (d *CaptureDevice) Push(f audio.AudioFrame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frames == nil {
		return false
	}
	d.frames <- f
	return true
}

// Acquired reports whether a stream is currently open.
func (d *CaptureDevice) Acquired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames != nil
}

// Counts returns the Acquire and Release call counts.
func (d *CaptureDevice) Counts() (acquire, release int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountAcquire, d.CallCountRelease
}

type captureStream struct {
	format audio.Format
	frames chan audio.AudioFrame
}

func (s *captureStream) Format() audio.Format             { return s.format }
func (s *captureStream) Frames() <-chan audio.AudioFrame { return s.frames }

// ─── PlaybackDevice ───────────────────────────────────────────────────────────

// PlaybackDevice is a mock implementation of [audio.PlaybackDevice] and
// [audio.Suspender].
type PlaybackDevice struct {
	mu sync.Mutex

	// DecodeFunc, when set, replaces the default decoder. The default returns
	// the input bytes as 16 kHz mono PCM.
	DecodeFunc func(ctx context.Context, data []byte) (audio.Buffer, error)

	// PlayErr, when non-nil, is returned by Play.
	PlayErr error

	// AutoFinish makes Play invoke onFinished right away on a new goroutine.
	// When false, the test drives completion with [PlaybackDevice.Finish].
	AutoFinish bool

	// IsSuspended is reported by Suspended and cleared by Resume.
	IsSuspended bool

	// ResumeErr is returned by Resume.
	ResumeErr error

	// CallCountDecode records how many times Decode was called.
	CallCountDecode int

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// Played records every buffer passed to Play, in call order.
	Played []audio.Buffer

	finishers []func()
}

var (
	_ audio.PlaybackDevice = (*PlaybackDevice)(nil)
	_ audio.Suspender      = (*PlaybackDevice)(nil)
)

// Decode implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Decode(ctx context.Context, data []byte) (audio.Buffer, error) {
	d.mu.Lock()
	d.CallCountDecode++
	fn := d.DecodeFunc
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, data)
	}
	return audio.Buffer{PCM: data, Format: audio.Format{SampleRate: 16000, Channels: 1}}, nil
}

// Play implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Play(buf audio.Buffer, onFinished func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PlayErr != nil {
		return d.PlayErr
	}
	d.Played = append(d.Played, buf)
	if d.AutoFinish {
		go onFinished()
		return nil
	}
	d.finishers = append(d.finishers, onFinished)
	return nil
}

// Finish completes the oldest unfinished Play call. It reports false when
// nothing is playing.
func (d *PlaybackDevice) Finish() bool {
	d.mu.Lock()
	if len(d.finishers) == 0 {
		d.mu.Unlock()
		return false
	}
	fn := d.finishers[0]
	d.finishers = d.finishers[1:]
	d.mu.Unlock()
	fn()
	return true
}

// PlayedPCM returns the PCM payload of every played buffer, in order.
func (d *PlaybackDevice) PlayedPCM() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.Played))
	for i, b := range d.Played {
		out[i] = string(b.PCM)
	}
	return out
}

// Suspended implements [audio.Suspender].
func (d *PlaybackDevice) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.IsSuspended
}

// Resume implements [audio.Suspender].
func (d *PlaybackDevice) Resume(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountResume++
	if d.ResumeErr != nil {
		return d.ResumeErr
	}
	d.IsSuspended = false
	return nil
}

// ─── PlaybackPlatform ─────────────────────────────────────────────────────────

// PlaybackPlatform is a mock implementation of [audio.PlaybackPlatform].
type PlaybackPlatform struct {
	mu sync.Mutex

	// Device is returned by Open.
	Device audio.PlaybackDevice

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

var _ audio.PlaybackPlatform = (*PlaybackPlatform)(nil)

// Open implements [audio.PlaybackPlatform].
func (p *PlaybackPlatform) Open(_ context.Context) (audio.PlaybackDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountOpen++
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return p.Device, nil
}

// Opens returns the Open call count.
func (p *PlaybackPlatform) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountOpen
}

// SetOpenErr replaces OpenErr under the lock.
func (p *PlaybackPlatform) SetOpenErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenErr = err
}
