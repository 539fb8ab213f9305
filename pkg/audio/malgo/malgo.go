// Package malgo implements [audio.CaptureDevice] on top of miniaudio via
// github.com/gen2brain/malgo.
//
// Each [Microphone.Acquire] initialises a fresh miniaudio context and a
// capture device producing signed 16-bit PCM; [Microphone.Release] tears
// both down again. The device callback never blocks: when the consumer falls
// behind, frames are dropped and counted.
package malgo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// Defaults for [New].
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	defaultPeriodMs   = 20
	frameBuffer       = 64
)

// ErrBusy is returned by [Microphone.Acquire] while the device is already
// acquired.
var ErrBusy = errors.New("malgo: microphone already acquired")

// Compile-time interface assertion.
var _ audio.CaptureDevice = (*Microphone)(nil)

// Option is a functional option for [New].
type Option func(*Microphone)

// WithFormat sets the capture format. Default: 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(m *Microphone) { m.format = f }
}

// WithPeriod sets the device period, which bounds the size of each frame.
func WithPeriod(d time.Duration) Option {
	return func(m *Microphone) { m.periodMs = uint32(d / time.Millisecond) }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Microphone) { m.logger = l }
}

// Microphone is the default system capture device.
type Microphone struct {
	format   audio.Format
	periodMs uint32
	logger   *slog.Logger

	dropped atomic.Int64

	mu     sync.Mutex
	mctx   *ma.AllocatedContext
	dev    *ma.Device
	frames chan audio.AudioFrame
}

// New returns an unacquired microphone.
func New(opts ...Option) *Microphone {
	m := &Microphone{
		format:   audio.Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels},
		periodMs: defaultPeriodMs,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.periodMs == 0 {
		m.periodMs = defaultPeriodMs
	}
	m.logger = m.logger.With("component", "malgo")
	return m
}

// Acquire opens the default capture device and starts it.
func (m *Microphone) Acquire(ctx context.Context) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.format.IsValid() {
		return nil, fmt.Errorf("malgo: invalid capture format %s", m.format)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return nil, ErrBusy
	}

	mctx, err := ma.InitContext(nil, ma.ContextConfig{ThreadPriority: ma.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatS16
	cfg.Capture.Channels = uint32(m.format.Channels)
	cfg.SampleRate = uint32(m.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = m.periodMs

	frames := make(chan audio.AudioFrame, frameBuffer)
	m.dropped.Store(0)
	start := time.Now()
	format := m.format
	callbacks := ma.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			f := audio.AudioFrame{
				Data:       bytes.Clone(in),
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
				Timestamp:  time.Since(start),
			}
			select {
			case frames <- f:
			default:
				m.dropped.Add(1)
			}
		},
	}

	dev, err := ma.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		freeContext(mctx)
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return nil, fmt.Errorf("malgo: start capture device: %w", err)
	}

	m.mctx, m.dev, m.frames = mctx, dev, frames
	m.logger.Info("microphone acquired", "format", format.String(), "period_ms", m.periodMs)
	return stream{format: format, frames: frames}, nil
}

// Release stops the device and closes the frame channel.
func (m *Microphone) Release() error {
	m.mu.Lock()
	mctx, dev, frames := m.mctx, m.dev, m.frames
	m.mctx, m.dev, m.frames = nil, nil, nil
	m.mu.Unlock()

	if dev == nil {
		return nil
	}

	// Stop waits for the data callback to return, so closing frames
	// afterwards cannot race with a send.
	err := dev.Stop()
	dev.Uninit()
	freeContext(mctx)
	close(frames)

	if dropped := m.dropped.Load(); dropped > 0 {
		m.logger.Warn("microphone frames dropped", "count", dropped)
	}
	m.logger.Info("microphone released")
	if err != nil {
		return fmt.Errorf("malgo: stop capture device: %w", err)
	}
	return nil
}

func freeContext(mctx *ma.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

type stream struct {
	format audio.Format
	frames chan audio.AudioFrame
}

func (s stream) Format() audio.Format            { return s.format }
func (s stream) Frames() <-chan audio.AudioFrame { return s.frames }
