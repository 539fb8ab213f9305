// Package oto implements [audio.PlaybackPlatform] on the system speaker via
// github.com/ebitengine/oto/v3.
//
// oto allows a single output context per process, so a [Platform] creates it
// on the first [Platform.Open] and hands out the same [Speaker] afterwards.
// The speaker keeps one long-lived oto player fed from an internal PCM
// stream; consecutive buffers are appended to that stream, which keeps
// back-to-back playback free of gaps.
package oto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	otolib "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/codec"
)

// Defaults for [New].
const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
	DefaultBuffer     = 100 * time.Millisecond
)

// ErrBusy is returned by [Speaker.Play] while a previous buffer is still
// being rendered.
var ErrBusy = errors.New("oto: speaker busy")

var errClosed = errors.New("oto: speaker closed")

// Compile-time interface assertions.
var (
	_ audio.PlaybackPlatform = (*Platform)(nil)
	_ audio.PlaybackDevice   = (*Speaker)(nil)
	_ audio.Suspender        = (*Speaker)(nil)
)

// Option is a functional option for [New].
type Option func(*Platform)

// WithFormat sets the output format. Every decoded buffer is converted to it.
// Default: 24 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(p *Platform) { p.format = f }
}

// WithBuffer sets the output buffer duration. Smaller values lower latency
// at the risk of underruns. Default: [DefaultBuffer].
func WithBuffer(d time.Duration) Option {
	return func(p *Platform) { p.buffer = d }
}

// WithDecoder sets the decoder format name passed to [codec.NewDecoder].
// Default: [codec.Auto].
func WithDecoder(mime string) Option {
	return func(p *Platform) { p.decoder = mime }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.logger = l }
}

// Platform opens the system speaker.
type Platform struct {
	format  audio.Format
	buffer  time.Duration
	decoder string
	logger  *slog.Logger

	mu      sync.Mutex
	speaker *Speaker
}

// New returns a platform; no audio resources are touched until Open.
func New(opts ...Option) *Platform {
	p := &Platform{
		format:  audio.Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels},
		buffer:  DefaultBuffer,
		decoder: codec.Auto,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("component", "oto")
	return p
}

// Open initialises the output context on first use and returns the speaker.
func (p *Platform) Open(ctx context.Context) (audio.PlaybackDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.speaker != nil {
		return p.speaker, nil
	}
	if !p.format.IsValid() || p.format.Channels > 2 {
		return nil, fmt.Errorf("oto: unsupported output format %s", p.format)
	}

	dec, err := codec.NewDecoder(p.decoder, p.format)
	if err != nil {
		return nil, fmt.Errorf("oto: %w", err)
	}

	octx, ready, err := otolib.NewContext(&otolib.NewContextOptions{
		SampleRate:   p.format.SampleRate,
		ChannelCount: p.format.Channels,
		Format:       otolib.FormatSignedInt16LE,
		BufferSize:   p.buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("oto: new context: %w", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("oto: waiting for output: %w", ctx.Err())
	}

	p.speaker = newSpeaker(octx, p.format, dec, p.logger)
	p.logger.Info("speaker opened", "format", p.format.String(), "buffer", p.buffer)
	return p.speaker, nil
}

// Close releases the speaker, if one was opened.
func (p *Platform) Close() error {
	p.mu.Lock()
	s := p.speaker
	p.speaker = nil
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Speaker is the opened output device.
type Speaker struct {
	octx    *otolib.Context
	decoder codec.Decoder
	conv    *audio.Converter
	stream  *pcmStream
	logger  *slog.Logger

	mu        sync.Mutex
	player    *otolib.Player
	suspended bool
}

func newSpeaker(octx *otolib.Context, f audio.Format, dec codec.Decoder, logger *slog.Logger) *Speaker {
	return &Speaker{
		octx:    octx,
		decoder: dec,
		conv:    &audio.Converter{Target: f},
		stream:  newPCMStream(),
		logger:  logger,
	}
}

// Decode decodes data and converts it to the output format.
func (s *Speaker) Decode(ctx context.Context, data []byte) (audio.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return audio.Buffer{}, err
	}
	buf, err := s.decoder.Decode(data)
	if err != nil {
		return audio.Buffer{}, err
	}
	return s.conv.Convert(buf), nil
}

// Play appends buf to the output stream. onFinished runs once the stream
// has handed the last byte of buf to the output.
func (s *Speaker) Play(buf audio.Buffer, onFinished func()) error {
	if err := s.octx.Err(); err != nil {
		return fmt.Errorf("oto: output failed: %w", err)
	}
	if err := s.stream.push(buf.PCM, onFinished); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		s.player = s.octx.NewPlayer(s.stream)
		s.player.Play()
	}
	return nil
}

// Suspend pauses the output context until [Speaker.Resume].
func (s *Speaker) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.octx.Suspend(); err != nil {
		return fmt.Errorf("oto: suspend: %w", err)
	}
	s.suspended = true
	return nil
}

// Suspended reports whether [Speaker.Suspend] is in effect.
func (s *Speaker) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Resume restarts a suspended output context.
func (s *Speaker) Resume(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.octx.Resume(); err != nil {
		return fmt.Errorf("oto: resume: %w", err)
	}
	s.suspended = false
	return nil
}

// Close stops output. Pending completion callbacks are not called.
func (s *Speaker) Close() error {
	s.stream.close()
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.mu.Unlock()
	if player == nil {
		return nil
	}
	return player.Close()
}
