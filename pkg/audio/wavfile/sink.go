package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/codec"
)

// DefaultSinkFormat is the format recorded by a [Sink].
var DefaultSinkFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Compile-time interface assertions.
var (
	_ audio.PlaybackPlatform = (*Sink)(nil)
	_ audio.PlaybackDevice   = (*Sink)(nil)
)

// SinkOption is a functional option for [NewSink].
type SinkOption func(*Sink)

// WithSinkFormat sets the recorded format. Default: [DefaultSinkFormat].
func WithSinkFormat(f audio.Format) SinkOption {
	return func(s *Sink) { s.format = f }
}

// WithSinkRealtime makes Play complete after the buffer's duration instead
// of immediately, mimicking a real speaker.
func WithSinkRealtime(on bool) SinkOption {
	return func(s *Sink) { s.realtime = on }
}

// WithSinkDecoder sets the decoder format name. Default: [codec.Auto].
func WithSinkDecoder(mime string) SinkOption {
	return func(s *Sink) { s.mime = mime }
}

// WithSinkLogger sets the logger. Default: [slog.Default].
func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(s *Sink) { s.logger = l }
}

// Sink records played audio and writes it to a WAV file on Close. It is both
// the platform and the device; Open returns the sink itself.
type Sink struct {
	path     string
	format   audio.Format
	realtime bool
	mime     string
	logger   *slog.Logger

	mu      sync.Mutex
	decoder codec.Decoder
	conv    *audio.Converter
	pcm     []byte
}

// NewSink returns a sink that writes to path.
func NewSink(path string, opts ...SinkOption) *Sink {
	s := &Sink{
		path:   path,
		format: DefaultSinkFormat,
		mime:   codec.Auto,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "wavfile", "path", path)
	return s
}

// Open prepares the decoder.
func (s *Sink) Open(context.Context) (audio.PlaybackDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoder != nil {
		return s, nil
	}
	if !s.format.IsValid() {
		return nil, fmt.Errorf("wavfile: invalid sink format %s", s.format)
	}
	dec, err := codec.NewDecoder(s.mime, s.format)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	s.decoder = dec
	s.conv = &audio.Converter{Target: s.format}
	return s, nil
}

// Decode decodes data and converts it to the sink format.
func (s *Sink) Decode(ctx context.Context, data []byte) (audio.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return audio.Buffer{}, err
	}
	s.mu.Lock()
	dec, conv := s.decoder, s.conv
	s.mu.Unlock()
	if dec == nil {
		return audio.Buffer{}, errors.New("wavfile: sink not opened")
	}
	buf, err := dec.Decode(data)
	if err != nil {
		return audio.Buffer{}, err
	}
	return conv.Convert(buf), nil
}

// Play records buf and signals completion.
func (s *Sink) Play(buf audio.Buffer, onFinished func()) error {
	s.mu.Lock()
	s.pcm = append(s.pcm, buf.PCM...)
	s.mu.Unlock()

	if onFinished == nil {
		return nil
	}
	if s.realtime {
		time.AfterFunc(buf.Duration(), onFinished)
		return nil
	}
	go onFinished()
	return nil
}

// Recorded returns the duration of audio recorded so far.
func (s *Sink) Recorded() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.Buffer{PCM: s.pcm, Format: s.format}.Duration()
}

// Close writes the recording. Nothing is written when no audio was played.
func (s *Sink) Close() error {
	s.mu.Lock()
	pcm := s.pcm
	s.pcm = nil
	s.mu.Unlock()

	if len(pcm) == 0 {
		return nil
	}

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("wavfile: create sink: %w", err)
	}
	buf := audio.Buffer{PCM: pcm, Format: s.format}
	if err := codec.WriteWAV(f, buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("wavfile: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wavfile: close sink: %w", err)
	}
	s.logger.Info("recording written", "duration", buf.Duration())
	return nil
}
