// Package wavfile provides file-backed audio devices: a [Source] that
// replays a WAV file as if it were a microphone, and a [Sink] that records
// everything played into a WAV file. Both are used for headless runs and
// for exercising the full pipeline without sound hardware.
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

// DefaultFrameDuration is the length of each emitted capture frame.
const DefaultFrameDuration = 20 * time.Millisecond

// ErrBusy is returned by [Source.Acquire] while the source is already
// acquired.
var ErrBusy = errors.New("wavfile: source already acquired")

// Compile-time interface assertion.
var _ audio.CaptureDevice = (*Source)(nil)

// SourceOption is a functional option for [NewSource].
type SourceOption func(*Source)

// WithFrameDuration sets the length of each frame. Default:
// [DefaultFrameDuration].
func WithFrameDuration(d time.Duration) SourceOption {
	return func(s *Source) { s.frame = d }
}

// WithRealtime controls pacing. When true (the default) frames are emitted
// at the rate they would arrive from a microphone; when false they are
// emitted as fast as the consumer reads them.
func WithRealtime(on bool) SourceOption {
	return func(s *Source) { s.realtime = on }
}

// WithSourceLogger sets the logger. Default: [slog.Default].
func WithSourceLogger(l *slog.Logger) SourceOption {
	return func(s *Source) { s.logger = l }
}

// Source replays a WAV file as a capture device. The frame channel is
// closed when the file is exhausted.
type Source struct {
	path     string
	frame    time.Duration
	realtime bool
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSource returns a source for the WAV file at path. The file is read on
// every Acquire.
func NewSource(path string, opts ...SourceOption) *Source {
	s := &Source{
		path:     path,
		frame:    DefaultFrameDuration,
		realtime: true,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.frame <= 0 {
		s.frame = DefaultFrameDuration
	}
	s.logger = s.logger.With("component", "wavfile", "path", path)
	return s
}

// Acquire reads and decodes the file and starts emitting frames.
func (s *Source) Acquire(ctx context.Context) (audio.CaptureStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, ErrBusy
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open source: %w", err)
	}
	dec, err := codec.NewDecoder(codec.MIMEWAV, audio.Format{})
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	buf, err := dec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %s: %w", s.path, err)
	}
	if !buf.Format.IsValid() {
		return nil, fmt.Errorf("wavfile: %s has invalid format %s", s.path, buf.Format)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	frames := make(chan audio.AudioFrame, 8)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.emit(runCtx, buf, frames, s.done)

	s.logger.Info("wav source acquired", "format", buf.Format.String(), "duration", buf.Duration())
	return stream{format: buf.Format, frames: frames}, nil
}

// Release stops emission. The frame channel is closed before Release
// returns.
func (s *Source) Release() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// emit slices buf into frames and sends them, paced when realtime is set.
func (s *Source) emit(ctx context.Context, buf audio.Buffer, frames chan<- audio.AudioFrame, done chan struct{}) {
	defer close(done)
	defer close(frames)

	frameBytes := buf.Format.BytesPerSecond() * int(s.frame/time.Millisecond) / 1000
	align := 2 * buf.Format.Channels
	frameBytes = max(frameBytes-frameBytes%align, align)

	var tick <-chan time.Time
	if s.realtime {
		ticker := time.NewTicker(s.frame)
		defer ticker.Stop()
		tick = ticker.C
	}

	var offset time.Duration
	for pcm := buf.PCM; len(pcm) > 0; {
		n := min(frameBytes, len(pcm))
		f := audio.AudioFrame{
			Data:       pcm[:n:n],
			SampleRate: buf.Format.SampleRate,
			Channels:   buf.Format.Channels,
			Timestamp:  offset,
		}
		pcm = pcm[n:]
		offset += s.frame

		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return
			}
		}
	}
	s.logger.Info("wav source exhausted")
}

type stream struct {
	format audio.Format
	frames chan audio.AudioFrame
}

func (s stream) Format() audio.Format            { return s.format }
func (s stream) Frames() <-chan audio.AudioFrame { return s.frames }
