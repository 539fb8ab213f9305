// Package capture turns a live microphone stream into encoded audio chunks
// emitted on a fixed cadence.
//
// A [Pipeline] acquires its [audio.CaptureDevice] on [Pipeline.Start], picks
// an encoder once per start from an ordered preference list, and then hands
// one chunk to its [ChunkSink] per tick (100 ms by default). Chunk boundaries
// are decided by the encoder; the pipeline never splits or aligns samples
// itself. Per-chunk failures are reported through the error handler and never
// stop capture.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/audio/codec"
)

// DefaultInterval is the chunk cadence.
const DefaultInterval = 100 * time.Millisecond

// DefaultFormats is the encoder preference order used when none is configured.
var DefaultFormats = []string{codec.MIMEOpus, codec.MIMEWAV}

// ErrNoEncoder is returned by [Pipeline.Start] when neither a preferred
// format nor the fallback can encode the device's stream format.
var ErrNoEncoder = errors.New("capture: no usable encoder")

// ErrChunkDropped may be returned (wrapped) by a sink that deliberately
// discards a chunk. The pipeline counts it as a drop and does not report it.
var ErrChunkDropped = errors.New("capture: chunk dropped")

var errStreamEnded = errors.New("device closed the capture stream")

// ChunkSink receives encoded chunks. It is called from the pipeline's
// goroutine, one chunk at a time, in emission order.
type ChunkSink func(ctx context.Context, chunk []byte) error

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithFormats sets the encoder preference list, best first.
func WithFormats(formats []string) Option {
	return func(p *Pipeline) { p.formats = slices.Clone(formats) }
}

// WithFallback sets the platform default format tried after every preferred
// format has failed. Default: [codec.MIMEL16].
func WithFallback(format string) Option {
	return func(p *Pipeline) { p.fallback = format }
}

// WithInterval sets the chunk cadence. Default: [DefaultInterval].
func WithInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

// WithErrorHandler sets the callback for non-fatal errors. It is called from
// the pipeline goroutine.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is the audio capture pipeline. All methods are safe for
// concurrent use.
type Pipeline struct {
	dev      audio.CaptureDevice
	sink     ChunkSink
	formats  []string
	fallback string
	interval time.Duration
	onError  func(error)
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu      sync.Mutex
	running bool
	format  string
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a stopped pipeline that reads from dev and delivers chunks to
// sink.
func New(dev audio.CaptureDevice, sink ChunkSink, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:      dev,
		sink:     sink,
		formats:  slices.Clone(DefaultFormats),
		fallback: codec.MIMEL16,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	p.logger = p.logger.With("component", "capture")
	return p
}

// Running reports whether capture is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Format returns the format chosen by the most recent successful Start.
func (p *Pipeline) Format() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Start acquires the device and begins emitting chunks. When the device
// cannot be acquired, or no encoder fits its stream, Start returns the error
// and the pipeline stays stopped with the device released. Calling Start
// while running is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	stream, err := p.dev.Acquire(ctx)
	if err != nil {
		p.metrics.RecordError(ctx, "capture", "acquire")
		return fmt.Errorf("capture: acquire device: %w", err)
	}

	enc, err := p.selectEncoder(stream.Format())
	if err != nil {
		if relErr := p.dev.Release(); relErr != nil {
			err = errors.Join(err, fmt.Errorf("capture: release device: %w", relErr))
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.running = true
	p.format = enc.MIMEType()
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, stream, enc, p.done)

	p.logger.Info("capture started", "format", p.format, "pcm", stream.Format().String(), "interval", p.interval)
	return nil
}

// selectEncoder returns the first buildable encoder from the preference list,
// then the fallback.
func (p *Pipeline) selectEncoder(f audio.Format) (codec.Encoder, error) {
	var errs []error
	for _, name := range append(slices.Clone(p.formats), p.fallback) {
		if name == "" {
			continue
		}
		enc, err := codec.NewEncoder(name, f)
		if err == nil {
			return enc, nil
		}
		p.logger.Debug("encoder unavailable", "format", name, "err", err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w for %s: %w", ErrNoEncoder, f, errors.Join(errs...))
}

// Stop halts emission, flushes the tail chunk and releases the device. It is
// a no-op when the pipeline is already stopped.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	cancel()
	<-done

	if err := p.dev.Release(); err != nil {
		return fmt.Errorf("capture: release device: %w", err)
	}
	p.logger.Info("capture stopped")
	return nil
}

// run feeds frames into enc and flushes it every interval until ctx is
// cancelled or the stream ends.
func (p *Pipeline) run(ctx context.Context, stream audio.CaptureStream, enc codec.Encoder, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			p.drain(ctx, frames, enc)
			p.finish(enc)
			return

		case f, ok := <-frames:
			if !ok {
				p.finish(enc)
				p.report(ctx, "stream", errStreamEnded)
				return
			}
			if err := enc.Encode(f.Data); err != nil {
				p.report(ctx, "encode", err)
			}

		case <-ticker.C:
			chunk, err := enc.Flush()
			if err != nil {
				p.report(ctx, "encode", err)
				continue
			}
			p.deliver(ctx, enc.MIMEType(), chunk)
		}
	}
}

// drain encodes frames the device delivered before Stop without waiting for
// more.
func (p *Pipeline) drain(ctx context.Context, frames <-chan audio.AudioFrame, enc codec.Encoder) {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := enc.Encode(f.Data); err != nil {
				p.report(ctx, "encode", err)
			}
		default:
			return
		}
	}
}

// finish flushes the encoder tail. The sink still receives it; only future
// ticks are cancelled.
func (p *Pipeline) finish(enc codec.Encoder) {
	ctx := context.Background()
	chunk, err := enc.Close()
	if err != nil {
		p.report(ctx, "encode", err)
		return
	}
	p.deliver(ctx, enc.MIMEType(), chunk)
}

func (p *Pipeline) deliver(ctx context.Context, format string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if err := p.sink(ctx, chunk); err != nil {
		if errors.Is(err, ErrChunkDropped) {
			p.metrics.RecordError(ctx, "capture", "dropped")
			p.logger.Debug("capture chunk dropped", "err", err)
			return
		}
		p.report(ctx, "send", err)
		return
	}
	p.metrics.RecordChunk(ctx, format)
}

func (p *Pipeline) report(ctx context.Context, kind string, err error) {
	p.metrics.RecordError(ctx, "capture", kind)
	p.logger.Warn("capture chunk failed", "kind", kind, "err", err)
	if p.onError != nil {
		p.onError(fmt.Errorf("capture: %s: %w", kind, err))
	}
}
