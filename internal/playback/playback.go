// Package playback decodes inbound audio chunks and plays them back-to-back
// in strict arrival order.
//
// [Queue.Enqueue] never blocks: it appends the encoded bytes to an inbox and
// wakes the single decode worker started by [Queue.Run]. The worker decodes
// one chunk at a time, so a slow decode can never let a later chunk overtake
// an earlier one. Decoded buffers either start playing immediately (when the
// device is idle) or wait in a FIFO; the device's completion callback
// advances the cursor to the next buffer.
//
// The output device is acquired lazily on the first chunk and resumed if the
// platform reports it suspended. Open, resume and decode failures are
// reported through the error handler and only drop the affected chunk.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/audio"
)

// DefaultHighWater is the queued-buffer count at which a warning is logged.
const DefaultHighWater = 64

// Option is a functional option for [New].
type Option func(*Queue)

// WithErrorHandler sets the callback for non-fatal errors.
func WithErrorHandler(fn func(error)) Option {
	return func(q *Queue) { q.onError = fn }
}

// WithHighWater sets the queued-buffer count that triggers a capacity warning.
// The queue itself is not bounded.
func WithHighWater(n int) Option {
	return func(q *Queue) { q.highWater = n }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is the audio playback queue. It is safe for concurrent use.
type Queue struct {
	platform  audio.PlaybackPlatform
	onError   func(error)
	highWater int
	logger    *slog.Logger
	metrics   *observe.Metrics

	wake chan struct{}

	mu       sync.Mutex
	inbox    [][]byte
	ready    []audio.Buffer
	playing  bool
	dev      audio.PlaybackDevice
	warnedHW bool
}

// New returns a queue that plays through devices opened from platform. Call
// [Queue.Run] to start the decode worker.
func New(platform audio.PlaybackPlatform, opts ...Option) *Queue {
	q := &Queue{
		platform:  platform,
		highWater: DefaultHighWater,
		logger:    slog.Default(),
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	q.logger = q.logger.With("component", "playback")
	return q
}

// Enqueue schedules an encoded chunk for decoding and playback. It never
// blocks and copies nothing; the caller must not modify data afterwards.
func (q *Queue) Enqueue(data []byte) {
	q.mu.Lock()
	q.inbox = append(q.inbox, data)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of decoded buffers waiting behind the one playing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Pending returns the number of chunks waiting to be decoded.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inbox)
}

// Playing reports whether a buffer is currently being rendered.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// SetHighWater changes the capacity warning threshold at runtime.
func (q *Queue) SetHighWater(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.highWater = n
	q.warnedHW = false
}

// Run decodes enqueued chunks in arrival order until ctx is cancelled.
// It returns nil on cancellation.
func (q *Queue) Run(ctx context.Context) error {
	for {
		data, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		q.process(ctx, data)
	}
}

func (q *Queue) next() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inbox) == 0 {
		return nil, false
	}
	data := q.inbox[0]
	q.inbox[0] = nil
	q.inbox = q.inbox[1:]
	return data, true
}

// process decodes one chunk and hands it to the playback cursor.
func (q *Queue) process(ctx context.Context, data []byte) {
	dev, err := q.device(ctx)
	if err != nil {
		q.report(ctx, "open", err)
		return
	}

	start := time.Now()
	buf, err := dev.Decode(ctx, data)
	q.metrics.DecodeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		q.report(ctx, "decode", fmt.Errorf("playback: decode %d bytes: %w", len(data), err))
		return
	}

	q.mu.Lock()
	if q.playing {
		q.ready = append(q.ready, buf)
		q.metrics.PlaybackQueueDepth.Add(ctx, 1)
		q.checkHighWater()
		q.mu.Unlock()
		return
	}
	q.playing = true
	q.mu.Unlock()

	q.play(dev, buf)
}

// device returns the output device, opening and resuming it as needed.
func (q *Queue) device(ctx context.Context) (audio.PlaybackDevice, error) {
	q.mu.Lock()
	dev := q.dev
	q.mu.Unlock()

	if dev == nil {
		opened, err := q.platform.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("playback: open device: %w", err)
		}
		if opened == nil {
			return nil, errors.New("playback: open device: platform returned no device")
		}
		q.mu.Lock()
		q.dev = opened
		q.mu.Unlock()
		dev = opened
		q.logger.Info("playback device opened")
	}

	if s, ok := dev.(audio.Suspender); ok && s.Suspended() {
		if err := s.Resume(ctx); err != nil {
			return nil, fmt.Errorf("playback: resume device: %w", err)
		}
		q.logger.Info("playback device resumed")
	}
	return dev, nil
}

// play starts buf and chains the next ready buffer from the completion
// callback. Must be called with playing already set and q.mu not held.
func (q *Queue) play(dev audio.PlaybackDevice, buf audio.Buffer) {
	for {
		err := dev.Play(buf, q.finished)
		if err == nil {
			q.metrics.AudioBytesPlayed.Add(context.Background(), int64(len(buf.PCM)))
			return
		}
		q.report(context.Background(), "play", fmt.Errorf("playback: play: %w", err))

		next, ok := q.advance()
		if !ok {
			return
		}
		buf = next
	}
}

// finished is the device completion callback.
func (q *Queue) finished() {
	next, ok := q.advance()
	if !ok {
		return
	}
	q.mu.Lock()
	dev := q.dev
	q.mu.Unlock()
	q.play(dev, next)
}

// advance pops the next ready buffer, or marks the cursor idle.
func (q *Queue) advance() (audio.Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		q.playing = false
		return audio.Buffer{}, false
	}
	next := q.ready[0]
	q.ready[0] = audio.Buffer{}
	q.ready = q.ready[1:]
	q.metrics.PlaybackQueueDepth.Add(context.Background(), -1)
	if len(q.ready) < q.highWater/2 {
		q.warnedHW = false
	}
	return next, true
}

// checkHighWater logs once per excursion above the high-water mark. Callers
// hold q.mu.
func (q *Queue) checkHighWater() {
	if q.highWater <= 0 || len(q.ready) < q.highWater || q.warnedHW {
		return
	}
	q.warnedHW = true
	q.logger.Warn("playback queue above high-water mark",
		"queued", len(q.ready),
		"high_water", q.highWater,
	)
}

func (q *Queue) report(ctx context.Context, kind string, err error) {
	q.metrics.RecordError(ctx, "playback", kind)
	q.logger.Warn("dropping audio chunk", "kind", kind, "err", err)
	if q.onError != nil {
		q.onError(err)
	}
}
