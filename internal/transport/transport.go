// Package transport owns the single WebSocket connection between the client
// and the assistant backend.
//
// A [Conn] serialises outbound [protocol.Outbound] messages and decodes every
// inbound text frame into exactly one [protocol.Inbound] value. Decoded
// messages and lifecycle events ([protocol.Connected], [protocol.Disconnected],
// [protocol.TransportError]) are delivered in order on a single channel
// returned by [Conn.Events]. The channel is created once and survives
// reconnects, so the consumer never has to re-subscribe.
//
// The package performs no interpretation beyond decoding and never reconnects
// on its own; reconnect policy belongs to the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/protocol"
)

// DefaultURL is the backend endpoint used when none is configured.
const DefaultURL = "ws://localhost:8000/ws"

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second

	// defaultReadLimit leaves room for a few seconds of base64 mp3 per frame.
	defaultReadLimit = 4 << 20

	eventBuffer = 256
)

var (
	// ErrNotConnected is returned by [Conn.Send] when no connection is open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAlreadyConnected is returned by [Conn.Connect] when a connection is
	// already open.
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// Option is a functional option for [New].
type Option func(*Conn)

// WithDialTimeout bounds how long [Conn.Connect] waits for the handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Conn) { c.dialTimeout = d }
}

// WithWriteTimeout bounds how long a single [Conn.Send] may block.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithReadLimit sets the maximum accepted inbound frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Conn) { c.readLimit = n }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// Conn is the connection manager. It is safe for concurrent use.
type Conn struct {
	url          string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64
	logger       *slog.Logger
	metrics      *observe.Metrics

	events chan protocol.Inbound

	mu     sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	// release unblocks a receive loop still waiting to deliver the
	// Disconnected event of a dropped connection.
	release context.CancelFunc
}

// New returns an unconnected [Conn] for url.
func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:          url,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		logger:       slog.Default(),
		events:       make(chan protocol.Inbound, eventBuffer),
	}
	for _, o := range opts {
		o(c)
	}
	if c.url == "" {
		c.url = DefaultURL
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.logger = c.logger.With("component", "transport", "url", c.url)
	return c
}

// Events returns the channel on which every inbound message and lifecycle
// event is delivered, in order. The channel is never closed.
func (c *Conn) Events() <-chan protocol.Inbound {
	return c.events
}

// Connected reports whether a connection is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Connect dials the backend. On success it emits [protocol.Connected] and
// starts the receive loop. It returns [ErrAlreadyConnected] when a
// connection is already open.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return ErrAlreadyConnected
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	defer cancelDial()
	ws, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		c.metrics.RecordError(ctx, "transport", "dial")
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(c.readLimit)

	loopCtx, cancel := context.WithCancel(context.Background())
	deliverCtx, release := context.WithCancel(context.Background())
	c.ws = ws
	c.cancel = cancel
	c.done = make(chan struct{})
	c.release = release
	c.metrics.ActiveConnections.Add(ctx, 1)

	// Connected must precede any frame from the new receive loop.
	c.emit(protocol.Connected{})
	go c.receiveLoop(loopCtx, deliverCtx, ws, c.done)

	c.logger.Info("connected to backend")
	return nil
}

// Send serialises msg and writes it as one text frame. When no connection is
// open it returns an error wrapping [ErrNotConnected] and emits a
// [protocol.TransportError]. Nothing is queued or retried.
func (c *Conn) Send(ctx context.Context, msg protocol.Outbound) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	kind := string(msg.Kind())
	if ws == nil {
		return c.sendFailed(ctx, kind, fmt.Errorf("%w: cannot send %s", ErrNotConnected, kind))
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return c.sendFailed(ctx, kind, fmt.Errorf("transport: send %s: %w", kind, err))
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		return c.sendFailed(ctx, kind, fmt.Errorf("transport: send %s: %w", kind, err))
	}
	c.metrics.RecordSent(ctx, kind, "ok")
	return nil
}

func (c *Conn) sendFailed(ctx context.Context, kind string, err error) error {
	c.metrics.RecordSent(ctx, kind, "error")
	c.logger.Warn("send failed", "type", kind, "err", err)
	c.emit(protocol.TransportError{Err: err})
	return err
}

// Close performs a normal closure and waits for the receive loop to emit
// [protocol.Disconnected]. Calling Close without an open connection only
// abandons a pending Disconnected of a dropped connection that nobody
// consumed.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws, cancel, done, release := c.ws, c.cancel, c.done, c.release
	c.ws, c.cancel = nil, nil
	c.mu.Unlock()

	if ws == nil {
		if release != nil {
			release()
		}
		return nil
	}
	// The receive loop reads the peer's close reply, so it must still be
	// running while the handshake completes.
	err := ws.Close(websocket.StatusNormalClosure, "client closing")
	cancel()
	<-done
	release()
	if err != nil && !isCleanClose(err) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

// receiveLoop reads frames until the connection fails or is closed. It owns
// the final Disconnected event for ws. A dropped connection waits for room in
// the event buffer, like frames do, until deliver is cancelled by Close.
func (c *Conn) receiveLoop(ctx, deliver context.Context, ws *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			c.disconnected(deliver, ws, ctx.Err() != nil, err)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Warn("ignoring non-text frame", "type", typ.String())
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.metrics.RecordError(ctx, "transport", "decode")
			c.logger.Warn("dropping undecodable frame", "err", err, "bytes", len(data))
			continue
		}
		c.metrics.RecordReceived(ctx, string(msg.Kind()))

		select {
		case c.events <- msg:
		case <-ctx.Done():
			c.disconnected(deliver, ws, true, ctx.Err())
			return
		}
	}
}

func (c *Conn) disconnected(deliver context.Context, ws *websocket.Conn, local bool, err error) {
	c.mu.Lock()
	dropped := c.ws == ws
	if dropped {
		c.ws = nil
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.metrics.ActiveConnections.Add(context.Background(), -1)

	var reason error
	if !local && !isCleanClose(err) {
		reason = fmt.Errorf("transport: connection lost: %w", err)
		c.logger.Warn("connection lost", "err", err)
	} else {
		c.logger.Info("disconnected from backend")
	}
	ev := protocol.Disconnected{Err: reason}
	if !dropped {
		// Close owns this teardown and its caller may be the consumer.
		c.emit(ev)
		return
	}
	select {
	case c.events <- ev:
	case <-deliver.Done():
		c.logger.Warn("connection closed before the disconnect was consumed")
	}
}

// emit delivers a lifecycle event without blocking. Lifecycle events are
// emitted from caller goroutines that may themselves be the event consumer,
// so a full buffer drops the event instead of deadlocking.
func (c *Conn) emit(ev protocol.Inbound) {
	select {
	case c.events <- ev:
	default:
		c.logger.Error("event buffer full, dropping lifecycle event", "type", string(ev.Kind()))
	}
}

func isCleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
