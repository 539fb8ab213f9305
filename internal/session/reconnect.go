package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/internal/transport"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Connector is the connection a [Reconnector] re-establishes. It is
// satisfied by *transport.Conn.
type Connector interface {
	Connect(ctx context.Context) error
	Close() error
}

// Reconnector re-dials the backend after the connection was lost. The
// connection manager itself never reconnects; a Reconnector is an opt-in
// policy layered on top.
//
// Callers establish the first connection via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that waits for
// [Reconnector.NotifyDisconnect] and re-dials with exponential backoff.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	conn        Connector
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()
	logger      *slog.Logger

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Conn is the connection to re-establish.
	Conn Connector

	// MaxRetries is the maximum number of attempts per outage.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func()

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		conn:         cfg.Conn,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		logger:       logger.With("component", "reconnector"),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial connection.
func (r *Reconnector) Connect(ctx context.Context) error {
	if err := r.conn.Connect(ctx); err != nil {
		return fmt.Errorf("reconnector: initial connect: %w", err)
	}
	return nil
}

// Monitor starts watching for disconnect notifications in a background
// goroutine that exits when ctx is cancelled or [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the connection has been lost.
// Safe to call multiple times; only the first call per outage has effect.
// The error argument matches the [WithOnDisconnect] callback signature and
// is otherwise unused.
func (r *Reconnector) NotifyDisconnect(error) {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and closes the connection. Safe to call multiple
// times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	return r.conn.Close()
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect retries with exponential backoff until it succeeds, the
// retries are exhausted, or the reconnector is stopped.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		r.logger.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		err := r.conn.Connect(ctx)
		if err == nil || errors.Is(err, transport.ErrAlreadyConnected) {
			r.logger.Info("reconnection successful", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}

		r.logger.Warn("reconnection attempt failed", "attempt", attempt, "err", err)

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.logger.Error("reconnection failed after max retries", "max_retries", r.maxRetries)
}
