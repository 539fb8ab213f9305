// Package app wires the jarvis subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds the connection
// manager, the capture pipeline, the playback queue and the session
// dispatcher from the config; Run connects and executes every loop under one
// errgroup; Shutdown tears everything down in order.
//
// For testing, inject devices via functional options (WithCaptureDevice,
// WithPlaybackPlatform, etc.). When an option is not provided, New creates
// the devices named in the config through the backend registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jarvis/internal/capture"
	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/health"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/playback"
	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/internal/session"
	"github.com/MrWong99/jarvis/internal/transport"
	"github.com/MrWong99/jarvis/pkg/audio"
)

// App owns all subsystem lifetimes of one jarvis client.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	logger   *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics

	// Injected or built in New.
	captureDev     audio.CaptureDevice
	platform       audio.PlaybackPlatform
	metricsHandler http.Handler

	conn     *transport.Conn
	pipeline *capture.Pipeline
	player   *playback.Queue
	session  *session.Dispatcher
	reconn   *session.Reconnector
	uplink   *resilience.CircuitBreaker

	telemetry *http.Server
	listener  net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the backend registry. Default: [NewRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithCaptureDevice injects a capture device instead of creating one from
// config.
func WithCaptureDevice(d audio.CaptureDevice) Option {
	return func(a *App) { a.captureDev = d }
}

// WithPlaybackPlatform injects a playback platform instead of creating one
// from config.
func WithPlaybackPlatform(p audio.PlaybackPlatform) Option {
	return func(a *App) { a.platform = p }
}

// WithMetricsHandler sets the handler served on /metrics. Default:
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar lets [App.Reload] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is
// connected and no device is acquired until [App.Run] and the first
// listening toggle.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = NewRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Connection manager ────────────────────────────────────────────
	connOpts := []transport.Option{
		transport.WithDialTimeout(cfg.Server.DialTimeout),
		transport.WithWriteTimeout(cfg.Server.WriteTimeout),
		transport.WithLogger(a.logger),
		transport.WithMetrics(a.metrics),
	}
	if cfg.Server.ReadLimit > 0 {
		connOpts = append(connOpts, transport.WithReadLimit(cfg.Server.ReadLimit))
	}
	a.conn = transport.New(cfg.Server.URL, connOpts...)

	// ── 3. Capture + playback ────────────────────────────────────────────
	a.uplink = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "audio-uplink",
		MaxFailures:  uplinkMaxFailures,
		ResetTimeout: uplinkResetTimeout,
		Logger:       a.logger,
		OnStateChange: func(_, to resilience.State) {
			if to == resilience.StateOpen {
				a.reportError("capture", errUplinkPaused)
			}
		},
	})
	a.pipeline = capture.New(a.captureDev, guardSink(a.uplink, session.AudioSink(a.conn)),
		capture.WithFormats(cfg.Capture.Formats),
		capture.WithFallback(cfg.Capture.Fallback),
		capture.WithInterval(cfg.Capture.Interval),
		capture.WithErrorHandler(func(err error) { a.reportError("capture", err) }),
		capture.WithLogger(a.logger),
		capture.WithMetrics(a.metrics),
	)
	a.player = playback.New(a.platform,
		playback.WithHighWater(cfg.Playback.HighWater),
		playback.WithErrorHandler(func(err error) { a.reportError("playback", err) }),
		playback.WithLogger(a.logger),
		playback.WithMetrics(a.metrics),
	)

	// ── 4. Reconnect policy ──────────────────────────────────────────────
	sessOpts := []session.Option{
		session.WithCapture(a.pipeline),
		session.WithPlayer(a.player),
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
	}
	if cfg.Reconnect.Enabled {
		a.reconn = session.NewReconnector(session.ReconnectorConfig{
			Conn:        a.conn,
			MaxRetries:  cfg.Reconnect.MaxRetries,
			Backoff:     cfg.Reconnect.Backoff,
			MaxBackoff:  cfg.Reconnect.MaxBackoff,
			OnReconnect: func() {
				a.uplink.Reset()
				a.logger.Info("reconnected", "url", cfg.Server.URL)
			},
			Logger: a.logger,
		})
		sessOpts = append(sessOpts, session.WithOnDisconnect(a.reconn.NotifyDisconnect))
	}

	// ── 5. Session dispatcher ────────────────────────────────────────────
	a.session = session.New(a.conn, sessOpts...)

	// Capture flushes its tail chunk through the connection, so it stops
	// first. The reconnector closes the connection itself.
	a.closers = append(a.closers, a.pipeline.Stop)
	if a.reconn != nil {
		a.closers = append(a.closers, a.reconn.Stop)
	} else {
		a.closers = append(a.closers, a.conn.Close)
	}
	if c, ok := a.platform.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	// ── 6. Telemetry endpoint ────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("app: init telemetry: %w", err), a.closeAll())
	}

	a.logger.Info("app initialised",
		"url", cfg.Server.URL,
		"capture", cfg.Capture.Backend,
		"playback", cfg.Playback.Backend,
		"reconnect", cfg.Reconnect.Enabled,
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDevices creates the capture device and playback platform from config
// unless they were injected.
func (a *App) initDevices() error {
	if a.captureDev == nil {
		dev, err := a.registry.CreateCapture(a.cfg.Capture)
		if err != nil {
			return fmt.Errorf("create capture backend %q: %w", a.cfg.Capture.Backend, err)
		}
		a.captureDev = dev
		a.logger.Info("capture backend created", "name", a.cfg.Capture.Backend)
	}
	if a.platform == nil {
		p, err := a.registry.CreatePlayback(a.cfg.Playback)
		if err != nil {
			return fmt.Errorf("create playback backend %q: %w", a.cfg.Playback.Backend, err)
		}
		a.platform = p
		a.logger.Info("playback backend created", "name", a.cfg.Playback.Backend)
	}
	return nil
}

// initTelemetry binds the /metrics, /healthz and /readyz listener when an
// address is configured.
func (a *App) initTelemetry(ctx context.Context) error {
	addr := a.cfg.Telemetry.ListenAddr
	if addr == "" {
		return nil
	}

	endpoint := func(route string, h http.Handler) http.Handler {
		return observe.Endpoint(a.metrics, route, h)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", endpoint("/metrics", a.metricsHandler))
	health.New([]health.Checker{
		health.Connection(a.conn),
		{Name: "uplink", Check: a.checkUplink},
	}, health.WithLogger(a.logger)).Register(mux, endpoint)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %q: %w", addr, err)
	}
	a.listener = ln
	a.telemetry = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// ─── Audio uplink ────────────────────────────────────────────────────────────

const (
	uplinkMaxFailures  = 3
	uplinkResetTimeout = 2 * time.Second
)

var errUplinkPaused = errors.New("audio uplink paused after repeated send failures")

// guardSink routes capture chunks through cb. While the breaker is open,
// chunks are dropped without touching the connection.
func guardSink(cb *resilience.CircuitBreaker, sink func(context.Context, []byte) error) func(context.Context, []byte) error {
	return func(ctx context.Context, chunk []byte) error {
		err := cb.Execute(func() error { return sink(ctx, chunk) })
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("%w: %w", capture.ErrChunkDropped, err)
		}
		return err
	}
}

func (a *App) checkUplink(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.uplink.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the dispatcher for UI triggers and snapshot subscriptions.
func (a *App) Session() *session.Dispatcher { return a.session }

// Connected reports whether the backend connection is currently up.
func (a *App) Connected() bool { return a.conn.Connected() }

// TelemetryAddr returns the bound telemetry address, or "" when disabled.
func (a *App) TelemetryAddr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the backend and runs the dispatch loop, the playback
// worker and the telemetry server until ctx is cancelled. A failed initial
// connection is reported into the session rather than returned; with the
// reconnect policy enabled it is retried in the background.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.session.Run(ctx, a.conn.Events()) })
	g.Go(func() error { return a.player.Run(ctx) })

	if a.telemetry != nil {
		g.Go(func() error {
			a.logger.Info("telemetry listening", "addr", a.listener.Addr().String())
			if err := a.telemetry.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: telemetry server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return a.telemetry.Shutdown(shutdownCtx)
		})
	}

	a.connect(ctx)

	a.logger.Info("app running", "url", a.cfg.Server.URL)
	return g.Wait()
}

// connect dials the backend once, handing failures to the reconnect policy
// when one is configured.
func (a *App) connect(ctx context.Context) {
	if a.reconn == nil {
		if err := a.conn.Connect(ctx); err != nil {
			a.reportError("transport", err)
		}
		return
	}
	a.reconn.Monitor(ctx)
	if err := a.reconn.Connect(ctx); err != nil {
		a.reportError("transport", err)
		a.reconn.NotifyDisconnect(err)
	}
}

func (a *App) reportError(source string, err error) {
	if a.session == nil {
		a.logger.Warn("error before session start", "source", source, "err", err)
		return
	}
	a.session.ReportError(source, err)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change and logs the
// sections that need a restart.
func (a *App) Reload(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.HighWaterChanged {
		a.player.SetHighWater(d.NewHighWater)
		a.logger.Info("playback high-water mark changed", "high_water", d.NewHighWater)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog equivalent. Unknown values
// map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the telemetry server, then capture,
// the connection with its reconnect policy, and the playback device. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				a.logger.Warn("telemetry shutdown error", "err", err)
			}
			// Serve never ran if Run was not called.
			if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				a.logger.Warn("telemetry listener close error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs every closer, used when New fails half-way.
func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
