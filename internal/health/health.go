// Package health serves the liveness and readiness endpoints of the local
// telemetry listener.
//
// /healthz answers as long as the process runs. /readyz reports whether the
// client can hold a conversation right now: the backend connection is up and
// the audio uplink is not paused. Readiness flips are logged, so a
// disconnect shows up in the log once rather than on every poll.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrDisconnected is reported by [Connection] while the backend connection
// is down.
var ErrDisconnected = errors.New("health: not connected")

const checkTimeout = 2 * time.Second

// Checker is one named readiness condition. Check returns nil when ready.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Connectivity is satisfied by the transport.
type Connectivity interface {
	Connected() bool
}

// Connection returns the "server" condition, which fails with
// [ErrDisconnected] while c has no open connection.
func Connection(c Connectivity) Checker {
	return Checker{
		Name: "server",
		Check: func(context.Context) error {
			if !c.Connected() {
				return ErrDisconnected
			}
			return nil
		},
	}
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the logger for readiness flips. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// Handler evaluates readiness on demand.
type Handler struct {
	checkers []Checker
	started  time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	failed map[string]bool
}

// New returns a handler for the given conditions.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
		logger:   slog.Default(),
		failed:   make(map[string]bool),
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With("component", "health")
	return h
}

// Liveness is the /healthz body.
type Liveness struct {
	Alive  bool   `json:"alive"`
	Uptime string `json:"uptime"`
}

// Readiness is the /readyz body. Checks maps each condition to "ok" or its
// failure.
type Readiness struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Liveness{
		Alive:  true,
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz evaluates every condition concurrently and answers 503 unless all
// pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if !rep.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs all conditions, each bounded by a short timeout.
func (h *Handler) Evaluate(ctx context.Context) Readiness {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			if err := cctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := Readiness{Ready: true, Checks: make(map[string]string, len(h.checkers))}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.checkers {
		err := errs[i]
		if err == nil {
			rep.Checks[c.Name] = "ok"
		} else {
			rep.Ready = false
			rep.Checks[c.Name] = err.Error()
		}
		switch was := h.failed[c.Name]; {
		case err != nil && !was:
			h.logger.Warn("not ready", "check", c.Name, "err", err)
		case err == nil && was:
			h.logger.Info("ready again", "check", c.Name)
		}
		h.failed[c.Name] = err != nil
	}
	return rep
}

// Register mounts /healthz and /readyz on mux, each wrapped by wrap.
func (h *Handler) Register(mux *http.ServeMux, wrap func(route string, h http.Handler) http.Handler) {
	mux.Handle("GET /healthz", wrap("/healthz", http.HandlerFunc(h.Healthz)))
	mux.Handle("GET /readyz", wrap("/readyz", http.HandlerFunc(h.Readyz)))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
