// Package session owns the conversation state of one jarvis client and the
// single dispatch loop that mutates it.
//
// A [Dispatcher] consumes the typed event channel of the connection manager
// and applies each event to its session record atomically: handlers run to
// completion under the state mutex, so no two events (or an event and a local
// command) ever interleave. Side effects that may block or call back into the
// dispatcher, such as stopping the microphone, run after the mutex is
// released.
//
// Agent traces and the response that completes a turn can arrive in either
// order. A trace attaches to the newest assistant message when no turn is
// open, otherwise it waits in a single pending slot until the next
// response_complete consumes it. A second trace arriving while the slot is
// full replaces the first and is logged.
//
// Renderers never read the record directly; they receive immutable
// [Snapshot] values via [Dispatcher.Subscribe].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/protocol"
)

// ErrNoCapture is returned by [Dispatcher.ToggleListening] when the
// dispatcher was built without a capture pipeline.
var ErrNoCapture = errors.New("session: no capture pipeline configured")

// subscriberBuffer is the per-subscriber snapshot backlog. A subscriber that
// falls further behind loses the oldest snapshots, never the newest.
const subscriberBuffer = 16

// Sender transmits outbound frames. It is satisfied by *transport.Conn.
type Sender interface {
	Send(ctx context.Context, msg protocol.Outbound) error
}

// Capturer is the microphone pipeline driven by [Dispatcher.ToggleListening].
// It is satisfied by *capture.Pipeline.
type Capturer interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
}

// Player receives inbound audio. It is satisfied by *playback.Queue.
type Player interface {
	Enqueue(data []byte)
}

// AudioSink returns a capture chunk sink that forwards every chunk to s as
// an audio_chunk frame.
func AudioSink(s Sender) func(ctx context.Context, chunk []byte) error {
	return func(ctx context.Context, chunk []byte) error {
		return s.Send(ctx, protocol.AudioChunk{Data: chunk})
	}
}

// Option is a functional option for [New].
type Option func(*Dispatcher)

// WithCapture sets the capture pipeline started and stopped by
// [Dispatcher.ToggleListening].
func WithCapture(c Capturer) Option {
	return func(d *Dispatcher) { d.capture = c }
}

// WithPlayer sets the destination for inbound audio chunks.
func WithPlayer(p Player) Option {
	return func(d *Dispatcher) { d.player = p }
}

// WithOnDisconnect registers a callback invoked after the session processed
// a disconnect caused by an error. Clean closes do not trigger it.
func WithOnDisconnect(fn func(error)) Option {
	return func(d *Dispatcher) { d.onDisconnect = fn }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the time source used for message timestamps and turn
// durations.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher is the session state machine. All methods are safe for
// concurrent use.
type Dispatcher struct {
	sender       Sender
	capture      Capturer
	player       Player
	onDisconnect func(error)
	logger       *slog.Logger
	metrics      *observe.Metrics
	now          func() time.Time

	// cmdMu serialises everything that starts or stops capture. It is never
	// acquired while mu is held.
	cmdMu sync.Mutex

	mu      sync.Mutex
	st      *state
	subs    map[int]chan Snapshot
	nextSub int

	turnSpan  trace.Span
	turnStart time.Time
}

// New returns a dispatcher that sends outbound frames through sender.
func New(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		logger: slog.Default(),
		now:    time.Now,
		st:     newState(),
		subs:   make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.logger = d.logger.With("component", "session")
	return d
}

// Run handles events in arrival order until ctx is cancelled or events is
// closed. It returns nil in both cases.
func (d *Dispatcher) Run(ctx context.Context, events <-chan protocol.Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Handle(ctx, ev)
		}
	}
}

// effects are the actions a handler requests once the state mutex is
// released.
type effects struct {
	audio         []byte
	stopCapture   bool
	disconnectErr error
}

// Handle applies one inbound event to the session.
func (d *Dispatcher) Handle(ctx context.Context, ev protocol.Inbound) {
	d.mu.Lock()
	fx, changed := d.apply(ctx, ev)
	if changed {
		d.publishLocked()
	}
	d.mu.Unlock()

	d.execute(ctx, fx)
}

// apply mutates the session record for ev. Callers hold d.mu.
func (d *Dispatcher) apply(ctx context.Context, ev protocol.Inbound) (effects, bool) {
	st := d.st
	switch m := ev.(type) {
	case protocol.StatusMessage:
		if !m.Status.IsValid() {
			d.logger.Warn("ignoring unknown status", "status", string(m.Status))
			return effects{}, false
		}
		if st.status == m.Status {
			return effects{}, false
		}
		st.status = m.Status
		return effects{}, true

	case protocol.InterimTranscript:
		st.interim = m.Text
		return effects{}, true

	case protocol.FinalTranscript:
		st.interim = ""
		st.append(d.message(RoleUser, m.Text))
		d.openTurnLocked(ctx)
		if st.status == protocol.StatusListening {
			st.status = protocol.StatusIdle
		}
		return effects{}, true

	case protocol.LLMToken:
		st.response += m.Token
		return effects{}, true

	case protocol.ResponseComplete:
		text := m.FullText
		if text == "" {
			text = st.response
		}
		msg := d.message(RoleAssistant, text)
		if p := st.takePending(); p != nil {
			msg.Trace, msg.TraceMeta = p.steps, p.meta
		}
		st.append(msg)
		st.endTurn()
		d.finishTurnLocked(ctx, "completed")
		return effects{}, true

	case protocol.ErrorMessage:
		st.append(d.message(RoleSystem, "Error: "+m.Message))
		// A failed start_listening surfaces as status idle followed by an
		// error, so the microphone is closed whatever the status says.
		var fx effects
		if st.listening {
			st.listening = false
			fx.stopCapture = true
		}
		if p := st.takePending(); p != nil {
			d.logger.Warn("discarding pending agent trace of an aborted turn", "steps", len(p.steps))
		}
		st.endTurn()
		d.finishTurnLocked(ctx, "error")
		d.metrics.RecordError(ctx, "session", "server")
		d.logger.Warn("server reported error", "message", m.Message)
		return fx, true

	case protocol.AgentTrace:
		return effects{}, d.reconcileLocked(m)

	case protocol.AudioChunk:
		if d.player == nil {
			d.logger.Debug("dropping audio chunk, no player configured", "bytes", len(m.Data))
			return effects{}, false
		}
		return effects{audio: m.Data}, false

	case protocol.AudioDone:
		d.logger.Debug("sentence audio complete")
		return effects{}, false

	case protocol.Connected:
		st.connected = true
		d.logger.Info("connected")
		return effects{}, true

	case protocol.Disconnected:
		st.connected = false
		var fx effects
		if st.listening {
			st.listening = false
			fx.stopCapture = true
		}
		fx.disconnectErr = m.Err
		if m.Err != nil {
			st.lastError = m.Err.Error()
		}
		d.logger.Info("disconnected", "err", m.Err)
		return fx, true

	case protocol.TransportError:
		if m.Err == nil {
			return effects{}, false
		}
		st.lastError = m.Err.Error()
		return effects{}, true

	default:
		d.logger.Warn("unhandled event", "type", string(ev.Kind()))
		return effects{}, false
	}
}

// reconcileLocked attaches an agent trace to its turn. While a turn is open,
// or before any assistant message exists, the trace waits in the pending
// slot for the next response_complete. Otherwise it belongs to the newest
// assistant message; a trace for a message that already has one has no turn
// left to claim it and is dropped. Callers hold d.mu.
func (d *Dispatcher) reconcileLocked(m protocol.AgentTrace) bool {
	st := d.st
	steps := slices.Clone(m.Steps)
	if steps == nil {
		steps = []protocol.TraceStep{}
	}
	meta := TraceMeta{Intent: m.Intent, Model: m.Model}

	if i := st.latestAssistant(); !st.turnOpen && i >= 0 {
		if st.messages[i].HasTrace() {
			d.logger.Warn("dropping agent trace with no turn to claim it",
				"steps", len(steps),
				"intent", m.Intent,
			)
			return false
		}
		st.messages[i].Trace = steps
		st.messages[i].TraceMeta = meta
		return true
	}

	if st.pending != nil {
		d.logger.Warn("agent trace overwrites an unclaimed pending trace",
			"dropped_steps", len(st.pending.steps),
			"steps", len(steps),
		)
	}
	st.pending = &pendingTrace{steps: steps, meta: meta}
	return false
}

// execute runs handler side effects outside the state mutex.
func (d *Dispatcher) execute(ctx context.Context, fx effects) {
	if fx.audio != nil {
		d.player.Enqueue(fx.audio)
	}
	if fx.stopCapture {
		d.cmdMu.Lock()
		if d.capture != nil {
			if err := d.capture.Stop(); err != nil {
				d.ReportError("capture", err)
			}
		}
		d.cmdMu.Unlock()
	}
	if fx.disconnectErr != nil && d.onDisconnect != nil {
		d.onDisconnect(fx.disconnectErr)
	}
}

// ── Commands ──────────────────────────────────────────────────────────────────

// SendText appends a user message immediately and transmits it. Blank text
// is ignored. The message stays in the log even when the send fails.
func (d *Dispatcher) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	d.mu.Lock()
	d.st.append(d.message(RoleUser, text))
	d.openTurnLocked(ctx)
	d.publishLocked()
	d.mu.Unlock()

	if err := d.sender.Send(ctx, protocol.TextMessage{Text: text}); err != nil {
		d.mu.Lock()
		d.st.turnOpen = false
		d.finishTurnLocked(ctx, "unsent")
		d.mu.Unlock()
		return fmt.Errorf("session: send text: %w", err)
	}
	return nil
}

// ToggleListening starts capture and announces it to the server, or stops
// capture and announces the end. When the device cannot be started the
// error is reported, nothing is sent and the status is left unchanged.
func (d *Dispatcher) ToggleListening(ctx context.Context) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	if d.capture == nil {
		return ErrNoCapture
	}

	d.mu.Lock()
	listening := d.st.listening
	d.mu.Unlock()

	if listening {
		return d.stopListening(ctx)
	}
	return d.startListening(ctx)
}

// startListening is called with cmdMu held.
func (d *Dispatcher) startListening(ctx context.Context) error {
	if err := d.capture.Start(ctx); err != nil {
		d.ReportError("capture", err)
		return fmt.Errorf("session: start listening: %w", err)
	}
	if err := d.sender.Send(ctx, protocol.StartListening{}); err != nil {
		err = fmt.Errorf("session: start listening: %w", err)
		if stopErr := d.capture.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("session: stop capture: %w", stopErr))
		}
		return err
	}

	d.mu.Lock()
	d.st.listening = true
	d.st.status = protocol.StatusListening
	d.publishLocked()
	d.mu.Unlock()

	d.logger.Info("listening started")
	return nil
}

// stopListening is called with cmdMu held. The capture tail is flushed
// before stop_listening goes out.
func (d *Dispatcher) stopListening(ctx context.Context) error {
	var errs []error
	if err := d.capture.Stop(); err != nil {
		d.ReportError("capture", err)
		errs = append(errs, fmt.Errorf("session: stop capture: %w", err))
	}

	d.mu.Lock()
	d.st.listening = false
	if d.st.status == protocol.StatusListening {
		d.st.status = protocol.StatusIdle
	}
	d.publishLocked()
	d.mu.Unlock()

	if err := d.sender.Send(ctx, protocol.StopListening{}); err != nil {
		errs = append(errs, fmt.Errorf("session: stop listening: %w", err))
	}

	d.logger.Info("listening stopped")
	return errors.Join(errs...)
}

// ReportError records a non-fatal error from a collaborator such as the
// capture pipeline or the playback queue.
func (d *Dispatcher) ReportError(source string, err error) {
	if err == nil {
		return
	}
	d.metrics.RecordError(context.Background(), source, "reported")
	d.logger.Warn("component error", "source", source, "err", err)

	d.mu.Lock()
	d.st.lastError = err.Error()
	d.publishLocked()
	d.mu.Unlock()
}

// ── Observation ───────────────────────────────────────────────────────────────

// Snapshot returns a copy of the current session state.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.snapshot()
}

// Subscribe returns a channel that receives the current snapshot immediately
// and a new one after every change. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (d *Dispatcher) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	ch <- d.st.snapshot()
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			close(ch)
			d.mu.Unlock()
		})
	}
}

// publishLocked fans the current snapshot out to every subscriber without
// blocking. Callers hold d.mu.
func (d *Dispatcher) publishLocked() {
	if len(d.subs) == 0 {
		return
	}
	snap := d.st.snapshot()
	for _, ch := range d.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Full: drop the oldest so the newest state always gets through.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// ── Turns ─────────────────────────────────────────────────────────────────────

func (d *Dispatcher) message(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: d.now(),
	}
}

// openTurnLocked marks a user turn as awaiting its reply. A second user
// message before the reply joins the already open turn.
func (d *Dispatcher) openTurnLocked(ctx context.Context) {
	d.st.turnOpen = true
	if d.turnSpan != nil {
		return
	}
	_, d.turnSpan = observe.StartSpan(ctx, "session.turn")
	d.turnStart = d.now()
}

// finishTurnLocked ends the turn span, if any, and records the outcome.
func (d *Dispatcher) finishTurnLocked(ctx context.Context, outcome string) {
	if d.turnSpan == nil {
		d.metrics.RecordTurn(ctx, outcome, 0)
		return
	}
	elapsed := d.now().Sub(d.turnStart)
	d.turnSpan.SetAttributes(attribute.String("outcome", outcome))
	d.turnSpan.End()
	d.turnSpan = nil
	d.metrics.RecordTurn(ctx, outcome, elapsed.Seconds())
	observe.With(ctx, d.logger).Debug("turn finished", "outcome", outcome, "elapsed", elapsed)
}
