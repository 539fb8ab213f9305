// Package console is the terminal front end of jarvis. It prints session
// snapshots as a scrolling transcript and turns stdin lines into session
// commands:
//
//	/listen, /l   toggle the microphone
//	/help, /h     show the command list
//	/quit, /q     leave
//	anything else is sent as a text message
//
// The console only reads [session.Snapshot] values; it never touches session
// state directly.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/jarvis/internal/session"
	"github.com/MrWong99/jarvis/pkg/protocol"
)

const helpText = "commands: /listen toggle mic · /help · /quit · any other line is sent as text"

// Session is the part of the dispatcher the console drives. It is satisfied
// by *session.Dispatcher.
type Session interface {
	Subscribe() (<-chan session.Snapshot, func())
	SendText(ctx context.Context, text string) error
	ToggleListening(ctx context.Context) error
}

// Theme defines the console colours.
type Theme struct {
	User      lipgloss.Color
	Assistant lipgloss.Color
	System    lipgloss.Color
	Dim       lipgloss.Color
}

// DefaultTheme is used unless [WithTheme] is given.
var DefaultTheme = Theme{
	User:      lipgloss.Color("#5fafff"),
	Assistant: lipgloss.Color("#00ff9f"),
	System:    lipgloss.Color("#ff5f5f"),
	Dim:       lipgloss.Color("#6e7681"),
}

// styles holds the styles derived from a theme for one output.
type styles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	status    lipgloss.Style
	help      lipgloss.Style
}

func newStyles(r *lipgloss.Renderer, t Theme) styles {
	return styles{
		user:      r.NewStyle().Bold(true).Foreground(t.User),
		assistant: r.NewStyle().Bold(true).Foreground(t.Assistant),
		system:    r.NewStyle().Foreground(t.System),
		status:    r.NewStyle().Foreground(t.Dim).Italic(true),
		help:      r.NewStyle().Foreground(t.Dim),
	}
}

// Option is a functional option for [New].
type Option func(*Console)

// WithInput sets the command source. Default: os.Stdin.
func WithInput(r io.Reader) Option {
	return func(c *Console) { c.in = r }
}

// WithOutput sets the render target. Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(c *Console) { c.out = w }
}

// WithTheme sets the colours. Default: [DefaultTheme].
func WithTheme(t Theme) Option {
	return func(c *Console) { c.theme = t }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Console) { c.logger = l }
}

// Console renders one session to a terminal.
type Console struct {
	sess   Session
	in     io.Reader
	out    io.Writer
	theme  Theme
	logger *slog.Logger
	st     styles

	// Render state, owned by the Run goroutine.
	last    session.Snapshot
	printed int
	traced  map[string]bool
	stream  string
	midline bool
}

// New returns a console for sess.
func New(sess Session, opts ...Option) *Console {
	c := &Console{
		sess:   sess,
		in:     os.Stdin,
		out:    os.Stdout,
		theme:  DefaultTheme,
		logger: slog.Default(),
		traced: make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	c.st = newStyles(lipgloss.NewRenderer(c.out), c.theme)
	c.logger = c.logger.With("component", "console")
	return c
}

// Run renders snapshots and executes input lines until ctx is cancelled or
// the user quits. End of input stops command reading but not rendering.
func (c *Console) Run(ctx context.Context) error {
	snaps, unsubscribe := c.sess.Subscribe()
	defer unsubscribe()

	// The reader goroutine may stay blocked in Read after Run returns; the
	// process exits shortly after.
	lines := make(chan string)
	go c.readLines(ctx, lines)

	c.println(c.st.help.Render(helpText))
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snaps:
			if !ok {
				return nil
			}
			c.render(s)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if c.command(ctx, line) {
				return nil
			}
		}
	}
}

func (c *Console) readLines(ctx context.Context, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		c.logger.Warn("input closed", "err", err)
	}
}

// command executes one input line and reports whether the user quit.
func (c *Console) command(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit", "/q":
		return true
	case "/help", "/h":
		c.println(c.st.help.Render(helpText))
		return false
	case "/listen", "/l":
		if err := c.sess.ToggleListening(ctx); err != nil {
			c.println(c.st.system.Render("! " + err.Error()))
		}
		return false
	}
	if strings.HasPrefix(line, "/") {
		c.println(c.st.system.Render("! unknown command " + line))
		return false
	}
	if err := c.sess.SendText(ctx, line); err != nil {
		c.println(c.st.system.Render("! " + err.Error()))
	}
	return false
}

// ── Rendering ─────────────────────────────────────────────────────────────────

// render prints everything that changed since the previous snapshot.
func (c *Console) render(s session.Snapshot) {
	prev := c.last
	c.last = s

	if s.Interim != "" && s.Interim != prev.Interim {
		c.println(c.st.status.Render("… " + s.Interim))
	}
	if s.LastError != "" && s.LastError != prev.LastError {
		c.println(c.st.system.Render("! " + s.LastError))
	}

	if s.Response != "" {
		c.streamDelta(s.Response)
	}
	for i := c.printed; i < len(s.Messages); i++ {
		c.message(s.Messages[i])
	}
	c.printed = len(s.Messages)
	if s.Response == "" {
		c.stream = ""
	}

	// Traces that attached to an already printed reply.
	for _, m := range s.Messages {
		if m.HasTrace() && !c.traced[m.ID] {
			c.traced[m.ID] = true
			c.println(c.st.status.Render(traceLine(m)))
		}
	}

	if s.Status != prev.Status || s.Listening != prev.Listening || s.Connected != prev.Connected {
		c.println(c.st.status.Render(statusLine(s)))
	}
}

func (c *Console) streamDelta(resp string) {
	delta := resp
	if strings.HasPrefix(resp, c.stream) {
		delta = resp[len(c.stream):]
	} else {
		c.breakLine()
	}
	c.stream = resp
	if delta == "" {
		return
	}
	if !c.midline {
		fmt.Fprint(c.out, c.st.assistant.Render("jarvis › "))
	}
	fmt.Fprint(c.out, delta)
	c.midline = true
}

func (c *Console) message(m session.Message) {
	streamed := c.stream
	c.stream = ""
	if m.Role == session.RoleAssistant && streamed != "" && m.Content == streamed {
		c.breakLine()
		return
	}

	switch m.Role {
	case session.RoleUser:
		c.println(c.st.user.Render("you › ") + m.Content)
	case session.RoleAssistant:
		c.println(c.st.assistant.Render("jarvis › ") + m.Content)
	default:
		c.println(c.st.system.Render(m.Content))
	}
}

// println writes one full line, finishing a streamed line first.
func (c *Console) println(s string) {
	c.breakLine()
	fmt.Fprintln(c.out, s)
}

func (c *Console) breakLine() {
	if c.midline {
		fmt.Fprintln(c.out)
		c.midline = false
	}
}

func statusLine(s session.Snapshot) string {
	conn := "disconnected"
	if s.Connected {
		conn = "connected"
	}
	mic := "mic off"
	if s.Listening {
		mic = "mic on"
	}
	status := s.Status
	if status == "" {
		status = protocol.StatusIdle
	}
	return fmt.Sprintf("[%s · %s · %s]", status, mic, conn)
}

func traceLine(m session.Message) string {
	var b strings.Builder
	b.WriteString("  trace")
	if m.TraceMeta.Intent != "" {
		b.WriteString(" intent=" + m.TraceMeta.Intent)
	}
	if m.TraceMeta.Model != "" {
		b.WriteString(" model=" + m.TraceMeta.Model)
	}
	if len(m.Trace) == 0 {
		b.WriteString(" (no steps)")
	}
	for _, st := range m.Trace {
		b.WriteString(" · " + st.Agent)
		switch {
		case st.Skipped:
			b.WriteString(" skipped")
		case st.Status != "" && st.Status != "ok":
			fmt.Fprintf(&b, " %s %dms", st.Status, st.DurationMs)
		default:
			fmt.Fprintf(&b, " %dms", st.DurationMs)
		}
	}
	return b.String()
}
