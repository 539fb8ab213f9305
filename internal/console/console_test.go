package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/internal/session"
	"github.com/MrWong99/jarvis/pkg/protocol"
)

// fakeSession records commands and lets the test push snapshots.
type fakeSession struct {
	mu      sync.Mutex
	sent    []string
	toggles int
	sendErr error

	snaps chan session.Snapshot
}

func newFakeSession() *fakeSession {
	return &fakeSession{snaps: make(chan session.Snapshot, 16)}
}

func (f *fakeSession) Subscribe() (<-chan session.Snapshot, func()) {
	return f.snaps, func() {}
}

func (f *fakeSession) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.sendErr
}

func (f *fakeSession) ToggleListening(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
	return nil
}

var _ Session = (*fakeSession)(nil)
var _ Session = (*session.Dispatcher)(nil)

func TestRun_Commands(t *testing.T) {
	t.Parallel()
	fs := newFakeSession()
	var out bytes.Buffer
	c := New(fs,
		WithInput(strings.NewReader("hello\n\n/listen\n/bogus\n/quit\nnot sent\n")),
		WithOutput(&out),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run returned on timeout, expected /quit")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.sent) != 1 || fs.sent[0] != "hello" {
		t.Errorf("sent = %q, want [hello]", fs.sent)
	}
	if fs.toggles != 1 {
		t.Errorf("toggles = %d, want 1", fs.toggles)
	}
	got := out.String()
	if !strings.Contains(got, "unknown command /bogus") {
		t.Errorf("output missing unknown command notice:\n%s", got)
	}
	if !strings.Contains(got, "/listen") {
		t.Errorf("output missing help text:\n%s", got)
	}
}

func TestRun_SendErrorIsPrinted(t *testing.T) {
	t.Parallel()
	fs := newFakeSession()
	fs.sendErr = errors.New("not connected")
	var out bytes.Buffer
	c := New(fs, WithInput(strings.NewReader("hi\n/q\n")), WithOutput(&out))

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "! not connected") {
		t.Errorf("output = %q, want the send error", out.String())
	}
}

func TestRun_EOFKeepsRendering(t *testing.T) {
	t.Parallel()
	fs := newFakeSession()
	var out syncBuffer
	c := New(fs, WithInput(strings.NewReader("")), WithOutput(&out))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	fs.snaps <- session.Snapshot{Status: protocol.StatusThinking, Connected: true}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "thinking") {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot not rendered after EOF:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRender_StreamedReplyPrintedOnce(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := New(newFakeSession(), WithOutput(&out))

	user := session.Message{ID: "u1", Role: session.RoleUser, Content: "hi"}
	reply := session.Message{ID: "a1", Role: session.RoleAssistant, Content: "Hi there"}

	c.render(session.Snapshot{Status: protocol.StatusThinking, Connected: true, Messages: []session.Message{user}})
	c.render(session.Snapshot{Status: protocol.StatusThinking, Connected: true, Response: "Hi", Messages: []session.Message{user}})
	c.render(session.Snapshot{Status: protocol.StatusThinking, Connected: true, Response: "Hi there", Messages: []session.Message{user}})
	c.render(session.Snapshot{Status: protocol.StatusIdle, Connected: true, Messages: []session.Message{user, reply}})

	got := out.String()
	if n := strings.Count(got, "Hi there"); n != 1 {
		t.Errorf("reply printed %d times, want 1:\n%s", n, got)
	}
	if !strings.Contains(got, "jarvis › Hi there\n") {
		t.Errorf("streamed reply not on one line:\n%s", got)
	}
	if !strings.Contains(got, "you › hi\n") {
		t.Errorf("user message missing:\n%s", got)
	}
	if !strings.Contains(got, "[idle · mic off · connected]") {
		t.Errorf("final status line missing:\n%s", got)
	}
}

func TestRender_DivergentFinalTextIsPrinted(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := New(newFakeSession(), WithOutput(&out))

	c.render(session.Snapshot{Response: "Hel"})
	c.render(session.Snapshot{Messages: []session.Message{
		{ID: "a1", Role: session.RoleAssistant, Content: "Hello world"},
	}})

	got := out.String()
	if !strings.Contains(got, "jarvis › Hel\n") {
		t.Errorf("partial stream not terminated:\n%s", got)
	}
	if !strings.Contains(got, "jarvis › Hello world\n") {
		t.Errorf("final text not printed:\n%s", got)
	}
}

func TestRender_LateTraceAndErrors(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := New(newFakeSession(), WithOutput(&out))

	reply := session.Message{ID: "a1", Role: session.RoleAssistant, Content: "done"}
	c.render(session.Snapshot{Messages: []session.Message{reply}})

	reply.Trace = []protocol.TraceStep{
		{Agent: "router", DurationMs: 12},
		{Agent: "search", Skipped: true},
		{Agent: "writer", DurationMs: 40, Status: "error"},
	}
	reply.TraceMeta = session.TraceMeta{Intent: "chat", Model: "small"}
	snap := session.Snapshot{Messages: []session.Message{reply}, LastError: "transport: closed"}
	c.render(snap)
	c.render(snap)

	got := out.String()
	want := "  trace intent=chat model=small · router 12ms · search skipped · writer error 40ms"
	if n := strings.Count(got, want); n != 1 {
		t.Errorf("trace line printed %d times, want 1:\n%s", n, got)
	}
	if n := strings.Count(got, "! transport: closed"); n != 1 {
		t.Errorf("error printed %d times, want 1:\n%s", n, got)
	}
}

func TestRender_Interim(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := New(newFakeSession(), WithOutput(&out))

	c.render(session.Snapshot{Status: protocol.StatusListening, Listening: true, Interim: "what is"})
	c.render(session.Snapshot{Status: protocol.StatusListening, Listening: true, Interim: "what is"})
	c.render(session.Snapshot{Status: protocol.StatusListening, Listening: true, Interim: "what is the time"})

	got := out.String()
	if strings.Count(got, "… what is\n") != 1 || !strings.Contains(got, "… what is the time") {
		t.Errorf("interim lines wrong:\n%s", got)
	}
	if strings.Count(got, "[listening · mic on · disconnected]") != 1 {
		t.Errorf("status line should print once:\n%s", got)
	}
}

// syncBuffer is a bytes.Buffer safe for one writer and one polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
