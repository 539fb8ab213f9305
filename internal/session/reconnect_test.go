package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConnector fails the first failTimes Connect calls, then succeeds.
type fakeConnector struct {
	failTimes int32
	connects  atomic.Int32
	closes    atomic.Int32
}

func (c *fakeConnector) Connect(context.Context) error {
	if n := c.connects.Add(1); n <= c.failTimes {
		return errors.New("connection refused")
	}
	return nil
}

func (c *fakeConnector) Close() error {
	c.closes.Add(1)
	return nil
}

func TestReconnector_Connect(t *testing.T) {
	t.Run("successful initial connection", func(t *testing.T) {
		conn := &fakeConnector{}
		r := NewReconnector(ReconnectorConfig{Conn: conn})

		if err := r.Connect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := conn.connects.Load(); got != 1 {
			t.Errorf("expected 1 connect call, got %d", got)
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		r := NewReconnector(ReconnectorConfig{Conn: &fakeConnector{failTimes: 1}})

		if err := r.Connect(context.Background()); err == nil {
			t.Fatal("expected error, got nil")
		}
	})
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Conn: &fakeConnector{}})

	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	conn := &fakeConnector{failTimes: 3}
	var reconnected atomic.Bool

	r := NewReconnector(ReconnectorConfig{
		Conn:        conn,
		MaxRetries:  5,
		Backoff:     1 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		OnReconnect: func() { reconnected.Store(true) },
	})

	r.Monitor(t.Context())
	r.NotifyDisconnect(errors.New("connection lost"))

	deadline := time.Now().Add(2 * time.Second)
	for !reconnected.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !reconnected.Load() {
		t.Fatal("expected successful reconnection after failures")
	}
	// 3 failures + 1 success.
	if got := conn.connects.Load(); got != 4 {
		t.Errorf("expected 4 connection attempts, got %d", got)
	}

	_ = r.Stop()
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	conn := &fakeConnector{failTimes: 100}
	var reconnected atomic.Bool

	r := NewReconnector(ReconnectorConfig{
		Conn:        conn,
		MaxRetries:  2,
		Backoff:     1 * time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		OnReconnect: func() { reconnected.Store(true) },
	})

	r.Monitor(t.Context())
	r.NotifyDisconnect(nil)

	time.Sleep(100 * time.Millisecond)

	if reconnected.Load() {
		t.Error("expected OnReconnect NOT to be called when all retries fail")
	}
	if got := conn.connects.Load(); got != 2 {
		t.Errorf("expected 2 connect attempts, got %d", got)
	}

	_ = r.Stop()
}

func TestReconnector_Stop(t *testing.T) {
	conn := &fakeConnector{}
	r := NewReconnector(ReconnectorConfig{Conn: conn})

	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error on double Stop: %v", err)
	}
	if got := conn.closes.Load(); got != 2 {
		t.Errorf("expected Close on every Stop, got %d", got)
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Conn: &fakeConnector{}})

	var wg sync.WaitGroup
	for range 3 {
		wg.Go(func() { r.NotifyDisconnect(nil) })
	}
	wg.Wait()
}
