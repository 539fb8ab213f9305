package oto

import (
	"sync"
)

// pcmStream is the io.Reader the oto player pulls from. It holds at most one
// buffer; the playback queue pushes the next one from the completion
// callback of the previous.
type pcmStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	cur    []byte
	onDone func()
	closed bool
}

func newPCMStream() *pcmStream {
	s := &pcmStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push installs pcm as the current buffer. An empty buffer completes
// immediately.
func (s *pcmStream) push(pcm []byte, onDone func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if len(s.cur) > 0 || s.onDone != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	if len(pcm) == 0 {
		s.mu.Unlock()
		if onDone != nil {
			go onDone()
		}
		return nil
	}
	s.cur = pcm
	s.onDone = onDone
	s.mu.Unlock()
	s.cond.Signal()
	return nil
}

// Read blocks until audio is available. After close it returns silence so
// the player drains gracefully.
func (s *pcmStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for len(s.cur) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		clear(p)
		return len(p), nil
	}

	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	var done func()
	if len(s.cur) == 0 {
		s.cur = nil
		done, s.onDone = s.onDone, nil
	}
	s.mu.Unlock()

	// The callback typically pushes the next buffer, so it must not run on
	// the player's read path.
	if done != nil {
		go done()
	}
	return n, nil
}

func (s *pcmStream) close() {
	s.mu.Lock()
	s.closed = true
	s.cur, s.onDone = nil, nil
	s.mu.Unlock()
	s.cond.Broadcast()
}
