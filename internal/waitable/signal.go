package waitable

import (
	"context"
	"sync"
)

// closedChan is shared by every waiter that asks for a state which already holds.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// signal is the state core shared by all primitives. Exactly one of set and
// clear is an open channel at any time: the one matching the state that does
// not currently hold.
type signal struct {
	mu        sync.Mutex
	signalled bool
	set       chan struct{} // closed while signalled
	clear     chan struct{} // closed while not signalled
}

func (s *signal) init() {
	s.set = make(chan struct{})
	s.clear = closedChan
}

// setLocked moves the signal into state v. Caller must hold s.mu.
// It reports whether a transition happened.
func (s *signal) setLocked(v bool) bool {
	if s.signalled == v {
		return false
	}
	s.signalled = v
	if v {
		close(s.set)
		s.clear = make(chan struct{})
	} else {
		close(s.clear)
		s.set = make(chan struct{})
	}
	return true
}

// IsSignalled reports the current state.
func (s *signal) IsSignalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalled
}

// WaitSignalled returns a channel that is closed once the primitive is
// signalled. If it is signalled now, the returned channel is already closed.
func (s *signal) WaitSignalled() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// WaitNotSignalled returns a channel that is closed once the primitive is not
// signalled. If it is not signalled now, the returned channel is already closed.
func (s *signal) WaitNotSignalled() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clear
}

// Wait blocks until ch is closed or ctx is done.
func Wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
