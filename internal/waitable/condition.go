package waitable

import "time"

// ManualCondition is a flag whose state is set explicitly by its owner.
type ManualCondition struct {
	signal
}

// NewManualCondition creates a condition in the not-signalled state.
func NewManualCondition() *ManualCondition {
	c := &ManualCondition{}
	c.init()
	return c
}

// SetSignalled sets the state. Setting the current state again is a no-op.
// It reports whether the state changed.
func (c *ManualCondition) SetSignalled(v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(v)
}

// WaitableTimer becomes signalled when its deadline expires.
type WaitableTimer struct {
	signal
	timer *time.Timer
	gen   uint64
}

// NewTimer creates a stopped, not-signalled timer.
func NewTimer() *WaitableTimer {
	t := &WaitableTimer{}
	t.init()
	return t
}

// Reset cancels any pending expiry, clears the signal and schedules the
// timer to become signalled after d. A non-positive d signals immediately.
func (t *WaitableTimer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.setLocked(false)
	if d <= 0 {
		t.setLocked(true)
		return
	}

	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		// A Reset or Stop since scheduling invalidates this expiry.
		if t.gen == gen {
			t.timer = nil
			t.setLocked(true)
		}
	})
}

// Stop cancels any pending expiry and clears the signal.
func (t *WaitableTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.setLocked(false)
}

func (t *WaitableTimer) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
