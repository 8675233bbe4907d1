// Package ledger counts the reasons a bridge process must stay alive.
//
// Every outstanding connect attempt, pending reply, active listener, open
// keep-alive link and pending log flush holds one [Ref]. Releasing a Ref is
// idempotent, so a reference may be released on every exit path without
// double counting. When the count drops to zero the ledger is idle and
// callers blocked in [Ledger.WaitIdle] resume.
package ledger

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/bridge/internal/waitable"
)

// Ledger is a counter of outstanding keep-alive references.
// It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	reasons  map[uint64]string
	nextID   uint64
	idle     *waitable.ManualCondition
	onChange []func(count int)

	// One goroutine at a time delivers changes; others mark dirty.
	dirty      bool
	delivering bool
}

// New creates an idle ledger.
func New() *Ledger {
	l := &Ledger{
		reasons: make(map[uint64]string),
		idle:    waitable.NewManualCondition(),
	}
	l.idle.SetSignalled(true)
	return l
}

// Ref records one reason to stay alive. The returned Ref must be released
// exactly once logically; extra releases are ignored.
func (l *Ledger) Ref(reason string) *Ref {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.reasons[id] = reason
	l.idle.SetSignalled(false)
	l.mu.Unlock()

	l.notify()
	return &Ref{ledger: l, id: id}
}

func (l *Ledger) release(id uint64) {
	l.mu.Lock()
	if _, ok := l.reasons[id]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.reasons, id)
	if len(l.reasons) == 0 {
		l.idle.SetSignalled(true)
	}
	l.mu.Unlock()

	l.notify()
}

// notify delivers the current count to the handlers. Changes made while
// another goroutine is delivering are picked up by that goroutine, so
// handlers see counts in the order they occurred and the last delivered
// count is the current one.
func (l *Ledger) notify() {
	l.mu.Lock()
	l.dirty = true
	if l.delivering {
		l.mu.Unlock()
		return
	}
	l.delivering = true
	for l.dirty {
		l.dirty = false
		count := len(l.reasons)
		handlers := l.onChange
		l.mu.Unlock()

		for _, h := range handlers {
			h(count)
		}

		l.mu.Lock()
	}
	l.delivering = false
	l.mu.Unlock()
}

// Count returns the number of outstanding references.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reasons)
}

// Reasons returns a sorted snapshot of the outstanding reasons.
func (l *Ledger) Reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.reasons))
	for _, r := range l.reasons {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Idle returns a channel that is closed while the ledger count is zero.
func (l *Ledger) Idle() <-chan struct{} {
	return l.idle.WaitSignalled()
}

// WaitIdle blocks until the count reaches zero or ctx is done.
func (l *Ledger) WaitIdle(ctx context.Context) error {
	return waitable.Wait(ctx, l.Idle())
}

// OnChange registers fn to be called with the new count after changes.
// Handlers are never called concurrently. Changes that land while a handler
// runs are coalesced into one later call with the count at that time.
func (l *Ledger) OnChange(fn func(count int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	handlers := make([]func(int), len(l.onChange), len(l.onChange)+1)
	copy(handlers, l.onChange)
	l.onChange = append(handlers, fn)
}

// Ref is a single outstanding reference.
type Ref struct {
	ledger   *Ledger
	id       uint64
	released atomic.Bool
}

// Release gives the reference back. It reports whether this call released
// it; later calls return false and leave the count untouched. Release on a
// nil Ref is a no-op.
func (r *Ref) Release() bool {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return false
	}
	r.ledger.release(r.id)
	return true
}
