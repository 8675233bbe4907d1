package waitable

// FIFO is a first-in first-out queue that is signalled while it is non-empty.
type FIFO[T any] struct {
	signal
	items []T
}

// NewFIFO creates an empty, not-signalled queue.
func NewFIFO[T any]() *FIFO[T] {
	q := &FIFO[T]{}
	q.init()
	return q
}

// Push appends item. Pushing onto an empty queue signals it.
func (q *FIFO[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	q.setLocked(true)
}

// Shift removes and returns the oldest item without waiting. It returns false
// when the queue is empty. Removing the last item clears the signal.
func (q *FIFO[T]) Shift() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
		q.setLocked(false)
	}
	return item, true
}

// Drain removes and returns every queued item.
func (q *FIFO[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.setLocked(false)
	return items
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
