// Package waitable provides two-state wait primitives used to build the
// bridge without polling.
//
// Every primitive is either signalled or not signalled. Waiters obtain a
// channel from WaitSignalled or WaitNotSignalled; the channel is already
// closed when the requested state holds, and is closed on the next
// transition into that state otherwise. All waiters queued against the same
// state are released together by a single transition, and setting the state
// a primitive is already in releases nobody.
//
// # Main Types
//
//   - [FIFO]: a queue that is signalled while it holds at least one item
//   - [ManualCondition]: a flag set and cleared explicitly by its owner
//   - [WaitableTimer]: becomes signalled when its deadline expires
//
// # Basic Usage
//
//	q := waitable.NewFIFO[string]()
//
//	go func() { q.Push("hello") }()
//
//	if err := waitable.Wait(ctx, q.WaitSignalled()); err != nil {
//	    return err
//	}
//	item, _ := q.Shift()
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package waitable
