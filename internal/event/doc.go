// Package event provides the pub-sub bus the bridge uses to report lifecycle
// changes without coupling producers to observers.
//
// A bridge context publishes port, link, transport and worker events; the
// monitor view and the companion's logging subscribe to them.
//
// # Main Types
//
//   - [Event]: interface with EventType() and Timestamp()
//   - [Bus]: synchronous dispatcher, safe for concurrent use
//   - [Handler]: func(Event)
//
// # Event Types
//
// Ports: [PortListeningEvent], [PortClosedEvent].
// Links: [LinkOpenedEvent], [LinkClosedEvent].
// Global transport: [TransportAttachedEvent], [TransportDetachedEvent].
// Workers: [WorkerStartedEvent], [WorkerExitedEvent].
// Companion process: [CompanionStartedEvent], [CompanionExitedEvent].
// Ledger: [LedgerChangedEvent].
//
// # Usage
//
//	bus := event.NewBus()
//	id := bus.Subscribe("link.closed", func(e event.Event) {
//	    closed := e.(event.LinkClosedEvent)
//	    fmt.Println(closed.LinkID, closed.Rejected)
//	})
//	defer bus.Unsubscribe(id)
//
// Handlers run on the publishing goroutine. A handler must not block on
// bridge operations that themselves publish events.
package event
