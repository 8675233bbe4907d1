package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", for example "link.opened".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type names.
const (
	TypePortListening     = "port.listening"
	TypePortClosed        = "port.closed"
	TypeLinkOpened        = "link.opened"
	TypeLinkClosed        = "link.closed"
	TypeTransportAttached = "transport.attached"
	TypeTransportDetached = "transport.detached"
	TypeWorkerStarted     = "worker.started"
	TypeWorkerExited      = "worker.exited"
	TypeCompanionStarted  = "companion.started"
	TypeCompanionExited   = "companion.exited"
	TypeLedgerChanged     = "ledger.changed"
)

// -----------------------------------------------------------------------------
// Port Events
// -----------------------------------------------------------------------------

// PortListeningEvent is emitted when a port is activated.
type PortListeningEvent struct {
	baseEvent
	Port   string
	Global bool
}

// NewPortListeningEvent creates a PortListeningEvent.
func NewPortListeningEvent(port string, global bool) PortListeningEvent {
	return PortListeningEvent{
		baseEvent: newBaseEvent(TypePortListening),
		Port:      port,
		Global:    global,
	}
}

// PortClosedEvent is emitted when an active port closes. Dropped is the
// number of inbound links still in the backlog that were closed with it.
type PortClosedEvent struct {
	baseEvent
	Port    string
	Global  bool
	Dropped int
}

// NewPortClosedEvent creates a PortClosedEvent.
func NewPortClosedEvent(port string, global bool, dropped int) PortClosedEvent {
	return PortClosedEvent{
		baseEvent: newBaseEvent(TypePortClosed),
		Port:      port,
		Global:    global,
		Dropped:   dropped,
	}
}

// -----------------------------------------------------------------------------
// Link Events
// -----------------------------------------------------------------------------

// LinkOpenedEvent is emitted when a link completes its handshake.
type LinkOpenedEvent struct {
	baseEvent
	LinkID string
	Port   string
	Global bool
	// Inbound is true on the accepting side.
	Inbound bool
}

// NewLinkOpenedEvent creates a LinkOpenedEvent.
func NewLinkOpenedEvent(linkID, port string, global, inbound bool) LinkOpenedEvent {
	return LinkOpenedEvent{
		baseEvent: newBaseEvent(TypeLinkOpened),
		LinkID:    linkID,
		Port:      port,
		Global:    global,
		Inbound:   inbound,
	}
}

// LinkClosedEvent is emitted once per link when it closes.
type LinkClosedEvent struct {
	baseEvent
	LinkID string
	Port   string
	// Remote is true when the peer or the transport closed the link.
	Remote bool
	// Rejected is the number of outstanding requests that failed with LinkClosed.
	Rejected int
}

// NewLinkClosedEvent creates a LinkClosedEvent.
func NewLinkClosedEvent(linkID, port string, remote bool, rejected int) LinkClosedEvent {
	return LinkClosedEvent{
		baseEvent: newBaseEvent(TypeLinkClosed),
		LinkID:    linkID,
		Port:      port,
		Remote:    remote,
		Rejected:  rejected,
	}
}

// -----------------------------------------------------------------------------
// Transport Events
// -----------------------------------------------------------------------------

// TransportAttachedEvent is emitted when a global transport is bound.
type TransportAttachedEvent struct {
	baseEvent
	Kind string
}

// NewTransportAttachedEvent creates a TransportAttachedEvent.
func NewTransportAttachedEvent(kind string) TransportAttachedEvent {
	return TransportAttachedEvent{
		baseEvent: newBaseEvent(TypeTransportAttached),
		Kind:      kind,
	}
}

// TransportDetachedEvent is emitted when the global transport goes away.
// Err is nil for an orderly close.
type TransportDetachedEvent struct {
	baseEvent
	Kind        string
	Err         error
	LinksClosed int
}

// NewTransportDetachedEvent creates a TransportDetachedEvent.
func NewTransportDetachedEvent(kind string, err error, linksClosed int) TransportDetachedEvent {
	return TransportDetachedEvent{
		baseEvent:   newBaseEvent(TypeTransportDetached),
		Kind:        kind,
		Err:         err,
		LinksClosed: linksClosed,
	}
}

// -----------------------------------------------------------------------------
// Worker Events
// -----------------------------------------------------------------------------

// WorkerStartedEvent is emitted when a worker begins running.
type WorkerStartedEvent struct {
	baseEvent
	WorkerID string
	ParentID string // empty for top-level workers
}

// NewWorkerStartedEvent creates a WorkerStartedEvent.
func NewWorkerStartedEvent(workerID, parentID string) WorkerStartedEvent {
	return WorkerStartedEvent{
		baseEvent: newBaseEvent(TypeWorkerStarted),
		WorkerID:  workerID,
		ParentID:  parentID,
	}
}

// WorkerExitedEvent is emitted when a worker terminates.
type WorkerExitedEvent struct {
	baseEvent
	WorkerID string
	ExitCode int
	Err      error
}

// NewWorkerExitedEvent creates a WorkerExitedEvent.
func NewWorkerExitedEvent(workerID string, exitCode int, err error) WorkerExitedEvent {
	return WorkerExitedEvent{
		baseEvent: newBaseEvent(TypeWorkerExited),
		WorkerID:  workerID,
		ExitCode:  exitCode,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Companion Events
// -----------------------------------------------------------------------------

// CompanionStartedEvent is emitted after the companion process starts.
type CompanionStartedEvent struct {
	baseEvent
	PID     int
	Command string
}

// NewCompanionStartedEvent creates a CompanionStartedEvent.
func NewCompanionStartedEvent(pid int, command string) CompanionStartedEvent {
	return CompanionStartedEvent{
		baseEvent: newBaseEvent(TypeCompanionStarted),
		PID:       pid,
		Command:   command,
	}
}

// CompanionExitedEvent is emitted when the companion process exits.
type CompanionExitedEvent struct {
	baseEvent
	PID      int
	ExitCode int
	Err      error
}

// NewCompanionExitedEvent creates a CompanionExitedEvent.
func NewCompanionExitedEvent(pid, exitCode int, err error) CompanionExitedEvent {
	return CompanionExitedEvent{
		baseEvent: newBaseEvent(TypeCompanionExited),
		PID:       pid,
		ExitCode:  exitCode,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Ledger Events
// -----------------------------------------------------------------------------

// LedgerChangedEvent carries the new reference count.
type LedgerChangedEvent struct {
	baseEvent
	Count int
}

// NewLedgerChangedEvent creates a LedgerChangedEvent.
func NewLedgerChangedEvent(count int) LedgerChangedEvent {
	return LedgerChangedEvent{
		baseEvent: newBaseEvent(TypeLedgerChanged),
		Count:     count,
	}
}
