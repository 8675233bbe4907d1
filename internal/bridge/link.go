package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/event"
	"github.com/Iron-Ham/bridge/internal/ledger"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/waitable"
	"github.com/Iron-Ham/bridge/internal/wire"
)

type linkState int

const (
	linkIdle linkState = iota
	linkConnecting
	linkPending
	linkOpen
	linkClosed
)

var linkStateNames = [...]string{"idle", "connecting", "pending", "open", "closed"}

func (s linkState) String() string { return linkStateNames[s] }

// Link is one end of a bidirectional channel. Messages sent on a link
// arrive at the peer in send order. All methods are safe for concurrent use.
type Link struct {
	id      string
	inbound bool

	mu        sync.Mutex
	bc        *Context
	logger    *logging.Logger
	port      string
	global    bool
	state     linkState
	route     route
	mux       *globalMux
	gid       uint64
	nextMsgID uint64
	pending   map[uint64]*Call
	keepRef   *ledger.Ref
	activated bool
	unref     bool
	handle    uint64
	cause     error

	// sendMu orders the transmissions of this link.
	sendMu sync.Mutex

	inbox    *waitable.FIFO[*wire.Message]
	accepted chan struct{}
	done     chan struct{}
}

func newLink(bc *Context, port string, global, inbound bool) *Link {
	id := newID()
	return &Link{
		id:       id,
		inbound:  inbound,
		bc:       bc,
		logger:   bc.logger.WithLink(id),
		port:     port,
		global:   global,
		pending:  make(map[uint64]*Call),
		inbox:    waitable.NewFIFO[*wire.Message](),
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the link's unique id.
func (l *Link) ID() string { return l.id }

// Inbound reports whether the link was accepted from a port.
func (l *Link) Inbound() bool { return l.inbound }

// Port returns the name of the port the link connects to, if any.
func (l *Link) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Global reports whether the link crosses the global transport.
func (l *Link) Global() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

// IsOpen reports whether messages can be sent on the link.
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == linkOpen
}

func (l *Link) isPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == linkPending
}

// Done returns a channel closed when the link closes.
func (l *Link) Done() <-chan struct{} { return l.done }

// String describes the link for logs.
func (l *Link) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == "" {
		return fmt.Sprintf("link %s (%s)", l.id, l.state)
	}
	return fmt.Sprintf("link %s to %q (%s)", l.id, l.port, l.state)
}

// remoteID returns the peer's link id on the global transport, or zero.
func (l *Link) remoteID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.route.(*globalRoute); ok {
		return r.remote
	}
	return 0
}

func (l *Link) owner() *Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bc
}

func (l *Link) errorf(msg string, cause error) *errors.LinkError {
	return errors.NewLinkError(msg, cause).WithLink(l.id).WithPort(l.port).WithGlobal(l.global)
}

// notOpenErr must be called with l.mu held.
func (l *Link) notOpenErr(op string) error {
	if l.state == linkClosed {
		return l.errorf(op, errors.ErrLinkClosed)
	}
	return l.errorf(op+": link not open", errors.ErrLinkClosed)
}

// -----------------------------------------------------------------------------
// Connection setup
// -----------------------------------------------------------------------------

// Connect opens the link to the port name. A link connects at most once; a
// second call fails with AlreadyConnected. Connect holds a ledger reference
// until it returns and blocks until the server accepts or refuses.
func (l *Link) Connect(ctx context.Context, name string, opts ConnectOptions) error {
	l.mu.Lock()
	if l.state != linkIdle {
		err := errors.NewLinkError("connect", errors.ErrAlreadyConnected).WithLink(l.id).WithPort(name)
		l.mu.Unlock()
		return err
	}
	l.state = linkConnecting
	l.port = name
	l.global = opts.Global
	bc := l.bc
	l.mu.Unlock()

	ref := bc.ledger.Ref("connect " + name)
	defer ref.Release()
	bc.track(l)

	var err error
	if opts.Global {
		err = l.connectGlobal(bc, name)
	} else {
		err = l.connectLocal(bc, name)
	}
	if err != nil {
		l.shutdown(false, err)
		return err
	}
	return l.awaitAccept(ctx)
}

func (l *Link) connectLocal(bc *Context, name string) error {
	port := bc.lookupPort(name)
	if port == nil {
		return l.errorf("connect", errors.ErrPortNotFound)
	}

	server := newLink(bc, name, false, true)
	server.state = linkPending
	server.route = localRoute{peer: l}

	l.mu.Lock()
	l.route = localRoute{peer: server}
	l.mu.Unlock()

	bc.track(server)
	if err := port.enqueue(server); err != nil {
		l.mu.Lock()
		l.route = nil
		l.mu.Unlock()
		server.shutdown(true, nil)
		return err
	}
	return nil
}

func (l *Link) connectGlobal(bc *Context, name string) error {
	m, err := bc.mux()
	if err != nil {
		return l.errorf("connect", err)
	}
	return m.connect(l, name)
}

func (l *Link) awaitAccept(ctx context.Context) error {
	select {
	case <-l.accepted:
		return nil
	case <-l.done:
		select {
		case <-l.accepted:
			// Opened, then closed by the peer. Later operations report it.
			return nil
		default:
		}
		l.mu.Lock()
		cause := l.cause
		l.mu.Unlock()
		if cause != nil {
			return cause
		}
		return l.errorf("connection refused", errors.ErrLinkClosed)
	case <-ctx.Done():
		l.Close()
		return ctx.Err()
	}
}

// markAccepted completes a client connect. r replaces the route when the
// peer's id only became known with the accept.
func (l *Link) markAccepted(r route) bool {
	l.mu.Lock()
	if l.state != linkConnecting {
		l.mu.Unlock()
		return false
	}
	if r != nil {
		l.route = r
	}
	l.state = linkOpen
	l.mu.Unlock()

	close(l.accepted)
	l.opened()
	return true
}

// Accept completes the handshake of a link delivered by Port.Accept. A
// pending link that is never accepted can still be closed, which the client
// sees as a refused connection.
func (l *Link) Accept() error {
	// Holding sendMu keeps the accept ahead of the link's first message.
	l.sendMu.Lock()
	l.mu.Lock()
	switch l.state {
	case linkOpen:
		l.mu.Unlock()
		l.sendMu.Unlock()
		return nil
	case linkPending:
	default:
		err := l.notOpenErr("accept")
		l.mu.Unlock()
		l.sendMu.Unlock()
		return err
	}
	l.state = linkOpen
	r := l.route
	l.mu.Unlock()

	err := r.accept(l)
	l.sendMu.Unlock()
	if err != nil {
		l.shutdown(true, nil)
		return err
	}
	l.opened()
	return nil
}

func (l *Link) opened() {
	l.mu.Lock()
	bc, port, global := l.bc, l.port, l.global
	l.mu.Unlock()

	l.logger.Debug("link opened", "port", port, "global", global, "inbound", l.inbound)
	bc.publish(event.NewLinkOpenedEvent(l.id, port, global, l.inbound))
}

// -----------------------------------------------------------------------------
// Keep-alive
// -----------------------------------------------------------------------------

// Activate marks the link as a reason to keep the process alive until it
// closes, unless Unref was called.
func (l *Link) Activate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkClosed {
		return l.notOpenErr("activate")
	}
	l.activated = true
	if !l.unref && l.keepRef == nil {
		l.keepRef = l.bc.ledger.Ref("link " + l.id)
	}
	return nil
}

// Unref stops the link from keeping the process alive.
func (l *Link) Unref() {
	l.mu.Lock()
	ref := l.keepRef
	l.keepRef = nil
	l.unref = true
	l.mu.Unlock()
	ref.Release()
}

// Ref undoes Unref.
func (l *Link) Ref() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unref = false
	if l.activated && l.state != linkClosed && l.keepRef == nil {
		l.keepRef = l.bc.ledger.Ref("link " + l.id)
	}
}

// -----------------------------------------------------------------------------
// Messaging
// -----------------------------------------------------------------------------

func (l *Link) transmit(p wire.Payload, replyTo uint64, flags wire.Flags, call *Call) (uint64, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	if l.state != linkOpen {
		err := l.notOpenErr("send")
		l.mu.Unlock()
		return 0, err
	}
	l.nextMsgID++
	id := l.nextMsgID
	if call != nil {
		call.MsgID = id
		l.pending[id] = call
	}
	r := l.route
	l.mu.Unlock()

	msg := &wire.Message{MsgID: id, ReplyTo: replyTo, Flags: flags, Payload: p}
	if err := r.deliver(l, msg); err != nil {
		if call != nil {
			l.forgetCall(id)
		}
		return 0, err
	}
	return id, nil
}

// Send sends p without expecting a reply and returns its msgid.
func (l *Link) Send(p wire.Payload) (uint64, error) {
	return l.transmit(p, 0, 0, nil)
}

// SendRequest sends p as a request. The returned Call settles with the
// correlated reply, a RemoteException, or LinkClosed if the link closes
// first. It holds a ledger reference until it settles.
func (l *Link) SendRequest(p wire.Payload) (*Call, error) {
	bc := l.owner()
	call := newCall(l, bc.ledger.Ref("request on link "+l.id))
	if _, err := l.transmit(p, 0, wire.FlagRequest, call); err != nil {
		call.ref.Release()
		return nil, err
	}
	return call, nil
}

// DoRequest sends p as a request and waits for the reply. If ctx ends first
// the request is abandoned; the link stays open.
func (l *Link) DoRequest(ctx context.Context, p wire.Payload) (*wire.Message, error) {
	call, err := l.SendRequest(p)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Reply answers the message msgid with p.
func (l *Link) Reply(msgid uint64, p wire.Payload) error {
	_, err := l.transmit(p, msgid, 0, nil)
	return err
}

// SendException answers the message msgid with an error. The caller
// waiting on msgid receives a RemoteException; nobody else does.
func (l *Link) SendException(msgid uint64, cause error) error {
	re := errors.NewRemoteException(cause, msgid)
	if re.Kind == "" {
		re.Kind = errors.Kind(cause)
	}
	p, err := wire.JSON(re)
	if err != nil {
		return err
	}
	_, err = l.transmit(p, msgid, wire.FlagException, nil)
	return err
}

// receive is called by the peer's route with a message this link now owns.
func (l *Link) receive(msg *wire.Message) {
	l.mu.Lock()
	if l.state == linkClosed {
		l.mu.Unlock()
		return
	}
	var call *Call
	if msg.ReplyTo != 0 {
		call = l.pending[msg.ReplyTo]
		delete(l.pending, msg.ReplyTo)
	}
	l.mu.Unlock()

	if call != nil {
		call.settle(msg)
		return
	}
	l.inbox.Push(msg)
}

// Receive returns the next message that is not a reply to a pending
// request. Messages that arrived before the link closed are still returned;
// after that Receive fails with LinkClosed.
func (l *Link) Receive(ctx context.Context) (*wire.Message, error) {
	for {
		if msg, ok := l.inbox.Shift(); ok {
			return msg, nil
		}
		ready := l.inbox.WaitSignalled()
		select {
		case <-ready:
		case <-l.done:
			if msg, ok := l.inbox.Shift(); ok {
				return msg, nil
			}
			l.mu.Lock()
			err := l.notOpenErr("receive")
			l.mu.Unlock()
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Link) forgetCall(msgid uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, msgid)
}

// Pending returns the number of requests awaiting a reply.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// -----------------------------------------------------------------------------
// Close
// -----------------------------------------------------------------------------

// Close closes the link. Outstanding requests fail with LinkClosed and the
// peer observes the close. Close is idempotent.
func (l *Link) Close() error {
	l.shutdown(false, nil)
	return nil
}

// shutdown closes the link once. remote means the peer or the transport
// initiated it, so no close is sent back. cause, if set, is reported to a
// connect still in progress.
func (l *Link) shutdown(remote bool, cause error) bool {
	l.mu.Lock()
	if l.state == linkClosed {
		l.mu.Unlock()
		return false
	}
	l.state = linkClosed
	l.cause = cause
	pending := l.pending
	l.pending = make(map[uint64]*Call)
	keep := l.keepRef
	l.keepRef = nil
	r, m, gid := l.route, l.mux, l.gid
	bc, handle, port := l.bc, l.handle, l.port
	l.mu.Unlock()

	close(l.done)

	if !remote && r != nil {
		l.sendMu.Lock()
		r.close(l)
		l.sendMu.Unlock()
	}
	if m != nil && gid != 0 {
		m.forget(gid)
	}

	aborted := l.errorf("request aborted", errors.ErrLinkClosed)
	for _, call := range pending {
		call.fail(aborted)
	}
	keep.Release()
	if handle != 0 {
		bc.handles.remove(handle, l)
	}
	bc.untrack(l)

	l.logger.Debug("link closed", "port", port, "remote", remote, "rejected", len(pending))
	bc.publish(event.NewLinkClosedEvent(l.id, port, remote, len(pending)))
	return true
}
