package bridge

import (
	"errors"
	"io"
	"net"
	"os"
	"sort"
	"sync"

	bridgeerrors "github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/event"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/waitable"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// globalMux multiplexes the global links and ports of a context over one
// transport. Link ids in frames are scoped to the receiver.
//
// Message data is written by the sending link under its send lock. Control
// frames are queued on ctl and written by writeLoop, so the read loop never
// blocks on the transport.
type globalMux struct {
	bc        *Context
	transport wire.Transport
	logger    *logging.Logger

	mu         sync.Mutex
	nextID     uint64
	links      map[uint64]*Link
	connecting map[uint64]*Link
	declared   map[string]*Port
	remote     map[string]struct{}
	reasm      *wire.Reassembler
	closed     bool

	ctl *waitable.FIFO[*wire.Frame]

	detached chan struct{}
}

func newGlobalMux(bc *Context, t wire.Transport) *globalMux {
	return &globalMux{
		bc:         bc,
		transport:  t,
		logger:     bc.logger.With("transport", t.Kind()),
		links:      make(map[uint64]*Link),
		connecting: make(map[uint64]*Link),
		declared:   make(map[string]*Port),
		remote:     make(map[string]struct{}),
		reasm:      wire.NewReassembler(bc.cfg.maxMessageSize),
		ctl:        waitable.NewFIFO[*wire.Frame](),
		detached:   make(chan struct{}),
	}
}

func (m *globalMux) write(f *wire.Frame) error {
	if err := m.transport.WriteFrame(f); err != nil {
		m.logger.Debug("frame write failed", "type", f.Type.String(), "error", err)
		return err
	}
	return nil
}

// post queues a control frame for writeLoop.
func (m *globalMux) post(f *wire.Frame) {
	m.ctl.Push(f)
}

// writeLoop writes queued control frames until the transport detaches. A
// failed write is left to the read loop, which detaches on the same error.
func (m *globalMux) writeLoop() {
	for {
		select {
		case <-m.ctl.WaitSignalled():
		case <-m.detached:
			return
		}
		for _, f := range m.ctl.Drain() {
			if err := m.write(f); err != nil {
				break
			}
		}
	}
}

// register must be called with m.mu held.
func (m *globalMux) register(l *Link) uint64 {
	m.nextID++
	m.links[m.nextID] = l
	return m.nextID
}

func (m *globalMux) forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, id)
	delete(m.connecting, id)
	m.reasm.Drop(id)
}

func (m *globalMux) connect(l *Link, name string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return l.errorf("connect", bridgeerrors.ErrNoTransport)
	}
	id := m.register(l)
	m.connecting[id] = l
	m.mu.Unlock()

	l.mu.Lock()
	l.mux = m
	l.gid = id
	l.route = &globalRoute{mux: m}
	l.mu.Unlock()

	m.post(&wire.Frame{Type: wire.FrameConnect, Peer: id, Name: name})
	return nil
}

func (m *globalMux) declare(p *Port) error {
	m.mu.Lock()
	if _, ok := m.declared[p.name]; ok {
		m.mu.Unlock()
		return p.errorf("listen", bridgeerrors.ErrAlreadyListening)
	}
	m.declared[p.name] = p
	m.mu.Unlock()

	m.post(&wire.Frame{Type: wire.FrameDeclare, Name: p.name})
	return nil
}

func (m *globalMux) undeclare(p *Port) {
	m.mu.Lock()
	if m.declared[p.name] != p {
		m.mu.Unlock()
		return
	}
	delete(m.declared, p.name)
	m.mu.Unlock()

	m.post(&wire.Frame{Type: wire.FrameUndeclare, Name: p.name})
}

func (m *globalMux) sendMessage(remote uint64, msg *wire.Message) error {
	for _, f := range wire.SplitMessage(remote, msg, m.bc.cfg.fragmentSize) {
		if err := m.write(f); err != nil {
			return err
		}
	}
	return nil
}

func (m *globalMux) remotePorts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.remote))
	for name := range m.remote {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *globalMux) localPorts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.declared))
	for name := range m.declared {
		out = append(out, name)
	}
	return out
}

// -----------------------------------------------------------------------------
// Read loop
// -----------------------------------------------------------------------------

func (m *globalMux) readLoop() {
	for {
		f, err := m.transport.ReadFrame()
		if err != nil {
			m.detach(err)
			return
		}
		m.dispatch(f)
	}
}

func (m *globalMux) dispatch(f *wire.Frame) {
	switch f.Type {
	case wire.FrameDeclare:
		m.mu.Lock()
		m.remote[f.Name] = struct{}{}
		m.mu.Unlock()
	case wire.FrameUndeclare:
		m.mu.Lock()
		delete(m.remote, f.Name)
		m.mu.Unlock()
	case wire.FrameConnect:
		m.handleConnect(f)
	case wire.FrameAccept:
		m.handleAccept(f)
	case wire.FrameRefuse:
		m.handleRefuse(f)
	case wire.FrameMessage, wire.FrameFragment:
		m.handleData(f)
	case wire.FrameClose:
		m.handleClose(f)
	}
}

func (m *globalMux) handleConnect(f *wire.Frame) {
	m.mu.Lock()
	p := m.declared[f.Name]
	if p == nil {
		m.mu.Unlock()
		m.post(&wire.Frame{Type: wire.FrameRefuse, Link: f.Peer, Name: f.Name})
		return
	}
	server := newLink(m.bc, f.Name, true, true)
	id := m.register(server)
	m.mu.Unlock()

	server.state = linkPending
	server.mux = m
	server.gid = id
	server.route = &globalRoute{mux: m, remote: f.Peer}
	m.bc.track(server)

	if err := p.enqueue(server); err != nil {
		m.logger.Debug("refusing global connect", "port", f.Name, "error", err)
		if errors.Is(err, bridgeerrors.ErrPortNotFound) {
			m.forget(id)
			m.bc.untrack(server)
			m.post(&wire.Frame{Type: wire.FrameRefuse, Link: f.Peer, Name: f.Name})
			return
		}
		// Backlog full: the client sees its link closed.
		server.shutdown(true, nil)
		m.post(&wire.Frame{Type: wire.FrameClose, Link: f.Peer})
	}
}

func (m *globalMux) handleAccept(f *wire.Frame) {
	m.mu.Lock()
	l := m.connecting[f.Link]
	delete(m.connecting, f.Link)
	m.mu.Unlock()

	if l == nil || !l.markAccepted(&globalRoute{mux: m, remote: f.Peer}) {
		// The client gave up; close the server's half.
		m.post(&wire.Frame{Type: wire.FrameClose, Link: f.Peer})
	}
}

func (m *globalMux) handleRefuse(f *wire.Frame) {
	m.mu.Lock()
	l := m.connecting[f.Link]
	m.mu.Unlock()
	if l == nil {
		return
	}
	l.shutdown(true, l.errorf("connect", bridgeerrors.ErrPortNotFound))
}

func (m *globalMux) handleData(f *wire.Frame) {
	m.mu.Lock()
	l := m.links[f.Link]
	if l == nil {
		m.reasm.Drop(f.Link)
		m.mu.Unlock()
		return
	}
	msg, err := m.reasm.Add(f)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("closing link after bad frame", "link_id", l.ID(), "error", err)
		// The link's send lock may be held by a sender blocked on the
		// transport, so the close frame goes through the queue.
		remote := l.remoteID()
		l.shutdown(true, err)
		if remote != 0 {
			m.post(&wire.Frame{Type: wire.FrameClose, Link: remote})
		}
		return
	}
	if msg != nil {
		l.receive(msg)
	}
}

func (m *globalMux) handleClose(f *wire.Frame) {
	m.mu.Lock()
	l := m.links[f.Link]
	m.mu.Unlock()
	if l != nil {
		l.shutdown(true, nil)
	}
}

// detach tears down every global link and port after the transport failed
// or was closed.
func (m *globalMux) detach(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	ports := make([]*Port, 0, len(m.declared))
	for _, p := range m.declared {
		ports = append(ports, p)
	}
	m.links = make(map[uint64]*Link)
	m.connecting = make(map[uint64]*Link)
	m.declared = make(map[string]*Port)
	m.mu.Unlock()

	m.bc.clearMux(m)
	m.transport.Close()

	if isOrderlyClose(cause) {
		cause = nil
	}

	detachErr := bridgeerrors.NewLinkError("transport detached", bridgeerrors.ErrLinkClosed).WithGlobal(true)
	for _, l := range links {
		l.shutdown(true, detachErr)
	}
	for _, p := range ports {
		p.Close()
	}

	if cause != nil {
		m.logger.Warn("global transport detached", "error", cause, "links_closed", len(links))
	} else {
		m.logger.Info("global transport detached", "links_closed", len(links))
	}
	m.bc.publish(event.NewTransportDetachedEvent(m.transport.Kind(), cause, len(links)))
	close(m.detached)
}

func isOrderlyClose(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		wire.IsNormalClose(err)
}
