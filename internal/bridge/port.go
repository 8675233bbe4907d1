package bridge

import (
	"context"
	"sync"

	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/event"
	"github.com/Iron-Ham/bridge/internal/ledger"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/waitable"
)

type portState int

const (
	portCreated portState = iota
	portActive
	portClosed
)

// Port is a named rendezvous point. Once activated it queues inbound links
// until Accept takes them.
type Port struct {
	bc     *Context
	name   string
	global bool
	logger *logging.Logger

	mu      sync.Mutex
	state   portState
	unref   bool
	ref     *ledger.Ref
	backlog *waitable.FIFO[*Link]
	closed  chan struct{}
}

func newPort(bc *Context, name string, opts PortOptions) *Port {
	return &Port{
		bc:      bc,
		name:    name,
		global:  opts.Global,
		logger:  bc.logger.WithPort(name),
		unref:   opts.Unref,
		backlog: waitable.NewFIFO[*Link](),
		closed:  make(chan struct{}),
	}
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// Global reports whether the port is declared to the companion process.
func (p *Port) Global() bool { return p.global }

// Pending returns the number of inbound links waiting in the backlog.
func (p *Port) Pending() int { return p.backlog.Len() }

func (p *Port) errorf(msg string, cause error) *errors.LinkError {
	return errors.NewLinkError(msg, cause).WithPort(p.name).WithGlobal(p.global)
}

// Activate registers the port so connects can reach it. Names are
// exclusive: activating a second port with a listening name fails with
// AlreadyListening. Unless the port was created with Unref, an active port
// holds a ledger reference until it closes.
func (p *Port) Activate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case portActive:
		return nil
	case portClosed:
		return p.errorf("activate", errors.ErrLinkClosed)
	}

	if p.global {
		m, err := p.bc.mux()
		if err != nil {
			return p.errorf("listen", err)
		}
		if err := m.declare(p); err != nil {
			return err
		}
	} else if err := p.bc.registerPort(p); err != nil {
		return err
	}

	p.state = portActive
	if !p.unref {
		p.ref = p.bc.ledger.Ref("listen " + p.name)
	}

	p.logger.Debug("port listening", "global", p.global)
	p.bc.publish(event.NewPortListeningEvent(p.name, p.global))
	return nil
}

// Unref stops the port from keeping the process alive.
func (p *Port) Unref() {
	p.mu.Lock()
	ref := p.ref
	p.ref = nil
	p.unref = true
	p.mu.Unlock()
	ref.Release()
}

func (p *Port) enqueue(l *Link) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != portActive {
		return p.errorf("connect", errors.ErrPortNotFound)
	}
	if p.backlog.Len() >= p.bc.cfg.acceptBacklog {
		p.logger.Warn("accept backlog full, refusing link", "backlog", p.backlog.Len())
		return p.errorf("connection refused: accept backlog full", errors.ErrLinkClosed)
	}
	p.backlog.Push(l)
	return nil
}

// Accept waits for the next inbound link. The link is pending: call its
// Accept method to complete the handshake, or Close to refuse it.
func (p *Port) Accept(ctx context.Context) (*Link, error) {
	for {
		if l, ok := p.backlog.Shift(); ok {
			if !l.isPending() {
				// The client gave up while the link was queued.
				continue
			}
			return l, nil
		}

		ready := p.backlog.WaitSignalled()
		select {
		case <-ready:
		case <-p.closed:
			return nil, p.errorf("accept: port closed", errors.ErrLinkClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops accepting, refuses every link still in the backlog and
// releases the port's ledger reference. Close is idempotent.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.state == portClosed {
		p.mu.Unlock()
		return nil
	}
	wasActive := p.state == portActive
	p.state = portClosed
	ref := p.ref
	p.ref = nil
	p.mu.Unlock()

	close(p.closed)

	if wasActive {
		if p.global {
			if m, err := p.bc.mux(); err == nil {
				m.undeclare(p)
			}
		} else {
			p.bc.unregisterPort(p)
		}
	}

	dropped := p.backlog.Drain()
	for _, l := range dropped {
		l.Close()
	}
	ref.Release()

	if wasActive {
		p.logger.Debug("port closed", "dropped", len(dropped))
		p.bc.publish(event.NewPortClosedEvent(p.name, p.global, len(dropped)))
	}
	return nil
}
