package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/event"
	"github.com/Iron-Ham/bridge/internal/ledger"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// Context is the state of one bridge runtime: its reference ledger, its
// local port table and its global transport. Workers run in child contexts
// that share the transfer-handle table and event bus of their root.
type Context struct {
	cfg    *config
	ledger *ledger.Ledger
	bus    *event.Bus
	logger *logging.Logger

	handles *handleTable

	mu     sync.Mutex
	ports  map[string]*Port
	links  map[*Link]struct{}
	global *globalMux
	closed bool
}

// New creates a Context.
func New(opts ...Option) *Context {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	bc := newContext(cfg, newHandleTable())
	if bc.bus != nil {
		bc.ledger.OnChange(func(count int) {
			bc.bus.Publish(event.NewLedgerChangedEvent(count))
		})
	}
	return bc
}

func newContext(cfg *config, handles *handleTable) *Context {
	l := cfg.ledger
	if l == nil {
		l = ledger.New()
	}
	bc := &Context{
		cfg:     cfg,
		ledger:  l,
		bus:     cfg.bus,
		logger:  cfg.logger,
		handles: handles,
		ports:   make(map[string]*Port),
		links:   make(map[*Link]struct{}),
	}
	return bc
}

// Child creates a context with its own ledger and port table that can
// claim links parked by any context of the same root. Children have no
// global transport.
func (bc *Context) Child(opts ...Option) *Context {
	cfg := *bc.cfg
	cfg.ledger = nil
	for _, opt := range opts {
		opt(&cfg)
	}
	return newContext(&cfg, bc.handles)
}

// Ledger returns the context's reference ledger.
func (bc *Context) Ledger() *ledger.Ledger { return bc.ledger }

// Bus returns the event bus, which may be nil.
func (bc *Context) Bus() *event.Bus { return bc.bus }

// Logger returns the context's logger.
func (bc *Context) Logger() *logging.Logger { return bc.logger }

func (bc *Context) publish(e event.Event) {
	if bc.bus != nil {
		bc.bus.Publish(e)
	}
}

func newID() string {
	return ulid.Make().String()
}

// -----------------------------------------------------------------------------
// Ports and connections
// -----------------------------------------------------------------------------

// PortOptions configures a port.
type PortOptions struct {
	// Global declares the port to the companion process instead of the local
	// port table.
	Global bool
	// Unref keeps the activated port from holding a ledger reference.
	Unref bool
}

// ConnectOptions configures a connect.
type ConnectOptions struct {
	// Global connects to a port declared by the companion process.
	Global bool
}

// CreatePort creates an inactive port. Connects to the name fail with
// PortNotFound until the port is activated.
func (bc *Context) CreatePort(name string, opts PortOptions) *Port {
	return newPort(bc, name, opts)
}

// Listen creates and activates a port.
func (bc *Context) Listen(name string, opts PortOptions) (*Port, error) {
	p := bc.CreatePort(name, opts)
	if err := p.Activate(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewLink returns an idle link that can connect once.
func (bc *Context) NewLink() *Link {
	return newLink(bc, "", false, false)
}

// Connect opens a link to the port name. It blocks until the server
// accepts the link, refuses it, or ctx is done.
func (bc *Context) Connect(ctx context.Context, name string, opts ConnectOptions) (*Link, error) {
	l := bc.NewLink()
	if err := l.Connect(ctx, name, opts); err != nil {
		return nil, err
	}
	return l, nil
}

// NewLinkPair returns two open local links connected to each other and to
// no port. Either end can be parked and handed to another context.
func (bc *Context) NewLinkPair() (*Link, *Link) {
	a := newLink(bc, "", false, false)
	b := newLink(bc, "", false, true)
	a.route = localRoute{peer: b}
	b.route = localRoute{peer: a}
	a.state = linkOpen
	b.state = linkOpen
	close(a.accepted)
	bc.track(a)
	bc.track(b)
	a.opened()
	b.opened()
	return a, b
}

func (bc *Context) lookupPort(name string) *Port {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.ports[name]
}

func (bc *Context) registerPort(p *Port) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return errors.NewLinkError("context closed", errors.ErrLinkClosed).WithPort(p.name)
	}
	if _, ok := bc.ports[p.name]; ok {
		return errors.NewLinkError("listen", errors.ErrAlreadyListening).WithPort(p.name)
	}
	bc.ports[p.name] = p
	return nil
}

func (bc *Context) unregisterPort(p *Port) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.ports[p.name] == p {
		delete(bc.ports, p.name)
	}
}

func (bc *Context) track(l *Link) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.links[l] = struct{}{}
}

func (bc *Context) untrack(l *Link) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	delete(bc.links, l)
}

// -----------------------------------------------------------------------------
// Global transport
// -----------------------------------------------------------------------------

// AttachTransport binds t as the global transport and starts reading from
// it. Only one transport may be attached at a time; after it detaches a new
// one can be attached.
func (bc *Context) AttachTransport(t wire.Transport) error {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return errors.NewLinkError("context closed", errors.ErrLinkClosed).WithGlobal(true)
	}
	if bc.global != nil {
		bc.mu.Unlock()
		return fmt.Errorf("attach %s transport: %w", t.Kind(), errors.ErrAlreadyConnected)
	}
	mux := newGlobalMux(bc, t)
	bc.global = mux
	bc.mu.Unlock()

	bc.logger.Info("global transport attached", "kind", t.Kind())
	bc.publish(event.NewTransportAttachedEvent(t.Kind()))
	go mux.readLoop()
	go mux.writeLoop()
	return nil
}

// DetachTransport closes the global transport, if any, and waits until
// every global link and port is closed.
func (bc *Context) DetachTransport() {
	bc.mu.Lock()
	mux := bc.global
	bc.mu.Unlock()
	if mux == nil {
		return
	}
	mux.transport.Close()
	<-mux.detached
}

// Detached returns a channel closed once the current global transport has
// detached. It is already closed when no transport is attached.
func (bc *Context) Detached() <-chan struct{} {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.global == nil {
		return closedChan
	}
	return bc.global.detached
}

func (bc *Context) mux() (*globalMux, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.global == nil {
		return nil, errors.ErrNoTransport
	}
	return bc.global, nil
}

func (bc *Context) clearMux(m *globalMux) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.global == m {
		bc.global = nil
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// -----------------------------------------------------------------------------
// Introspection and shutdown
// -----------------------------------------------------------------------------

// Stats is a snapshot of a context.
type Stats struct {
	Refs        int
	Reasons     []string
	Ports       []string
	Links       int
	Parked      int
	Global      bool
	GlobalKind  string
	RemotePorts []string
}

// Stats returns a snapshot of the context.
func (bc *Context) Stats() Stats {
	bc.mu.Lock()
	s := Stats{
		Links: len(bc.links),
	}
	for name := range bc.ports {
		s.Ports = append(s.Ports, name)
	}
	mux := bc.global
	bc.mu.Unlock()

	if mux != nil {
		s.Global = true
		s.GlobalKind = mux.transport.Kind()
		s.RemotePorts = mux.remotePorts()
		s.Ports = append(s.Ports, mux.localPorts()...)
	}
	sort.Strings(s.Ports)
	s.Parked = bc.handles.len()
	s.Refs = bc.ledger.Count()
	s.Reasons = bc.ledger.Reasons()
	return s
}

// Close closes every port and link of the context and detaches the global
// transport. The context cannot be used afterwards.
func (bc *Context) Close() error {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return nil
	}
	bc.closed = true
	ports := make([]*Port, 0, len(bc.ports))
	for _, p := range bc.ports {
		ports = append(ports, p)
	}
	links := make([]*Link, 0, len(bc.links))
	for l := range bc.links {
		links = append(links, l)
	}
	bc.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
	for _, l := range links {
		l.Close()
	}
	bc.DetachTransport()
	return nil
}
