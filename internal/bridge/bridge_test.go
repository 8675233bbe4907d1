package bridge

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/event"
	"github.com/Iron-Ham/bridge/internal/wire"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireIdle(t *testing.T, bc *Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bc.Ledger().WaitIdle(ctx); err != nil {
		t.Fatalf("ledger = %d %v, want 0", bc.Ledger().Count(), bc.Ledger().Reasons())
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// serve accepts links on p and answers every request with reply(request).
func serve(t *testing.T, p *Port, reply func(*wire.Message) wire.Payload) *sync.WaitGroup {
	t.Helper()
	ctx := testContext(t)
	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			l, err := p.Accept(ctx)
			if err != nil {
				return
			}
			if err := l.Accept(); err != nil {
				t.Errorf("Accept() error = %v", err)
				return
			}
			wg.Go(func() {
				for {
					msg, err := l.Receive(ctx)
					if err != nil {
						return
					}
					if msg.IsRequest() {
						l.Reply(msg.MsgID, reply(msg))
					}
				}
			})
		}
	})
	return &wg
}

func TestConnectBeforeListenFailsWithPortNotFound(t *testing.T) {
	bc := New()
	ctx := testContext(t)
	p := bc.CreatePort("a", PortOptions{})

	for i := range 2 {
		l, err := bc.Connect(ctx, "a", ConnectOptions{})
		if l != nil {
			t.Errorf("connect %d returned a link", i)
		}
		if !errors.Is(err, errors.ErrPortNotFound) {
			t.Errorf("connect %d error = %v, want PortNotFound", i, err)
		}
	}

	requireIdle(t, bc)
	if got := bc.Stats().Links; got != 0 {
		t.Errorf("Stats().Links = %d, want 0", got)
	}
	p.Close()
}

func TestRequestReply(t *testing.T) {
	bc := New()
	ctx := testContext(t)

	p, err := bc.Listen("x", PortOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	wg := serve(t, p, func(msg *wire.Message) wire.Payload {
		var in map[string]int
		if err := msg.Decode(&in); err != nil {
			t.Errorf("Decode() error = %v", err)
		}
		if in["a"] != 1 {
			t.Errorf("request = %v, want {a:1}", in)
		}
		return wire.MustJSON(map[string]int{"b": 1})
	})

	cl, err := bc.Connect(ctx, "x", ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	reply, err := cl.DoRequest(ctx, wire.MustJSON(map[string]int{"a": 1}))
	if err != nil {
		t.Fatalf("DoRequest() error = %v", err)
	}
	var out map[string]int
	if err := reply.Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out["b"] != 1 {
		t.Errorf("reply = %v, want {b:1}", out)
	}
	if reply.ReplyTo == 0 {
		t.Error("reply.ReplyTo = 0, want request msgid")
	}

	cl.Close()
	cl.Close()
	p.Close()
	wg.Wait()
	requireIdle(t, bc)
}

func TestRepliesCorrelateOutOfOrder(t *testing.T) {
	bc := New()
	ctx := testContext(t)
	client, server := bc.NewLinkPair()
	defer client.Close()

	const n = 5
	calls := make([]*Call, n)
	for i := range n {
		c, err := client.SendRequest(wire.MustJSON(i))
		if err != nil {
			t.Fatalf("SendRequest(%d) error = %v", i, err)
		}
		calls[i] = c
	}

	requests := make([]*wire.Message, n)
	for i := range n {
		msg, err := server.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		requests[i] = msg
	}
	for i := n - 1; i >= 0; i-- {
		var v int
		requests[i].Decode(&v)
		if err := server.Reply(requests[i].MsgID, wire.MustJSON(v*10)); err != nil {
			t.Fatalf("Reply() error = %v", err)
		}
	}

	for i, c := range calls {
		reply, err := c.Wait(ctx)
		if err != nil {
			t.Fatalf("call %d error = %v", i, err)
		}
		var v int
		reply.Decode(&v)
		if v != i*10 {
			t.Errorf("call %d reply = %d, want %d", i, v, i*10)
		}
	}
	if got := client.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestExceptionReachesOnlyTheCaller(t *testing.T) {
	bc := New()
	ctx := testContext(t)
	client, server := bc.NewLinkPair()
	defer client.Close()

	call, _ := client.SendRequest(wire.MustJSON("boom"))
	other, _ := client.SendRequest(wire.MustJSON("fine"))

	first, _ := server.Receive(ctx)
	second, _ := server.Receive(ctx)
	server.SendException(first.MsgID, errors.ErrUnknownTarget)
	server.Reply(second.MsgID, wire.MustJSON("ok"))

	_, err := call.Wait(ctx)
	var re *errors.RemoteException
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RemoteException", err)
	}
	if re.MsgID != call.MsgID {
		t.Errorf("MsgID = %d, want %d", re.MsgID, call.MsgID)
	}
	if re.Kind != "UnknownTarget" {
		t.Errorf("Kind = %q, want UnknownTarget", re.Kind)
	}
	if _, err := other.Wait(ctx); err != nil {
		t.Errorf("other call error = %v", err)
	}
}

func TestCloseRejectsOutstandingRequests(t *testing.T) {
	bc := New()
	ctx := testContext(t)

	a, b := bc.NewLinkPair()
	c, d := bc.NewLinkPair()

	const k = 4
	calls := make([]*Call, k)
	for i := range k {
		call, err := a.SendRequest(wire.MustJSON(i))
		if err != nil {
			t.Fatalf("SendRequest() error = %v", err)
		}
		calls[i] = call
	}
	if got := bc.Ledger().Count(); got != k {
		t.Errorf("ledger = %d, want %d", got, k)
	}

	a.Close()
	a.Close()
	for i, call := range calls {
		if _, err := call.Wait(ctx); !errors.Is(err, errors.ErrLinkClosed) {
			t.Errorf("call %d error = %v, want LinkClosed", i, err)
		}
	}

	select {
	case <-b.Done():
	case <-ctx.Done():
		t.Fatal("peer did not observe close")
	}

	// The other pair is unaffected.
	go func() {
		msg, err := d.Receive(ctx)
		if err == nil {
			d.Reply(msg.MsgID, wire.MustJSON("pong"))
		}
	}()
	if _, err := c.DoRequest(ctx, wire.MustJSON("ping")); err != nil {
		t.Errorf("DoRequest() on other link error = %v", err)
	}

	c.Close()
	requireIdle(t, bc)
}

func TestSendAfterCloseFails(t *testing.T) {
	bc := New()
	a, b := bc.NewLinkPair()
	b.Close()

	<-a.Done()
	if _, err := a.Send(wire.MustJSON(1)); !errors.Is(err, errors.ErrLinkClosed) {
		t.Errorf("Send() error = %v, want LinkClosed", err)
	}
	if _, err := a.Receive(testContext(t)); !errors.Is(err, errors.ErrLinkClosed) {
		t.Errorf("Receive() error = %v, want LinkClosed", err)
	}
}

func TestMessagesBeforeCloseStillDelivered(t *testing.T) {
	bc := New()
	ctx := testContext(t)
	a, b := bc.NewLinkPair()

	a.Send(wire.MustJSON("last words"))
	a.Close()

	msg, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	var s string
	msg.Decode(&s)
	if s != "last words" {
		t.Errorf("message = %q, want %q", s, "last words")
	}
}

func TestConnectTwiceFailsWithAlreadyConnected(t *testing.T) {
	bc := New()
	ctx := testContext(t)
	p, _ := bc.Listen("x", PortOptions{})
	wg := serve(t, p, func(msg *wire.Message) wire.Payload { return msg.Payload })

	l := bc.NewLink()
	if err := l.Connect(ctx, "x", ConnectOptions{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := l.Connect(ctx, "x", ConnectOptions{}); !errors.Is(err, errors.ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want AlreadyConnected", err)
	}

	failed := bc.NewLink()
	failed.Connect(ctx, "missing", ConnectOptions{})
	if err := failed.Connect(ctx, "x", ConnectOptions{}); !errors.Is(err, errors.ErrAlreadyConnected) {
		t.Errorf("Connect() after failure error = %v, want AlreadyConnected", err)
	}

	l.Close()
	p.Close()
	wg.Wait()
	requireIdle(t, bc)
}

func TestListenTwiceFailsWithAlreadyListening(t *testing.T) {
	bc := New()
	p, err := bc.Listen("x", PortOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if _, err := bc.Listen("x", PortOptions{}); !errors.Is(err, errors.ErrAlreadyListening) {
		t.Errorf("second Listen() error = %v, want AlreadyListening", err)
	}
	if got := bc.Ledger().Count(); got != 1 {
		t.Errorf("ledger = %d, want 1", got)
	}

	p.Close()
	p2, err := bc.Listen("x", PortOptions{})
	if err != nil {
		t.Fatalf("Listen() after close error = %v", err)
	}
	p2.Close()
	requireIdle(t, bc)
}

func TestUnrefPortDoesNotHoldLedger(t *testing.T) {
	bc := New()
	p, _ := bc.Listen("quiet", PortOptions{Unref: true})
	if got := bc.Ledger().Count(); got != 0 {
		t.Errorf("ledger = %d, want 0", got)
	}
	p.Close()

	loud, _ := bc.Listen("loud", PortOptions{})
	loud.Unref()
	loud.Unref()
	requireIdle(t, bc)
	loud.Close()
}

func TestRefusedPendingLink(t *testing.T) {
	bc := New()
	ctx := testContext(t)
	p, _ := bc.Listen("picky", PortOptions{})
	defer p.Close()

	go func() {
		l, err := p.Accept(ctx)
		if err == nil {
			l.Close()
		}
	}()

	_, err := bc.Connect(ctx, "picky", ConnectOptions{})
	if !errors.Is(err, errors.ErrLinkClosed) {
		t.Errorf("Connect() error = %v, want LinkClosed", err)
	}
}

func TestAcceptBacklogFull(t *testing.T) {
	bc := New(WithAcceptBacklog(1))
	ctx := testContext(t)
	p, _ := bc.Listen("busy", PortOptions{})

	first := bc.NewLink()
	done := make(chan error, 1)
	go func() { done <- first.Connect(ctx, "busy", ConnectOptions{}) }()

	for p.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := bc.Connect(ctx, "busy", ConnectOptions{}); !errors.Is(err, errors.ErrLinkClosed) {
		t.Errorf("Connect() on full backlog error = %v, want LinkClosed", err)
	}

	p.Close()
	if err := <-done; err == nil {
		t.Error("queued Connect() succeeded after port closed")
	}
	requireIdle(t, bc)
}

func TestConnectCanceled(t *testing.T) {
	bc := New()
	p, _ := bc.Listen("slow", PortOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := bc.Connect(ctx, "slow", ConnectOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want DeadlineExceeded", err)
	}

	// The abandoned link is skipped by Accept.
	actx, acancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer acancel()
	if l, err := p.Accept(actx); err == nil {
		t.Errorf("Accept() returned abandoned %v", l)
	}
	p.Close()
	requireIdle(t, bc)
}

func TestPerLinkOrdering(t *testing.T) {
	bc := New()
	ctx := testContext(t)
	a, b := bc.NewLinkPair()
	defer a.Close()

	const n = 500
	go func() {
		for i := range n {
			a.Send(wire.MustJSON(i))
		}
	}()
	for i := range n {
		msg, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		var got int
		msg.Decode(&got)
		if got != i {
			t.Fatalf("message %d = %d, want in-order delivery", i, got)
		}
	}
}

func TestCallWaitAbandonsOnContext(t *testing.T) {
	bc := New()
	ctx := testContext(t)
	a, b := bc.NewLinkPair()
	defer a.Close()

	call, _ := a.SendRequest(wire.MustJSON("slow"))
	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := call.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
	if got := bc.Ledger().Count(); got != 0 {
		t.Errorf("ledger = %d, want 0 after abandon", got)
	}

	req, _ := b.Receive(ctx)
	b.Reply(req.MsgID, wire.MustJSON("late"))
	late, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if late.ReplyTo != call.MsgID {
		t.Errorf("late.ReplyTo = %d, want %d", late.ReplyTo, call.MsgID)
	}
}

func TestActivateHoldsLedgerUntilClose(t *testing.T) {
	bc := New()
	a, b := bc.NewLinkPair()

	a.Activate()
	a.Activate()
	if got := bc.Ledger().Count(); got != 1 {
		t.Errorf("ledger = %d, want 1", got)
	}
	a.Unref()
	if got := bc.Ledger().Count(); got != 0 {
		t.Errorf("ledger after Unref = %d, want 0", got)
	}
	a.Ref()
	if got := bc.Ledger().Count(); got != 1 {
		t.Errorf("ledger after Ref = %d, want 1", got)
	}

	b.Close()
	<-a.Done()
	requireIdle(t, bc)
}

func TestParkAndClaim(t *testing.T) {
	root := New()
	child := root.Child()
	ctx := testContext(t)

	a, b := root.NewLinkPair()
	b.Activate()

	h, err := root.Park(b)
	if err != nil {
		t.Fatalf("Park() error = %v", err)
	}
	if got := root.Ledger().Count(); got != 0 {
		t.Errorf("root ledger = %d, want 0 while parked", got)
	}
	if got := root.Stats().Parked; got != 1 {
		t.Errorf("Stats().Parked = %d, want 1", got)
	}

	a.Send(wire.MustJSON("buffered"))

	claimed, err := child.Claim(h)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed != b {
		t.Error("Claim() returned a different link")
	}
	if got := child.Ledger().Count(); got != 1 {
		t.Errorf("child ledger = %d, want 1", got)
	}
	if _, err := child.Claim(h); !errors.Is(err, errors.ErrNotTransferable) {
		t.Errorf("second Claim() error = %v, want NotTransferable", err)
	}

	msg, err := claimed.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	var s string
	msg.Decode(&s)
	if s != "buffered" {
		t.Errorf("message = %q, want %q", s, "buffered")
	}

	a.Close()
	requireIdle(t, child)
	requireIdle(t, root)
}

func TestParkRejectsUntransferableLinks(t *testing.T) {
	bc := New()
	other := New()
	a, b := bc.NewLinkPair()
	defer a.Close()

	if _, err := other.Park(a); !errors.Is(err, errors.ErrNotTransferable) {
		t.Errorf("Park() by other context error = %v, want NotTransferable", err)
	}

	call, _ := a.SendRequest(wire.MustJSON(1))
	if _, err := bc.Park(a); !errors.Is(err, errors.ErrNotTransferable) {
		t.Errorf("Park() with pending request error = %v, want NotTransferable", err)
	}
	call.Abandon(nil)

	b.Close()
	<-a.Done()
	if _, err := bc.Park(a); !errors.Is(err, errors.ErrLinkClosed) {
		t.Errorf("Park() closed link error = %v, want LinkClosed", err)
	}
}

func TestSendTransfer(t *testing.T) {
	root := New()
	child := root.Child()
	ctx := testContext(t)

	carrier, far := root.NewLinkPair()
	x, y := root.NewLinkPair()

	if _, err := carrier.SendTransfer(wire.MustJSON("take this"), y); err != nil {
		t.Fatalf("SendTransfer() error = %v", err)
	}
	if _, err := carrier.SendTransfer(wire.MustJSON("self"), carrier); !errors.Is(err, errors.ErrNotTransferable) {
		t.Errorf("SendTransfer(self) error = %v, want NotTransferable", err)
	}

	msg, err := far.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	links, err := child.ClaimAll(msg)
	if err != nil {
		t.Fatalf("ClaimAll() error = %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("ClaimAll() = %d links, want 1", len(links))
	}

	x.Send(wire.MustJSON("through"))
	got, err := links[0].Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	var s string
	got.Decode(&s)
	if s != "through" {
		t.Errorf("message = %q, want %q", s, "through")
	}

	links[0].Close()
	select {
	case <-x.Done():
	case <-ctx.Done():
		t.Fatal("sender did not observe close of transferred link")
	}
	carrier.Close()
	requireIdle(t, root)
	requireIdle(t, child)
}

func TestChildHasNoGlobalTransport(t *testing.T) {
	child := New().Child()
	if _, err := child.Connect(testContext(t), "svc", ConnectOptions{Global: true}); !errors.Is(err, errors.ErrNoTransport) {
		t.Errorf("Connect() error = %v, want NoTransport", err)
	}
	if _, err := child.Listen("svc", PortOptions{Global: true}); !errors.Is(err, errors.ErrNoTransport) {
		t.Errorf("Listen() error = %v, want NoTransport", err)
	}
	requireIdle(t, child)
}

func TestEventsPublished(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	seen := map[string]int{}
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[e.EventType()]++
	})

	bc := New(WithBus(bus))
	a, _ := bc.NewLinkPair()
	a.Close()
	p, _ := bc.Listen("x", PortOptions{})
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	tests := map[string]int{
		event.TypeLinkOpened:    2,
		event.TypeLinkClosed:    2,
		event.TypePortListening: 1,
		event.TypePortClosed:    1,
		event.TypeLedgerChanged: 2,
	}
	for typ, want := range tests {
		if seen[typ] != want {
			t.Errorf("%s events = %d, want %d", typ, seen[typ], want)
		}
	}
}

// -----------------------------------------------------------------------------
// Global transport
// -----------------------------------------------------------------------------

func attachedPair(t *testing.T, opts ...Option) (*Context, *Context) {
	t.Helper()
	ca, cb := net.Pipe()
	a, b := New(opts...), New(opts...)
	if err := a.AttachTransport(wire.NewConnTransport(ca)); err != nil {
		t.Fatalf("AttachTransport() error = %v", err)
	}
	if err := b.AttachTransport(wire.NewConnTransport(cb)); err != nil {
		t.Fatalf("AttachTransport() error = %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestGlobalLargeMessageRoundTrip(t *testing.T) {
	a, b := attachedPair(t, WithFragmentSize(16<<10))
	ctx := testContext(t)

	p, err := b.Listen("echo", PortOptions{Global: true})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	wg := serve(t, p, func(msg *wire.Message) wire.Payload { return msg.Payload })

	eventually(t, func() bool {
		got := a.Stats().RemotePorts
		return len(got) == 1 && got[0] == "echo"
	})

	l, err := a.Connect(ctx, "echo", ConnectOptions{Global: true})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !l.Global() {
		t.Error("Global() = false, want true")
	}

	big := make([]byte, 700_013)
	rand.Read(big)
	reply, err := l.DoRequest(ctx, wire.Binary(big))
	if err != nil {
		t.Fatalf("DoRequest() error = %v", err)
	}
	if !bytes.Equal(reply.Payload.Data, big) {
		t.Errorf("echoed %d bytes, want the %d sent", len(reply.Payload.Data), len(big))
	}

	small, err := l.DoRequest(ctx, wire.MustJSON(map[string]int{"a": 1}))
	if err != nil {
		t.Fatalf("DoRequest() error = %v", err)
	}
	var out map[string]int
	small.Decode(&out)
	if out["a"] != 1 {
		t.Errorf("reply = %v, want {a:1}", out)
	}

	l.Close()
	p.Close()
	wg.Wait()
	requireIdle(t, a)
	requireIdle(t, b)
}

func TestGlobalConnectUnknownPort(t *testing.T) {
	a, _ := attachedPair(t)
	ctx := testContext(t)

	if _, err := a.Connect(ctx, "nowhere", ConnectOptions{Global: true}); !errors.Is(err, errors.ErrPortNotFound) {
		t.Errorf("Connect() error = %v, want PortNotFound", err)
	}
	requireIdle(t, a)
}

func TestGlobalListenTwice(t *testing.T) {
	_, b := attachedPair(t)
	p, err := b.Listen("svc", PortOptions{Global: true})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer p.Close()
	if _, err := b.Listen("svc", PortOptions{Global: true}); !errors.Is(err, errors.ErrAlreadyListening) {
		t.Errorf("second Listen() error = %v, want AlreadyListening", err)
	}
}

func TestGlobalCloseReachesPeer(t *testing.T) {
	a, b := attachedPair(t)
	ctx := testContext(t)

	p, _ := b.Listen("svc", PortOptions{Global: true})
	defer p.Close()
	accepted := make(chan *Link, 1)
	go func() {
		l, err := p.Accept(ctx)
		if err == nil {
			l.Accept()
			accepted <- l
		}
	}()

	l, err := a.Connect(ctx, "svc", ConnectOptions{Global: true})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	server := <-accepted

	l.Close()
	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("server link did not observe close")
	}
}

func TestDetachClosesGlobalLinks(t *testing.T) {
	a, b := attachedPair(t)
	ctx := testContext(t)

	p, _ := b.Listen("svc", PortOptions{Global: true})
	go func() {
		l, err := p.Accept(ctx)
		if err == nil {
			l.Accept()
		}
	}()

	l, err := a.Connect(ctx, "svc", ConnectOptions{Global: true})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	call, err := l.SendRequest(wire.MustJSON("never answered"))
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	local, remote := a.NewLinkPair()
	defer local.Close()

	a.DetachTransport()

	if _, err := call.Wait(ctx); !errors.Is(err, errors.ErrLinkClosed) {
		t.Errorf("pending call error = %v, want LinkClosed", err)
	}
	if l.IsOpen() {
		t.Error("global link still open after detach")
	}
	if !local.IsOpen() || !remote.IsOpen() {
		t.Error("local links closed by detach")
	}
	if a.Stats().Global {
		t.Error("Stats().Global = true after detach")
	}

	select {
	case <-b.Detached():
	case <-ctx.Done():
		t.Fatal("peer did not detach")
	}
	requireIdle(t, b)
}

func TestAttachTwiceFails(t *testing.T) {
	a, _ := attachedPair(t)
	x, _ := net.Pipe()
	if err := a.AttachTransport(wire.NewConnTransport(x)); !errors.Is(err, errors.ErrAlreadyConnected) {
		t.Errorf("AttachTransport() error = %v, want AlreadyConnected", err)
	}
	x.Close()
}

func waitRemotePort(t *testing.T, bc *Context, name string) {
	t.Helper()
	eventually(t, func() bool {
		for _, got := range bc.Stats().RemotePorts {
			if got == name {
				return true
			}
		}
		return false
	})
}

// orderedPayload spans several 1 KiB fragments and encodes its link and
// sequence number so the receiver can check order and content.
func orderedPayload(link, seq int) []byte {
	b := make([]byte, 2500+seq*37)
	for i := range b {
		b[i] = byte(link*31 + seq + i)
	}
	b[0], b[1] = byte(link), byte(seq)
	return b
}

func TestGlobalPerLinkOrderingWithFragments(t *testing.T) {
	a, b := attachedPair(t, WithFragmentSize(1<<10))
	ctx := testContext(t)

	p, err := b.Listen("ordered", PortOptions{Global: true})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer p.Close()
	waitRemotePort(t, a, "ordered")

	const links, perLink = 6, 40
	var server sync.WaitGroup
	server.Go(func() {
		for range links {
			l, err := p.Accept(ctx)
			if err != nil {
				t.Errorf("Accept() error = %v", err)
				return
			}
			l.Accept()
			server.Go(func() {
				for i := range perLink {
					msg, err := l.Receive(ctx)
					if err != nil {
						t.Errorf("Receive() message %d error = %v", i, err)
						return
					}
					data := msg.Payload.Data
					if len(data) < 2 || int(data[1]) != i {
						t.Errorf("message %d arrived out of order", i)
						return
					}
					if !bytes.Equal(data, orderedPayload(int(data[0]), i)) {
						t.Errorf("link %d message %d corrupted", data[0], i)
						return
					}
				}
			})
		}
	})

	var clients sync.WaitGroup
	for j := range links {
		clients.Go(func() {
			l, err := a.Connect(ctx, "ordered", ConnectOptions{Global: true})
			if err != nil {
				t.Errorf("Connect() error = %v", err)
				return
			}
			defer l.Close()
			for i := range perLink {
				if _, err := l.Send(wire.Binary(orderedPayload(j, i))); err != nil {
					t.Errorf("Send() error = %v", err)
					return
				}
			}
		})
	}
	clients.Wait()
	server.Wait()
}

func TestGlobalCloseRejectsOutstandingRequests(t *testing.T) {
	a, b := attachedPair(t)
	ctx := testContext(t)

	// Answers "ping" and holds every other request.
	p, _ := b.Listen("held", PortOptions{Global: true})
	defer p.Close()
	go func() {
		for {
			l, err := p.Accept(ctx)
			if err != nil {
				return
			}
			l.Accept()
			go func() {
				for {
					msg, err := l.Receive(ctx)
					if err != nil {
						return
					}
					var s string
					msg.Decode(&s)
					if s == "ping" {
						l.Reply(msg.MsgID, wire.MustJSON("pong"))
					}
				}
			}()
		}
	}()
	waitRemotePort(t, a, "held")

	held, err := a.Connect(ctx, "held", ConnectOptions{Global: true})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	other, err := a.Connect(ctx, "held", ConnectOptions{Global: true})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	const k = 5
	calls := make([]*Call, k)
	for i := range k {
		if calls[i], err = held.SendRequest(wire.MustJSON(i)); err != nil {
			t.Fatalf("SendRequest() error = %v", err)
		}
	}
	otherCall, err := other.SendRequest(wire.MustJSON("hold"))
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	held.Close()
	rejected := 0
	for _, call := range calls {
		if _, err := call.Wait(ctx); errors.Is(err, errors.ErrLinkClosed) {
			rejected++
		}
	}
	if rejected != k {
		t.Errorf("rejected = %d, want %d", rejected, k)
	}

	if got := other.Pending(); got != 1 {
		t.Errorf("other.Pending() = %d, want 1", got)
	}
	select {
	case <-otherCall.Done():
		t.Error("call on the other link settled")
	default:
	}
	if _, err := other.DoRequest(ctx, wire.MustJSON("ping")); err != nil {
		t.Errorf("DoRequest() on other link error = %v", err)
	}

	other.Close()
	requireIdle(t, a)
}

// osPipePair attaches two contexts over real pipes, whose small kernel
// buffers make writers block while the peer is not reading.
func osPipePair(t *testing.T) (*Context, *Context) {
	t.Helper()
	aRead, bWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	bRead, aWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	a, b := New(), New()
	a.AttachTransport(wire.NewStreamTransport(aRead, aWrite, pipeEnds{aRead, aWrite}))
	b.AttachTransport(wire.NewStreamTransport(bRead, bWrite, pipeEnds{bRead, bWrite}))
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

type pipeEnds []*os.File

func (p pipeEnds) Close() error {
	for _, f := range p {
		f.Close()
	}
	return nil
}

func TestGlobalBidirectionalLoadWithRefusedConnects(t *testing.T) {
	a, b := osPipePair(t)
	ctx := testContext(t)

	const senders, perSender, size, refusals = 4, 4, 1 << 20, 100
	var received [2]atomic.Int64
	sides := [2]*Context{a, b}

	for i, bc := range sides {
		p, err := bc.Listen("sink", PortOptions{Global: true})
		if err != nil {
			t.Fatalf("Listen() error = %v", err)
		}
		defer p.Close()
		go func() {
			for {
				l, err := p.Accept(ctx)
				if err != nil {
					return
				}
				l.Accept()
				go func() {
					for {
						msg, err := l.Receive(ctx)
						if err != nil {
							return
						}
						received[i].Add(int64(len(msg.Payload.Data)))
					}
				}()
			}
		}()
	}
	waitRemotePort(t, a, "sink")
	waitRemotePort(t, b, "sink")

	var wg sync.WaitGroup
	for _, bc := range sides {
		for range senders {
			wg.Go(func() {
				l, err := bc.Connect(ctx, "sink", ConnectOptions{Global: true})
				if err != nil {
					t.Errorf("Connect() error = %v", err)
					return
				}
				defer l.Close()
				data := make([]byte, size)
				for range perSender {
					if _, err := l.Send(wire.Binary(data)); err != nil {
						t.Errorf("Send() error = %v", err)
						return
					}
				}
			})
		}
		wg.Go(func() {
			for range refusals {
				_, err := bc.Connect(ctx, "nowhere", ConnectOptions{Global: true})
				if !errors.Is(err, errors.ErrPortNotFound) {
					t.Errorf("Connect() error = %v, want PortNotFound", err)
					return
				}
			}
		})
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		t.Fatal("transport wedged under bidirectional load")
	}

	want := int64(senders * perSender * size)
	eventually(t, func() bool {
		return received[0].Load() == want && received[1].Load() == want
	})
}
