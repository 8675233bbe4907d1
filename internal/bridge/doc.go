// Package bridge is the message bus between a runtime, its in-process
// components and a companion process.
//
// A [Context] owns the reference ledger, the table of local ports and at
// most one global transport. Components rendezvous by port name: a server
// activates a [Port] and accepts inbound links, a client connects to the
// name and gets an open [Link]. Local links deliver in memory; global links
// are multiplexed over the attached [wire.Transport] and fragmented when
// large.
//
// Lifecycle of a link:
//
//	client: idle -> connecting -> open -> closed
//	server: pending (in the port backlog) -> open (after Link.Accept) -> closed
//
// Every reason to keep the process alive holds a ledger reference: a
// connect in progress, an outstanding request, an activated port and an
// activated link. Once all bridge activity settles the ledger is zero.
//
// Typical exchange:
//
//	port, _ := bc.Listen("x", bridge.PortOptions{})
//	go func() {
//	    link, _ := port.Accept(ctx)
//	    link.Accept()
//	    msg, _ := link.Receive(ctx)
//	    link.Reply(msg.MsgID, wire.MustJSON(map[string]int{"b": 1}))
//	}()
//
//	link, _ := bc.Connect(ctx, "x", bridge.ConnectOptions{})
//	reply, _ := link.DoRequest(ctx, wire.MustJSON(map[string]int{"a": 1}))
//	link.Close()
package bridge
