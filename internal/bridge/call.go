package bridge

import (
	"context"
	"sync"

	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/ledger"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// Call is an outstanding request. It settles exactly once.
type Call struct {
	// MsgID is the id of the request message.
	MsgID uint64

	link *Link
	ref  *ledger.Ref
	done chan struct{}
	once sync.Once

	reply *wire.Message
	err   error
}

func newCall(l *Link, ref *ledger.Ref) *Call {
	return &Call{link: l, ref: ref, done: make(chan struct{})}
}

// Done returns a channel closed when the call settles.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome of a settled call. It must only be called
// after Done is closed.
func (c *Call) Result() (*wire.Message, error) {
	return c.reply, c.err
}

// Wait blocks until the call settles or ctx ends. When ctx ends first the
// call is abandoned and a late reply is delivered to Receive instead.
func (c *Call) Wait(ctx context.Context) (*wire.Message, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		c.Abandon(ctx.Err())
		<-c.done
		return c.reply, c.err
	}
}

// Abandon settles the call with err without waiting for the reply.
func (c *Call) Abandon(err error) {
	c.link.forgetCall(c.MsgID)
	c.finish(nil, err)
}

func (c *Call) settle(msg *wire.Message) {
	if !msg.IsException() {
		c.finish(msg, nil)
		return
	}
	re := &errors.RemoteException{}
	if err := msg.Decode(re); err != nil {
		re.Message = "undecodable remote exception: " + err.Error()
	}
	re.MsgID = c.MsgID
	c.finish(nil, re)
}

func (c *Call) fail(err error) {
	c.finish(nil, err)
}

func (c *Call) finish(reply *wire.Message, err error) {
	c.once.Do(func() {
		c.reply = reply
		c.err = err
		c.ref.Release()
		close(c.done)
	})
}
