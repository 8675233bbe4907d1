package bridge

import (
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// route carries a link's traffic to its peer.
type route interface {
	deliver(from *Link, msg *wire.Message) error
	accept(from *Link) error
	close(from *Link)
}

// localRoute hands messages directly to the peer link in this process.
type localRoute struct {
	peer *Link
}

func (r localRoute) deliver(_ *Link, msg *wire.Message) error {
	r.peer.receive(msg.Clone())
	return nil
}

func (r localRoute) accept(from *Link) error {
	if !r.peer.markAccepted(nil) {
		return from.errorf("accept: client went away", errors.ErrLinkClosed)
	}
	return nil
}

func (r localRoute) close(*Link) {
	r.peer.shutdown(true, nil)
}

// globalRoute sends frames addressed to the peer's link id over the mux.
// remote is zero while a connect is still unanswered.
type globalRoute struct {
	mux    *globalMux
	remote uint64
}

func (r *globalRoute) deliver(from *Link, msg *wire.Message) error {
	if len(msg.Payload.Handles) > 0 {
		return from.errorf("send", errors.ErrNotTransferable)
	}
	if err := r.mux.sendMessage(r.remote, msg); err != nil {
		return from.errorf("send", err)
	}
	return nil
}

func (r *globalRoute) accept(from *Link) error {
	err := r.mux.write(&wire.Frame{Type: wire.FrameAccept, Link: r.remote, Peer: from.gid})
	if err != nil {
		return from.errorf("accept", err)
	}
	return nil
}

func (r *globalRoute) close(*Link) {
	if r.remote != 0 {
		r.mux.post(&wire.Frame{Type: wire.FrameClose, Link: r.remote})
	}
}
