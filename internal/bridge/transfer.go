package bridge

import (
	"fmt"
	"sync"

	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// handleTable holds links parked for transfer between contexts of the same
// root. A handle is claimed at most once.
type handleTable struct {
	mu     sync.Mutex
	next   uint64
	parked map[uint64]*Link
}

func newHandleTable() *handleTable {
	return &handleTable{parked: make(map[uint64]*Link)}
}

func (t *handleTable) add(l *Link) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.parked[t.next] = l
	return t.next
}

func (t *handleTable) take(h uint64) *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.parked[h]
	delete(t.parked, h)
	return l
}

// remove drops h if it still refers to l.
func (t *handleTable) remove(h uint64, l *Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.parked[h] == l {
		delete(t.parked, h)
	}
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.parked)
}

// Park detaches an open local link from bc so another context can claim it
// with the returned handle. A parked link keeps nothing alive; messages
// that reach it are buffered until it is claimed.
func (bc *Context) Park(l *Link) (uint64, error) {
	l.mu.Lock()
	switch {
	case l.bc != bc:
		l.mu.Unlock()
		return 0, l.errorf("park: link belongs to another context", errors.ErrNotTransferable)
	case l.state != linkOpen:
		err := l.notOpenErr("park")
		l.mu.Unlock()
		return 0, err
	case l.global:
		l.mu.Unlock()
		return 0, l.errorf("park: global link", errors.ErrNotTransferable)
	case len(l.pending) > 0:
		l.mu.Unlock()
		return 0, l.errorf(fmt.Sprintf("park: %d requests outstanding", len(l.pending)), errors.ErrNotTransferable)
	case l.handle != 0:
		l.mu.Unlock()
		return 0, l.errorf("park: already parked", errors.ErrNotTransferable)
	}
	keep := l.keepRef
	l.keepRef = nil
	h := bc.handles.add(l)
	l.handle = h
	l.mu.Unlock()

	keep.Release()
	bc.untrack(l)
	l.logger.Debug("link parked", "handle", h)
	return h, nil
}

// Claim takes ownership of the link parked under h. The link keeps its
// activation and unref state.
func (bc *Context) Claim(h uint64) (*Link, error) {
	bc.mu.Lock()
	closed := bc.closed
	bc.mu.Unlock()
	if closed {
		return nil, errors.NewLinkError("claim: context closed", errors.ErrLinkClosed)
	}

	l := bc.handles.take(h)
	if l == nil {
		return nil, errors.NewLinkError(fmt.Sprintf("claim: unknown handle %d", h), errors.ErrNotTransferable)
	}

	l.mu.Lock()
	if l.state == linkClosed {
		err := l.notOpenErr("claim")
		l.mu.Unlock()
		return nil, err
	}
	l.bc = bc
	l.logger = bc.logger.WithLink(l.id)
	l.handle = 0
	if l.activated && !l.unref {
		l.keepRef = bc.ledger.Ref("link " + l.id)
	}
	l.mu.Unlock()

	bc.track(l)
	l.logger.Debug("link claimed", "handle", h)
	return l, nil
}

// parkTransfer parks every link of transfer in l's context. restore
// reclaims them if the message carrying the handles is never sent.
func (l *Link) parkTransfer(transfer []*Link) ([]uint64, func(), error) {
	bc := l.owner()
	handles := make([]uint64, 0, len(transfer))
	restore := func() {
		for _, h := range handles {
			bc.Claim(h)
		}
	}
	for _, t := range transfer {
		if t == l {
			restore()
			return nil, nil, l.errorf("transfer: link cannot carry itself", errors.ErrNotTransferable)
		}
		h, err := bc.Park(t)
		if err != nil {
			restore()
			return nil, nil, err
		}
		handles = append(handles, h)
	}
	return handles, restore, nil
}

func withHandles(p wire.Payload, handles []uint64) wire.Payload {
	p.Handles = append(p.Handles[:len(p.Handles):len(p.Handles)], handles...)
	return p
}

// SendTransfer parks each link of transfer and sends p carrying their
// handles. On failure the links are reclaimed by the sender.
func (l *Link) SendTransfer(p wire.Payload, transfer ...*Link) (uint64, error) {
	handles, restore, err := l.parkTransfer(transfer)
	if err != nil {
		return 0, err
	}
	id, err := l.transmit(withHandles(p, handles), 0, 0, nil)
	if err != nil {
		restore()
		return 0, err
	}
	return id, nil
}

// SendRequestTransfer is SendRequest carrying the links of transfer.
func (l *Link) SendRequestTransfer(p wire.Payload, transfer ...*Link) (*Call, error) {
	handles, restore, err := l.parkTransfer(transfer)
	if err != nil {
		return nil, err
	}
	call := newCall(l, l.owner().ledger.Ref("request on link "+l.id))
	if _, err := l.transmit(withHandles(p, handles), 0, wire.FlagRequest, call); err != nil {
		call.ref.Release()
		restore()
		return nil, err
	}
	return call, nil
}

// ReplyTransfer is Reply carrying the links of transfer.
func (l *Link) ReplyTransfer(msgid uint64, p wire.Payload, transfer ...*Link) error {
	handles, restore, err := l.parkTransfer(transfer)
	if err != nil {
		return err
	}
	if _, err := l.transmit(withHandles(p, handles), msgid, 0, nil); err != nil {
		restore()
		return err
	}
	return nil
}

// ClaimAll claims every handle carried by msg in order. Already claimed
// links stay with bc when a later handle fails.
func (bc *Context) ClaimAll(msg *wire.Message) ([]*Link, error) {
	links := make([]*Link, 0, len(msg.Payload.Handles))
	for _, h := range msg.Payload.Handles {
		l, err := bc.Claim(h)
		if err != nil {
			return links, err
		}
		links = append(links, l)
	}
	return links, nil
}
