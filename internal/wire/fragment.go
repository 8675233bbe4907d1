package wire

import (
	"fmt"

	"github.com/Iron-Ham/bridge/internal/errors"
)

// Size limits.
const (
	// DefaultFragmentSize is the largest message body sent in one frame.
	DefaultFragmentSize = 64 << 10
	// MinFragmentSize is the smallest accepted fragment size.
	MinFragmentSize = 1 << 10
	// DefaultMaxMessageSize bounds a reassembled message.
	DefaultMaxMessageSize = 256 << 20
)

// SplitMessage encodes msg for the receiver's link id as one message frame,
// or as consecutive fragment frames when the payload is larger than size.
// Every fragment repeats the envelope fields so any one of them identifies
// the message.
func SplitMessage(link uint64, msg *Message, size int) []*Frame {
	if size < MinFragmentSize {
		size = MinFragmentSize
	}
	data := msg.Payload.Data
	if len(data) <= size {
		return []*Frame{{
			Type:    FrameMessage,
			Link:    link,
			MsgID:   msg.MsgID,
			ReplyTo: msg.ReplyTo,
			Flags:   msg.Flags,
			Kind:    msg.Payload.Kind,
			Data:    data,
		}}
	}

	frames := make([]*Frame, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		frames = append(frames, &Frame{
			Type:    FrameFragment,
			Link:    link,
			MsgID:   msg.MsgID,
			ReplyTo: msg.ReplyTo,
			Flags:   msg.Flags,
			Kind:    msg.Payload.Kind,
			Data:    data[off:end],
			Offset:  uint64(off),
			Total:   uint64(len(data)),
		})
	}
	return frames
}

type partialKey struct {
	link  uint64
	msgid uint64
}

type partial struct {
	buf  []byte
	next uint64
}

// Reassembler joins fragment frames back into messages. Fragments of one
// message must arrive in offset order, which the sender guarantees by
// writing them back to back under the link's send lock. A Reassembler is
// owned by one read loop and is not safe for concurrent use.
type Reassembler struct {
	maxSize  uint64
	partials map[partialKey]*partial
}

// NewReassembler returns a Reassembler rejecting messages above maxSize
// bytes. A maxSize of zero means DefaultMaxMessageSize.
func NewReassembler(maxSize int) *Reassembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reassembler{
		maxSize:  uint64(maxSize),
		partials: make(map[partialKey]*partial),
	}
}

// Add consumes a message or fragment frame. It returns the message once it
// is complete and nil while more fragments are expected. The returned
// payload never aliases f.Data.
func (r *Reassembler) Add(f *Frame) (*Message, error) {
	switch f.Type {
	case FrameMessage:
		if uint64(len(f.Data)) > r.maxSize {
			return nil, fmt.Errorf("%w: %d bytes", errors.ErrMessageTooLarge, len(f.Data))
		}
		return frameMessage(f, append([]byte(nil), f.Data...)), nil
	case FrameFragment:
		return r.addFragment(f)
	default:
		return nil, fmt.Errorf("%w: %s frame is not a message", errors.ErrInvalidFrame, f.Type)
	}
}

func (r *Reassembler) addFragment(f *Frame) (*Message, error) {
	key := partialKey{link: f.Link, msgid: f.MsgID}
	p, ok := r.partials[key]
	if !ok {
		if f.Offset != 0 {
			return nil, fmt.Errorf("%w: fragment of msgid %d starts at offset %d", errors.ErrInvalidFrame, f.MsgID, f.Offset)
		}
		if f.Total > r.maxSize {
			return nil, fmt.Errorf("%w: %d bytes", errors.ErrMessageTooLarge, f.Total)
		}
		p = &partial{buf: make([]byte, 0, f.Total)}
		r.partials[key] = p
	}

	if f.Offset != p.next || uint64(cap(p.buf)) != f.Total {
		delete(r.partials, key)
		return nil, fmt.Errorf("%w: fragment of msgid %d at offset %d, expected %d of %d",
			errors.ErrInvalidFrame, f.MsgID, f.Offset, p.next, cap(p.buf))
	}
	if p.next+uint64(len(f.Data)) > f.Total {
		delete(r.partials, key)
		return nil, fmt.Errorf("%w: fragment of msgid %d overruns total %d", errors.ErrInvalidFrame, f.MsgID, f.Total)
	}

	p.buf = append(p.buf, f.Data...)
	p.next += uint64(len(f.Data))
	if p.next < f.Total {
		return nil, nil
	}

	delete(r.partials, key)
	return frameMessage(f, p.buf), nil
}

func frameMessage(f *Frame, data []byte) *Message {
	return &Message{
		MsgID:   f.MsgID,
		ReplyTo: f.ReplyTo,
		Flags:   f.Flags,
		Payload: Payload{Kind: f.Kind, Data: data},
	}
}

// Drop discards partial messages of a link, for example after it closed.
func (r *Reassembler) Drop(link uint64) {
	for key := range r.partials {
		if key.link == link {
			delete(r.partials, key)
		}
	}
}

// Pending returns the number of partially received messages.
func (r *Reassembler) Pending() int {
	return len(r.partials)
}
