package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Iron-Ham/bridge/internal/errors"
)

// FrameType identifies a frame on a global transport.
type FrameType uint8

const (
	// FrameDeclare announces that the sender listens on Name.
	FrameDeclare FrameType = iota + 1
	// FrameUndeclare withdraws a declaration.
	FrameUndeclare
	// FrameConnect asks the receiver to open a link to its port Name. Peer is
	// the sender's id for the new link.
	FrameConnect
	// FrameAccept completes a connect. Link is the receiver's id from the
	// connect frame and Peer is the sender's id for the same link.
	FrameAccept
	// FrameRefuse fails a connect because Name has no listener.
	FrameRefuse
	// FrameMessage carries a whole message.
	FrameMessage
	// FrameFragment carries bytes [Offset, Offset+len(Data)) of a message of
	// Total bytes.
	FrameFragment
	// FrameClose closes a link.
	FrameClose
)

var frameTypeNames = map[FrameType]string{
	FrameDeclare:   "declare",
	FrameUndeclare: "undeclare",
	FrameConnect:   "connect",
	FrameAccept:    "accept",
	FrameRefuse:    "refuse",
	FrameMessage:   "message",
	FrameFragment:  "fragment",
	FrameClose:     "close",
}

// String returns the frame type name.
func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("frame(%d)", uint8(t))
}

// Frame is one unit on a global transport. Link ids are scoped to the
// receiving side: Link names the receiver's link and Peer the sender's.
type Frame struct {
	Type    FrameType
	Link    uint64
	Peer    uint64
	MsgID   uint64
	ReplyTo uint64
	Flags   Flags
	Kind    Kind
	Data    []byte
	Name    string
	Offset  uint64
	Total   uint64
}

// Field numbers of the frame body.
const (
	fieldType    protowire.Number = 1
	fieldLink    protowire.Number = 2
	fieldPeer    protowire.Number = 3
	fieldMsgID   protowire.Number = 4
	fieldReplyTo protowire.Number = 5
	fieldFlags   protowire.Number = 6
	fieldKind    protowire.Number = 7
	fieldData    protowire.Number = 8
	fieldName    protowire.Number = 9
	fieldOffset  protowire.Number = 10
	fieldTotal   protowire.Number = 11
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendMarshal appends the encoded body of f to b.
func (f *Frame) AppendMarshal(b []byte) []byte {
	b = appendVarintField(b, fieldType, uint64(f.Type))
	b = appendVarintField(b, fieldLink, f.Link)
	b = appendVarintField(b, fieldPeer, f.Peer)
	b = appendVarintField(b, fieldMsgID, f.MsgID)
	b = appendVarintField(b, fieldReplyTo, f.ReplyTo)
	b = appendVarintField(b, fieldFlags, uint64(f.Flags))
	b = appendVarintField(b, fieldKind, uint64(f.Kind))
	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	if f.Name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, f.Name)
	}
	b = appendVarintField(b, fieldOffset, f.Offset)
	b = appendVarintField(b, fieldTotal, f.Total)
	return b
}

// Marshal returns the encoded body of f.
func (f *Frame) Marshal() []byte {
	return f.AppendMarshal(make([]byte, 0, 32+len(f.Data)+len(f.Name)))
}

// Size returns the encoded body size without encoding.
func (f *Frame) Size() int {
	n := 0
	varint := func(num protowire.Number, v uint64) {
		if v != 0 {
			n += protowire.SizeTag(num) + protowire.SizeVarint(v)
		}
	}
	varint(fieldType, uint64(f.Type))
	varint(fieldLink, f.Link)
	varint(fieldPeer, f.Peer)
	varint(fieldMsgID, f.MsgID)
	varint(fieldReplyTo, f.ReplyTo)
	varint(fieldFlags, uint64(f.Flags))
	varint(fieldKind, uint64(f.Kind))
	if len(f.Data) > 0 {
		n += protowire.SizeTag(fieldData) + protowire.SizeBytes(len(f.Data))
	}
	if f.Name != "" {
		n += protowire.SizeTag(fieldName) + protowire.SizeBytes(len(f.Name))
	}
	varint(fieldOffset, f.Offset)
	varint(fieldTotal, f.Total)
	return n
}

// UnmarshalFrame decodes a frame body. Data aliases b. Unknown fields are
// skipped so newer peers can add fields.
func UnmarshalFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, invalidFrame("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != fieldData && num != fieldName:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, invalidFrame("varint", protowire.ParseError(n))
			}
			b = b[n:]
			f.setVarint(num, v)
		case typ == protowire.BytesType && (num == fieldData || num == fieldName):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, invalidFrame("bytes", protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldData {
				f.Data = v
			} else {
				f.Name = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, invalidFrame("field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if _, ok := frameTypeNames[f.Type]; !ok {
		return nil, invalidFrame("type", fmt.Errorf("unknown frame type %d", f.Type))
	}
	return f, nil
}

func (f *Frame) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldType:
		f.Type = FrameType(v)
	case fieldLink:
		f.Link = v
	case fieldPeer:
		f.Peer = v
	case fieldMsgID:
		f.MsgID = v
	case fieldReplyTo:
		f.ReplyTo = v
	case fieldFlags:
		f.Flags = Flags(v)
	case fieldKind:
		f.Kind = Kind(v)
	case fieldOffset:
		f.Offset = v
	case fieldTotal:
		f.Total = v
	}
}

func invalidFrame(what string, cause error) error {
	return fmt.Errorf("%w: %s: %v", errors.ErrInvalidFrame, what, cause)
}
