package wire

// Flags carry per-message bits.
type Flags uint32

const (
	// FlagRequest marks a message whose sender awaits a correlated reply.
	FlagRequest Flags = 1 << iota
	// FlagException marks a reply that reports a remote error. Its payload is
	// a JSON RemoteException.
	FlagException
)

// Message is the envelope delivered on a link. MsgID is link-scoped and
// starts at 1; ReplyTo is zero unless the message answers an earlier one.
type Message struct {
	MsgID   uint64
	ReplyTo uint64
	Flags   Flags
	Payload Payload
}

// IsRequest reports whether the sender awaits a reply.
func (m *Message) IsRequest() bool { return m.Flags&FlagRequest != 0 }

// IsReply reports whether the message answers an earlier message.
func (m *Message) IsReply() bool { return m.ReplyTo != 0 }

// IsException reports whether the message is an error reply.
func (m *Message) IsException() bool { return m.Flags&FlagException != 0 }

// Decode decodes the payload into v.
func (m *Message) Decode(v any) error { return m.Payload.Decode(v) }

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Payload = m.Payload.Clone()
	return &c
}
