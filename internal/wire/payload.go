package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags the encoding of a Payload.
type Kind uint8

const (
	// KindNone is an empty payload.
	KindNone Kind = iota
	// KindJSON holds a JSON document.
	KindJSON
	// KindBinary holds opaque bytes.
	KindBinary
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindJSON:
		return "json"
	case KindBinary:
		return "binary"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Payload is the body of a message. Handles lists transfer handles for
// links moved along with the message; it is only honored on local links.
type Payload struct {
	Kind    Kind
	Data    []byte
	Handles []uint64
}

// JSON encodes v as a JSON payload.
func JSON(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encode payload: %w", err)
	}
	return Payload{Kind: KindJSON, Data: data}, nil
}

// MustJSON is JSON for values that always encode, such as maps of literals.
func MustJSON(v any) Payload {
	p, err := JSON(v)
	if err != nil {
		panic(err)
	}
	return p
}

// RawJSON wraps already encoded JSON.
func RawJSON(data []byte) Payload {
	return Payload{Kind: KindJSON, Data: data}
}

// Binary wraps b as a binary payload without copying it.
func Binary(b []byte) Payload {
	return Payload{Kind: KindBinary, Data: b}
}

// IsEmpty reports whether the payload carries nothing.
func (p Payload) IsEmpty() bool {
	return p.Kind == KindNone && len(p.Data) == 0 && len(p.Handles) == 0
}

// Decode unmarshals a JSON payload into v. A binary payload can be decoded
// into *[]byte.
func (p Payload) Decode(v any) error {
	switch p.Kind {
	case KindJSON:
		if err := json.Unmarshal(p.Data, v); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return nil
	case KindBinary:
		if b, ok := v.(*[]byte); ok {
			*b = p.Data
			return nil
		}
		return fmt.Errorf("decode payload: cannot decode binary into %T", v)
	default:
		return fmt.Errorf("decode payload: empty payload")
	}
}

// Clone returns a deep copy, so the receiver of a local message never shares
// memory with the sender.
func (p Payload) Clone() Payload {
	c := Payload{Kind: p.Kind}
	if p.Data != nil {
		c.Data = append([]byte(nil), p.Data...)
	}
	if p.Handles != nil {
		c.Handles = append([]uint64(nil), p.Handles...)
	}
	return c
}

// String renders the payload for logs. Binary data is summarized.
func (p Payload) String() string {
	switch p.Kind {
	case KindJSON:
		if len(p.Data) > 256 {
			return string(p.Data[:256]) + "..."
		}
		return string(p.Data)
	case KindBinary:
		return fmt.Sprintf("binary(%d bytes)", len(p.Data))
	default:
		return "none"
	}
}
