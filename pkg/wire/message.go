package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolVersion is announced in the hello frame.
const ProtocolVersion = 1

// Kind discriminates broker messages.
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindHello
	KindCall
	KindAnswer
	KindError
	KindDecRef
	KindDecGift
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindCall:
		return "call"
	case KindAnswer:
		return "answer"
	case KindError:
		return "error"
	case KindDecRef:
		return "decref"
	case KindDecGift:
		return "decgift"
	default:
		return "unspecified"
	}
}

// Message is the unit exchanged by two brokers.
//
// Which fields are meaningful depends on Kind:
//
//   - hello: Version.
//   - call: CallID (zero when no answer is wanted), Target, Method, Body.
//   - answer: CallID, Body.
//   - error: CallID, ErrKind, ErrMessage.
//   - decref: Target, Count.
//   - decgift: GiftID, Count.
type Message struct {
	Kind       Kind
	Version    uint64
	CallID     uint64
	Target     uint64
	Method     string
	Body       []byte
	ErrKind    string
	ErrMessage string
	GiftID     uint64
	Count      uint64
}

const (
	fieldKind protowire.Number = iota + 1
	fieldVersion
	fieldCallID
	fieldTarget
	fieldMethod
	fieldBody
	fieldErrKind
	fieldErrMessage
	fieldGiftID
	fieldCount
)

// Marshal encodes m using the protobuf wire format. Zero fields are omitted.
func (m *Message) Marshal() ([]byte, error) {
	if m.Kind == KindUnspecified {
		return nil, fmt.Errorf("%w: message kind is unspecified", ErrMalformed)
	}

	var b []byte
	b = appendUint(b, fieldKind, uint64(m.Kind))
	b = appendUint(b, fieldVersion, m.Version)
	b = appendUint(b, fieldCallID, m.CallID)
	b = appendUint(b, fieldTarget, m.Target)
	b = appendString(b, fieldMethod, m.Method)
	if len(m.Body) > 0 {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Body)
	}
	b = appendString(b, fieldErrKind, m.ErrKind)
	b = appendString(b, fieldErrMessage, m.ErrMessage)
	b = appendUint(b, fieldGiftID, m.GiftID)
	b = appendUint(b, fieldCount, m.Count)
	return b, nil
}

// Unmarshal decodes b into m. Unknown fields are skipped.
func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isUintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			m.setUint(num, v)
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			m.setBytes(num, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if m.Kind == KindUnspecified || m.Kind > KindDecGift {
		return fmt.Errorf("%w: unknown message kind %d", ErrMalformed, m.Kind)
	}
	return nil
}

func isUintField(num protowire.Number) bool {
	switch num {
	case fieldKind, fieldVersion, fieldCallID, fieldTarget, fieldGiftID, fieldCount:
		return true
	}
	return false
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldMethod, fieldBody, fieldErrKind, fieldErrMessage:
		return true
	}
	return false
}

func (m *Message) setUint(num protowire.Number, v uint64) {
	switch num {
	case fieldKind:
		m.Kind = Kind(v)
	case fieldVersion:
		m.Version = v
	case fieldCallID:
		m.CallID = v
	case fieldTarget:
		m.Target = v
	case fieldGiftID:
		m.GiftID = v
	case fieldCount:
		m.Count = v
	}
}

func (m *Message) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fieldMethod:
		m.Method = string(v)
	case fieldBody:
		m.Body = append([]byte(nil), v...)
	case fieldErrKind:
		m.ErrKind = string(v)
	case fieldErrMessage:
		m.ErrMessage = string(v)
	}
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
