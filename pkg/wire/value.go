package wire

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxDepth bounds the nesting of sequences and mappings.
const MaxDepth = 64

var ErrUnsupportedValue = errors.New("wire: value cannot be serialized")

// RefKind tells how a reference crossed the connection.
type RefKind uint8

const (
	// MyReference names an object exported by the sender.
	MyReference RefKind = iota + 1
	// YourReference names an object living on the receiver.
	YourReference
	// TheirReference is a gift: an object living on a third party.
	TheirReference
)

func (k RefKind) String() string {
	switch k {
	case MyReference:
		return "my-reference"
	case YourReference:
		return "your-reference"
	case TheirReference:
		return "their-reference"
	default:
		return "unknown-reference"
	}
}

// RefToken is the serialized form of a reference.
//
// ID is a per-connection reference id for my/your references and a gift id
// for their references. URL addresses the target when it must be reachable
// from outside the connection.
type RefToken struct {
	Kind RefKind
	ID   uint64
	URL  string
}

// RefEncoder turns reference-like values into tokens. It reports ok=false for
// values it does not recognize.
type RefEncoder interface {
	EncodeRef(v any) (tok RefToken, ok bool, err error)
}

// RefDecoder turns tokens back into values.
type RefDecoder interface {
	DecodeRef(tok RefToken) (any, error)
}

type RefEncoderFunc func(v any) (RefToken, bool, error)

func (fn RefEncoderFunc) EncodeRef(v any) (RefToken, bool, error) {
	return fn(v)
}

type RefDecoderFunc func(tok RefToken) (any, error)

func (fn RefDecoderFunc) DecodeRef(tok RefToken) (any, error) {
	return fn(tok)
}

const (
	tagNil uint64 = iota + 1
	tagFalse
	tagTrue
	tagInt
	tagUint
	tagFloat
	tagString
	tagBytes
	tagList
	tagMap
	tagRef
)

// Marshal serializes v. enc may be nil when v holds no reference.
func Marshal(v any, enc RefEncoder) ([]byte, error) {
	return AppendValue(nil, v, enc)
}

// Unmarshal deserializes a value produced by [Marshal]. dec may be nil when
// no reference is expected.
func Unmarshal(b []byte, dec RefDecoder) (any, error) {
	v, n, err := consumeValue(b, dec, 0)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-n)
	}
	return v, nil
}

// AppendValue appends the serialization of v to b.
func AppendValue(b []byte, v any, enc RefEncoder) ([]byte, error) {
	return appendValue(b, v, enc, 0)
}

func appendValue(b []byte, v any, enc RefEncoder, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: nested deeper than %d", ErrUnsupportedValue, MaxDepth)
	}

	switch v := v.(type) {
	case nil:
		return protowire.AppendVarint(b, tagNil), nil
	case bool:
		if v {
			return protowire.AppendVarint(b, tagTrue), nil
		}
		return protowire.AppendVarint(b, tagFalse), nil
	case int:
		return appendInt(b, int64(v)), nil
	case int8:
		return appendInt(b, int64(v)), nil
	case int16:
		return appendInt(b, int64(v)), nil
	case int32:
		return appendInt(b, int64(v)), nil
	case int64:
		return appendInt(b, v), nil
	case uint:
		return appendUintValue(b, uint64(v)), nil
	case uint8:
		return appendUintValue(b, uint64(v)), nil
	case uint16:
		return appendUintValue(b, uint64(v)), nil
	case uint32:
		return appendUintValue(b, uint64(v)), nil
	case uint64:
		return appendUintValue(b, v), nil
	case float32:
		return appendFloat(b, float64(v)), nil
	case float64:
		return appendFloat(b, v), nil
	case string:
		b = protowire.AppendVarint(b, tagString)
		return protowire.AppendString(b, v), nil
	case []byte:
		b = protowire.AppendVarint(b, tagBytes)
		return protowire.AppendBytes(b, v), nil
	case []any:
		return appendList(b, len(v), func(b []byte, i int) ([]byte, error) {
			return appendValue(b, v[i], enc, depth+1)
		})
	case []string:
		return appendList(b, len(v), func(b []byte, i int) ([]byte, error) {
			return appendValue(b, v[i], enc, depth+1)
		})
	case []int64:
		return appendList(b, len(v), func(b []byte, i int) ([]byte, error) {
			return appendInt(b, v[i]), nil
		})
	case map[string]any:
		b = protowire.AppendVarint(b, tagMap)
		b = protowire.AppendVarint(b, uint64(len(v)))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		var err error
		for _, k := range keys {
			b = protowire.AppendString(b, k)
			if b, err = appendValue(b, v[k], enc, depth+1); err != nil {
				return nil, err
			}
		}
		return b, nil
	}

	if enc != nil {
		tok, ok, err := enc.EncodeRef(v)
		if err != nil {
			return nil, err
		}
		if ok {
			return appendRef(b, tok), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, reflect.TypeOf(v))
}

func appendInt(b []byte, v int64) []byte {
	b = protowire.AppendVarint(b, tagInt)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendUintValue(b []byte, v uint64) []byte {
	b = protowire.AppendVarint(b, tagUint)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, v float64) []byte {
	b = protowire.AppendVarint(b, tagFloat)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendList(b []byte, n int, elem func([]byte, int) ([]byte, error)) ([]byte, error) {
	b = protowire.AppendVarint(b, tagList)
	b = protowire.AppendVarint(b, uint64(n))
	var err error
	for i := 0; i < n; i++ {
		if b, err = elem(b, i); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendRef(b []byte, tok RefToken) []byte {
	b = protowire.AppendVarint(b, tagRef)
	b = protowire.AppendVarint(b, uint64(tok.Kind))
	b = protowire.AppendVarint(b, tok.ID)
	return protowire.AppendString(b, tok.URL)
}

func consumeValue(b []byte, dec RefDecoder, depth int) (any, int, error) {
	if depth > MaxDepth {
		return nil, 0, fmt.Errorf("%w: nested deeper than %d", ErrMalformed, MaxDepth)
	}

	tag, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, 0, malformed(n)
	}
	off := n

	switch tag {
	case tagNil:
		return nil, off, nil
	case tagFalse:
		return false, off, nil
	case tagTrue:
		return true, off, nil
	case tagInt:
		v, n := protowire.ConsumeVarint(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		return protowire.DecodeZigZag(v), off + n, nil
	case tagUint:
		v, n := protowire.ConsumeVarint(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		return v, off + n, nil
	case tagFloat:
		v, n := protowire.ConsumeFixed64(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		return math.Float64frombits(v), off + n, nil
	case tagString:
		v, n := protowire.ConsumeString(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		return v, off + n, nil
	case tagBytes:
		v, n := protowire.ConsumeBytes(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		return append([]byte{}, v...), off + n, nil
	case tagList:
		count, n := protowire.ConsumeVarint(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		off += n
		if count > uint64(len(b)-off) {
			return nil, 0, fmt.Errorf("%w: list length %d exceeds payload", ErrMalformed, count)
		}
		list := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			elem, n, err := consumeValue(b[off:], dec, depth+1)
			if err != nil {
				return nil, 0, err
			}
			off += n
			list = append(list, elem)
		}
		return list, off, nil
	case tagMap:
		count, n := protowire.ConsumeVarint(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		off += n
		if count > uint64(len(b)-off) {
			return nil, 0, fmt.Errorf("%w: map length %d exceeds payload", ErrMalformed, count)
		}
		m := make(map[string]any, count)
		for i := uint64(0); i < count; i++ {
			key, n := protowire.ConsumeString(b[off:])
			if n < 0 {
				return nil, 0, malformed(n)
			}
			off += n
			elem, n, err := consumeValue(b[off:], dec, depth+1)
			if err != nil {
				return nil, 0, err
			}
			off += n
			m[key] = elem
		}
		return m, off, nil
	case tagRef:
		kind, n := protowire.ConsumeVarint(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		off += n
		id, n := protowire.ConsumeVarint(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		off += n
		url, n := protowire.ConsumeString(b[off:])
		if n < 0 {
			return nil, 0, malformed(n)
		}
		off += n

		tok := RefToken{Kind: RefKind(kind), ID: id, URL: url}
		if tok.Kind < MyReference || tok.Kind > TheirReference {
			return nil, 0, fmt.Errorf("%w: unknown reference kind %d", ErrMalformed, kind)
		}
		if dec == nil {
			return nil, 0, fmt.Errorf("%w: unexpected %s", ErrMalformed, tok.Kind)
		}
		v, err := dec.DecodeRef(tok)
		if err != nil {
			return nil, 0, err
		}
		return v, off, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown value tag %d", ErrMalformed, tag)
	}
}

func malformed(n int) error {
	return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
}
