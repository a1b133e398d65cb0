package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRef struct {
	id uint64
}

func TestValues(t *testing.T) {
	t.Run("primitives and containers", func(t *testing.T) {
		in := []any{
			nil, true, false, 12, int64(-7), uint32(9), 1.5, "carol", []byte{1, 2},
			[]string{"a", "b"},
			map[string]any{"z": 1, "a": []any{"nested"}},
		}
		buf, err := Marshal(in, nil)
		require.NoError(t, err)

		out, err := Unmarshal(buf, nil)
		require.NoError(t, err)
		require.Equal(t, []any{
			nil, true, false, int64(12), int64(-7), uint64(9), 1.5, "carol", []byte{1, 2},
			[]any{"a", "b"},
			map[string]any{"z": int64(1), "a": []any{"nested"}},
		}, out)
	})

	t.Run("references go through the extension points", func(t *testing.T) {
		enc := RefEncoderFunc(func(v any) (RefToken, bool, error) {
			ref, ok := v.(*fakeRef)
			if !ok {
				return RefToken{}, false, nil
			}
			return RefToken{Kind: TheirReference, ID: ref.id, URL: "pb://carol@127.0.0.1:1/swiss"}, true, nil
		})
		var seen []RefToken
		dec := RefDecoderFunc(func(tok RefToken) (any, error) {
			seen = append(seen, tok)
			return &fakeRef{id: tok.ID * 10}, nil
		})

		buf, err := Marshal([]any{1, &fakeRef{id: 4}, 3}, enc)
		require.NoError(t, err)
		out, err := Unmarshal(buf, dec)
		require.NoError(t, err)

		list := out.([]any)
		require.Equal(t, int64(1), list[0])
		require.Equal(t, &fakeRef{id: 40}, list[1])
		require.Equal(t, int64(3), list[2])
		require.Equal(t, []RefToken{{Kind: TheirReference, ID: 4, URL: "pb://carol@127.0.0.1:1/swiss"}}, seen)
	})

	t.Run("unsupported values fail", func(t *testing.T) {
		_, err := Marshal([]any{struct{}{}}, nil)
		require.ErrorIs(t, err, ErrUnsupportedValue)

		_, err = Marshal(&fakeRef{}, RefEncoderFunc(func(any) (RefToken, bool, error) {
			return RefToken{}, false, nil
		}))
		require.ErrorIs(t, err, ErrUnsupportedValue)
	})

	t.Run("encoder errors abort serialization", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := Marshal(&fakeRef{}, RefEncoderFunc(func(any) (RefToken, bool, error) {
			return RefToken{}, false, boom
		}))
		require.ErrorIs(t, err, boom)
	})

	t.Run("references without a decoder are malformed", func(t *testing.T) {
		buf, err := Marshal(&fakeRef{}, RefEncoderFunc(func(any) (RefToken, bool, error) {
			return RefToken{Kind: MyReference, ID: 1}, true, nil
		}))
		require.NoError(t, err)
		_, err = Unmarshal(buf, nil)
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("garbage is malformed", func(t *testing.T) {
		_, err := Unmarshal([]byte{0x7F}, nil)
		require.ErrorIs(t, err, ErrMalformed)

		buf, err := Marshal("ok", nil)
		require.NoError(t, err)
		_, err = Unmarshal(append(buf, 0x01), nil)
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestMessage(t *testing.T) {
	in := &Message{
		Kind:   KindCall,
		CallID: 42,
		Target: 3,
		Method: "set",
		Body:   []byte{0x01},
	}
	buf, err := in.Marshal()
	require.NoError(t, err)

	out := &Message{}
	require.NoError(t, out.Unmarshal(buf))
	require.Equal(t, in, out)

	_, err = (&Message{}).Marshal()
	require.ErrorIs(t, err, ErrMalformed)
	require.ErrorIs(t, out.Unmarshal([]byte{0x08, 0x63}), ErrMalformed)
}
