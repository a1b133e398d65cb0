package tub

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopback(t *testing.T) {
	ctx := testContext(t)

	for name, tb := range map[string]*Tub{
		"listening": newTestTub(t, "self"),
		"dial-only": newDialOnlyTub(t, "self"),
	} {
		t.Run(name, func(t *testing.T) {
			obj := newRecorder("self")
			u := tb.Register(obj)

			first, err := tb.GetReference(ctx, u.String()).Await(ctx)
			require.NoError(t, err)
			second, err := tb.GetReferenceByURL(ctx, u).Await(ctx)
			require.NoError(t, err)
			require.Same(t, first, second)
			require.Equal(t, tb.ID(), first.TubID())

			got, err := first.Invoke("append", "a").Await(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(1), got)
			got, err = second.Invoke("append", "b").Await(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(2), got)
			require.Equal(t, []any{"a", "b"}, obj.flat())

			// loopback connections are not listed as peers.
			require.Empty(t, tb.Connected())
		})
	}
}

func TestLoopbackIPv6(t *testing.T) {
	pc, err := net.ListenPacket("udp6", "[::1]:0")
	if err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	}
	require.NoError(t, pc.Close())
	ctx := testContext(t)

	v6 := newTestTub(t, "v6", WithListenOn("::1", 0))
	require.Len(t, v6.Locations(), 1)
	require.True(t, strings.HasPrefix(v6.Locations()[0], "[::1]:"))

	obj := newRecorder("v6")
	u := v6.Register(obj)
	parsed, err := ParseURL(u.String())
	require.NoError(t, err)
	require.Equal(t, u, parsed)

	t.Run("self", func(t *testing.T) {
		ref, err := v6.GetReferenceByURL(ctx, parsed).Await(ctx)
		require.NoError(t, err)
		_, err = ref.Invoke("set", "self").Await(ctx)
		require.NoError(t, err)
	})

	t.Run("remote", func(t *testing.T) {
		other := newDialOnlyTub(t, "other")
		ref, err := other.GetReference(ctx, u.String()).Await(ctx)
		require.NoError(t, err)
		require.Equal(t, v6.ID(), ref.TubID())
		_, err = ref.Invoke("set", "remote").Await(ctx)
		require.NoError(t, err)
		require.Equal(t, []any{"self", "remote"}, obj.flat())
	})
}
