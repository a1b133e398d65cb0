package tub

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirectory(t *testing.T) {
	ctx := testContext(t)

	alice := newTestTub(t, "alice", WithDirectory("127.0.0.1", 0))
	bob := newTestTub(t, "bob",
		WithDirectory("127.0.0.1", 0),
		WithNeighbours([]string{fmt.Sprintf("127.0.0.1:%d", alice.DirectoryPort())}),
	)
	require.NotZero(t, alice.DirectoryPort())
	require.NoError(t, bob.JoinDirectory())

	require.Eventually(t, func() bool {
		return len(alice.Peers()) == 1 && len(bob.Peers()) == 1
	}, testTimeout, 50*time.Millisecond)
	require.Equal(t, []TubID{bob.ID()}, alice.Peers())
	require.Equal(t, []TubID{alice.ID()}, bob.Peers())

	t.Run("urls without locations are resolved through the directory", func(t *testing.T) {
		obj := newRecorder("alice")
		u := alice.Register(obj)
		u.Locations = nil

		ref, err := bob.GetReferenceByURL(ctx, u).Await(ctx)
		require.NoError(t, err)
		_, err = ref.Invoke("set", "hi").Await(ctx)
		require.NoError(t, err)
		require.Equal(t, []any{"hi"}, obj.flat())
	})

	t.Run("unknown tubs have no location", func(t *testing.T) {
		u := alice.Register(newRecorder("alice"))
		u.TubID = "unknown"
		u.Locations = nil

		_, err := bob.GetReferenceByURL(ctx, u).Await(ctx)
		require.ErrorIs(t, err, ErrNoLocation)
	})
}

func TestWithoutDirectory(t *testing.T) {
	tb := newDialOnlyTub(t, "alone")
	require.ErrorIs(t, tb.JoinDirectory(), ErrNoDirectory)
	require.Zero(t, tb.DirectoryPort())
	require.Empty(t, tb.Peers())

	require.NoError(t, tb.Shutdown())
	require.ErrorIs(t, tb.JoinDirectoryVia("127.0.0.1:1"), ErrTubClosed)
}
