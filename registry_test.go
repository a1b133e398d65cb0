package tub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("expose then lookup", func(t *testing.T) {
		reg := NewRegistry()
		obj := NewObject("obj")
		id := reg.Expose(obj)
		require.NotEmpty(t, id)

		got, err := reg.Lookup(id)
		require.NoError(t, err)
		require.Same(t, obj, got)
	})

	t.Run("unknown capability", func(t *testing.T) {
		reg := NewRegistry()
		_, err := reg.Lookup("nope")
		require.ErrorIs(t, err, ErrUnknownCapability)
	})

	t.Run("exposing twice yields distinct capabilities", func(t *testing.T) {
		reg := NewRegistry()
		obj := NewObject("obj")
		first := reg.Expose(obj)
		second := reg.Expose(obj)
		require.NotEqual(t, first, second)
		require.Equal(t, 2, reg.Len())

		reg.Withdraw(first)
		_, err := reg.Lookup(first)
		require.ErrorIs(t, err, ErrUnknownCapability)
		got, err := reg.Lookup(second)
		require.NoError(t, err)
		require.Same(t, obj, got)
	})

	t.Run("withdraw is idempotent", func(t *testing.T) {
		reg := NewRegistry()
		id := reg.Expose(NewObject("obj"))
		reg.Withdraw(id)
		reg.Withdraw(id)
		require.Equal(t, 0, reg.Len())
	})

	t.Run("pins reuse the exposed capability", func(t *testing.T) {
		reg := NewRegistry()
		obj := NewObject("obj")
		id := reg.Expose(obj)
		require.Equal(t, id, reg.pin(obj))

		reg.unpin(id)
		_, err := reg.Lookup(id)
		require.NoError(t, err, "explicit entries outlive their pins")
	})

	t.Run("implicit capabilities live while pinned", func(t *testing.T) {
		reg := NewRegistry()
		obj := NewObject("obj")
		id := reg.pin(obj)
		require.Equal(t, id, reg.pin(obj))

		reg.unpin(id)
		_, err := reg.Lookup(id)
		require.NoError(t, err)

		reg.unpin(id)
		_, err = reg.Lookup(id)
		require.ErrorIs(t, err, ErrUnknownCapability)
		require.Equal(t, 0, reg.Len())

		require.NotEqual(t, id, reg.pin(obj))
	})

	t.Run("withdraw ignores pins", func(t *testing.T) {
		reg := NewRegistry()
		obj := NewObject("obj")
		id := reg.pin(obj)
		reg.Withdraw(id)
		_, err := reg.Lookup(id)
		require.ErrorIs(t, err, ErrUnknownCapability)

		// a late unpin is harmless.
		reg.unpin(id)
		require.Equal(t, 0, reg.Len())
	})

	t.Run("closed registry resolves nothing", func(t *testing.T) {
		reg := NewRegistry()
		obj := NewObject("obj")
		id := reg.Expose(obj)
		reg.close()

		_, err := reg.Lookup(id)
		require.ErrorIs(t, err, ErrUnknownCapability)
		_, err = reg.Lookup(reg.Expose(obj))
		require.ErrorIs(t, err, ErrUnknownCapability)
		require.Empty(t, reg.pin(obj))
	})
}

func TestCapabilityID(t *testing.T) {
	seen := make(map[CapabilityID]bool)
	for i := 0; i < 1000; i++ {
		id := newCapabilityID()
		require.False(t, seen[id])
		seen[id] = true
		require.GreaterOrEqual(t, len(id), capabilityBytes)
	}
}
