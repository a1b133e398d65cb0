package future

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromise(t *testing.T) {
	t.Run("settles only once", func(t *testing.T) {
		p := NewPromise[int]()
		require.True(t, p.Resolve(1))
		require.False(t, p.Resolve(2))
		require.False(t, p.Reject(errors.New("late")))

		val, err := p.Future().Await(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, val)
	})

	t.Run("rejecting with nil still fails", func(t *testing.T) {
		p := NewPromise[int]()
		p.Reject(nil)
		_, err := p.Future().Await(context.Background())
		require.ErrorIs(t, err, ErrNotSettled)
	})

	t.Run("peek does not block", func(t *testing.T) {
		p := NewPromise[string]()
		_, _, ok := p.Future().Peek()
		require.False(t, ok)

		p.Resolve("done")
		val, err, ok := p.Future().Peek()
		require.True(t, ok)
		require.NoError(t, err)
		require.Equal(t, "done", val)
	})

	t.Run("await gives up with its context", func(t *testing.T) {
		p := NewPromise[int]()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := p.Future().Await(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// the producer is unaffected
		require.True(t, p.Resolve(3))
	})
}

func TestCombinators(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("then maps values and propagates failures", func(t *testing.T) {
		mapped := Then(Resolved(21), func(v int) (string, error) {
			return strconv.Itoa(v * 2), nil
		})
		val, err := mapped.Await(ctx)
		require.NoError(t, err)
		require.Equal(t, "42", val)

		boom := errors.New("boom")
		called := false
		failed := Then(Failed[int](boom), func(v int) (int, error) {
			called = true
			return v, nil
		})
		_, err = failed.Await(ctx)
		require.ErrorIs(t, err, boom)
		require.False(t, called)
	})

	t.Run("chain waits for the inner future", func(t *testing.T) {
		inner := NewPromise[int]()
		chained := Chain(Resolved("x"), func(string) *Future[int] {
			return inner.Future()
		})
		_, _, ok := chained.Peek()
		require.False(t, ok)

		inner.Resolve(7)
		val, err := chained.Await(ctx)
		require.NoError(t, err)
		require.Equal(t, 7, val)
	})

	t.Run("all keeps argument order", func(t *testing.T) {
		ps := []*Promise[int]{NewPromise[int](), NewPromise[int](), NewPromise[int]()}
		all := All(ps[0].Future(), ps[1].Future(), ps[2].Future())
		ps[2].Resolve(3)
		ps[0].Resolve(1)
		ps[1].Resolve(2)

		vals, err := all.Await(ctx)
		require.NoError(t, err)
		require.Equal(t, []int{1, 2, 3}, vals)
	})

	t.Run("settled reports every outcome", func(t *testing.T) {
		boom := errors.New("boom")
		outcomes, err := Settled(Resolved(1), Failed[int](boom)).Await(ctx)
		require.NoError(t, err)
		require.Len(t, outcomes, 2)
		require.Equal(t, 1, outcomes[0].Value)
		require.ErrorIs(t, outcomes[1].Err, boom)
	})
}
