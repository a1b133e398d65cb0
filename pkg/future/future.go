// Package future provides resolve-once promises and the read-only futures
// handed to their consumers.
//
// A [Promise] is owned by the producer of a value (for example a connection
// broker waiting for an answer), the matching [Future] can be shared with any
// number of consumers. Abandoning a future is always safe: the producer still
// settles the promise, the value is simply never read.
package future

import (
	"context"
	"errors"
	"sync"
)

var ErrNotSettled = errors.New("future: not settled yet")

// Future is the read side of a [Promise].
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Promise settles its [Future] exactly once.
type Promise[T any] struct {
	fut  *Future[T]
	once sync.Once
}

// NewPromise allocates an unsettled promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{
		fut: &Future[T]{done: make(chan struct{})},
	}
}

// Resolved returns an already fulfilled future.
func Resolved[T any](val T) *Future[T] {
	p := NewPromise[T]()
	p.Resolve(val)
	return p.Future()
}

// Failed returns an already rejected future.
func Failed[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Reject(err)
	return p.Future()
}

func (p *Promise[T]) Future() *Future[T] {
	return p.fut
}

// Resolve fulfills the promise. It reports false if it was already settled.
func (p *Promise[T]) Resolve(val T) bool {
	return p.settle(val, nil)
}

// Reject fails the promise. A nil error is replaced by [ErrNotSettled] so a
// rejected future can never look fulfilled.
func (p *Promise[T]) Reject(err error) bool {
	if err == nil {
		err = ErrNotSettled
	}
	var zero T
	return p.settle(zero, err)
}

// Settle resolves or rejects depending on err.
func (p *Promise[T]) Settle(val T, err error) bool {
	if err != nil {
		return p.Reject(err)
	}
	return p.Resolve(val)
}

func (p *Promise[T]) settle(val T, err error) bool {
	settled := false
	p.once.Do(func() {
		p.fut.val = val
		p.fut.err = err
		close(p.fut.done)
		settled = true
	})
	return settled
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx is done. Giving up on ctx
// does not affect the producer.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the outcome without blocking, ok is false while unsettled.
func (f *Future[T]) Peek() (val T, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		return val, nil, false
	}
}

// Then maps a fulfilled value with fn. Rejections skip fn and propagate.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	p := NewPromise[U]()
	go func() {
		<-f.done
		if f.err != nil {
			p.Reject(f.err)
			return
		}
		p.Settle(fn(f.val))
	}()
	return p.Future()
}

// Chain is like [Then] for continuations which are themselves asynchronous.
func Chain[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	p := NewPromise[U]()
	go func() {
		<-f.done
		if f.err != nil {
			p.Reject(f.err)
			return
		}
		next := fn(f.val)
		<-next.done
		p.Settle(next.val, next.err)
	}()
	return p.Future()
}

// All fulfills with every value, in argument order, once all futures are
// fulfilled. It rejects with the first rejection in argument order.
func All[T any](futures ...*Future[T]) *Future[[]T] {
	p := NewPromise[[]T]()
	go func() {
		vals := make([]T, len(futures))
		for i, f := range futures {
			<-f.done
			if f.err != nil {
				p.Reject(f.err)
				return
			}
			vals[i] = f.val
		}
		p.Resolve(vals)
	}()
	return p.Future()
}

// Outcome is one settled future as reported by [Settled].
type Outcome[T any] struct {
	Value T
	Err   error
}

// Settled waits for every future regardless of its outcome.
func Settled[T any](futures ...*Future[T]) *Future[[]Outcome[T]] {
	p := NewPromise[[]Outcome[T]]()
	go func() {
		outcomes := make([]Outcome[T], len(futures))
		for i, f := range futures {
			<-f.done
			outcomes[i] = Outcome[T]{Value: f.val, Err: f.err}
		}
		p.Resolve(outcomes)
	}()
	return p.Future()
}
