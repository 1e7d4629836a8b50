// Package future provides a single-assignment result that several goroutines
// may race to settle. Exactly one Resolve or Reject wins; the rest are no-ops.
package future

import (
	"context"
	"sync/atomic"
)

// Future carries one value or one error, settled at most once.
type Future[T any] struct {
	settled atomic.Bool
	done    chan struct{}
	val     T
	err     error
}

// New returns an unsettled Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a Future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles f with v. It reports whether this call won the race.
func (f *Future[T]) Resolve(v T) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.val = v
	close(f.done)
	return true
}

// Reject settles f with err. It reports whether this call won the race.
func (f *Future[T]) Reject(err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.err = err
	close(f.done)
	return true
}

// Settled reports whether a Resolve or Reject has won. The value may not be
// readable yet; use Done or Await for that.
func (f *Future[T]) Settled() bool {
	return f.settled.Load()
}

// Done is closed once the value or error is readable.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled value and error. It must only be called after
// Done is closed.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Await blocks until f settles or ctx is done. Giving up on ctx does not
// settle f.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
