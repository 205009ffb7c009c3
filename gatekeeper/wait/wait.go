// Package wait implements time-bounded waiters that resolve exactly once,
// either by a matching event, by timeout or by cancellation.
package wait

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome tells how a wait ended.
type Outcome int

const (
	// Matched means an event satisfied the waiter's predicate.
	Matched Outcome = iota
	// TimedOut means the timeout passed without a match.
	TimedOut
	// Failed means the wait could not complete, see Result.Err.
	Failed
)

// String ...
func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case TimedOut:
		return "timed out"
	default:
		return "failed"
	}
}

// Result is the value a wait resolves to.
type Result[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
}

// Match returns a matched Result holding v.
func Match[T any](v T) Result[T] {
	return Result[T]{Outcome: Matched, Value: v}
}

// Timeout returns a timed out Result.
func Timeout[T any]() Result[T] {
	return Result[T]{Outcome: TimedOut}
}

// Fail returns a failed Result carrying err.
func Fail[T any](err error) Result[T] {
	return Result[T]{Outcome: Failed, Err: err}
}

// ErrClosed is reported to waiters still pending when their Registry closes.
var ErrClosed = errors.New("wait: registry closed")

type waiter[T any] struct {
	match func(T) bool
	ch    chan T
}

// Registry holds pending waiters for one kind of event. Events are offered
// to waiters in registration order and the first matching waiter takes it.
type Registry[T any] struct {
	mu      sync.Mutex
	seq     uint64
	closed  bool
	waiters map[uint64]*waiter[T]
	order   []uint64
}

// NewRegistry ...
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{waiters: make(map[uint64]*waiter[T])}
}

// Await blocks until an event matching match is dispatched, the timeout
// passes or ctx is done. match is called from the dispatching goroutine and
// may have side effects, such as replying to a rejected event. Returning
// false leaves the waiter in place.
func (r *Registry[T]) Await(ctx context.Context, match func(T) bool, timeout time.Duration) Result[T] {
	w := &waiter[T]{match: match, ch: make(chan T, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Fail[T](ErrClosed)
	}
	r.seq++
	id := r.seq
	r.waiters[id] = w
	r.order = append(r.order, id)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok := <-w.ch:
		if !ok {
			return Fail[T](ErrClosed)
		}
		return Match(v)
	case <-timer.C:
		if v, ok := r.remove(id, w); ok {
			return Match(v)
		}
		return Timeout[T]()
	case <-ctx.Done():
		if v, ok := r.remove(id, w); ok {
			return Match(v)
		}
		return Fail[T](ctx.Err())
	}
}

// remove tears down the waiter. If a dispatch won the race it returns the
// delivered value so the match is never lost.
func (r *Registry[T]) remove(id uint64, w *waiter[T]) (T, bool) {
	r.mu.Lock()
	_, pending := r.waiters[id]
	if pending {
		r.drop(id)
	}
	r.mu.Unlock()

	if !pending {
		v, ok := <-w.ch
		return v, ok
	}
	var zero T
	return zero, false
}

// drop must be called with the mutex held.
func (r *Registry[T]) drop(id uint64) {
	delete(r.waiters, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Dispatch offers v to pending waiters and reports whether one took it.
func (r *Registry[T]) Dispatch(v T) bool {
	r.mu.Lock()
	ids := append([]uint64(nil), r.order...)
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		w, ok := r.waiters[id]
		r.mu.Unlock()
		if !ok || !w.match(v) {
			continue
		}

		r.mu.Lock()
		_, still := r.waiters[id]
		if still {
			r.drop(id)
		}
		r.mu.Unlock()
		if still {
			w.ch <- v
			return true
		}
	}
	return false
}

// Len returns the number of pending waiters.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Close fails every pending waiter with ErrClosed.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, w := range r.waiters {
		close(w.ch)
		delete(r.waiters, id)
	}
	r.order = nil
}
