// Package schedule provides keyed delayed tasks and the clock they run against.
//
// Every timer is addressed by a key, usually "<kind>:<user>", so a component can
// cancel all pending work for a user when that user's workflow resolves.
package schedule

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Scheduler runs functions after a delay. Scheduling a key that is already
// pending replaces the earlier timer.
type Scheduler interface {
	Clock
	// After runs f once d has elapsed.
	After(key string, d time.Duration, f func())
	// Cancel stops the timer under key, reporting whether one was pending.
	Cancel(key string) bool
	// Pending reports whether a timer is scheduled under key.
	Pending(key string) bool
	// Stop cancels every timer. Later calls to After are ignored.
	Stop()
}

// Timers is a Scheduler backed by the wall clock.
type Timers struct {
	mu     sync.Mutex
	closed bool
	seq    uint64
	timers map[string]entry
}

type entry struct {
	id    uint64
	timer *time.Timer
}

// NewTimers ...
func NewTimers() *Timers {
	return &Timers{timers: make(map[string]entry)}
}

// Now ...
func (t *Timers) Now() time.Time {
	return time.Now()
}

// After ...
func (t *Timers) After(key string, d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.timers[key]; ok {
		old.timer.Stop()
	}

	t.seq++
	id := t.seq
	t.timers[key] = entry{
		id: id,
		timer: time.AfterFunc(d, func() {
			t.mu.Lock()
			cur, ok := t.timers[key]
			if !ok || cur.id != id {
				// Replaced or cancelled after the runtime already fired us.
				t.mu.Unlock()
				return
			}
			delete(t.timers, key)
			t.mu.Unlock()
			f()
		}),
	}
}

// Cancel ...
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.timers, key)
	return true
}

// Pending ...
func (t *Timers) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key]
	return ok
}

// Stop ...
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, e := range t.timers {
		e.timer.Stop()
		delete(t.timers, key)
	}
}
