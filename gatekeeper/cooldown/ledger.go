// Package cooldown provides in-memory per-user rate limits.
package cooldown

import (
	"sync"
	"time"
)

// Ledger remembers when each user last performed an action and how long
// they must wait before doing it again. It is not persisted.
type Ledger struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewLedger ...
func NewLedger(window time.Duration) *Ledger {
	return &Ledger{window: window, last: make(map[string]time.Time)}
}

// Remaining returns how long id still has to wait at now. Zero means the
// action is allowed.
func (l *Ledger) Remaining(id string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.last[id]
	if !ok {
		return 0
	}
	left := t.Add(l.window).Sub(now)
	if left <= 0 {
		delete(l.last, id)
		return 0
	}
	return left
}

// Mark records that id performed the action at now.
func (l *Ledger) Mark(id string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[id] = now
}

// Clear forgets id.
func (l *Ledger) Clear(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, id)
}

// Reset forgets every user.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.last)
}
