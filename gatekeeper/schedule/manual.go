package schedule

import (
	"sort"
	"sync"
	"time"
)

// Manual is a virtual Scheduler. Time only moves when Advance or Set is
// called, and due callbacks run synchronously on the caller's goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	closed bool
	tasks  map[string]task
}

type task struct {
	id  uint64
	due time.Time
	f   func()
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: make(map[string]task)}
}

// Now ...
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After ...
func (m *Manual) After(key string, d time.Duration, f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.seq++
	m.tasks[key] = task{id: m.seq, due: m.now.Add(d), f: f}
}

// Cancel ...
func (m *Manual) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[key]
	delete(m.tasks, key)
	return ok
}

// Pending ...
func (m *Manual) Pending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[key]
	return ok
}

// Due returns the time the task under key fires.
func (m *Manual) Due(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[key]
	return t.due, ok
}

// Stop ...
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	clear(m.tasks)
}

// Advance moves the clock forward by d, running every task that falls due on
// the way in due order. The clock reads each task's due time while it runs.
func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the clock to t, running due tasks as Advance does.
func (m *Manual) Set(t time.Time) {
	for {
		next, ok := m.nextDue(t)
		if !ok {
			break
		}
		next.f()
	}
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
	}
	m.mu.Unlock()
}

// nextDue pops the earliest task due at or before limit.
func (m *Manual) nextDue(limit time.Time) (task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.tasks))
	for k, t := range m.tasks {
		if !t.due.After(limit) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return task{}, false
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m.tasks[keys[i]], m.tasks[keys[j]]
		if a.due.Equal(b.due) {
			return a.id < b.id
		}
		return a.due.Before(b.due)
	})

	key := keys[0]
	t := m.tasks[key]
	delete(m.tasks, key)
	if t.due.After(m.now) {
		m.now = t.due
	}
	return t, true
}
