// Package audit records moderation events for the admins. Recording is best
// effort: it never blocks the caller and a failing sink never fails the
// operation that produced the event.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/df-mc/atomic"
	"github.com/google/uuid"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal"
)

// Recorder accepts audit events.
type Recorder interface {
	Record(format string, args ...any)
}

// Event is a single audit entry.
type Event struct {
	ID   string    `json:"id"`
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Sink delivers events somewhere admins can read them.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Logger fans events out to its sinks from a single background worker.
type Logger struct {
	log   *slog.Logger
	sinks []Sink

	// mu guards sends on queue against Close.
	mu     sync.RWMutex
	queue  chan Event
	done   chan struct{}
	closed atomic.Bool
}

// NewLogger starts the worker. Call Close to drain and stop it.
func NewLogger(log *slog.Logger, sinks ...Sink) *Logger {
	l := &Logger{
		log:   log,
		sinks: sinks,
		queue: make(chan Event, internal.DefaultChannelBufferSize),
		done:  make(chan struct{}),
	}
	go l.work()
	return l
}

// Record formats the event, logs it and queues it for the sinks. Events are
// dropped when the queue is full.
func (l *Logger) Record(format string, args ...any) {
	e := Event{
		ID:   uuid.NewString(),
		At:   time.Now().UTC(),
		Text: Truncate(fmt.Sprintf(format, args...), internal.MaxMessageLength),
	}
	l.log.Info("Audit", "event", e.Text)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed.Load() {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.log.Warn("Audit queue full, dropping event", "id", e.ID)
	}
}

func (l *Logger) work() {
	defer close(l.done)
	for e := range l.queue {
		for _, s := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), internal.DefaultTimeout)
			if err := s.Write(ctx, e); err != nil {
				l.log.Warn("Failed to deliver audit event", "id", e.ID, "error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits a bounded time for queued ones.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed.Swap(true) {
		l.mu.Unlock()
		return
	}
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-time.After(internal.ShutdownTimeout):
		l.log.Warn("Audit worker did not drain in time")
	}
}

// Truncate cuts s to at most n bytes without splitting a rune, marking the
// cut with an ellipsis.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const ellipsis = "..."
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

// Fallback writes to primary and, if that fails, to secondary.
type Fallback struct {
	Primary, Secondary Sink
}

// Write ...
func (f Fallback) Write(ctx context.Context, e Event) error {
	err := f.Primary.Write(ctx, e)
	if err == nil || f.Secondary == nil {
		return err
	}
	if serr := f.Secondary.Write(ctx, e); serr != nil {
		return errors.Join(err, serr)
	}
	return nil
}
