// Package session tracks who is playing on the game server. Active players are
// asked at a fixed interval to confirm they are still there, and unanswered
// checks end the session with a strike.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/df-mc/atomic"
	"github.com/samber/lo"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/audit"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/cooldown"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/locale"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/strike"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/wait"
)

var (
	ErrNotVerified   = errors.New("user is not verified")
	ErrNoGrant       = errors.New("user does not hold the player role")
	ErrAlreadyActive = errors.New("user already has an active session")
	ErrNotActive     = errors.New("user has no active session")
	ErrClosed        = errors.New("session tracker is closed")
)

// SuspendedError is returned when a suspended user tries to join.
type SuspendedError struct {
	Until time.Time
}

// Error ...
func (e SuspendedError) Error() string {
	return "user is suspended until " + e.Until.UTC().Format(time.RFC3339)
}

// CooldownError is returned when a user re-joins too quickly.
type CooldownError struct {
	Remaining time.Duration
}

// Error ...
func (e CooldownError) Error() string {
	return fmt.Sprintf("join cooldown, %s remaining", e.Remaining.Round(time.Second))
}

// Reason is why a session ended.
type Reason int

const (
	ReasonLeft Reason = iota
	ReasonDeclined
	ReasonTimeout
	ReasonUnreachable
	ReasonAdmin
	ReasonError
)

// String returns the reason as shown to users and in the audit log.
func (r Reason) String() string {
	switch r {
	case ReasonLeft:
		return "Left the server"
	case ReasonDeclined:
		return "Declined the activity check"
	case ReasonTimeout:
		return "Confirmation timeout"
	case ReasonUnreachable:
		return "Direct messages closed"
	case ReasonAdmin:
		return "Removed by an admin"
	default:
		return "Internal error"
	}
}

// strikes decides whether ending a session for reason carries a strike.
// Only an unanswered check strikes automatically.
func strikes(reason Reason, decision strike.Decision) bool {
	switch decision {
	case strike.Apply:
		return true
	case strike.Waive:
		return false
	}
	return reason == ReasonTimeout
}

// Striker applies strikes.
type Striker interface {
	Apply(ctx context.Context, userID, reason string) (strike.Outcome, error)
}

// Ended describes a session that was ended.
type Ended struct {
	Session store.ActiveSession
	Reason  Reason
	Struck  bool
	Strike  strike.Outcome
}

// Config ...
type Config struct {
	// CheckInterval is the time between activity checks.
	CheckInterval time.Duration
	// ConfirmWindow is how long the user has to answer a check.
	ConfirmWindow time.Duration
	// RejoinCooldown is the minimum time between two joins.
	RejoinCooldown time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		CheckInterval:  30 * time.Minute,
		ConfirmWindow:  5 * time.Minute,
		RejoinCooldown: time.Minute,
	}
}

// live is the in-memory half of a session. epoch changes every time the user
// starts a new session so late callbacks of an old one can tell.
type live struct {
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Tracker keeps the active sessions and runs their activity checks.
type Tracker struct {
	log  *slog.Logger
	conf Config

	store    *store.Store
	grants   platform.Grants
	notifier platform.Notifier
	striker  Striker
	audit    audit.Recorder
	sched    schedule.Scheduler

	joins  *cooldown.Ledger
	closed atomic.Bool

	mu    sync.Mutex
	seq   uint64
	lives map[string]live
}

// NewTracker ...
func NewTracker(log *slog.Logger, conf Config, s *store.Store, g platform.Grants, n platform.Notifier, st Striker, a audit.Recorder, sched schedule.Scheduler) *Tracker {
	return &Tracker{
		log:      log,
		conf:     conf,
		store:    s,
		grants:   g,
		notifier: n,
		striker:  st,
		audit:    a,
		sched:    sched,
		joins:    cooldown.NewLedger(conf.RejoinCooldown),
		lives:    make(map[string]live),
	}
}

func checkKey(userID string) string {
	return "session:check:" + userID
}

// Join starts a session for userID.
func (t *Tracker) Join(ctx context.Context, userID string) (store.ActiveSession, error) {
	if t.closed.Load() {
		return store.ActiveSession{}, ErrClosed
	}
	now := t.sched.Now()

	rec, ok := t.store.Verification(userID)
	if !ok {
		return store.ActiveSession{}, ErrNotVerified
	}
	has, err := t.grants.HasGrant(ctx, userID)
	if err != nil {
		return store.ActiveSession{}, fmt.Errorf("check grant: %w", err)
	}
	if !has {
		return store.ActiveSession{}, ErrNoGrant
	}
	if rec.SuspendedAt(now) {
		return store.ActiveSession{}, SuspendedError{Until: rec.SuspendedUntil.Time()}
	}
	if _, active := t.store.Session(userID); active {
		return store.ActiveSession{}, ErrAlreadyActive
	}
	if left := t.joins.Remaining(userID, now); left > 0 {
		return store.ActiveSession{}, CooldownError{Remaining: left}
	}

	if !rec.SuspendedUntil.IsZero() {
		rec, err = t.store.UpdateVerification(userID, func(r *store.VerificationRecord) {
			r.SuspendedUntil = 0
		})
		if err != nil {
			t.log.Error("CRITICAL: failed to clear lapsed suspension", "user", userID, "error", err)
		}
	}

	sess := store.ActiveSession{
		InGameName: rec.InGameName,
		Tag:        rec.Tag,
		JoinedAt:   store.At(now),
		Strikes:    rec.StrikeCount,
	}
	t.joins.Mark(userID, now)
	t.start(userID, sess, t.conf.CheckInterval)

	t.log.Info("Session started", "user", userID, "name", sess.InGameName)
	t.audit.Record("🎮 <@%s> (%s) joined the server.", userID, sess.InGameName)
	return sess, nil
}

// AddManual starts a session on behalf of an admin. The user does not need
// the grant and name overrides the recorded in-game name when set.
func (t *Tracker) AddManual(adminTag, userID, name string) (store.ActiveSession, error) {
	if t.closed.Load() {
		return store.ActiveSession{}, ErrClosed
	}
	if _, active := t.store.Session(userID); active {
		return store.ActiveSession{}, ErrAlreadyActive
	}
	rec, ok := t.store.Verification(userID)
	if !ok && name == "" {
		return store.ActiveSession{}, ErrNotVerified
	}
	if name == "" {
		name = rec.InGameName
	}

	sess := store.ActiveSession{
		InGameName: name,
		Tag:        rec.Tag,
		JoinedAt:   store.At(t.sched.Now()),
		Strikes:    rec.StrikeCount,
	}
	t.start(userID, sess, t.conf.CheckInterval)
	t.audit.Record("➕ %s marked <@%s> (%s) as active.", adminTag, userID, name)
	return sess, nil
}

// start persists sess and schedules its first check after delay.
func (t *Tracker) start(userID string, sess store.ActiveSession, delay time.Duration) {
	if err := t.store.PutSession(userID, sess); err != nil {
		t.log.Error("CRITICAL: failed to persist session", "user", userID, "error", err)
	}
	epoch := t.attach(userID)
	t.sched.After(checkKey(userID), delay, func() { t.check(userID, epoch) })
}

// attach registers a new live entry for userID, cancelling any old one.
func (t *Tracker) attach(userID string) uint64 {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.lives[userID]; ok {
		old.cancel()
	}
	t.seq++
	t.lives[userID] = live{epoch: t.seq, ctx: ctx, cancel: cancel}
	return t.seq
}

// current returns the context of the live session if epoch is still current.
func (t *Tracker) current(userID string, epoch uint64) (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.lives[userID]
	if !ok || l.epoch != epoch {
		return nil, false
	}
	return l.ctx, true
}

// detach removes the live entry of userID. With a non-zero epoch it only
// does so when that epoch is still current.
func (t *Tracker) detach(userID string, epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.lives[userID]
	if !ok || (epoch != 0 && l.epoch != epoch) {
		return false
	}
	l.cancel()
	delete(t.lives, userID)
	return true
}

// check runs one activity check.
func (t *Tracker) check(userID string, epoch uint64) {
	ctx, ok := t.current(userID, epoch)
	if !ok {
		t.log.Debug("Stale activity check ignored", "user", userID)
		return
	}
	t.log.Info("Prompting activity check", "user", userID)

	minutes := int(t.conf.ConfirmWindow.Minutes())
	sent, err := t.notifier.SendDirect(ctx, userID, locale.Translate("session.prompt", minutes))
	if err != nil {
		reason := ReasonError
		if errors.Is(err, platform.ErrUnreachable) {
			reason = ReasonUnreachable
		}
		t.log.Warn("Failed to send activity check", "user", userID, "error", err)
		t.finish(userID, epoch, reason, strike.Default)
		return
	}
	for _, emoji := range []string{internal.ConfirmEmoji, internal.DeclineEmoji} {
		if err := t.notifier.React(ctx, sent.ChannelID, sent.ID, emoji); err != nil {
			t.log.Warn("Failed to add reaction to activity check", "user", userID, "error", err)
		}
	}

	res := t.notifier.AwaitReaction(ctx, sent.ChannelID, sent.ID, func(r platform.Reaction) bool {
		return r.UserID == userID && (r.Emoji == internal.ConfirmEmoji || r.Emoji == internal.DeclineEmoji)
	}, t.conf.ConfirmWindow)

	if _, ok = t.current(userID, epoch); !ok {
		t.log.Debug("Activity check answered after the session ended", "user", userID, "outcome", res.Outcome)
		return
	}
	switch res.Outcome {
	case wait.Matched:
		if res.Value.Emoji == internal.ConfirmEmoji {
			t.confirm(userID, epoch)
			return
		}
		t.finish(userID, epoch, ReasonDeclined, strike.Default)
	case wait.TimedOut:
		t.finish(userID, epoch, ReasonTimeout, strike.Default)
	default:
		t.log.Error("Activity check wait failed", "user", userID, "error", res.Err)
		t.finish(userID, epoch, ReasonError, strike.Default)
	}
}

// confirm refreshes the session and schedules the next check.
func (t *Tracker) confirm(userID string, epoch uint64) {
	now := t.sched.Now()
	_, err := t.store.UpdateSession(userID, func(s *store.ActiveSession) {
		s.LastConfirmedAt = store.At(now)
	})
	if errors.Is(err, store.ErrNotFound) {
		t.log.Debug("Activity confirmed after the session ended", "user", userID)
		return
	}
	if err != nil {
		t.log.Error("CRITICAL: failed to persist activity confirmation", "user", userID, "error", err)
	}
	if _, ok := t.current(userID, epoch); !ok {
		t.log.Debug("Activity confirmed after the session ended", "user", userID)
		return
	}
	t.sched.After(checkKey(userID), t.conf.CheckInterval, func() { t.check(userID, epoch) })

	t.log.Info("Activity confirmed", "user", userID)
	t.audit.Record("👍 <@%s> confirmed they are still playing.", userID)
	t.direct(userID, locale.Translate("session.confirmed"))
}

// Leave ends the session of userID on request.
func (t *Tracker) Leave(userID string) (Ended, error) {
	return t.end(userID, ReasonLeft, strike.Default)
}

// Remove ends the session of userID for an admin. The decision overrides the
// automatic strike rule.
func (t *Tracker) Remove(userID string, decision strike.Decision) (Ended, error) {
	return t.end(userID, ReasonAdmin, decision)
}

func (t *Tracker) end(userID string, reason Reason, decision strike.Decision) (Ended, error) {
	if _, ok := t.store.Session(userID); !ok {
		t.detach(userID, 0)
		t.sched.Cancel(checkKey(userID))
		return Ended{}, ErrNotActive
	}
	return t.finish(userID, 0, reason, decision), nil
}

// finish tears down the session and applies the strike decision. epoch zero
// ends whatever session is current.
func (t *Tracker) finish(userID string, epoch uint64, reason Reason, decision strike.Decision) Ended {
	if epoch != 0 && !t.detach(userID, epoch) {
		return Ended{}
	}
	if epoch == 0 {
		t.detach(userID, 0)
	}
	t.sched.Cancel(checkKey(userID))

	sess, _, err := t.store.DeleteSession(userID)
	if err != nil {
		t.log.Error("CRITICAL: failed to persist session end", "user", userID, "error", err)
	}
	ended := Ended{Session: sess, Reason: reason}

	t.log.Info("Session ended", "user", userID, "reason", reason.String(), "decision", decision.String())
	t.audit.Record("🔌 Session of <@%s> (%s) ended. Reason: %s.", userID, sess.InGameName, reason)

	switch reason {
	case ReasonDeclined:
		t.direct(userID, locale.Translate("session.declined"))
	case ReasonTimeout:
		t.direct(userID, locale.Translate("session.timeout"))
	case ReasonAdmin:
		t.direct(userID, locale.Translate("session.removed"))
	}

	if strikes(reason, decision) {
		ctx, cancel := context.WithTimeout(context.Background(), internal.DefaultTimeout)
		defer cancel()
		out, err := t.striker.Apply(ctx, userID, reason.String())
		if err != nil {
			t.log.Warn("Failed to apply strike", "user", userID, "error", err)
		} else {
			ended.Struck, ended.Strike = true, out
		}
	}
	return ended
}

// Restore resumes the persisted sessions after a restart. Sessions whose
// check is overdue are checked right away.
func (t *Tracker) Restore() int {
	now := t.sched.Now()
	sessions := t.store.Sessions()
	for userID, sess := range sessions {
		delay := t.conf.CheckInterval - now.Sub(sess.LastActivity())
		if delay < 0 {
			delay = 0
		}
		epoch := t.attach(userID)
		t.sched.After(checkKey(userID), delay, func() { t.check(userID, epoch) })
		t.log.Debug("Session restored", "user", userID, "nextCheck", delay)
	}
	if len(sessions) > 0 {
		t.log.Info("Restored sessions", "count", len(sessions))
	}
	return len(sessions)
}

// Session returns the active session of userID.
func (t *Tracker) Session(userID string) (store.ActiveSession, bool) {
	return t.store.Session(userID)
}

// Active pairs a user with its session.
type Active struct {
	UserID string
	store.ActiveSession
}

// Sessions returns the active sessions ordered by join time.
func (t *Tracker) Sessions() []Active {
	active := lo.MapToSlice(t.store.Sessions(), func(id string, s store.ActiveSession) Active {
		return Active{UserID: id, ActiveSession: s}
	})
	slices.SortFunc(active, func(a, b Active) int {
		if c := cmp.Compare(a.JoinedAt, b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return active
}

// Stop cancels every pending check. Sessions stay persisted for Restore.
func (t *Tracker) Stop() {
	if t.closed.Swap(true) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, l := range t.lives {
		l.cancel()
		t.sched.Cancel(checkKey(userID))
		delete(t.lives, userID)
	}
	t.joins.Reset()
}

// direct sends a best-effort direct message.
func (t *Tracker) direct(userID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), internal.DefaultTimeout)
	defer cancel()
	if _, err := t.notifier.SendDirect(ctx, userID, content); err != nil {
		t.log.Warn("Failed to send session message", "user", userID, "error", err)
	}
}
