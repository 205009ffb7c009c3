// Package inactivity removes verified users who stopped using the bot.
package inactivity

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/audit"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/locale"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
)

const sweepKey = "inactivity:sweep"

// Config ...
type Config struct {
	// Interval is the time between two sweeps.
	Interval time.Duration
	// FirstRun is the delay before the first sweep after Start.
	FirstRun time.Duration
	// Threshold is how old both the last challenge success and the
	// verification must be before a user is purged.
	Threshold time.Duration
	// UserTimeout bounds the platform calls made for one purged user.
	UserTimeout time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Interval:    6 * time.Hour,
		FirstRun:    10 * time.Second,
		Threshold:   3 * 24 * time.Hour,
		UserTimeout: 2 * internal.DefaultTimeout,
	}
}

// Sweeper periodically purges inactive users.
type Sweeper struct {
	log      *slog.Logger
	conf     Config
	store    *store.Store
	grants   platform.Grants
	notifier platform.Notifier
	audit    audit.Recorder
	sched    schedule.Scheduler

	onPurge func(userID string)
}

// NewSweeper ...
func NewSweeper(log *slog.Logger, conf Config, s *store.Store, g platform.Grants, n platform.Notifier, a audit.Recorder, sched schedule.Scheduler) *Sweeper {
	return &Sweeper{log: log, conf: conf, store: s, grants: g, notifier: n, audit: a, sched: sched}
}

// OnPurge registers fn to run after a user was purged.
func (s *Sweeper) OnPurge(fn func(userID string)) {
	s.onPurge = fn
}

// Start schedules the first sweep. Every sweep schedules the next one.
func (s *Sweeper) Start() {
	s.log.Info("Scheduling inactivity sweeps", "interval", s.conf.Interval, "threshold", s.conf.Threshold)
	s.sched.After(sweepKey, s.conf.FirstRun, s.run)
}

func (s *Sweeper) run() {
	s.Sweep(context.Background())
	s.sched.After(sweepKey, s.conf.Interval, s.run)
}

// Inactive reports whether rec counts as inactive at now. A user who never
// passed the challenge counts by the verification time alone.
func (s *Sweeper) Inactive(rec store.VerificationRecord, now time.Time) bool {
	cutoff := now.Add(-s.conf.Threshold)
	return rec.LastChallengeSuccess.Time().Before(cutoff) && rec.VerifiedAt.Before(cutoff)
}

// Sweep purges every inactive user and returns their IDs in order.
// Banned and currently suspended users are left alone.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	now := s.sched.Now()
	records := s.store.Verifications()

	purge := lo.Filter(lo.Keys(records), func(id string, _ int) bool {
		rec := records[id]
		if _, banned := s.store.Banned(id); banned {
			return false
		}
		return !rec.SuspendedAt(now) && s.Inactive(rec, now)
	})
	slices.Sort(purge)

	removed := lo.Filter(purge, func(id string, _ int) bool {
		return s.remove(ctx, id, records[id])
	})
	if len(removed) > 0 {
		s.audit.Record("✅ Inactivity sweep removed %d user(s).", len(removed))
	}
	s.log.Info("Inactivity sweep complete", "removed", len(removed), "checked", len(records))
	return removed
}

// remove purges one user. Each user gets its own time budget. The record is
// kept when the grant cannot be revoked so the next sweep retries.
func (s *Sweeper) remove(parent context.Context, userID string, rec store.VerificationRecord) bool {
	ctx, cancel := context.WithTimeout(parent, s.conf.UserTimeout)
	defer cancel()

	reason := "never passed the challenge"
	if !rec.LastChallengeSuccess.IsZero() {
		reason = "last challenge " + rec.LastChallengeSuccess.Time().Format(time.DateOnly)
	}
	s.log.Info("Removing inactive user", "user", userID, "name", rec.InGameName, "reason", reason)

	if err := s.grants.RevokeGrant(ctx, userID); err != nil {
		s.log.Warn("Failed to revoke grant of inactive user, keeping record", "user", userID, "error", err)
		s.audit.Record("⚠️ Could not remove inactive user <@%s>: %v", userID, err)
		return false
	}
	days := int(s.conf.Threshold.Hours() / 24)
	dctx, dcancel := context.WithTimeout(ctx, internal.DefaultTimeout)
	if _, err := s.notifier.SendDirect(dctx, userID, locale.Translate("inactivity.purged", days)); err != nil {
		s.log.Debug("Failed to notify inactive user", "user", userID, "error", err)
	}
	dcancel()

	if _, _, err := s.store.DeleteVerification(userID); err != nil {
		s.log.Error("CRITICAL: failed to persist inactivity removal", "user", userID, "error", err)
	}
	s.audit.Record("🗑️ Removed inactive user <@%s> (%s, verified %s): %s.",
		userID, rec.InGameName, rec.VerifiedAt.Format(time.DateOnly), reason)
	if s.onPurge != nil {
		s.onPurge(userID)
	}
	return true
}
