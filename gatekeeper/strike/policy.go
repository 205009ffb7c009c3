// Package strike implements the penalty ledger shared by the session tracker
// and the admin commands.
package strike

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/audit"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/locale"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
)

// Decision overrides whether ending a session carries a strike.
type Decision int

const (
	// Default applies the automatic rule for the end reason.
	Default Decision = iota
	// Apply always strikes.
	Apply
	// Waive never strikes.
	Waive
)

// String ...
func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Waive:
		return "waive"
	default:
		return "default"
	}
}

// ParseDecision parses "apply", "waive" or "" / "default".
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "", "default":
		return Default, nil
	case "apply", "yes", "true":
		return Apply, nil
	case "waive", "no", "false":
		return Waive, nil
	}
	return Default, fmt.Errorf("unknown strike decision %q", s)
}

// Config ...
type Config struct {
	// Limit is the strike count that triggers a suspension.
	Limit int
	// Suspension is how long a suspended user stays barred.
	Suspension time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{Limit: 3, Suspension: 24 * time.Hour}
}

// Outcome describes the state after a strike.
type Outcome struct {
	Strikes        int
	Limit          int
	Suspended      bool
	SuspendedUntil time.Time
}

// Policy applies and resets strikes.
type Policy struct {
	log      *slog.Logger
	conf     Config
	store    *store.Store
	grants   platform.Grants
	notifier platform.Notifier
	audit    audit.Recorder
	clock    schedule.Clock
}

// NewPolicy ...
func NewPolicy(log *slog.Logger, conf Config, s *store.Store, g platform.Grants, n platform.Notifier, a audit.Recorder, c schedule.Clock) *Policy {
	return &Policy{log: log, conf: conf, store: s, grants: g, notifier: n, audit: a, clock: c}
}

// Limit ...
func (p *Policy) Limit() int {
	return p.conf.Limit
}

// Apply adds a strike to userID. Reaching the limit suspends the user, resets
// the count to zero and revokes the grant, all in the same record update.
// The user is notified either way.
func (p *Policy) Apply(ctx context.Context, userID, reason string) (Outcome, error) {
	now := p.clock.Now()
	out := Outcome{Limit: p.conf.Limit}

	rec, err := p.store.UpdateVerification(userID, func(r *store.VerificationRecord) {
		count := r.StrikeCount + 1
		if count >= p.conf.Limit {
			out.Suspended = true
			out.SuspendedUntil = now.Add(p.conf.Suspension)
			r.StrikeCount = 0
			r.SuspendedUntil = store.At(out.SuspendedUntil)
			out.Strikes = count
			return
		}
		r.StrikeCount = count
		out.Strikes = count
	})
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn("Strike for user without verification record", "user", userID, "reason", reason)
		p.audit.Record("⚠️ Strike for <@%s> could not be recorded, no verification record. Reason: %s", userID, reason)
		return out, err
	}
	if err != nil {
		p.log.Error("CRITICAL: failed to persist strike", "user", userID, "error", err)
	}

	if out.Suspended {
		p.suspend(ctx, userID, rec, reason, out)
		return out, err
	}

	p.audit.Record("⚠️ Strike %d/%d for <@%s> (%s). Reason: %s", out.Strikes, out.Limit, userID, rec.InGameName, reason)
	if _, derr := p.notifier.SendDirect(ctx, userID, locale.Translate("strike.issued", out.Strikes, out.Limit, reason)); derr != nil {
		p.log.Warn("Failed to notify user of strike", "user", userID, "error", derr)
	}
	return out, err
}

func (p *Policy) suspend(ctx context.Context, userID string, rec store.VerificationRecord, reason string, out Outcome) {
	until := out.SuspendedUntil.UTC().Format(time.RFC1123)
	p.log.Info("User reached strike limit, suspending",
		"user", userID,
		"limit", out.Limit,
		"until", out.SuspendedUntil)

	if err := p.grants.RevokeGrant(ctx, userID); err != nil {
		p.log.Warn("Failed to revoke grant on suspension", "user", userID, "error", err)
		p.audit.Record("⚠️ Could not remove the role of suspended <@%s>: %v", userID, err)
	}
	p.audit.Record("⛔ <@%s> (%s) reached %d strikes and is suspended until %s. Reason: %s",
		userID, rec.InGameName, out.Limit, until, reason)

	msg := locale.Translate("strike.suspended", out.Limit, reason, until)
	if _, err := p.notifier.SendDirect(ctx, userID, msg); err != nil {
		p.log.Warn("Failed to notify user of suspension", "user", userID, "error", err)
	}
}

// Reset zeroes the strikes of userID and lifts any suspension. It returns the
// record as it was before.
func (p *Policy) Reset(userID string) (store.VerificationRecord, error) {
	var before store.VerificationRecord
	_, err := p.store.UpdateVerification(userID, func(r *store.VerificationRecord) {
		before = *r
		r.StrikeCount = 0
		r.SuspendedUntil = 0
	})
	if errors.Is(err, store.ErrNotFound) {
		return before, err
	}
	if err != nil {
		p.log.Error("CRITICAL: failed to persist strike reset", "user", userID, "error", err)
	}
	p.audit.Record("✅ Strikes of <@%s> reset (was %d).", userID, before.StrikeCount)
	return before, err
}

// Suspended reports whether rec is suspended now and for how long.
func (p *Policy) Suspended(rec store.VerificationRecord) (bool, time.Duration) {
	now := p.clock.Now()
	if !rec.SuspendedAt(now) {
		return false, 0
	}
	return true, rec.SuspendedUntil.Time().Sub(now)
}
