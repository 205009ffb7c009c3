// Package verify drives users from unverified to verified: the user names
// their in-game character, acknowledges the rules and receives the grant role.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/audit"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/locale"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/wait"
)

// State is where a user stands in the verification flow.
type State int

const (
	Unverified State = iota
	AwaitingIdentity
	AwaitingRuleAck
	Verified
)

// String ...
func (s State) String() string {
	switch s {
	case AwaitingIdentity:
		return "awaiting identity"
	case AwaitingRuleAck:
		return "awaiting rule acknowledgement"
	case Verified:
		return "verified"
	default:
		return "unverified"
	}
}

// Outcome is how a completed flow ended.
type Outcome int

const (
	// OutcomeVerified means the record exists and the grant was assigned.
	OutcomeVerified Outcome = iota
	// OutcomeIdentityTimedOut means no valid name arrived; nothing was stored.
	OutcomeIdentityTimedOut
	// OutcomeRulesTimedOut means the record was stored but the rules were
	// never acknowledged, so the grant was not assigned.
	OutcomeRulesTimedOut
	// OutcomeGrantFailed means the record was stored but assigning the grant failed.
	OutcomeGrantFailed
	// OutcomeCancelled means the user was banned or its record removed while
	// the flow waited; the grant was not assigned.
	OutcomeCancelled
)

var (
	ErrInProgress      = errors.New("verification already in progress")
	ErrBanned          = errors.New("user is banned")
	ErrAlreadyVerified = errors.New("user is already verified")
	ErrBlocked         = errors.New("user is blocked from verification")
	ErrInvalidName     = errors.New("invalid in-game name")
	ErrNotVerified     = errors.New("user is not verified")
	ErrNotBanned       = errors.New("user is not banned")
)

// SuspendedError is returned while the user serves a suspension.
type SuspendedError struct {
	Until time.Time
}

// Error ...
func (e SuspendedError) Error() string {
	return "user is suspended until " + e.Until.UTC().Format(time.RFC3339)
}

// AccountAgeError is returned when the chat account is too new.
type AccountAgeError struct {
	Age, Minimum time.Duration
}

// Error ...
func (e AccountAgeError) Error() string {
	return fmt.Sprintf("account is %s old, minimum is %s", e.Age.Round(time.Hour), e.Minimum)
}

// Config ...
type Config struct {
	IdentityTimeout time.Duration
	RuleAckTimeout  time.Duration
	MinAccountAge   time.Duration
	NamePattern     *regexp.Regexp

	GuildID       string
	RuleChannelID string
	RuleMessageID string
	RuleEmoji     string
}

// DefaultNamePattern accepts 3 to 16 letters, digits and spaces.
var DefaultNamePattern = regexp.MustCompile(`^[a-zA-Z0-9 ]{3,16}$`)

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		IdentityTimeout: 24 * time.Hour,
		RuleAckTimeout:  time.Hour,
		MinAccountAge:   21 * 24 * time.Hour,
		NamePattern:     DefaultNamePattern,
		RuleEmoji:       internal.ConfirmEmoji,
	}
}

// Request starts a verification.
type Request struct {
	UserID    string
	AdminID   string
	AdminTag  string
	ChannelID string
}

// Machine runs verification flows, at most one per user.
type Machine struct {
	log  *slog.Logger
	conf Config

	store     *store.Store
	grants    platform.Grants
	directory platform.Directory
	notifier  platform.Notifier
	audit     audit.Recorder
	clock     schedule.Clock

	mu      sync.Mutex
	pending map[string]State
}

// NewMachine ...
func NewMachine(log *slog.Logger, conf Config, s *store.Store, g platform.Grants, d platform.Directory, n platform.Notifier, a audit.Recorder, c schedule.Clock) *Machine {
	if conf.NamePattern == nil {
		conf.NamePattern = DefaultNamePattern
	}
	return &Machine{
		log:       log,
		conf:      conf,
		store:     s,
		grants:    g,
		directory: d,
		notifier:  n,
		audit:     a,
		clock:     c,
		pending:   make(map[string]State),
	}
}

// ValidName reports whether name is an acceptable in-game name.
func (m *Machine) ValidName(name string) bool {
	return m.conf.NamePattern.MatchString(name)
}

// State returns the state of userID.
func (m *Machine) State(userID string) State {
	m.mu.Lock()
	st, ok := m.pending[userID]
	m.mu.Unlock()
	if ok {
		return st
	}
	if _, ok = m.store.Verification(userID); ok {
		return Verified
	}
	return Unverified
}

func (m *Machine) enter(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[userID]; ok {
		return false
	}
	m.pending[userID] = Unverified
	return true
}

func (m *Machine) set(userID string, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userID] = st
}

func (m *Machine) leave(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, userID)
}

// duplicate reports whether an existing record blocks a new verification.
// Records that carry a suspension marker may be replaced once it lapsed.
func duplicate(rec store.VerificationRecord) bool {
	return rec.SuspendedUntil.IsZero()
}

// guard checks the entry conditions and returns the member on success. Forced
// verification is not strict: it skips the suspension and account age checks.
func (m *Machine) guard(ctx context.Context, userID string, strict bool) (platform.Member, error) {
	now := m.clock.Now()
	if _, banned := m.store.Banned(userID); banned {
		return platform.Member{}, ErrBanned
	}
	if rec, ok := m.store.Verification(userID); ok {
		if strict && rec.SuspendedAt(now) {
			return platform.Member{}, SuspendedError{Until: rec.SuspendedUntil.Time()}
		}
		if duplicate(rec) {
			return platform.Member{}, ErrAlreadyVerified
		}
	}

	member, err := m.directory.Member(ctx, userID)
	if err != nil {
		return platform.Member{}, err
	}
	if member.Blocked {
		return member, ErrBlocked
	}
	if strict {
		if age := now.Sub(member.CreatedAt); age < m.conf.MinAccountAge {
			return member, AccountAgeError{Age: age, Minimum: m.conf.MinAccountAge}
		}
	}
	return member, nil
}

// Begin runs the full flow for req.UserID and blocks until it ends. Guard
// failures are returned as errors before anything is sent.
func (m *Machine) Begin(ctx context.Context, req Request) (Outcome, error) {
	if !m.enter(req.UserID) {
		return 0, ErrInProgress
	}
	defer m.leave(req.UserID)

	member, err := m.guard(ctx, req.UserID, true)
	if err != nil {
		return 0, err
	}

	name, ok, err := m.awaitIdentity(ctx, req)
	if err != nil {
		return 0, err
	}
	if !ok {
		m.log.Info("Verification timed out waiting for identity", "user", req.UserID)
		m.audit.Record("⏰ Verification of <@%s> started by %s timed out waiting for the in-game name.", req.UserID, req.AdminTag)
		m.say(ctx, req.ChannelID, locale.Translate("verify.name_timeout", mention(req.UserID)))
		return OutcomeIdentityTimedOut, nil
	}

	rec := store.VerificationRecord{
		DisplayName: member.Username,
		Tag:         member.Tag,
		InGameName:  name,
		VerifiedAt:  m.clock.Now().UTC(),
		VerifiedBy:  req.AdminTag,
	}
	if err = m.store.PutVerification(req.UserID, rec); errors.Is(err, store.ErrBanned) {
		return 0, ErrBanned
	} else if err != nil {
		m.log.Error("CRITICAL: failed to persist verification record", "user", req.UserID, "error", err)
	}
	m.audit.Record("📝 <@%s> registered in-game name **%s** (verification by %s).", req.UserID, name, req.AdminTag)

	acked, err := m.awaitRules(ctx, req)
	if err != nil {
		return OutcomeRulesTimedOut, err
	}
	if !acked {
		m.log.Warn("Verification timed out waiting for rule acknowledgement", "user", req.UserID)
		m.audit.Record("⏰ <@%s> (%s) did not acknowledge the rules in time. Record kept, role not assigned.", req.UserID, name)
		m.say(ctx, req.ChannelID, locale.Translate("verify.rules_timeout", mention(req.UserID)))
		return OutcomeRulesTimedOut, nil
	}

	if _, banned := m.store.Banned(req.UserID); banned {
		m.log.Info("Verification dropped, user was banned meanwhile", "user", req.UserID)
		m.audit.Record("⛔ Verification of <@%s> (%s) dropped: banned while waiting for the rules.", req.UserID, name)
		return OutcomeCancelled, ErrBanned
	}
	if _, ok := m.store.Verification(req.UserID); !ok {
		m.log.Info("Verification dropped, record was removed meanwhile", "user", req.UserID)
		m.audit.Record("🗑️ Verification of <@%s> (%s) dropped: record removed while waiting for the rules.", req.UserID, name)
		m.say(ctx, req.ChannelID, locale.Translate("verify.cancelled", mention(req.UserID)))
		return OutcomeCancelled, nil
	}

	if err = m.grants.AssignGrant(ctx, req.UserID); err != nil {
		m.log.Error("Failed to assign grant", "user", req.UserID, "error", err)
		m.audit.Record("⚠️ <@%s> verified as %s but the role could not be assigned: %v", req.UserID, name, err)
		m.say(ctx, req.ChannelID, locale.Translate("verify.grant_failed", mention(req.UserID)))
		return OutcomeGrantFailed, nil
	}

	m.log.Info("User verified", "user", req.UserID, "name", name)
	m.audit.Record("✅ <@%s> verified as **%s** by %s.", req.UserID, name, req.AdminTag)
	m.say(ctx, req.ChannelID, locale.Translate("verify.done", mention(req.UserID), name))
	return OutcomeVerified, nil
}

// awaitIdentity asks for the in-game name and waits for a valid reply.
// Invalid replies get guidance and keep the wait open.
func (m *Machine) awaitIdentity(ctx context.Context, req Request) (string, bool, error) {
	m.set(req.UserID, AwaitingIdentity)
	m.say(ctx, req.ChannelID, locale.Translate("verify.ask_name",
		mention(req.UserID), int(m.conf.IdentityTimeout.Hours())))

	res := m.notifier.AwaitReply(ctx, req.ChannelID, func(msg platform.Message) bool {
		if msg.AuthorID != req.UserID {
			return false
		}
		if m.ValidName(strings.TrimSpace(msg.Content)) {
			return true
		}
		rctx, cancel := context.WithTimeout(context.Background(), internal.DefaultTimeout)
		defer cancel()
		if err := m.notifier.Reply(rctx, msg.ChannelID, msg.ID, locale.Translate("verify.bad_name")); err != nil {
			m.log.Warn("Failed to send name guidance", "user", req.UserID, "error", err)
		}
		return false
	}, m.conf.IdentityTimeout)

	switch res.Outcome {
	case wait.Matched:
		return strings.TrimSpace(res.Value.Content), true, nil
	case wait.TimedOut:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("await identity: %w", res.Err)
	}
}

// awaitRules waits for the acknowledgement reaction on the rule message.
func (m *Machine) awaitRules(ctx context.Context, req Request) (bool, error) {
	m.set(req.UserID, AwaitingRuleAck)
	link := fmt.Sprintf("https://discord.com/channels/%s/%s/%s", m.conf.GuildID, m.conf.RuleChannelID, m.conf.RuleMessageID)
	m.say(ctx, req.ChannelID, locale.Translate("verify.ask_rules",
		mention(req.UserID), link, m.conf.RuleEmoji, int(m.conf.RuleAckTimeout.Minutes())))

	res := m.notifier.AwaitReaction(ctx, m.conf.RuleChannelID, m.conf.RuleMessageID, func(r platform.Reaction) bool {
		return r.UserID == req.UserID && r.Emoji == m.conf.RuleEmoji
	}, m.conf.RuleAckTimeout)

	switch res.Outcome {
	case wait.Matched:
		return true, nil
	case wait.TimedOut:
		return false, nil
	default:
		return false, fmt.Errorf("await rules: %w", res.Err)
	}
}

// ForceVerify creates a verified record without waiting for the user. It
// skips the account age check and the rule acknowledgement.
func (m *Machine) ForceVerify(ctx context.Context, adminTag, userID, name string) error {
	if !m.enter(userID) {
		return ErrInProgress
	}
	defer m.leave(userID)

	member, err := m.guard(ctx, userID, false)
	if err != nil {
		return err
	}
	if rec, ok := m.store.Verification(userID); ok {
		if rec.SuspendedAt(m.clock.Now()) {
			return SuspendedError{Until: rec.SuspendedUntil.Time()}
		}
		return ErrAlreadyVerified
	}
	name = strings.TrimSpace(name)
	if !m.ValidName(name) {
		return ErrInvalidName
	}

	rec := store.VerificationRecord{
		DisplayName: member.Username,
		Tag:         member.Tag,
		InGameName:  name,
		VerifiedAt:  m.clock.Now().UTC(),
		VerifiedBy:  adminTag,
		Forced:      true,
	}
	if err = m.store.PutVerification(userID, rec); errors.Is(err, store.ErrBanned) {
		return ErrBanned
	} else if err != nil {
		m.log.Error("CRITICAL: failed to persist forced verification", "user", userID, "error", err)
	}

	if err = m.grants.AssignGrant(ctx, userID); err != nil {
		m.audit.Record("⚠️ <@%s> force-verified as %s by %s but the role could not be assigned: %v", userID, name, adminTag, err)
		return fmt.Errorf("assign grant: %w", err)
	}
	m.log.Info("User force-verified", "user", userID, "name", name, "admin", adminTag)
	m.audit.Record("⚡ <@%s> force-verified as **%s** by %s.", userID, name, adminTag)
	return nil
}

// Remove deletes the record of userID and revokes the grant.
func (m *Machine) Remove(ctx context.Context, adminTag, userID string) (store.VerificationRecord, error) {
	rec, ok, err := m.store.DeleteVerification(userID)
	if !ok {
		return rec, ErrNotVerified
	}
	if err != nil {
		m.log.Error("CRITICAL: failed to persist record removal", "user", userID, "error", err)
	}
	if err = m.grants.RevokeGrant(ctx, userID); err != nil {
		m.log.Warn("Failed to revoke grant", "user", userID, "error", err)
	}
	m.audit.Record("🗑️ %s removed the verification of <@%s> (%s).", adminTag, userID, rec.InGameName)
	return rec, nil
}

// Ban bans userID, dropping its record and grant.
func (m *Machine) Ban(ctx context.Context, adminTag, userID string) error {
	if _, banned := m.store.Banned(userID); banned {
		return ErrBanned
	}
	name := ""
	if rec, ok := m.store.Verification(userID); ok {
		name = rec.InGameName
	} else if member, err := m.directory.Member(ctx, userID); err == nil {
		name = member.Username
	}

	err := m.store.Ban(userID, store.BanRecord{
		BannedBy:     adminTag,
		BannedAt:     m.clock.Now().UTC(),
		OriginalName: name,
	})
	if err != nil {
		m.log.Error("CRITICAL: failed to persist ban", "user", userID, "error", err)
	}
	if err = m.grants.RevokeGrant(ctx, userID); err != nil {
		m.log.Warn("Failed to revoke grant of banned user", "user", userID, "error", err)
	}
	m.audit.Record("⛔ %s banned <@%s> (%s).", adminTag, userID, name)
	return nil
}

// Unban lifts the ban of userID.
func (m *Machine) Unban(adminTag, userID string) (store.BanRecord, error) {
	ban, ok, err := m.store.Unban(userID)
	if !ok {
		return ban, ErrNotBanned
	}
	if err != nil {
		m.log.Error("CRITICAL: failed to persist unban", "user", userID, "error", err)
	}
	m.audit.Record("✅ %s unbanned <@%s> (%s).", adminTag, userID, ban.OriginalName)
	return ban, nil
}

// Rename changes the in-game name on the record of userID and returns the old one.
func (m *Machine) Rename(adminTag, userID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if !m.ValidName(name) {
		return "", ErrInvalidName
	}
	var old string
	_, err := m.store.UpdateVerification(userID, func(r *store.VerificationRecord) {
		old = r.InGameName
		r.InGameName = name
		r.ChangedBy = adminTag
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotVerified
	}
	if err != nil {
		m.log.Error("CRITICAL: failed to persist rename", "user", userID, "error", err)
	}
	m.audit.Record("✏️ %s renamed <@%s> from %s to %s.", adminTag, userID, old, name)
	return old, nil
}

// say posts to the flow's channel, logging failures.
func (m *Machine) say(ctx context.Context, channelID, content string) {
	if _, err := m.notifier.SendToChannel(ctx, channelID, content); err != nil {
		m.log.Warn("Failed to post verification message", "channel", channelID, "error", err)
	}
}

func mention(userID string) string {
	return "<@" + userID + ">"
}
