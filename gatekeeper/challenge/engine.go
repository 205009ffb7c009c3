// Package challenge runs the comment proof-of-work: a verified user is given
// a unique sentence to post under a YouTube video, and the engine polls the
// video's comments until the sentence shows up or the time budget runs out.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/df-mc/atomic"
	"github.com/samber/lo"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/audit"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/cooldown"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/locale"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/secret"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
)

var (
	// ErrNotVerified is returned when the user has no verification record.
	ErrNotVerified = errors.New("user is not verified")
	// ErrNoGrant is returned when the user lacks the grant role.
	ErrNoGrant = errors.New("user does not hold the grant")
	// ErrPending is returned when the user already has a running challenge.
	ErrPending = errors.New("challenge already pending")
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("challenge engine closed")
	// ErrNoVideos is returned when no video is configured.
	ErrNoVideos = errors.New("no challenge videos configured")
)

// CooldownError is returned when the user completed a challenge too recently.
type CooldownError struct {
	Remaining time.Duration
}

// Error ...
func (e CooldownError) Error() string {
	return fmt.Sprintf("challenge on cooldown for %s", e.Remaining.Round(time.Second))
}

// Config holds the timing of the challenge.
type Config struct {
	Videos []string
	// PollInterval is the delay between two comment scans.
	PollInterval time.Duration
	// Duration is the total time a user has to post the comment.
	Duration time.Duration
	// FirstPoll is the delay before the first scan.
	FirstPoll time.Duration
	// CleanupGrace is added to Duration before a forgotten task is force-cleared.
	CleanupGrace time.Duration
	// MaxPages bounds how many comment pages a scan reads.
	MaxPages int
	// Cooldown is the wait after a success before the next challenge.
	Cooldown time.Duration
	// SessionChannelID is where users announce joining the game server.
	SessionChannelID string
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		PollInterval: 90 * time.Second,
		Duration:     10 * time.Minute,
		FirstPoll:    5 * time.Second,
		CleanupGrace: 2 * time.Minute,
		MaxPages:     5,
		Cooldown:     time.Hour,
	}
}

// Task is a running challenge.
type Task struct {
	UserID    string    `json:"userId"`
	VideoID   string    `json:"videoId"`
	Phrase    string    `json:"phrase"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	ChannelID string    `json:"channelId"`
}

// Phrases produces challenge sentences.
type Phrases interface {
	Generate() string
}

// Codes produces unique task codes.
type Codes interface {
	Allocate() string
}

// Secrets returns the gated password.
type Secrets interface {
	Read() (string, error)
}

// Engine owns every running challenge.
type Engine struct {
	log  *slog.Logger
	conf Config

	store     *store.Store
	grants    platform.Grants
	notifier  platform.Notifier
	source    platform.CommentSource
	secrets   Secrets
	phrases   Phrases
	codes     Codes
	audit     audit.Recorder
	sched     schedule.Scheduler
	cooldowns *cooldown.Ledger

	mu     sync.Mutex
	tasks  map[string]Task
	closed atomic.Bool
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Store    *store.Store
	Grants   platform.Grants
	Notifier platform.Notifier
	Source   platform.CommentSource
	Secrets  Secrets
	Phrases  Phrases
	Codes    Codes
	Audit    audit.Recorder
	Sched    schedule.Scheduler
}

// NewEngine ...
func NewEngine(log *slog.Logger, conf Config, d Deps) *Engine {
	return &Engine{
		log:       log,
		conf:      conf,
		store:     d.Store,
		grants:    d.Grants,
		notifier:  d.Notifier,
		source:    d.Source,
		secrets:   d.Secrets,
		phrases:   d.Phrases,
		codes:     d.Codes,
		audit:     d.Audit,
		sched:     d.Sched,
		cooldowns: cooldown.NewLedger(conf.Cooldown),
		tasks:     make(map[string]Task),
	}
}

func pollKey(userID string) string    { return "challenge:poll:" + userID }
func cleanupKey(userID string) string { return "challenge:cleanup:" + userID }

// Start issues a new challenge to userID and sends the instructions by
// direct message. If the message cannot be delivered the task is dropped and
// the error wraps platform.ErrUnreachable.
func (e *Engine) Start(ctx context.Context, userID string) (Task, error) {
	if e.closed.Load() {
		return Task{}, ErrClosed
	}
	if len(e.conf.Videos) == 0 {
		return Task{}, ErrNoVideos
	}
	if _, ok := e.store.Verification(userID); !ok {
		return Task{}, ErrNotVerified
	}
	has, err := e.grants.HasGrant(ctx, userID)
	if err != nil {
		return Task{}, fmt.Errorf("check grant: %w", err)
	}
	if !has {
		return Task{}, ErrNoGrant
	}

	task, err := e.reserve(userID)
	if err != nil {
		return Task{}, err
	}

	instructions := locale.Translate("challenge.instructions",
		task.VideoID, minutes(e.conf.Duration), task.Code)
	sent, err := e.notifier.SendDirect(ctx, userID, instructions)
	if err == nil {
		_, err = e.notifier.SendDirect(ctx, userID, task.Phrase)
	}
	if err != nil {
		e.claim(userID, task.Code)
		e.audit.Record("❌ Could not DM challenge %s to <@%s>: %v", task.Code, userID, err)
		return Task{}, fmt.Errorf("send challenge: %w", err)
	}

	e.mu.Lock()
	if cur, ok := e.tasks[userID]; ok && cur.Code == task.Code {
		cur.ChannelID = sent.ChannelID
		e.tasks[userID] = cur
		task = cur
	}
	e.mu.Unlock()

	code := task.Code
	e.sched.After(pollKey(userID), e.conf.FirstPoll, func() { e.poll(userID, code) })
	e.sched.After(cleanupKey(userID), e.conf.Duration+e.conf.CleanupGrace, func() { e.cleanup(userID, code) })

	e.log.Info("Challenge started", "user", userID, "code", code, "video", task.VideoID)
	e.audit.Record("🎬 <@%s> started challenge %s on video %s.", userID, code, task.VideoID)
	return task, nil
}

// reserve records a new task unless one is pending or the cooldown runs.
func (e *Engine) reserve(userID string) (Task, error) {
	now := e.sched.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[userID]; ok {
		return Task{}, ErrPending
	}
	if left := e.cooldowns.Remaining(userID, now); left > 0 {
		return Task{}, CooldownError{Remaining: left}
	}

	task := Task{
		UserID:    userID,
		VideoID:   lo.Sample(e.conf.Videos),
		Phrase:    e.phrases.Generate(),
		Code:      e.codes.Allocate(),
		CreatedAt: now,
	}
	e.tasks[userID] = task
	return task, nil
}

// live returns the task of userID if it is still the one identified by code.
func (e *Engine) live(userID, code string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[userID]
	if !ok || t.Code != code {
		return Task{}, false
	}
	return t, true
}

// claim removes the task if it is still current and cancels its timers. Only
// the caller that gets true may act on the outcome.
func (e *Engine) claim(userID, code string) bool {
	e.mu.Lock()
	t, ok := e.tasks[userID]
	if !ok || t.Code != code {
		e.mu.Unlock()
		return false
	}
	delete(e.tasks, userID)
	e.mu.Unlock()

	e.sched.Cancel(pollKey(userID))
	e.sched.Cancel(cleanupKey(userID))
	return true
}

// poll scans the comments once and decides what happens next.
func (e *Engine) poll(userID, code string) {
	task, ok := e.live(userID, code)
	if !ok {
		e.log.Debug("Dropping stale challenge poll", "user", userID, "code", code)
		return
	}

	if e.sched.Now().Sub(task.CreatedAt) >= e.conf.Duration {
		e.expire(task)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	found, err := e.scan(ctx, task)
	cancel()

	if _, ok = e.live(userID, code); !ok {
		e.log.Debug("Challenge resolved while scanning", "user", userID, "code", code)
		return
	}

	switch {
	case err != nil:
		e.fail(task, err)
	case found:
		e.succeed(task)
	default:
		e.log.Debug("Challenge comment not found yet", "user", userID, "code", code)
		e.sched.After(pollKey(userID), e.conf.PollInterval, func() { e.poll(userID, code) })
	}
}

// scan reads up to MaxPages pages looking for the exact phrase.
func (e *Engine) scan(ctx context.Context, task Task) (bool, error) {
	var token string
	for page := 0; page < e.conf.MaxPages; page++ {
		res, err := e.source.ListComments(ctx, task.VideoID, token)
		if err != nil {
			return false, err
		}
		if lo.Contains(res.Comments, task.Phrase) {
			return true, nil
		}
		if res.NextPageToken == "" {
			break
		}
		token = res.NextPageToken
	}
	return false, nil
}

func (e *Engine) expire(task Task) {
	if !e.claim(task.UserID, task.Code) {
		return
	}
	e.log.Info("Challenge timed out", "user", task.UserID, "code", task.Code)
	e.audit.Record("⏱️ Challenge %s of <@%s> timed out (video %s).", task.Code, task.UserID, task.VideoID)
	e.direct(task.UserID, locale.Translate("challenge.timeout", minutes(e.conf.Duration)))
}

func (e *Engine) fail(task Task, err error) {
	var msg string
	switch {
	case errors.Is(err, platform.ErrQuotaExhausted):
		msg = locale.Translate("challenge.quota")
	case errors.Is(err, platform.ErrResourceUnavailable):
		msg = locale.Translate("challenge.unavailable", task.VideoID)
	default:
		retry := 2 * e.conf.PollInterval
		e.log.Warn("Comment scan failed, retrying", "user", task.UserID, "code", task.Code, "retry", retry, "error", err)
		e.audit.Record("🚨 Comment scan error for <@%s> task %s: %v", task.UserID, task.Code, err)
		e.direct(task.UserID, locale.Translate("challenge.transient", int(retry.Seconds())))

		userID, code := task.UserID, task.Code
		e.sched.After(pollKey(userID), retry, func() { e.poll(userID, code) })
		return
	}

	if !e.claim(task.UserID, task.Code) {
		return
	}
	e.log.Error("Comment scan failed permanently", "user", task.UserID, "code", task.Code, "error", err)
	e.audit.Record("🚨 Challenge %s of <@%s> cancelled, video %s: %v", task.Code, task.UserID, task.VideoID, err)
	e.direct(task.UserID, msg)
}

func (e *Engine) succeed(task Task) {
	if !e.claim(task.UserID, task.Code) {
		return
	}
	now := e.sched.Now()
	e.cooldowns.Mark(task.UserID, now)

	_, err := e.store.UpdateVerification(task.UserID, func(r *store.VerificationRecord) {
		r.LastChallengeSuccess = store.At(now)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Error("CRITICAL: failed to persist challenge success", "user", task.UserID, "error", err)
	}

	e.log.Info("Challenge passed", "user", task.UserID, "code", task.Code)
	e.audit.Record("✅ <@%s> passed challenge %s on video %s.", task.UserID, task.Code, task.VideoID)

	pass, err := e.secrets.Read()
	switch {
	case errors.Is(err, secret.ErrNotSet):
		e.audit.Record("ℹ️ <@%s> passed %s but no password is set.", task.UserID, task.Code)
		e.direct(task.UserID, locale.Translate("challenge.no_secret"))
	case err != nil:
		e.log.Error("Failed to read password", "error", err)
		e.audit.Record("🚨 Could not read the password for <@%s> after %s: %v", task.UserID, task.Code, err)
		e.direct(task.UserID, locale.Translate("challenge.secret_error"))
	default:
		e.direct(task.UserID, pass)
		e.direct(task.UserID, locale.Translate("challenge.follow_up", e.conf.SessionChannelID))
	}
}

// cleanup clears a task whose poll chain got lost.
func (e *Engine) cleanup(userID, code string) {
	if !e.claim(userID, code) {
		return
	}
	e.log.Warn("Force-cleared challenge past its lifetime", "user", userID, "code", code)
	e.audit.Record("🧹 Challenge %s of <@%s> force-cleared.", code, userID)
}

// Cancel drops the running challenge of userID, if any. Its code stays used.
func (e *Engine) Cancel(userID string) bool {
	task, ok := e.Pending(userID)
	if !ok || !e.claim(userID, task.Code) {
		return false
	}
	e.log.Info("Challenge cancelled", "user", userID, "code", task.Code)
	e.audit.Record("🚫 Challenge %s of <@%s> cancelled.", task.Code, userID)
	return true
}

// direct sends a best-effort direct message.
func (e *Engine) direct(userID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.notifier.SendDirect(ctx, userID, content); err != nil {
		e.log.Warn("Failed to send challenge message", "user", userID, "error", err)
	}
}

// Pending returns the running task of userID.
func (e *Engine) Pending(userID string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[userID]
	return t, ok
}

// Tasks returns every running task.
func (e *Engine) Tasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.Values(e.tasks)
}

// Stop drops every task and cancels its timers.
func (e *Engine) Stop() {
	if e.closed.Swap(true) {
		return
	}
	e.mu.Lock()
	ids := lo.Keys(e.tasks)
	clear(e.tasks)
	e.mu.Unlock()

	for _, id := range ids {
		e.sched.Cancel(pollKey(id))
		e.sched.Cancel(cleanupKey(id))
	}
}

func minutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}
