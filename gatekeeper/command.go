package gatekeeper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/getsentry/sentry-go"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/audit"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/challenge"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/export"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/locale"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/pingguard"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/secret"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/session"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/strike"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/verify"
)

// listSize is how many records !list shows.
const listSize = 10

// errUsage makes the dispatcher answer with the usage line of the command.
var errUsage = errors.New("invalid command usage")

// FileSender uploads attachments.
type FileSender interface {
	SendFile(ctx context.Context, channelID, content, name string, r io.Reader) error
}

// CommandConfig holds the channel and role layout the commands check against.
type CommandConfig struct {
	AdminRoleID         string
	VerifyChannelID     string
	UnverifiedChannelID string
	ChallengeChannelID  string
	SessionChannelID    string
	LogChannelID        string
	// BroadcastRate is how many direct messages !send delivers per second.
	BroadcastRate float64
}

// CommandDeps groups the services the commands drive.
type CommandDeps struct {
	Store      *store.Store
	Notifier   platform.Notifier
	Files      FileSender
	Directory  platform.Directory
	Verify     *verify.Machine
	Sessions   *session.Tracker
	Challenges *challenge.Engine
	Strikes    *strike.Policy
	Secrets    *secret.File
	Pings      *pingguard.Guard
	Audit      audit.Recorder
	Clock      schedule.Clock
}

// call is one invocation of a command.
type call struct {
	msg  platform.Message
	name string
	args []string
	// subject names the user the reply is about.
	subject string
	// value is echoed by replies about invalid input.
	value string
}

// rest returns the arguments from i joined by spaces.
func (c *call) rest(i int) string {
	if i >= len(c.args) {
		return ""
	}
	return strings.Join(c.args[i:], " ")
}

// raw returns the message text after the command token, inner spacing kept.
func (c *call) raw() string {
	content := strings.TrimSpace(c.msg.Content)
	if i := strings.IndexFunc(content, unicode.IsSpace); i >= 0 {
		return strings.TrimSpace(content[i:])
	}
	return ""
}

type command struct {
	usage string
	admin bool
	// channel returns the only channel the command may be used in, or "".
	channel func() string
	run     func(ctx context.Context, c *call) error
}

// Commands dispatches chat messages to the bot's commands.
type Commands struct {
	log  *slog.Logger
	conf CommandConfig
	d    CommandDeps

	commands map[string]command
}

// NewCommands ...
func NewCommands(log *slog.Logger, conf CommandConfig, d CommandDeps) *Commands {
	c := &Commands{log: log, conf: conf, d: d}
	challengeChannel := func() string { return c.conf.ChallengeChannelID }
	sessionChannel := func() string { return c.conf.SessionChannelID }
	verifyChannel := func() string { return c.conf.VerifyChannelID }

	c.commands = map[string]command{
		"help":          {usage: "!help", admin: true, run: c.help},
		"channelcheck":  {usage: "!channelcheck", admin: true, run: c.channelCheck},
		"pass":          {usage: "!pass", channel: challengeChannel, run: c.pass},
		"joinark":       {usage: "!joinark", channel: sessionChannel, run: c.joinArk},
		"leaveark":      {usage: "!leaveark", run: c.leaveArk},
		"add":           {usage: "!add @user", admin: true, channel: verifyChannel, run: c.add},
		"forceadd":      {usage: "!forceadd @user name", admin: true, run: c.forceAdd},
		"remove":        {usage: "!remove @user|name|id", admin: true, run: c.remove},
		"bann":          {usage: "!bann @user|name|id", admin: true, run: c.ban},
		"rem_bann":      {usage: "!rem_bann @user|id", admin: true, run: c.unban},
		"show":          {usage: "!show @user|name|id", admin: true, run: c.show},
		"show_banned":   {usage: "!show_banned", admin: true, run: c.showBanned},
		"list":          {usage: "!list", admin: true, run: c.list},
		"fulllist":      {usage: "!fulllist", admin: true, run: c.fullList},
		"change":        {usage: "!change @user name", admin: true, run: c.change},
		"remove_strike": {usage: "!remove_strike @user|name|id", admin: true, run: c.removeStrike},
		"removeactive":  {usage: "!removeactive @user [apply|waive]", admin: true, run: c.removeActive},
		"addactive":     {usage: "!addactive @user [name]", admin: true, run: c.addActive},
		"activeplayers": {usage: "!activeplayers", admin: true, run: c.activePlayers},
		"rolecheck":     {usage: "!rolecheck", admin: true, run: c.roleCheck},
		"accountage":    {usage: "!accountage @user", admin: true, run: c.accountAge},
		"send":          {usage: "!send message", admin: true, run: c.send},
		"addpass":       {usage: "!addpass password", admin: true, run: c.addPass},
		"givepass":      {usage: "!givepass [@user]", admin: true, run: c.givePass},
	}
	return c
}

// Dispatch handles one message. It never panics: failures are answered with
// a generic apology, audited and reported.
func (c *Commands) Dispatch(ctx context.Context, msg platform.Message) {
	if msg.Bot {
		return
	}
	name, args, isCommand := parse(msg.Content)
	cl := &call{msg: msg, name: name, args: args, subject: mention(msg.AuthorID)}

	defer func() {
		if r := recover(); r != nil {
			c.fail(ctx, cl, fmt.Errorf("panic: %v", r))
		}
	}()

	admin := c.isAdmin(ctx, msg.AuthorID)
	if !admin && !msg.Direct() {
		c.guard(ctx, msg)
	}
	if !isCommand {
		return
	}
	cmd, ok := c.commands[name]
	if !ok {
		return
	}
	if !admin && msg.ChannelID == c.conf.UnverifiedChannelID && c.conf.UnverifiedChannelID != "" {
		return
	}
	if cmd.admin && !admin {
		c.reply(ctx, msg, locale.Translate("command.no_permission"))
		return
	}
	if cmd.channel != nil {
		if ch := cmd.channel(); ch != "" && msg.ChannelID != ch {
			c.reply(ctx, msg, locale.Translate("command.wrong_channel", ch))
			return
		}
	}

	c.log.Debug("Running command", "command", name, "user", msg.AuthorID)
	err := cmd.run(ctx, cl)
	if err == nil {
		return
	}
	if errors.Is(err, errUsage) {
		c.reply(ctx, msg, locale.Translate("command.usage", cmd.usage))
		return
	}
	if text, ok := explain(err, cl); ok {
		c.reply(ctx, msg, text)
		return
	}
	c.fail(ctx, cl, err)
}

// guard runs the checks every message from a regular member goes through.
func (c *Commands) guard(ctx context.Context, msg platform.Message) {
	if msg.ChannelID == c.conf.UnverifiedChannelID && c.conf.UnverifiedChannelID != "" {
		c.reply(ctx, msg, locale.Translate("command.unverified_reply", mention(msg.AuthorID)))
	}
	if len(msg.Mentions) == 0 || c.d.Pings == nil {
		return
	}
	admins := lo.Filter(msg.Mentions, func(id string, _ int) bool {
		return c.isAdmin(ctx, id)
	})
	if len(admins) > 0 {
		c.d.Pings.Handle(ctx, msg, admins)
	}
}

// fail answers an unexpected error.
func (c *Commands) fail(ctx context.Context, cl *call, err error) {
	c.log.Error("Command failed", "command", cl.name, "user", cl.msg.AuthorID, "error", err)
	c.d.Audit.Record("🚨 ERROR in !%s by %s: %v", cl.name, cl.msg.AuthorTag, err)
	sentry.CaptureException(err)
	c.reply(ctx, cl.msg, locale.Translate("command.error"))
}

func (c *Commands) isAdmin(ctx context.Context, userID string) bool {
	if c.conf.AdminRoleID == "" {
		return false
	}
	m, err := c.d.Directory.Member(ctx, userID)
	if err != nil {
		return false
	}
	return slices.Contains(m.Roles, c.conf.AdminRoleID)
}

func (c *Commands) reply(ctx context.Context, msg platform.Message, content string) {
	if err := c.d.Notifier.Reply(ctx, msg.ChannelID, msg.ID, content); err != nil {
		c.log.Warn("Failed to reply", "channel", msg.ChannelID, "error", err)
	}
}

// explain turns an expected error into the message shown to the user.
func explain(err error, cl *call) (string, bool) {
	var (
		vSuspended verify.SuspendedError
		sSuspended session.SuspendedError
		age        verify.AccountAgeError
		cCooldown  challenge.CooldownError
		sCooldown  session.CooldownError
	)
	who := cl.subject
	switch {
	case errors.As(err, &age):
		return locale.Translate("verify.account_age", who, days(age.Age), days(age.Minimum)), true
	case errors.As(err, &vSuspended):
		return locale.Translate("verify.suspended", who, stamp(vSuspended.Until)), true
	case errors.As(err, &sSuspended):
		return locale.Translate("session.suspended", who, stamp(sSuspended.Until)), true
	case errors.As(err, &cCooldown):
		return locale.Translate("challenge.cooldown", who, int(math.Ceil(cCooldown.Remaining.Minutes()))), true
	case errors.As(err, &sCooldown):
		return locale.Translate("session.cooldown", who, int(math.Ceil(sCooldown.Remaining.Seconds()))), true
	case errors.Is(err, verify.ErrInProgress):
		return locale.Translate("verify.in_progress", who), true
	case errors.Is(err, verify.ErrBanned):
		return locale.Translate("verify.banned", who), true
	case errors.Is(err, verify.ErrAlreadyVerified):
		return locale.Translate("verify.already", who), true
	case errors.Is(err, verify.ErrBlocked):
		return locale.Translate("verify.blocked", who), true
	case errors.Is(err, verify.ErrInvalidName):
		return locale.Translate("verify.invalid_name", cl.value), true
	case errors.Is(err, verify.ErrNotVerified), errors.Is(err, store.ErrNotFound):
		return locale.Translate("command.not_verified", who), true
	case errors.Is(err, verify.ErrNotBanned):
		return locale.Translate("command.not_banned", who), true
	case errors.Is(err, challenge.ErrNotVerified), errors.Is(err, session.ErrNotVerified):
		return locale.Translate("session.not_verified", who), true
	case errors.Is(err, challenge.ErrNoGrant), errors.Is(err, session.ErrNoGrant):
		return locale.Translate("session.no_grant", who), true
	case errors.Is(err, challenge.ErrPending):
		return locale.Translate("challenge.pending", who), true
	case errors.Is(err, challenge.ErrNoVideos):
		return locale.Translate("challenge.no_videos"), true
	case errors.Is(err, session.ErrAlreadyActive):
		return locale.Translate("session.already_active", who), true
	case errors.Is(err, session.ErrNotActive):
		return locale.Translate("session.not_active", who), true
	case errors.Is(err, platform.ErrNotMember):
		return locale.Translate("verify.not_member"), true
	case errors.Is(err, platform.ErrUnreachable):
		return locale.Translate("challenge.dm_closed", who), true
	case errors.Is(err, secret.ErrNotSet):
		return locale.Translate("command.no_secret"), true
	}
	return "", false
}

var mentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)

// parse splits a message into a lower-cased command name and its arguments.
func parse(content string) (string, []string, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], internal.CommandPrefix) {
		return "", nil, false
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], internal.CommandPrefix))
	return name, fields[1:], name != ""
}

// target resolves the user a command is about: a mention, an in-game name or
// a raw ID, in that order. The number of arguments it used is returned.
func (c *Commands) target(cl *call, byName bool) (string, int, bool) {
	if len(cl.args) > 0 {
		if m := mentionPattern.FindStringSubmatch(cl.args[0]); m != nil {
			return m[1], 1, true
		}
	}
	if len(cl.msg.Mentions) > 0 {
		return cl.msg.Mentions[0], 1, true
	}
	if len(cl.args) == 0 {
		return "", 0, false
	}
	if byName {
		if id, _, ok := c.d.Store.FindByInGameName(cl.rest(0)); ok {
			return id, len(cl.args), true
		}
	}
	if isID(cl.args[0]) {
		return cl.args[0], 1, true
	}
	return "", 0, false
}

// subject resolves the target and points the replies at it.
func (c *Commands) subject(cl *call, byName bool) (string, int, error) {
	id, used, ok := c.target(cl, byName)
	if !ok {
		return "", 0, errUsage
	}
	cl.subject = mention(id)
	return id, used, nil
}

func isID(s string) bool {
	return s != "" && strings.Trim(s, "0123456789") == ""
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}

func (c *Commands) help(ctx context.Context, cl *call) error {
	c.reply(ctx, cl.msg, locale.Translate("command.help"))
	return nil
}

func (c *Commands) channelCheck(ctx context.Context, cl *call) error {
	c.reply(ctx, cl.msg, locale.Translate("command.channels",
		c.conf.UnverifiedChannelID, c.conf.ChallengeChannelID, c.conf.SessionChannelID, c.conf.LogChannelID))
	return nil
}

func (c *Commands) pass(ctx context.Context, cl *call) error {
	if _, err := c.d.Challenges.Start(ctx, cl.msg.AuthorID); err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("challenge.started", cl.subject))
	return nil
}

func (c *Commands) joinArk(ctx context.Context, cl *call) error {
	sess, err := c.d.Sessions.Join(ctx, cl.msg.AuthorID)
	if err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("session.joined", cl.subject, sess.InGameName))
	return nil
}

func (c *Commands) leaveArk(ctx context.Context, cl *call) error {
	if _, err := c.d.Sessions.Leave(cl.msg.AuthorID); err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("session.left", cl.subject))
	return nil
}

// add runs the interactive verification. It blocks until the flow ends; the
// machine posts its own progress to the channel.
func (c *Commands) add(ctx context.Context, cl *call) error {
	id, _, err := c.subject(cl, false)
	if err != nil {
		return err
	}
	outcome, err := c.d.Verify.Begin(ctx, verify.Request{
		UserID:    id,
		AdminID:   cl.msg.AuthorID,
		AdminTag:  cl.msg.AuthorTag,
		ChannelID: cl.msg.ChannelID,
	})
	if err != nil {
		return err
	}
	c.log.Info("Verification finished", "user", id, "outcome", outcome)
	return nil
}

func (c *Commands) forceAdd(ctx context.Context, cl *call) error {
	id, used, err := c.subject(cl, false)
	if err != nil {
		return err
	}
	name := cl.rest(used)
	if name == "" {
		return errUsage
	}
	cl.value = name
	if err = c.d.Verify.ForceVerify(ctx, cl.msg.AuthorTag, id, name); err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("command.forced", cl.subject, name))
	return nil
}

func (c *Commands) remove(ctx context.Context, cl *call) error {
	id, _, err := c.subject(cl, true)
	if err != nil {
		return err
	}
	rec, err := c.d.Verify.Remove(ctx, cl.msg.AuthorTag, id)
	if err != nil {
		return err
	}
	c.Release(id)
	c.reply(ctx, cl.msg, locale.Translate("command.removed", cl.subject, rec.InGameName))
	return nil
}

// Release ends the running session of userID without a strike and drops its
// pending challenge. It runs whenever a record goes away.
func (c *Commands) Release(userID string) {
	if _, err := c.d.Sessions.Remove(userID, strike.Waive); err != nil && !errors.Is(err, session.ErrNotActive) {
		c.log.Warn("Failed to end session", "user", userID, "error", err)
	}
	c.d.Challenges.Cancel(userID)
}

// ban also releases the user.
func (c *Commands) ban(ctx context.Context, cl *call) error {
	id, _, err := c.subject(cl, true)
	if err != nil {
		return err
	}
	err = c.d.Verify.Ban(ctx, cl.msg.AuthorTag, id)
	if errors.Is(err, verify.ErrBanned) {
		c.reply(ctx, cl.msg, locale.Translate("command.already_banned", cl.subject))
		return nil
	}
	if err != nil {
		return err
	}
	c.Release(id)
	c.reply(ctx, cl.msg, locale.Translate("command.banned", cl.subject))
	return nil
}

func (c *Commands) unban(ctx context.Context, cl *call) error {
	id, _, err := c.subject(cl, false)
	if err != nil {
		return err
	}
	if _, err = c.d.Verify.Unban(cl.msg.AuthorTag, id); err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("command.unbanned", cl.subject))
	return nil
}

func (c *Commands) show(ctx context.Context, cl *call) error {
	id, _, err := c.subject(cl, true)
	if err != nil {
		return err
	}
	if rec, ok := c.d.Store.Verification(id); ok {
		c.reply(ctx, cl.msg, locale.Translate("command.show",
			cl.subject,
			rec.InGameName,
			stamp(rec.VerifiedAt),
			rec.VerifiedBy,
			rec.StrikeCount,
			stamp(rec.LastChallengeSuccess.Time()),
			stamp(rec.SuspendedUntil.Time()),
		))
		return nil
	}
	if ban, ok := c.d.Store.Banned(id); ok {
		c.reply(ctx, cl.msg, locale.Translate("command.show_banned", cl.subject, ban.OriginalName, stamp(ban.BannedAt), ban.BannedBy))
		return nil
	}
	return verify.ErrNotVerified
}

func (c *Commands) showBanned(ctx context.Context, cl *call) error {
	bans := c.d.Store.Bans()
	if len(bans) == 0 {
		c.reply(ctx, cl.msg, locale.Translate("command.list_empty"))
		return nil
	}
	ids := lo.Keys(bans)
	slices.Sort(ids)
	lines := lo.Map(ids, func(id string, _ int) string {
		ban := bans[id]
		return fmt.Sprintf("%s %s (%s, by %s)", mention(id), ban.OriginalName, stamp(ban.BannedAt), ban.BannedBy)
	})
	c.reply(ctx, cl.msg, truncate(locale.Translate("command.bans", len(ids), strings.Join(lines, "\n"))))
	return nil
}

func (c *Commands) list(ctx context.Context, cl *call) error {
	entries := c.d.Store.LatestVerifications(listSize)
	if len(entries) == 0 {
		c.reply(ctx, cl.msg, locale.Translate("command.list_empty"))
		return nil
	}
	lines := lo.Map(entries, func(e store.Entry, _ int) string {
		return fmt.Sprintf("**%s** %s (%s)", e.Record.InGameName, mention(e.UserID), stamp(e.Record.VerifiedAt))
	})
	c.reply(ctx, cl.msg, locale.Translate("command.list", strings.Join(lines, "\n")))
	return nil
}

func (c *Commands) fullList(ctx context.Context, cl *call) error {
	records := c.d.Store.Verifications()
	if len(records) == 0 {
		c.reply(ctx, cl.msg, locale.Translate("command.list_empty"))
		return nil
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, records, nil); err != nil {
		return err
	}
	name := export.FileName(c.d.Clock.Now())
	if err := c.d.Files.SendFile(ctx, cl.msg.ChannelID, locale.Translate("command.fulllist", len(records)), name, &buf); err != nil {
		return fmt.Errorf("upload export: %w", err)
	}
	c.d.Audit.Record("📄 %s exported the verification list (%d entries).", cl.msg.AuthorTag, len(records))
	return nil
}

func (c *Commands) change(ctx context.Context, cl *call) error {
	id, used, err := c.subject(cl, false)
	if err != nil {
		return err
	}
	name := cl.rest(used)
	if name == "" {
		return errUsage
	}
	cl.value = name
	old, err := c.d.Verify.Rename(cl.msg.AuthorTag, id, name)
	if err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("command.renamed", cl.subject, old, strings.TrimSpace(name)))
	return nil
}

func (c *Commands) removeStrike(ctx context.Context, cl *call) error {
	id, _, err := c.subject(cl, true)
	if err != nil {
		return err
	}
	before, err := c.d.Strikes.Reset(id)
	if err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("command.strikes_reset", cl.subject, before.StrikeCount))
	return nil
}

func (c *Commands) removeActive(ctx context.Context, cl *call) error {
	id, used, err := c.subject(cl, false)
	if err != nil {
		return err
	}
	decision, err := strike.ParseDecision(strings.ToLower(cl.rest(used)))
	if err != nil {
		return errUsage
	}
	if _, err = c.d.Sessions.Remove(id, decision); err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("command.session_removed", cl.subject))
	return nil
}

func (c *Commands) addActive(ctx context.Context, cl *call) error {
	id, used, err := c.subject(cl, false)
	if err != nil {
		return err
	}
	sess, err := c.d.Sessions.AddManual(cl.msg.AuthorTag, id, cl.rest(used))
	if err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("command.session_added", cl.subject, sess.InGameName))
	return nil
}

func (c *Commands) activePlayers(ctx context.Context, cl *call) error {
	active := c.d.Sessions.Sessions()
	if len(active) == 0 {
		c.reply(ctx, cl.msg, locale.Translate("command.no_sessions"))
		return nil
	}
	now := c.d.Clock.Now()
	lines := lo.Map(active, func(a session.Active, _ int) string {
		return fmt.Sprintf("**%s** %s, %d min, %d strike(s)",
			a.InGameName, mention(a.UserID), int(now.Sub(a.JoinedAt.Time()).Minutes()), a.Strikes)
	})
	c.reply(ctx, cl.msg, truncate(locale.Translate("command.sessions", len(active), strings.Join(lines, "\n"))))
	return nil
}

func (c *Commands) roleCheck(ctx context.Context, cl *call) error {
	holders, err := c.d.Directory.GrantHolders(ctx)
	if err != nil {
		return fmt.Errorf("list grant holders: %w", err)
	}
	missing := lo.Reject(holders, func(id string, _ int) bool {
		_, ok := c.d.Store.Verification(id)
		return ok
	})
	text := locale.Translate("command.role_check", len(holders), len(missing))
	if len(missing) > 0 {
		text += "\n" + strings.Join(lo.Map(missing, func(id string, _ int) string { return mention(id) }), " ")
	}
	c.reply(ctx, cl.msg, truncate(text))
	return nil
}

func (c *Commands) accountAge(ctx context.Context, cl *call) error {
	id, _, err := c.subject(cl, false)
	if err != nil {
		return err
	}
	m, err := c.d.Directory.Member(ctx, id)
	if err != nil {
		return err
	}
	c.reply(ctx, cl.msg, locale.Translate("command.account_age", cl.subject, days(c.d.Clock.Now().Sub(m.CreatedAt))))
	return nil
}

// send broadcasts a direct message to every grant holder that is not banned,
// paced by the configured rate.
func (c *Commands) send(ctx context.Context, cl *call) error {
	text := cl.rest(0)
	if text == "" {
		return errUsage
	}
	holders, err := c.d.Directory.GrantHolders(ctx)
	if err != nil {
		return fmt.Errorf("list grant holders: %w", err)
	}
	targets := lo.Reject(holders, func(id string, _ int) bool {
		_, banned := c.d.Store.Banned(id)
		return banned
	})

	limiter := rate.NewLimiter(rate.Limit(c.conf.BroadcastRate), 1)
	var sent, failed int
	for _, id := range targets {
		if err = limiter.Wait(ctx); err != nil {
			return fmt.Errorf("broadcast interrupted: %w", err)
		}
		if _, err = c.d.Notifier.SendDirect(ctx, id, text); err != nil {
			c.log.Warn("Failed to deliver broadcast", "user", id, "error", err)
			failed++
			continue
		}
		sent++
	}
	c.d.Audit.Record("📢 %s sent a broadcast: %d delivered, %d failed, %d banned skipped.",
		cl.msg.AuthorTag, sent, failed, len(holders)-len(targets))
	c.reply(ctx, cl.msg, locale.Translate("command.broadcast_done", sent, failed))
	return nil
}

func (c *Commands) addPass(ctx context.Context, cl *call) error {
	pass := cl.raw()
	if pass == "" {
		return errUsage
	}
	if err := c.d.Secrets.Write(pass); err != nil {
		return err
	}
	c.d.Audit.Record("🔑 %s updated the server password.", cl.msg.AuthorTag)
	c.reply(ctx, cl.msg, locale.Translate("command.secret_saved"))
	return nil
}

func (c *Commands) givePass(ctx context.Context, cl *call) error {
	id := cl.msg.AuthorID
	if len(cl.args) > 0 {
		var err error
		if id, _, err = c.subject(cl, false); err != nil {
			return err
		}
	}
	pass, err := c.d.Secrets.Read()
	if err != nil {
		return err
	}
	if _, err = c.d.Notifier.SendDirect(ctx, id, pass); err != nil {
		return err
	}
	c.d.Audit.Record("🔑 %s sent the server password to <@%s>.", cl.msg.AuthorTag, id)
	c.reply(ctx, cl.msg, locale.Translate("command.secret_sent", cl.subject))
	return nil
}

// truncate keeps content within the platform message limit.
func truncate(content string) string {
	return audit.Truncate(content, internal.MaxMessageLength)
}
