package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/text/language"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/api"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/audit"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/challenge"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/code"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/discord"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/inactivity"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/locale"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/phrase"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/pingguard"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/secret"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/session"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/strike"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/verify"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/youtube"
)

// Gatekeeper represents the running bot.
// It holds configuration, logging, and owns every service.
type Gatekeeper struct {
	log  *slog.Logger
	conf Config

	ctx    context.Context
	cancel context.CancelFunc

	closePersistence func() error
	store            *store.Store
	sched            *schedule.Timers
	bot              *discord.Bot
	audit            *audit.Logger
	amqp             *audit.AMQPSink

	challenges *challenge.Engine
	sessions   *session.Tracker
	sweeper    *inactivity.Sweeper
	commands   *Commands
	api        *api.Server
}

// NewPersistence opens the storage backend selected by the configuration.
// The returned function releases it.
func NewPersistence(ctx context.Context, conf Config) (store.Persistence, func() error, error) {
	switch conf.Gatekeeper.StoreBackend {
	case "redis":
		p, err := store.NewRedisPersistence(ctx, conf.Gatekeeper.RedisAddress, conf.Gatekeeper.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		p, err := store.NewFilePersistence(conf.Gatekeeper.DataPath)
		if err != nil {
			return nil, nil, err
		}
		return p, func() error { return nil }, nil
	}
}

// New creates a new instance of Gatekeeper. Nothing talks to Discord before
// Start.
func New(log *slog.Logger, conf Config) (*Gatekeeper, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := loadLocales(conf); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gatekeeper{log: log, conf: conf, ctx: ctx, cancel: cancel}

	log.Info("Loading records...", "backend", conf.Gatekeeper.StoreBackend)
	p, closePersistence, err := NewPersistence(ctx, conf)
	if err != nil {
		cancel()
		return nil, err
	}
	g.closePersistence = closePersistence
	g.store = store.New(log, p)
	if err = g.store.Load(); err != nil {
		cancel()
		_ = closePersistence()
		return nil, err
	}

	secrets := secret.NewFile(conf.Gatekeeper.SecretPath)
	if err = secrets.PromptIfMissing(); err != nil {
		log.Warn("Could not ask for the server password", "error", err)
	}

	g.bot, err = discord.New(log, discord.Config{
		Token:         conf.Discord.Token,
		GuildID:       conf.Discord.GuildID,
		GrantRoleID:   conf.Discord.GrantRoleID,
		BlockedRoleID: conf.Discord.BlockedRoleID,
	})
	if err != nil {
		cancel()
		_ = closePersistence()
		return nil, err
	}
	g.audit = audit.NewLogger(log, g.sinks()...)

	source, err := youtube.New(ctx, log, conf.YouTube.APIKey)
	if err != nil {
		g.audit.Close()
		cancel()
		_ = closePersistence()
		return nil, err
	}

	g.sched = schedule.NewTimers()
	g.services(secrets, source)
	return g, nil
}

// sinks builds the audit destinations. A webhook falls back to the log
// channel when both are configured.
func (g *Gatekeeper) sinks() []audit.Sink {
	var (
		sinks   []audit.Sink
		primary audit.Sink
	)
	conf := g.conf
	if conf.Discord.LogChannelID != "" {
		primary = audit.NewChannelSink(g.bot, conf.Discord.LogChannelID)
	}
	if conf.Discord.LogWebhookURL != "" {
		webhook, err := audit.NewWebhookSink(g.bot.Session(), conf.Discord.LogWebhookURL, "Gatekeeper")
		if err != nil {
			g.log.Warn("Ignoring invalid log webhook", "error", err)
		} else {
			primary = audit.Fallback{Primary: webhook, Secondary: primary}
		}
	}
	if primary != nil {
		sinks = append(sinks, primary)
	}
	if conf.Service.AMQPURL != "" {
		g.amqp = audit.NewAMQPSink(conf.Service.AMQPURL, conf.Service.AMQPQueue)
		sinks = append(sinks, g.amqp)
	}
	return sinks
}

// services wires the flows together.
func (g *Gatekeeper) services(secrets *secret.File, source platform.CommentSource) {
	conf := g.conf
	log, bot, recorder := g.log, g.bot, g.audit

	g.challenges = challenge.NewEngine(log, challenge.Config{
		Videos:           conf.YouTube.Videos,
		PollInterval:     conf.Challenge.PollInterval.D(),
		Duration:         conf.Challenge.Duration.D(),
		FirstPoll:        conf.Challenge.FirstPoll.D(),
		CleanupGrace:     conf.Challenge.CleanupGrace.D(),
		MaxPages:         conf.YouTube.MaxPages,
		Cooldown:         conf.Challenge.Cooldown.D(),
		SessionChannelID: conf.Discord.SessionChannelID,
	}, challenge.Deps{
		Store:    g.store,
		Grants:   bot,
		Notifier: bot,
		Source:   source,
		Secrets:  secrets,
		Phrases:  phrase.New(),
		Codes:    code.NewAllocator(log, g.store, g.sched),
		Audit:    recorder,
		Sched:    g.sched,
	})

	strikes := strike.NewPolicy(log, strike.Config{
		Limit:      conf.Strike.Limit,
		Suspension: conf.Strike.Suspension.D(),
	}, g.store, bot, bot, recorder, g.sched)

	machine := verify.NewMachine(log, verify.Config{
		IdentityTimeout: conf.Verification.IdentityTimeout.D(),
		RuleAckTimeout:  conf.Verification.RuleAckTimeout.D(),
		MinAccountAge:   conf.Verification.MinAccountAge.D(),
		NamePattern:     regexp.MustCompile(conf.Verification.NamePattern),
		GuildID:         conf.Discord.GuildID,
		RuleChannelID:   conf.Discord.RuleChannelID,
		RuleMessageID:   conf.Discord.RuleMessageID,
		RuleEmoji:       conf.Discord.RuleEmoji,
	}, g.store, bot, bot, bot, recorder, g.sched)

	g.sessions = session.NewTracker(log, session.Config{
		CheckInterval:  conf.Session.CheckInterval.D(),
		ConfirmWindow:  conf.Session.ConfirmWindow.D(),
		RejoinCooldown: conf.Session.RejoinCooldown.D(),
	}, g.store, bot, bot, strikes, recorder, g.sched)

	g.sweeper = inactivity.NewSweeper(log, inactivity.Config{
		Interval:    conf.Inactivity.Interval.D(),
		FirstRun:    conf.Inactivity.FirstRun.D(),
		Threshold:   conf.Inactivity.Threshold.D(),
		UserTimeout: conf.Inactivity.UserTimeout.D(),
	}, g.store, bot, bot, recorder, g.sched)

	pings := pingguard.New(log, pingguard.Config{
		Window:  conf.PingGuard.Window.D(),
		Timeout: conf.PingGuard.Timeout.D(),
	}, bot, bot, recorder, g.sched)

	g.commands = NewCommands(log, CommandConfig{
		AdminRoleID:         conf.Discord.AdminRoleID,
		VerifyChannelID:     conf.Discord.VerifyChannelID,
		UnverifiedChannelID: conf.Discord.UnverifiedChannelID,
		ChallengeChannelID:  conf.Discord.ChallengeChannelID,
		SessionChannelID:    conf.Discord.SessionChannelID,
		LogChannelID:        conf.Discord.LogChannelID,
		BroadcastRate:       conf.Service.BroadcastRate,
	}, CommandDeps{
		Store:      g.store,
		Notifier:   bot,
		Files:      bot,
		Directory:  bot,
		Verify:     machine,
		Sessions:   g.sessions,
		Challenges: g.challenges,
		Strikes:    strikes,
		Secrets:    secrets,
		Pings:      pings,
		Audit:      recorder,
		Clock:      g.sched,
	})
	g.sweeper.OnPurge(g.commands.Release)
	bot.OnMessage(func(msg platform.Message) {
		g.commands.Dispatch(g.ctx, msg)
	})

	if conf.Service.GinAddress != "" {
		g.api = api.New(log, api.Config{
			Address: conf.Service.GinAddress,
			Key:     conf.Service.APIKey,
		}, g.store, g.sessions, g.challenges, strikes)
	}
}

// loadLocales registers the operator's message overrides, if any.
func loadLocales(conf Config) error {
	path := conf.Gatekeeper.LocalePath
	if path == "" {
		return nil
	}
	locales := []language.Tag{
		language.English,
	}
	for _, l := range locales {
		if err := locale.Register(l, path); err != nil {
			return err
		}
	}
	return nil
}

// Start connects to Discord, resumes persisted sessions and starts the
// background jobs.
func (g *Gatekeeper) Start() error {
	g.log.Info("Connecting to discord...")
	if err := g.bot.Open(); err != nil {
		return err
	}
	restored := g.sessions.Restore()
	g.sweeper.Start()
	if g.api != nil {
		g.api.Start()
	}
	g.log.Info("Gatekeeper started", "verified", len(g.store.Verifications()), "sessions", restored)
	g.audit.Record("🟢 Bot started. %d session(s) resumed.", restored)
	return nil
}

// Close stops every service and flushes the records.
func (g *Gatekeeper) Close() {
	g.log.Debug("Stopping Scheduler...")
	g.sched.Stop()
	g.log.Debug("Stopping Challenge Engine...")
	g.challenges.Stop()
	g.log.Debug("Stopping Session Tracker...")
	g.sessions.Stop()

	if g.api != nil {
		g.log.Debug("Closing Api...")
		ctx, cancel := context.WithTimeout(context.Background(), internal.ShutdownTimeout)
		if err := g.api.Close(ctx); err != nil {
			g.log.Warn("Api did not shut down cleanly", "error", err)
		}
		cancel()
	}

	g.log.Debug("Closing Discord Session...")
	g.cancel()
	if err := g.bot.Close(); err != nil {
		g.log.Warn("Failed to close discord session", "error", err)
	}

	g.log.Debug("Closing Audit Log...")
	g.audit.Close()
	if g.amqp != nil {
		g.amqp.Close()
	}

	g.log.Debug("Flushing Records...")
	if err := g.store.Flush(); err != nil {
		g.log.Error("CRITICAL: failed to flush records", "error", err)
	}
	if err := g.closePersistence(); err != nil {
		g.log.Warn("Failed to close storage", "error", err)
	}
}
