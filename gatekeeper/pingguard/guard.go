// Package pingguard discourages members from mentioning admins.
package pingguard

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/audit"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/locale"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
)

// Action is what the guard did about a message.
type Action int

const (
	None Action = iota
	Warned
	TimedOut
)

// Config ...
type Config struct {
	// Window is how long a ping is remembered.
	Window time.Duration
	// Timeout is how long a repeat offender is muted.
	Timeout time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{Window: time.Hour, Timeout: 30 * time.Minute}
}

type offence struct {
	count int
	last  time.Time
}

// Guard tracks admin pings per member.
type Guard struct {
	log       *slog.Logger
	conf      Config
	notifier  platform.Notifier
	directory platform.Directory
	audit     audit.Recorder
	clock     schedule.Clock

	mu       sync.Mutex
	offences map[string]offence
}

// New ...
func New(log *slog.Logger, conf Config, n platform.Notifier, d platform.Directory, a audit.Recorder, c schedule.Clock) *Guard {
	return &Guard{
		log:       log,
		conf:      conf,
		notifier:  n,
		directory: d,
		audit:     a,
		clock:     c,
		offences:  make(map[string]offence),
	}
}

// Handle inspects msg, sent by a non-admin, for mentions of any of admins.
func (g *Guard) Handle(ctx context.Context, msg platform.Message, admins []string) Action {
	if msg.Bot || msg.Direct() {
		return None
	}
	if !slices.ContainsFunc(msg.Mentions, func(id string) bool { return slices.Contains(admins, id) }) {
		return None
	}

	now := g.clock.Now()
	g.mu.Lock()
	o := g.offences[msg.AuthorID]
	if !o.last.IsZero() && now.Sub(o.last) >= g.conf.Window {
		o = offence{}
	}
	o.count++
	o.last = now
	g.offences[msg.AuthorID] = o
	g.mu.Unlock()

	if o.count == 1 {
		g.log.Info("Warned member for pinging an admin", "user", msg.AuthorID)
		g.audit.Record("⚠️ <@%s> pinged an admin in <#%s> and was warned.", msg.AuthorID, msg.ChannelID)
		if err := g.notifier.Reply(ctx, msg.ChannelID, msg.ID, locale.Translate("pingguard.warning", "<@"+msg.AuthorID+">")); err != nil {
			g.log.Warn("Failed to send ping warning", "user", msg.AuthorID, "error", err)
		}
		return Warned
	}

	until := now.Add(g.conf.Timeout)
	if err := g.directory.Timeout(ctx, msg.AuthorID, until); err != nil {
		g.log.Warn("Failed to time out member", "user", msg.AuthorID, "error", err)
		g.audit.Record("⚠️ Could not time out <@%s> for repeated admin pings: %v", msg.AuthorID, err)
		return Warned
	}

	g.mu.Lock()
	delete(g.offences, msg.AuthorID)
	g.mu.Unlock()

	minutes := int(g.conf.Timeout.Minutes())
	g.log.Info("Timed out member for repeated admin pings", "user", msg.AuthorID, "until", until)
	g.audit.Record("🔇 <@%s> was timed out for %d minutes for repeated admin pings.", msg.AuthorID, minutes)
	if _, err := g.notifier.SendToChannel(ctx, msg.ChannelID, locale.Translate("pingguard.timeout", "<@"+msg.AuthorID+">", minutes)); err != nil {
		g.log.Warn("Failed to announce ping timeout", "user", msg.AuthorID, "error", err)
	}
	return TimedOut
}

// Reset forgets every offence.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.offences)
}
