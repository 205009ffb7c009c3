package pingguard

import (
	"context"
	"testing"
	"time"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal/testutil"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/stretchr/testify/assert"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ping(mentions ...string) platform.Message {
	return platform.Message{ID: "m", ChannelID: "general", GuildID: "g", AuthorID: "u1", Content: "hey", Mentions: mentions}
}

func TestWarnThenTimeout(t *testing.T) {
	clock := schedule.NewManual(start)
	notifier := testutil.NewNotifier()
	dir := testutil.NewDirectory(testutil.NewGrants())
	g := New(testutil.Logger(), DefaultConfig(), notifier, dir, &testutil.Recorder{}, clock)
	admins := []string{"admin"}
	ctx := context.Background()

	assert.Equal(t, None, g.Handle(ctx, ping("friend"), admins))
	assert.Equal(t, Warned, g.Handle(ctx, ping("admin"), admins))
	assert.True(t, notifier.ChannelContains("general", "do not ping"))

	clock.Advance(59 * time.Minute)
	assert.Equal(t, TimedOut, g.Handle(ctx, ping("friend", "admin"), admins))
	until, ok := dir.TimedOutUntil("u1")
	assert.True(t, ok)
	assert.Equal(t, start.Add(59*time.Minute+30*time.Minute), until)

	assert.Equal(t, Warned, g.Handle(ctx, ping("admin"), admins), "the counter starts over after a timeout")
}

func TestWindowExpires(t *testing.T) {
	clock := schedule.NewManual(start)
	dir := testutil.NewDirectory(testutil.NewGrants())
	g := New(testutil.Logger(), DefaultConfig(), testutil.NewNotifier(), dir, &testutil.Recorder{}, clock)
	ctx := context.Background()

	assert.Equal(t, Warned, g.Handle(ctx, ping("admin"), []string{"admin"}))
	clock.Advance(time.Hour)
	assert.Equal(t, Warned, g.Handle(ctx, ping("admin"), []string{"admin"}))
	_, ok := dir.TimedOutUntil("u1")
	assert.False(t, ok)
}

func TestIgnoresBotsAndDirectMessages(t *testing.T) {
	g := New(testutil.Logger(), DefaultConfig(), testutil.NewNotifier(), testutil.NewDirectory(testutil.NewGrants()), &testutil.Recorder{}, schedule.NewManual(start))

	bot := ping("admin")
	bot.Bot = true
	dm := ping("admin")
	dm.GuildID = ""

	assert.Equal(t, None, g.Handle(context.Background(), bot, []string{"admin"}))
	assert.Equal(t, None, g.Handle(context.Background(), dm, []string{"admin"}))
}
