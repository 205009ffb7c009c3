package gatekeeper

import (
	"context"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/challenge"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/code"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal/testutil"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/phrase"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/pingguard"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/secret"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/session"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/strike"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/verify"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type noComments struct{}

func (noComments) ListComments(context.Context, string, string) (platform.CommentPage, error) {
	return platform.CommentPage{}, nil
}

type upload struct {
	channelID, content, name, body string
}

type files struct{ uploads []upload }

func (f *files) SendFile(_ context.Context, channelID, content, name string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.uploads = append(f.uploads, upload{channelID, content, name, string(b)})
	return nil
}

type fixture struct {
	commands   *Commands
	challenges *challenge.Engine
	store      *store.Store
	notifier   *testutil.Notifier
	grants     *testutil.Grants
	files      *files
	audit      *testutil.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	log := testutil.Logger()
	clock := schedule.NewManual(start)
	f := fixture{
		store:    store.New(log, store.NewMemoryPersistence()),
		notifier: testutil.NewNotifier(),
		grants:   testutil.NewGrants("u1"),
		files:    &files{},
		audit:    &testutil.Recorder{},
	}
	dir := testutil.NewDirectory(f.grants,
		platform.Member{ID: "a1", Username: "boss", Tag: "boss", Roles: []string{"admin"}, CreatedAt: start.AddDate(-5, 0, 0)},
		platform.Member{ID: "u1", Username: "rex", Tag: "rex", Roles: []string{"grant"}, CreatedAt: start.AddDate(-1, 0, 0)},
		platform.Member{ID: "u2", Username: "newbie", Tag: "newbie", CreatedAt: start.AddDate(0, 0, -30)},
	)
	secrets := secret.NewFile(filepath.Join(t.TempDir(), "pass.txt"))

	policy := strike.NewPolicy(log, strike.DefaultConfig(), f.store, f.grants, f.notifier, f.audit, clock)
	engineConf := challenge.DefaultConfig()
	engineConf.Videos = []string{"vid"}
	engine := challenge.NewEngine(log, engineConf, challenge.Deps{
		Store:    f.store,
		Grants:   f.grants,
		Notifier: f.notifier,
		Source:   noComments{},
		Secrets:  secrets,
		Phrases:  phrase.New(),
		Codes:    code.NewAllocator(log, f.store, clock),
		Audit:    f.audit,
		Sched:    clock,
	})
	machine := verify.NewMachine(log, verify.DefaultConfig(), f.store, f.grants, dir, f.notifier, f.audit, clock)
	tracker := session.NewTracker(log, session.DefaultConfig(), f.store, f.grants, f.notifier, policy, f.audit, clock)
	pings := pingguard.New(log, pingguard.DefaultConfig(), f.notifier, dir, f.audit, clock)

	f.commands = NewCommands(log, CommandConfig{
		AdminRoleID:         "admin",
		UnverifiedChannelID: "unverified",
		ChallengeChannelID:  "pass",
		SessionChannelID:    "ark",
		LogChannelID:        "log",
		BroadcastRate:       1000,
	}, CommandDeps{
		Store:      f.store,
		Notifier:   f.notifier,
		Files:      f.files,
		Directory:  dir,
		Verify:     machine,
		Sessions:   tracker,
		Challenges: engine,
		Strikes:    policy,
		Secrets:    secrets,
		Pings:      pings,
		Audit:      f.audit,
		Clock:      clock,
	})
	f.challenges = engine
	t.Cleanup(func() {
		tracker.Stop()
		engine.Stop()
	})

	require.NoError(t, f.store.PutVerification("u1", store.VerificationRecord{
		DisplayName: "rex", Tag: "rex", InGameName: "Rex", VerifiedAt: start.AddDate(0, 0, -1), VerifiedBy: "boss",
	}))
	return f
}

// send dispatches content as authorID in channelID.
func (f fixture) send(authorID, channelID, content string, mentions ...string) {
	f.commands.Dispatch(context.Background(), platform.Message{
		ID:        "msg",
		ChannelID: channelID,
		GuildID:   "guild",
		AuthorID:  authorID,
		AuthorTag: authorID + "#0",
		Content:   content,
		Mentions:  mentions,
	})
}

// said reports whether any reply contains substr.
func (f fixture) said(substr string) bool {
	return slices.ContainsFunc(f.notifier.Replied(), func(p testutil.Post) bool {
		return strings.Contains(p.Content, substr)
	})
}

func (f fixture) lastReply(t *testing.T) string {
	t.Helper()
	replies := f.notifier.Replied()
	require.NotEmpty(t, replies)
	return replies[len(replies)-1].Content
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		args    []string
		command bool
	}{
		{"!pass", "pass", []string{}, true},
		{"  !FullList  ", "fulllist", []string{}, true},
		{"!forceadd <@1> Big Rex", "forceadd", []string{"<@1>", "Big", "Rex"}, true},
		{"hello !pass", "", nil, false},
		{"!", "", []string{}, false},
		{"", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, args, ok := parse(tt.in)
			assert.Equal(t, tt.command, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestPermissionsAndChannels(t *testing.T) {
	f := newFixture(t)

	f.send("u2", "general", "!list")
	assert.Contains(t, f.lastReply(t), "do not have permission")

	f.send("u1", "general", "!pass")
	assert.Contains(t, f.lastReply(t), "only works in <#pass>")

	f.send("u1", "general", "!joinark")
	assert.Contains(t, f.lastReply(t), "only works in <#ark>")

	before := len(f.notifier.Replied())
	f.send("u1", "general", "!doesnotexist")
	assert.Len(t, f.notifier.Replied(), before, "unknown commands are ignored")
}

func TestUnverifiedChannelAutoReply(t *testing.T) {
	f := newFixture(t)

	f.send("u2", "unverified", "hello?")
	assert.Contains(t, f.lastReply(t), "An admin will verify you soon")

	f.send("u2", "unverified", "!pass")
	assert.Len(t, f.notifier.Replied(), 2)
	assert.False(t, f.said("only works in"), "commands from the unverified channel only get the auto-reply")

	f.send("a1", "unverified", "welcome")
	assert.Len(t, f.notifier.Replied(), 2, "admins are not auto-replied")
}

func TestPass(t *testing.T) {
	f := newFixture(t)

	f.send("u2", "pass", "!pass")
	assert.Contains(t, f.lastReply(t), "you need to be verified first")

	f.send("u1", "pass", "!pass")
	assert.Contains(t, f.lastReply(t), "Check your direct messages")
	assert.Len(t, f.notifier.Direct("u1"), 2)

	f.send("u1", "pass", "!pass")
	assert.Contains(t, f.lastReply(t), "already have a challenge running")
}

func TestPassDirectMessagesClosed(t *testing.T) {
	f := newFixture(t)
	f.notifier.FailDirect("u1", platform.ErrUnreachable)

	f.send("u1", "pass", "!pass")
	assert.Contains(t, f.lastReply(t), "cannot send you direct messages")
}

func TestJoinAndLeave(t *testing.T) {
	f := newFixture(t)

	f.send("u1", "ark", "!joinark")
	assert.Contains(t, f.lastReply(t), "joined as **Rex**")

	f.send("u1", "ark", "!joinark")
	assert.Contains(t, f.lastReply(t), "already marked as active")

	f.send("u1", "general", "!leaveark")
	assert.Contains(t, f.lastReply(t), "left the server")

	f.send("u1", "general", "!leaveark")
	assert.Contains(t, f.lastReply(t), "not marked as active")

	f.send("u1", "ark", "!joinark")
	assert.Contains(t, f.lastReply(t), "before joining again")
}

func TestBanLifecycle(t *testing.T) {
	f := newFixture(t)

	f.send("a1", "admin", "!show Rex")
	assert.Contains(t, f.lastReply(t), "In-game name: **Rex**")

	f.send("a1", "admin", "!bann <@u1>", "u1")
	assert.Contains(t, f.lastReply(t), "<@u1> has been banned")
	assert.Empty(t, f.grants.Holders())

	f.send("a1", "admin", "!bann <@u1>", "u1")
	assert.Contains(t, f.lastReply(t), "already banned")

	f.send("a1", "admin", "!show <@u1>", "u1")
	assert.Contains(t, f.lastReply(t), "Name: Rex")

	f.send("a1", "admin", "!show_banned")
	assert.Contains(t, f.lastReply(t), "Banned users (1)")

	f.send("a1", "admin", "!rem_bann <@u1>", "u1")
	assert.Contains(t, f.lastReply(t), "has been unbanned")

	f.send("a1", "admin", "!rem_bann <@u1>", "u1")
	assert.Contains(t, f.lastReply(t), "is not banned")

	f.send("a1", "admin", "!remove <@u1>", "u1")
	assert.Contains(t, f.lastReply(t), "is not verified")
}

func TestRemoveReleasesUser(t *testing.T) {
	f := newFixture(t)
	f.send("u1", "ark", "!joinark")
	f.send("u1", "pass", "!pass")
	_, pending := f.challenges.Pending("u1")
	require.True(t, pending)

	f.send("a1", "admin", "!remove Rex")
	assert.Contains(t, f.lastReply(t), "Removed the verification of <@u1> (Rex)")
	_, active := f.store.Session("u1")
	assert.False(t, active)
	_, pending = f.challenges.Pending("u1")
	assert.False(t, pending)
}

func TestBanEndsSession(t *testing.T) {
	f := newFixture(t)
	f.send("u1", "ark", "!joinark")
	_, active := f.store.Session("u1")
	require.True(t, active)

	f.send("a1", "admin", "!bann Rex")
	_, active = f.store.Session("u1")
	assert.False(t, active)
	assert.Contains(t, f.lastReply(t), "has been banned")
}

func TestForceAddAndChange(t *testing.T) {
	f := newFixture(t)

	f.send("a1", "admin", "!forceadd <@u2> !!", "u2")
	assert.Contains(t, f.lastReply(t), "`!!` is not a valid in-game name")

	f.send("a1", "admin", "!forceadd <@u2> Big Rex", "u2")
	assert.Contains(t, f.lastReply(t), "verified as **Big Rex**")
	assert.Contains(t, f.grants.Holders(), "u2")

	f.send("a1", "admin", "!forceadd <@u2> Other", "u2")
	assert.Contains(t, f.lastReply(t), "already verified")

	f.send("a1", "admin", "!change <@u2> Small Rex", "u2")
	assert.Contains(t, f.lastReply(t), "from Big Rex to Small Rex")
	rec, _ := f.store.Verification("u2")
	assert.Equal(t, "Small Rex", rec.InGameName)
	assert.Equal(t, "a1#0", rec.ChangedBy)

	f.send("a1", "admin", "!change <@u2>", "u2")
	assert.Contains(t, f.lastReply(t), "Usage: `!change @user name`")
}

func TestUsage(t *testing.T) {
	f := newFixture(t)

	f.send("a1", "admin", "!remove")
	assert.Contains(t, f.lastReply(t), "Usage: `!remove @user|name|id`")

	f.send("a1", "admin", "!send")
	assert.Contains(t, f.lastReply(t), "Usage: `!send message`")
}

func TestListAndFullList(t *testing.T) {
	f := newFixture(t)

	f.send("a1", "admin", "!list")
	assert.Contains(t, f.lastReply(t), "**Rex** <@u1>")

	f.send("a1", "admin", "!fulllist")
	require.Len(t, f.files.uploads, 1)
	up := f.files.uploads[0]
	assert.Equal(t, "admin", up.channelID)
	assert.Equal(t, "1 verified users.", strings.TrimPrefix(up.content, "📄 "))
	assert.True(t, strings.HasPrefix(up.name, "verified_"))
	assert.Contains(t, up.body, "u1,rex,Rex,")
}

func TestRemoveStrikeAndActive(t *testing.T) {
	f := newFixture(t)

	f.send("u1", "ark", "!joinark")
	f.send("a1", "admin", "!removeactive <@u1> maybe", "u1")
	assert.Contains(t, f.lastReply(t), "Usage:")

	f.send("a1", "admin", "!removeactive <@u1> apply", "u1")
	assert.Contains(t, f.lastReply(t), "Ended the session of <@u1>")
	rec, _ := f.store.Verification("u1")
	assert.Equal(t, 1, rec.StrikeCount)

	f.send("a1", "admin", "!remove_strike Rex")
	assert.Contains(t, f.lastReply(t), "reset (was 1)")

	f.send("a1", "admin", "!activeplayers")
	assert.Contains(t, f.lastReply(t), "Nobody is active")

	f.send("a1", "admin", "!addactive <@u1> Rexy", "u1")
	assert.Contains(t, f.lastReply(t), "active as **Rexy**")

	f.send("a1", "admin", "!activeplayers")
	assert.Contains(t, f.lastReply(t), "**Rexy** <@u1>")
}

func TestRoleCheckAndAccountAge(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.grants.AssignGrant(context.Background(), "u2"))

	f.send("a1", "admin", "!rolecheck")
	assert.Contains(t, f.lastReply(t), "2 role holders, 1 without a record")
	assert.Contains(t, f.lastReply(t), "<@u2>")

	f.send("a1", "admin", "!accountage <@u2>", "u2")
	assert.Contains(t, f.lastReply(t), "created 30 days ago")

	f.send("a1", "admin", "!accountage <@u9>", "u9")
	assert.Contains(t, f.lastReply(t), "not in this server")
}

func TestBroadcastSkipsBanned(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.grants.AssignGrant(context.Background(), "u3"))
	require.NoError(t, f.store.Ban("u3", store.BanRecord{BannedBy: "boss"}))

	f.send("a1", "admin", "!send server restarts soon")
	assert.Contains(t, f.lastReply(t), "Sent to 1 users, 0 failed")
	assert.Equal(t, []string{"server restarts soon"}, f.notifier.Direct("u1"))
	assert.Empty(t, f.notifier.Direct("u3"))
	assert.True(t, f.audit.Contains("1 banned skipped"))
}

func TestSecretCommands(t *testing.T) {
	f := newFixture(t)

	f.send("a1", "admin", "!givepass")
	assert.Contains(t, f.lastReply(t), "No server password is set")

	f.send("a1", "admin", "!addpass  correct  horse   battery ")
	assert.Contains(t, f.lastReply(t), "password was updated")

	f.send("a1", "admin", "!givepass <@u1>", "u1")
	assert.Contains(t, f.lastReply(t), "Sent the server password to <@u1>")
	assert.Equal(t, []string{"correct  horse   battery"}, f.notifier.Direct("u1"))
}

func TestAdminPingIsGuarded(t *testing.T) {
	f := newFixture(t)

	f.send("u2", "general", "hey <@a1>", "a1")
	assert.Contains(t, f.lastReply(t), "please do not ping admins")

	before := len(f.notifier.Replied())
	f.send("u2", "general", "hey <@u1>", "u1")
	assert.Len(t, f.notifier.Replied(), before, "mentioning members is fine")
}

func TestPanicIsReported(t *testing.T) {
	f := newFixture(t)
	f.commands.commands["boom"] = command{usage: "!boom", run: func(context.Context, *call) error {
		panic("kaboom")
	}}

	assert.NotPanics(t, func() { f.send("a1", "admin", "!boom") })
	assert.Contains(t, f.lastReply(t), "Something went wrong")
	assert.True(t, f.audit.Contains("ERROR in !boom"))
}
