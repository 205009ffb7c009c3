package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal/testutil"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/strike"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	tracker  *Tracker
	store    *store.Store
	grants   *testutil.Grants
	notifier *testutil.Notifier
	audit    *testutil.Recorder
	clock    *schedule.Manual
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		store:    store.New(testutil.Logger(), store.NewMemoryPersistence()),
		grants:   testutil.NewGrants("u1"),
		notifier: testutil.NewNotifier(),
		audit:    &testutil.Recorder{},
		clock:    schedule.NewManual(start),
	}
	policy := strike.NewPolicy(testutil.Logger(), strike.DefaultConfig(), f.store, f.grants, f.notifier, f.audit, f.clock)
	f.tracker = NewTracker(testutil.Logger(), DefaultConfig(), f.store, f.grants, f.notifier, policy, f.audit, f.clock)
	require.NoError(t, f.store.PutVerification("u1", store.VerificationRecord{InGameName: "Rex", Tag: "rex#0001", VerifiedAt: start}))
	return f
}

func (f fixture) strikes(t *testing.T) int {
	t.Helper()
	rec, ok := f.store.Verification("u1")
	require.True(t, ok)
	return rec.StrikeCount
}

func TestJoinSchedulesCheck(t *testing.T) {
	f := newFixture(t)
	sess, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, "Rex", sess.InGameName)
	assert.Equal(t, store.At(start), sess.JoinedAt)
	stored, ok := f.store.Session("u1")
	require.True(t, ok)
	assert.Equal(t, sess, stored)

	due, ok := f.clock.Due(checkKey("u1"))
	require.True(t, ok)
	assert.Equal(t, start.Add(30*time.Minute), due)
}

func TestTimeoutStrikes(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)

	_, active := f.store.Session("u1")
	assert.False(t, active)
	assert.Equal(t, 1, f.strikes(t))
	assert.True(t, f.notifier.DirectContains("u1", "1/3"))
	assert.True(t, f.notifier.DirectContains("u1", "Confirmation timeout"))
	assert.Equal(t, []string{"m1:✅", "m1:❌"}, f.notifier.Reactions())
	assert.Equal(t, []time.Duration{5 * time.Minute}, f.notifier.ReactionWaits())
	assert.False(t, f.clock.Pending(checkKey("u1")))
}

func TestConfirmAfterLeaveIsDropped(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)
	f.tracker.mu.Lock()
	epoch := f.tracker.lives["u1"].epoch
	f.tracker.mu.Unlock()

	_, err = f.tracker.Leave("u1")
	require.NoError(t, err)
	f.tracker.confirm("u1", epoch)

	assert.False(t, f.notifier.DirectContains("u1", "Thanks"))
	assert.False(t, f.clock.Pending(checkKey("u1")))
	assert.False(t, f.audit.Contains("confirmed they are still playing"))
}

func TestDeclineEndsWithoutStrike(t *testing.T) {
	f := newFixture(t)
	f.notifier.OnReaction(testutil.React("u1", "❌"))
	_, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)

	_, active := f.store.Session("u1")
	assert.False(t, active)
	assert.Zero(t, f.strikes(t))
	assert.True(t, f.notifier.DirectContains("u1", "session has ended"))
}

func TestConfirmExtends(t *testing.T) {
	f := newFixture(t)
	f.notifier.OnReaction(testutil.React("u1", "✅"))
	_, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)

	sess, active := f.store.Session("u1")
	require.True(t, active)
	assert.Equal(t, store.At(start.Add(30*time.Minute)), sess.LastConfirmedAt)
	due, _ := f.clock.Due(checkKey("u1"))
	assert.Equal(t, start.Add(time.Hour), due)
	assert.Zero(t, f.strikes(t))

	f.clock.Advance(30 * time.Minute)
	_, active = f.store.Session("u1")
	assert.False(t, active, "the second check is not answered")
	assert.Equal(t, 1, f.strikes(t))
}

func TestThreeTimeoutsSuspend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		sess, err := f.tracker.Join(ctx, "u1")
		require.NoError(t, err, "join %d", i)
		assert.Equal(t, min(i-1, 2), sess.Strikes, "session mirrors the record")
		f.clock.Advance(30 * time.Minute)
	}

	rec, _ := f.store.Verification("u1")
	assert.Zero(t, rec.StrikeCount)
	until := start.Add(90*time.Minute + 24*time.Hour)
	assert.Equal(t, store.At(until), rec.SuspendedUntil)
	assert.Empty(t, f.grants.Holders())

	_, err := f.tracker.Join(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoGrant)

	require.NoError(t, f.grants.AssignGrant(ctx, "u1"))
	_, err = f.tracker.Join(ctx, "u1")
	var se SuspendedError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, until, se.Until)

	f.clock.Advance(24 * time.Hour)
	_, err = f.tracker.Join(ctx, "u1")
	require.NoError(t, err)
	rec, _ = f.store.Verification("u1")
	assert.True(t, rec.SuspendedUntil.IsZero(), "lapsed suspension is cleared on join")
}

func TestUnreachableEndsWithoutStrike(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)
	f.notifier.FailDirect("u1", fmt.Errorf("create dm: %w", platform.ErrUnreachable))

	f.clock.Advance(30 * time.Minute)

	_, active := f.store.Session("u1")
	assert.False(t, active)
	assert.Zero(t, f.strikes(t))
	assert.True(t, f.audit.Contains(ReasonUnreachable.String()))
}

func TestWaitErrorEndsWithoutStrike(t *testing.T) {
	f := newFixture(t)
	f.notifier.OnReaction(testutil.FailReaction(errors.New("gateway gone")))
	_, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)

	_, active := f.store.Session("u1")
	assert.False(t, active)
	assert.Zero(t, f.strikes(t))
	assert.True(t, f.audit.Contains(ReasonError.String()))
}

func TestStaleResultIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.notifier.OnReaction(func(string, string, func(platform.Reaction) bool) wait.Result[platform.Reaction] {
		// The user leaves while the check is still open.
		_, err := f.tracker.Leave("u1")
		require.NoError(t, err)
		return wait.Timeout[platform.Reaction]()
	})
	_, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)

	assert.Zero(t, f.strikes(t), "late timeout of an ended session is ignored")
	assert.False(t, f.notifier.DirectContains("u1", "did not confirm"))
}

func TestJoinGuards(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		prep   func(t *testing.T, f fixture)
		target error
	}{
		{"not verified", "ghost", func(*testing.T, fixture) {}, ErrNotVerified},
		{"no grant", "u2", func(t *testing.T, f fixture) {
			require.NoError(t, f.store.PutVerification("u2", store.VerificationRecord{InGameName: "Two"}))
		}, ErrNoGrant},
		{"already active", "u1", func(t *testing.T, f fixture) {
			_, err := f.tracker.Join(context.Background(), "u1")
			require.NoError(t, err)
		}, ErrAlreadyActive},
		{"closed", "u1", func(_ *testing.T, f fixture) { f.tracker.Stop() }, ErrClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.prep(t, f)
			_, err := f.tracker.Join(context.Background(), tt.user)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestRejoinCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tracker.Join(ctx, "u1")
	require.NoError(t, err)
	_, err = f.tracker.Leave("u1")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	_, err = f.tracker.Join(ctx, "u1")
	var ce CooldownError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 40*time.Second, ce.Remaining)

	f.clock.Advance(40 * time.Second)
	_, err = f.tracker.Join(ctx, "u1")
	assert.NoError(t, err)
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)

	ended, err := f.tracker.Leave("u1")
	require.NoError(t, err)
	assert.Equal(t, ReasonLeft, ended.Reason)
	assert.False(t, ended.Struck)
	assert.Equal(t, "Rex", ended.Session.InGameName)
	assert.False(t, f.clock.Pending(checkKey("u1")))

	_, err = f.tracker.Leave("u1")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestRemoveDecision(t *testing.T) {
	tests := []struct {
		decision strike.Decision
		struck   bool
	}{
		{strike.Default, false},
		{strike.Apply, true},
		{strike.Waive, false},
	}
	for _, tt := range tests {
		t.Run(tt.decision.String(), func(t *testing.T) {
			f := newFixture(t)
			_, err := f.tracker.Join(context.Background(), "u1")
			require.NoError(t, err)

			ended, err := f.tracker.Remove("u1", tt.decision)
			require.NoError(t, err)
			assert.Equal(t, ReasonAdmin, ended.Reason)
			assert.Equal(t, tt.struck, ended.Struck)
			want := 0
			if tt.struck {
				want = 1
			}
			assert.Equal(t, want, f.strikes(t))
			assert.True(t, f.notifier.DirectContains("u1", "An admin ended your session"))
		})
	}
}

func TestStrikeRule(t *testing.T) {
	for _, r := range []Reason{ReasonLeft, ReasonDeclined, ReasonTimeout, ReasonUnreachable, ReasonAdmin, ReasonError} {
		assert.Equal(t, r == ReasonTimeout, strikes(r, strike.Default), r.String())
		assert.True(t, strikes(r, strike.Apply), r.String())
		assert.False(t, strikes(r, strike.Waive), r.String())
	}
}

func TestAddManual(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracker.AddManual("admin#1", "stranger", "")
	assert.ErrorIs(t, err, ErrNotVerified)

	sess, err := f.tracker.AddManual("admin#1", "stranger", "Guest")
	require.NoError(t, err)
	assert.Equal(t, "Guest", sess.InGameName)
	assert.True(t, f.clock.Pending(checkKey("stranger")))

	sess, err = f.tracker.AddManual("admin#1", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "Rex", sess.InGameName)

	_, err = f.tracker.AddManual("admin#1", "u1", "")
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Len(t, f.tracker.Sessions(), 2)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutSession("overdue", store.ActiveSession{
		InGameName:      "Late",
		JoinedAt:        store.At(start.Add(-2 * time.Hour)),
		LastConfirmedAt: store.At(start.Add(-40 * time.Minute)),
	}))
	require.NoError(t, f.store.PutSession("fresh", store.ActiveSession{
		InGameName: "Early",
		JoinedAt:   store.At(start.Add(-10 * time.Minute)),
	}))

	assert.Equal(t, 2, f.tracker.Restore())

	due, ok := f.clock.Due(checkKey("overdue"))
	require.True(t, ok)
	assert.Equal(t, start, due)
	due, ok = f.clock.Due(checkKey("fresh"))
	require.True(t, ok)
	assert.Equal(t, start.Add(20*time.Minute), due)

	sessions := f.tracker.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "overdue", sessions[0].UserID)

	f.clock.Advance(0)
	assert.True(t, f.notifier.DirectContains("overdue", "still playing"))
}

func TestStopKeepsSessions(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Join(context.Background(), "u1")
	require.NoError(t, err)

	f.tracker.Stop()
	assert.False(t, f.clock.Pending(checkKey("u1")))
	_, active := f.store.Session("u1")
	assert.True(t, active, "sessions survive a restart")
}
