package inactivity

import (
	"context"
	"testing"
	"time"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/internal/testutil"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/schedule"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func TestSweep(t *testing.T) {
	old := now.Add(-4 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	s := store.New(testutil.Logger(), store.NewMemoryPersistence())
	records := map[string]store.VerificationRecord{
		"never":     {InGameName: "Never", VerifiedAt: old},
		"stale":     {InGameName: "Stale", VerifiedAt: old, LastChallengeSuccess: store.At(old)},
		"active":    {InGameName: "Active", VerifiedAt: old, LastChallengeSuccess: store.At(recent)},
		"new":       {InGameName: "New", VerifiedAt: recent},
		"suspended": {InGameName: "Sus", VerifiedAt: old, SuspendedUntil: store.At(now.Add(time.Hour))},
		"lapsed":    {InGameName: "Lapsed", VerifiedAt: old, SuspendedUntil: store.At(now.Add(-time.Hour))},
	}
	for id, rec := range records {
		require.NoError(t, s.PutVerification(id, rec))
	}

	grants := testutil.NewGrants("never", "stale", "active", "new")
	notifier := testutil.NewNotifier()
	rec := &testutil.Recorder{}
	clock := schedule.NewManual(now)
	sw := NewSweeper(testutil.Logger(), DefaultConfig(), s, grants, notifier, rec, clock)

	purged := sw.Sweep(context.Background())
	assert.Equal(t, []string{"lapsed", "never", "stale"}, purged)

	for _, id := range purged {
		_, ok := s.Verification(id)
		assert.False(t, ok, id)
		assert.True(t, notifier.DirectContains(id, "3 days"), id)
	}
	for _, id := range []string{"active", "new", "suspended"} {
		_, ok := s.Verification(id)
		assert.True(t, ok, id)
	}
	assert.Equal(t, []string{"active", "new"}, grants.Holders())
	assert.True(t, rec.Contains("never passed the challenge"))
	assert.True(t, rec.Contains("removed 3 user(s)"))
}

// slowGrants blocks RevokeGrant of one user until its context is done.
type slowGrants struct {
	*testutil.Grants
	slow    string
	expired []string
}

func (g *slowGrants) RevokeGrant(ctx context.Context, userID string) error {
	if userID == g.slow {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		g.expired = append(g.expired, userID)
		return err
	}
	return g.Grants.RevokeGrant(ctx, userID)
}

func TestSweepBudgetsEachUser(t *testing.T) {
	old := now.Add(-4 * 24 * time.Hour)
	s := store.New(testutil.Logger(), store.NewMemoryPersistence())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.PutVerification(id, store.VerificationRecord{InGameName: id, VerifiedAt: old}))
	}
	grants := &slowGrants{Grants: testutil.NewGrants("a", "b", "c"), slow: "a"}
	rec := &testutil.Recorder{}
	conf := DefaultConfig()
	conf.UserTimeout = 20 * time.Millisecond
	sw := NewSweeper(testutil.Logger(), conf, s, grants, testutil.NewNotifier(), rec, schedule.NewManual(now))
	var released []string
	sw.OnPurge(func(userID string) { released = append(released, userID) })

	purged := sw.Sweep(context.Background())
	assert.Equal(t, []string{"b", "c"}, purged)
	assert.Equal(t, []string{"b", "c"}, released)
	assert.Equal(t, []string{"a"}, grants.expired, "a slow user does not eat the budget of the next")

	_, ok := s.Verification("a")
	assert.True(t, ok, "the record stays while the grant is held")
	assert.Equal(t, []string{"a"}, grants.Holders())
	assert.True(t, rec.Contains("Could not remove inactive user <@a>"))
}

func TestInactiveNeedsBothTimestampsOld(t *testing.T) {
	sw := NewSweeper(testutil.Logger(), DefaultConfig(), nil, nil, nil, nil, nil)
	old := now.Add(-73 * time.Hour)
	young := now.Add(-71 * time.Hour)

	tests := []struct {
		name     string
		verified time.Time
		last     time.Time
		want     bool
	}{
		{"both old", old, old, true},
		{"never used, old", old, time.Time{}, true},
		{"never used, young", young, time.Time{}, false},
		{"recent use", old, young, false},
		{"young record, old use", young, old, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := store.VerificationRecord{VerifiedAt: tt.verified, LastChallengeSuccess: store.At(tt.last)}
			assert.Equal(t, tt.want, sw.Inactive(rec, now))
		})
	}
}

func TestStartRunsPeriodically(t *testing.T) {
	s := store.New(testutil.Logger(), store.NewMemoryPersistence())
	clock := schedule.NewManual(now)
	sw := NewSweeper(testutil.Logger(), DefaultConfig(), s, testutil.NewGrants(), testutil.NewNotifier(), &testutil.Recorder{}, clock)

	require.NoError(t, s.PutVerification("u1", store.VerificationRecord{VerifiedAt: now.Add(-70 * time.Hour)}))
	sw.Start()

	clock.Advance(10 * time.Second)
	_, ok := s.Verification("u1")
	assert.True(t, ok, "not old enough at the first sweep")

	due, ok := clock.Due(sweepKey)
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Second+6*time.Hour), due)

	clock.Advance(6 * time.Hour)
	_, ok = s.Verification("u1")
	assert.False(t, ok)
}
