package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// VerificationRecord is what the bot remembers about a verified user.
type VerificationRecord struct {
	DisplayName string    `json:"discordName"`
	Tag         string    `json:"discordTag"`
	InGameName  string    `json:"inGameName"`
	VerifiedAt  time.Time `json:"timestamp"`
	VerifiedBy  string    `json:"verifiedBy"`
	ChangedBy   string    `json:"changedBy,omitempty"`

	// LastChallengeSuccess is the last time the user completed the comment
	// challenge. Zero means never.
	LastChallengeSuccess Millis `json:"lastPassUsage"`
	StrikeCount          int    `json:"arkStrikes"`
	// SuspendedUntil bars the user from verification and sessions while in the future.
	SuspendedUntil Millis `json:"cannotReverifyUntil"`
	// Forced marks records created by an admin without the rule acknowledgement.
	Forced bool `json:"forced,omitempty"`
}

// SuspendedAt reports whether the record is suspended at now.
func (r VerificationRecord) SuspendedAt(now time.Time) bool {
	return !r.SuspendedUntil.IsZero() && now.Before(r.SuspendedUntil.Time())
}

// BanRecord marks a user as banned from the bot.
type BanRecord struct {
	BannedBy     string    `json:"bannedBy"`
	BannedAt     time.Time `json:"timestamp"`
	OriginalName string    `json:"originalName"`
}

// ActiveSession is a user currently marked online on the game server.
type ActiveSession struct {
	InGameName      string `json:"ign"`
	Tag             string `json:"tag"`
	JoinedAt        Millis `json:"joinedAt"`
	LastConfirmedAt Millis `json:"lastConfirmedActiveAt"`
	Strikes         int    `json:"strikes"`
}

// LastActivity returns the last confirmation, or the join time if the user
// has not confirmed yet.
func (s ActiveSession) LastActivity() time.Time {
	if !s.LastConfirmedAt.IsZero() {
		return s.LastConfirmedAt.Time()
	}
	return s.JoinedAt.Time()
}

// Millis is a timestamp stored as Unix epoch milliseconds. The zero value is
// stored as 0 and means absent.
type Millis int64

// At returns t as Millis. The zero time maps to zero.
func At(t time.Time) Millis {
	if t.IsZero() {
		return 0
	}
	return Millis(t.UnixMilli())
}

// Time returns m as a time.Time in UTC. Zero maps to the zero time.
func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

// IsZero ...
func (m Millis) IsZero() bool {
	return m == 0
}

// UnmarshalJSON accepts numbers and null, which older data files contain.
func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("millis: %w", err)
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return fmt.Errorf("millis: cannot parse %q: %w", n, err)
		}
		v = int64(f)
	}
	*m = Millis(v)
	return nil
}
