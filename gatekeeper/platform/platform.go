// Package platform declares the capabilities the bot needs from the chat
// platform and the video platform. The discord and youtube packages provide
// the real implementations.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/wait"
)

var (
	// ErrUnreachable is returned when a direct message cannot be delivered
	// because the recipient blocks it.
	ErrUnreachable = errors.New("recipient unreachable")
	// ErrNotMember is returned when the user is not part of the guild.
	ErrNotMember = errors.New("user is not a guild member")
	// ErrQuotaExhausted is returned when the video platform API quota is spent.
	ErrQuotaExhausted = errors.New("api quota exhausted")
	// ErrResourceUnavailable is returned when a video or its comments cannot be read.
	ErrResourceUnavailable = errors.New("resource unavailable")
)

// Message is an inbound chat message.
type Message struct {
	ID        string
	ChannelID string
	GuildID   string
	AuthorID  string
	AuthorTag string
	Content   string
	Bot       bool
	Mentions  []string
}

// Direct reports whether the message was sent in a direct message channel.
func (m Message) Direct() bool {
	return m.GuildID == ""
}

// Reaction is an emoji added to a message.
type Reaction struct {
	MessageID string
	ChannelID string
	UserID    string
	Emoji     string
}

// Sent identifies a message the bot delivered.
type Sent struct {
	ID        string
	ChannelID string
}

// Notifier delivers messages and waits for replies and reactions.
type Notifier interface {
	SendDirect(ctx context.Context, userID, content string) (Sent, error)
	SendToChannel(ctx context.Context, channelID, content string) (Sent, error)
	Reply(ctx context.Context, channelID, messageID, content string) error
	React(ctx context.Context, channelID, messageID, emoji string) error
	AwaitReply(ctx context.Context, channelID string, match func(Message) bool, timeout time.Duration) wait.Result[Message]
	AwaitReaction(ctx context.Context, channelID, messageID string, match func(Reaction) bool, timeout time.Duration) wait.Result[Reaction]
}

// Grants manages the role that unlocks the gated password.
type Grants interface {
	AssignGrant(ctx context.Context, userID string) error
	RevokeGrant(ctx context.Context, userID string) error
	HasGrant(ctx context.Context, userID string) (bool, error)
}

// Member is a guild member as the bot sees it.
type Member struct {
	ID        string
	Username  string
	Tag       string
	CreatedAt time.Time
	// Blocked is set when the member carries the role that bars verification.
	Blocked bool
	Roles   []string
}

// Directory looks up guild members.
type Directory interface {
	Member(ctx context.Context, userID string) (Member, error)
	// GrantHolders returns the IDs of every member holding the grant role.
	GrantHolders(ctx context.Context) ([]string, error)
	// Timeout prevents the member from talking until the given time.
	Timeout(ctx context.Context, userID string, until time.Time) error
}

// CommentPage is one page of the newest top-level comments of a video.
type CommentPage struct {
	Comments      []string
	NextPageToken string
}

// CommentSource lists the comments of a video, newest first.
type CommentSource interface {
	ListComments(ctx context.Context, videoID, pageToken string) (CommentPage, error)
}
