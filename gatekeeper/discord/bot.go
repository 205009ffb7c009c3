// Package discord connects the bot to a Discord guild through discordgo. It
// implements the platform capabilities on top of the REST API and feeds
// gateway events to the wait registries and the command handlers.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/wait"
)

// Config ...
type Config struct {
	Token         string
	GuildID       string
	GrantRoleID   string
	BlockedRoleID string
}

// memberPageSize is the largest page GuildMembers accepts.
const memberPageSize = 1000

// Bot is a discordgo session bound to one guild.
type Bot struct {
	log  *slog.Logger
	conf Config
	s    *discordgo.Session

	replies   *wait.Registry[platform.Message]
	reactions *wait.Registry[platform.Reaction]

	mu       sync.RWMutex
	handlers []func(platform.Message)
}

// New creates a Bot. The gateway connection is only opened by Open.
func New(log *slog.Logger, conf Config) (*Bot, error) {
	s, err := discordgo.New("Bot " + conf.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentsMessageContent

	b := &Bot{
		log:       log,
		conf:      conf,
		s:         s,
		replies:   wait.NewRegistry[platform.Message](),
		reactions: wait.NewRegistry[platform.Reaction](),
	}
	s.AddHandler(b.onReady)
	s.AddHandler(b.onMessage)
	s.AddHandler(b.onReaction)
	return b, nil
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	return b.s
}

// Open connects to the gateway.
func (b *Bot) Open() error {
	if err := b.s.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

// Close fails every pending wait and disconnects.
func (b *Bot) Close() error {
	b.replies.Close()
	b.reactions.Close()
	return b.s.Close()
}

// OnMessage registers fn for every guild or direct message that no pending
// wait consumed.
func (b *Bot) OnMessage(fn func(platform.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.log.Info("Connected to discord", "user", r.User.String(), "guilds", len(r.Guilds))
}

func (b *Bot) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == b.selfID() {
		return
	}
	msg := convertMessage(m.Message)
	if b.replies.Dispatch(msg) {
		return
	}

	b.mu.RLock()
	handlers := slices.Clone(b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (b *Bot) onReaction(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.UserID == b.selfID() {
		return
	}
	b.reactions.Dispatch(platform.Reaction{
		MessageID: r.MessageID,
		ChannelID: r.ChannelID,
		UserID:    r.UserID,
		Emoji:     r.Emoji.Name,
	})
}

func (b *Bot) selfID() string {
	if b.s.State == nil || b.s.State.User == nil {
		return ""
	}
	return b.s.State.User.ID
}

func convertMessage(m *discordgo.Message) platform.Message {
	msg := platform.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorTag = m.Author.String()
		msg.Bot = m.Author.Bot
	}
	for _, u := range m.Mentions {
		msg.Mentions = append(msg.Mentions, u.ID)
	}
	return msg
}

// SendDirect ...
func (b *Bot) SendDirect(ctx context.Context, userID, content string) (platform.Sent, error) {
	ch, err := b.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return platform.Sent{}, classify(err)
	}
	return b.SendToChannel(ctx, ch.ID, content)
}

// SendToChannel ...
func (b *Bot) SendToChannel(ctx context.Context, channelID, content string) (platform.Sent, error) {
	m, err := b.s.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return platform.Sent{}, classify(err)
	}
	return platform.Sent{ID: m.ID, ChannelID: m.ChannelID}, nil
}

// SendFile uploads r as a file named name to channelID.
func (b *Bot) SendFile(ctx context.Context, channelID, content, name string, r io.Reader) error {
	_, err := b.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
		Files:   []*discordgo.File{{Name: name, ContentType: "text/csv", Reader: r}},
	}, discordgo.WithContext(ctx))
	return classify(err)
}

// Reply ...
func (b *Bot) Reply(ctx context.Context, channelID, messageID, content string) error {
	_, err := b.s.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
		MessageID: messageID,
		ChannelID: channelID,
	}, discordgo.WithContext(ctx))
	return classify(err)
}

// React ...
func (b *Bot) React(ctx context.Context, channelID, messageID, emoji string) error {
	return classify(b.s.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)))
}

// AwaitReply waits for a message in channelID accepted by match.
func (b *Bot) AwaitReply(ctx context.Context, channelID string, match func(platform.Message) bool, timeout time.Duration) wait.Result[platform.Message] {
	return b.replies.Await(ctx, func(m platform.Message) bool {
		return m.ChannelID == channelID && match(m)
	}, timeout)
}

// AwaitReaction waits for a reaction on messageID accepted by match.
func (b *Bot) AwaitReaction(ctx context.Context, channelID, messageID string, match func(platform.Reaction) bool, timeout time.Duration) wait.Result[platform.Reaction] {
	return b.reactions.Await(ctx, func(r platform.Reaction) bool {
		return r.ChannelID == channelID && r.MessageID == messageID && match(r)
	}, timeout)
}

// AssignGrant ...
func (b *Bot) AssignGrant(ctx context.Context, userID string) error {
	return classify(b.s.GuildMemberRoleAdd(b.conf.GuildID, userID, b.conf.GrantRoleID, discordgo.WithContext(ctx)))
}

// RevokeGrant ...
func (b *Bot) RevokeGrant(ctx context.Context, userID string) error {
	return classify(b.s.GuildMemberRoleRemove(b.conf.GuildID, userID, b.conf.GrantRoleID, discordgo.WithContext(ctx)))
}

// HasGrant ...
func (b *Bot) HasGrant(ctx context.Context, userID string) (bool, error) {
	m, err := b.Member(ctx, userID)
	if errors.Is(err, platform.ErrNotMember) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return slices.Contains(m.Roles, b.conf.GrantRoleID), nil
}

// Member ...
func (b *Bot) Member(ctx context.Context, userID string) (platform.Member, error) {
	m, err := b.s.GuildMember(b.conf.GuildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return platform.Member{}, classify(err)
	}
	return b.convertMember(m), nil
}

func (b *Bot) convertMember(m *discordgo.Member) platform.Member {
	member := platform.Member{Roles: m.Roles}
	if m.User != nil {
		member.ID = m.User.ID
		member.Username = m.User.Username
		member.Tag = m.User.String()
		if created, err := discordgo.SnowflakeTimestamp(m.User.ID); err == nil {
			member.CreatedAt = created
		}
	}
	member.Blocked = b.conf.BlockedRoleID != "" && slices.Contains(m.Roles, b.conf.BlockedRoleID)
	return member
}

// GrantHolders pages through the guild members and returns those holding the
// grant role.
func (b *Bot) GrantHolders(ctx context.Context) ([]string, error) {
	var (
		holders []string
		after   string
	)
	for {
		page, err := b.s.GuildMembers(b.conf.GuildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classify(err)
		}
		for _, m := range page {
			if m.User != nil && slices.Contains(m.Roles, b.conf.GrantRoleID) {
				holders = append(holders, m.User.ID)
			}
		}
		if len(page) < memberPageSize {
			return holders, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// Timeout ...
func (b *Bot) Timeout(ctx context.Context, userID string, until time.Time) error {
	return classify(b.s.GuildMemberTimeout(b.conf.GuildID, userID, &until, discordgo.WithContext(ctx)))
}

// classify maps REST errors onto the platform errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Message != nil {
		switch rerr.Message.Code {
		case discordgo.ErrCodeCannotSendMessagesToThisUser:
			return fmt.Errorf("%w: %w", platform.ErrUnreachable, err)
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			return fmt.Errorf("%w: %w", platform.ErrNotMember, err)
		}
	}
	return err
}
