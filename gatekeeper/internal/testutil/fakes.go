// Package testutil provides in-memory fakes of the platform capabilities for tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/wait"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Recorder collects audit events.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

// Record ...
func (r *Recorder) Record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Events returns every recorded event.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Contains reports whether any event contains substr.
func (r *Recorder) Contains(substr string) bool {
	return slices.ContainsFunc(r.Events(), func(e string) bool {
		return strings.Contains(e, substr)
	})
}

// ReplyFunc answers an AwaitReply call.
type ReplyFunc func(channelID string, match func(platform.Message) bool) wait.Result[platform.Message]

// ReactionFunc answers an AwaitReaction call.
type ReactionFunc func(channelID, messageID string, match func(platform.Reaction) bool) wait.Result[platform.Reaction]

// Post is a message the fake delivered.
type Post struct {
	ID        string
	ChannelID string
	Content   string
}

// Notifier records outbound messages and answers waits from scripts.
// Unscripted waits time out immediately.
type Notifier struct {
	mu        sync.Mutex
	seq       int
	direct    map[string][]string
	channel   map[string][]Post
	replies   []Post
	reactions []string

	replyWaits []time.Duration
	reactWaits []time.Duration

	dmErr     map[string]error
	replyFns  []ReplyFunc
	reactFns  []ReactionFunc
	fallbackR ReactionFunc
}

// NewNotifier ...
func NewNotifier() *Notifier {
	return &Notifier{
		direct:  make(map[string][]string),
		channel: make(map[string][]Post),
		dmErr:   make(map[string]error),
	}
}

// FailDirect makes every direct message to userID fail with err.
func (n *Notifier) FailDirect(userID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dmErr[userID] = err
}

// OnReply queues answers for the next AwaitReply calls, one per call.
func (n *Notifier) OnReply(fns ...ReplyFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replyFns = append(n.replyFns, fns...)
}

// OnReaction queues answers for the next AwaitReaction calls, one per call.
func (n *Notifier) OnReaction(fns ...ReactionFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reactFns = append(n.reactFns, fns...)
}

// OnAnyReaction answers every AwaitReaction call once the queue is empty.
func (n *Notifier) OnAnyReaction(fn ReactionFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fallbackR = fn
}

// Replies feeds msgs to the waiter in order and matches the first accepted one.
func Replies(msgs ...platform.Message) ReplyFunc {
	return func(channelID string, match func(platform.Message) bool) wait.Result[platform.Message] {
		for _, m := range msgs {
			if m.ChannelID == "" {
				m.ChannelID = channelID
			}
			if match(m) {
				return wait.Match(m)
			}
		}
		return wait.Timeout[platform.Message]()
	}
}

// React offers a single reaction to the waiter.
func React(userID, emoji string) ReactionFunc {
	return func(channelID, messageID string, match func(platform.Reaction) bool) wait.Result[platform.Reaction] {
		r := platform.Reaction{MessageID: messageID, ChannelID: channelID, UserID: userID, Emoji: emoji}
		if match(r) {
			return wait.Match(r)
		}
		return wait.Timeout[platform.Reaction]()
	}
}

// NoReaction times out.
func NoReaction() ReactionFunc {
	return func(string, string, func(platform.Reaction) bool) wait.Result[platform.Reaction] {
		return wait.Timeout[platform.Reaction]()
	}
}

// FailReaction fails the wait with err.
func FailReaction(err error) ReactionFunc {
	return func(string, string, func(platform.Reaction) bool) wait.Result[platform.Reaction] {
		return wait.Fail[platform.Reaction](err)
	}
}

func (n *Notifier) nextID() string {
	n.seq++
	return fmt.Sprintf("m%d", n.seq)
}

// SendDirect ...
func (n *Notifier) SendDirect(_ context.Context, userID, content string) (platform.Sent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.dmErr[userID]; err != nil {
		return platform.Sent{}, err
	}
	n.direct[userID] = append(n.direct[userID], content)
	return platform.Sent{ID: n.nextID(), ChannelID: "dm-" + userID}, nil
}

// SendToChannel ...
func (n *Notifier) SendToChannel(_ context.Context, channelID, content string) (platform.Sent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID()
	n.channel[channelID] = append(n.channel[channelID], Post{ID: id, ChannelID: channelID, Content: content})
	return platform.Sent{ID: id, ChannelID: channelID}, nil
}

// Reply ...
func (n *Notifier) Reply(_ context.Context, channelID, _ string, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies = append(n.replies, Post{ID: n.nextID(), ChannelID: channelID, Content: content})
	return nil
}

// React ...
func (n *Notifier) React(_ context.Context, _, messageID, emoji string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reactions = append(n.reactions, messageID+":"+emoji)
	return nil
}

// AwaitReply ...
func (n *Notifier) AwaitReply(_ context.Context, channelID string, match func(platform.Message) bool, timeout time.Duration) wait.Result[platform.Message] {
	n.mu.Lock()
	n.replyWaits = append(n.replyWaits, timeout)
	var fn ReplyFunc
	if len(n.replyFns) > 0 {
		fn, n.replyFns = n.replyFns[0], n.replyFns[1:]
	}
	n.mu.Unlock()
	if fn == nil {
		return wait.Timeout[platform.Message]()
	}
	return fn(channelID, match)
}

// AwaitReaction ...
func (n *Notifier) AwaitReaction(_ context.Context, channelID, messageID string, match func(platform.Reaction) bool, timeout time.Duration) wait.Result[platform.Reaction] {
	n.mu.Lock()
	n.reactWaits = append(n.reactWaits, timeout)
	fn := n.fallbackR
	if len(n.reactFns) > 0 {
		fn, n.reactFns = n.reactFns[0], n.reactFns[1:]
	}
	n.mu.Unlock()
	if fn == nil {
		return wait.Timeout[platform.Reaction]()
	}
	return fn(channelID, messageID, match)
}

// Direct returns the direct messages sent to userID.
func (n *Notifier) Direct(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.direct[userID])
}

// DirectContains reports whether any direct message to userID contains substr.
func (n *Notifier) DirectContains(userID, substr string) bool {
	return slices.ContainsFunc(n.Direct(userID), func(m string) bool {
		return strings.Contains(m, substr)
	})
}

// Channel returns the messages posted to channelID.
func (n *Notifier) Channel(channelID string) []Post {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.channel[channelID])
}

// ChannelContains reports whether any post or reply in channelID contains substr.
func (n *Notifier) ChannelContains(channelID, substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range append(slices.Clone(n.channel[channelID]), n.replies...) {
		if p.ChannelID == channelID && strings.Contains(p.Content, substr) {
			return true
		}
	}
	return false
}

// Replied returns every reply sent.
func (n *Notifier) Replied() []Post {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.replies)
}

// ReplyWaits returns the timeouts AwaitReply was called with, in order.
func (n *Notifier) ReplyWaits() []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.replyWaits)
}

// ReactionWaits returns the timeouts AwaitReaction was called with, in order.
func (n *Notifier) ReactionWaits() []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.reactWaits)
}

// Reactions returns the reactions added, as "<message>:<emoji>".
func (n *Notifier) Reactions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.reactions)
}

// Grants is an in-memory role holder set.
type Grants struct {
	mu      sync.Mutex
	holders map[string]bool
	// AssignErr, when set, is returned by AssignGrant.
	AssignErr error
}

// NewGrants returns Grants where every id in holders has the role.
func NewGrants(holders ...string) *Grants {
	g := &Grants{holders: make(map[string]bool)}
	for _, h := range holders {
		g.holders[h] = true
	}
	return g
}

// AssignGrant ...
func (g *Grants) AssignGrant(_ context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.AssignErr != nil {
		return g.AssignErr
	}
	g.holders[userID] = true
	return nil
}

// RevokeGrant ...
func (g *Grants) RevokeGrant(_ context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.holders, userID)
	return nil
}

// HasGrant ...
func (g *Grants) HasGrant(_ context.Context, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holders[userID], nil
}

// Holders returns the IDs holding the grant.
func (g *Grants) Holders() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for id := range g.holders {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Directory is an in-memory member list backed by a Grants for role checks.
type Directory struct {
	mu       sync.Mutex
	members  map[string]platform.Member
	grants   *Grants
	timeouts map[string]time.Time
}

// NewDirectory ...
func NewDirectory(grants *Grants, members ...platform.Member) *Directory {
	d := &Directory{members: make(map[string]platform.Member), grants: grants, timeouts: make(map[string]time.Time)}
	for _, m := range members {
		d.members[m.ID] = m
	}
	return d
}

// Add ...
func (d *Directory) Add(m platform.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.ID] = m
}

// Member ...
func (d *Directory) Member(_ context.Context, userID string) (platform.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[userID]
	if !ok {
		return platform.Member{}, platform.ErrNotMember
	}
	return m, nil
}

// GrantHolders ...
func (d *Directory) GrantHolders(context.Context) ([]string, error) {
	return d.grants.Holders(), nil
}

// Timeout ...
func (d *Directory) Timeout(_ context.Context, userID string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeouts[userID] = until
	return nil
}

// TimedOutUntil returns the timeout set for userID.
func (d *Directory) TimedOutUntil(userID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.timeouts[userID]
	return t, ok
}
