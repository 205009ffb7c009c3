package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/platform"
)

// webhookExecutor is the part of *discordgo.Session the webhook sink uses.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// WebhookSink posts events through a Discord webhook.
type WebhookSink struct {
	exec      webhookExecutor
	id, token string
	username  string
}

// NewWebhookSink parses rawURL, which has the form
// https://discord.com/api/webhooks/<id>/<token>.
func NewWebhookSink(exec webhookExecutor, rawURL, username string) (*WebhookSink, error) {
	id, token, err := ParseWebhookURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &WebhookSink{exec: exec, id: id, token: token, username: username}, nil
}

// ParseWebhookURL extracts the webhook ID and token from a webhook URL.
func ParseWebhookURL(rawURL string) (id, token string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "webhooks" && i+2 < len(parts) && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("webhook url %q has no id and token", rawURL)
}

// Write ...
func (w *WebhookSink) Write(_ context.Context, e Event) error {
	_, err := w.exec.WebhookExecute(w.id, w.token, false, &discordgo.WebhookParams{
		Content:  e.Text,
		Username: w.username,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
		},
	})
	return err
}

// ChannelSink posts events to a chat channel.
type ChannelSink struct {
	notifier  platform.Notifier
	channelID string
}

// NewChannelSink ...
func NewChannelSink(n platform.Notifier, channelID string) *ChannelSink {
	return &ChannelSink{notifier: n, channelID: channelID}
}

// Write ...
func (c *ChannelSink) Write(ctx context.Context, e Event) error {
	_, err := c.notifier.SendToChannel(ctx, c.channelID, e.Text)
	return err
}

// AMQPSink publishes events as persistent JSON messages on a durable queue.
// The connection is opened lazily and reopened after a failure.
type AMQPSink struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPSink ...
func NewAMQPSink(url, queue string) *AMQPSink {
	return &AMQPSink{url: url, queue: queue}
}

// Write ...
func (a *AMQPSink) Write(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err = a.connect(); err != nil {
		return err
	}

	err = a.ch.PublishWithContext(ctx,
		"",      // default exchange
		a.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.ID,
			Timestamp:    e.At,
			Body:         body,
		},
	)
	if err != nil {
		a.reset()
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// connect must be called with the mutex held.
func (a *AMQPSink) connect() error {
	if a.ch != nil && !a.ch.IsClosed() {
		return nil
	}
	a.reset()

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err = ch.QueueDeclare(a.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare queue %s: %w", a.queue, err)
	}
	a.conn, a.ch = conn, ch
	return nil
}

// reset must be called with the mutex held.
func (a *AMQPSink) reset() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.conn, a.ch = nil, nil
}

// Close ...
func (a *AMQPSink) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}
