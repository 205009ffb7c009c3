package gatekeeper

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/restartfu/gophig"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/util"
)

// Config holds the bot configuration: platform credentials, channel layout and
// the timings of every flow.
type Config struct {
	Gatekeeper struct {
		SentryDsn  string
		LogLevel   string // Can be "debug", "info", "warn", "error"
		DataPath   string
		SecretPath string
		// LocalePath optionally holds an en.lang overriding the built-in messages.
		LocalePath string

		// StoreBackend is "file" or "redis".
		StoreBackend string
		RedisAddress string
		RedisPrefix  string
	}
	Discord struct {
		Token         string
		GuildID       string
		AdminRoleID   string
		GrantRoleID   string
		BlockedRoleID string

		VerifyChannelID     string
		UnverifiedChannelID string
		ChallengeChannelID  string
		SessionChannelID    string
		LogChannelID        string
		RuleChannelID       string
		RuleMessageID       string
		RuleEmoji           string

		LogWebhookURL string
	}
	YouTube struct {
		APIKey   string
		Videos   []string
		MaxPages int
	}
	Challenge struct {
		Duration     util.Duration
		PollInterval util.Duration
		FirstPoll    util.Duration
		CleanupGrace util.Duration
		Cooldown     util.Duration
	}
	Verification struct {
		IdentityTimeout util.Duration
		RuleAckTimeout  util.Duration
		MinAccountAge   util.Duration
		NamePattern     string
	}
	Session struct {
		CheckInterval  util.Duration
		ConfirmWindow  util.Duration
		RejoinCooldown util.Duration
	}
	Strike struct {
		Limit      int
		Suspension util.Duration
	}
	Inactivity struct {
		Interval    util.Duration
		FirstRun    util.Duration
		Threshold   util.Duration
		UserTimeout util.Duration
	}
	PingGuard struct {
		Window  util.Duration
		Timeout util.Duration
	}
	Service struct {
		GinAddress string
		APIKey     string

		AMQPURL   string
		AMQPQueue string

		// BroadcastRate is how many direct messages !send delivers per second.
		BroadcastRate float64
	}
}

// DefaultConfig returns a config with prefilled default values.
func DefaultConfig() Config {
	c := Config{}

	c.Gatekeeper.SentryDsn = ""
	c.Gatekeeper.LogLevel = "info"
	c.Gatekeeper.DataPath = "data"
	c.Gatekeeper.SecretPath = "data/ark_password.txt"
	c.Gatekeeper.StoreBackend = "file"
	c.Gatekeeper.RedisAddress = "127.0.0.1:6379"
	c.Gatekeeper.RedisPrefix = "gatekeeper:"
	c.Gatekeeper.LocalePath = ""

	c.Discord.RuleEmoji = "✅"

	c.YouTube.MaxPages = 5

	c.Challenge.Duration = util.Duration(10 * time.Minute)
	c.Challenge.PollInterval = util.Duration(90 * time.Second)
	c.Challenge.FirstPoll = util.Duration(5 * time.Second)
	c.Challenge.CleanupGrace = util.Duration(2 * time.Minute)
	c.Challenge.Cooldown = util.Duration(time.Hour)

	c.Verification.IdentityTimeout = util.Duration(24 * time.Hour)
	c.Verification.RuleAckTimeout = util.Duration(time.Hour)
	c.Verification.MinAccountAge = util.Duration(21 * 24 * time.Hour)
	c.Verification.NamePattern = `^[a-zA-Z0-9 ]{3,16}$`

	c.Session.CheckInterval = util.Duration(30 * time.Minute)
	c.Session.ConfirmWindow = util.Duration(5 * time.Minute)
	c.Session.RejoinCooldown = util.Duration(time.Minute)

	c.Strike.Limit = 3
	c.Strike.Suspension = util.Duration(24 * time.Hour)

	c.Inactivity.Interval = util.Duration(6 * time.Hour)
	c.Inactivity.FirstRun = util.Duration(10 * time.Second)
	c.Inactivity.Threshold = util.Duration(72 * time.Hour)
	c.Inactivity.UserTimeout = util.Duration(10 * time.Second)

	c.PingGuard.Window = util.Duration(time.Hour)
	c.PingGuard.Timeout = util.Duration(30 * time.Minute)

	c.Service.GinAddress = ":8080"
	c.Service.APIKey = "secret-key"
	c.Service.AMQPQueue = "gatekeeper.audit"
	c.Service.BroadcastRate = 1

	return c
}

// overrides maps environment variables onto the secrets they replace.
func (c *Config) overrides() map[string]*string {
	return map[string]*string{
		"DISCORD_TOKEN":   &c.Discord.Token,
		"YOUTUBE_API_KEY": &c.YouTube.APIKey,
		"LOG_WEBHOOK_URL": &c.Discord.LogWebhookURL,
		"AMQP_URL":        &c.Service.AMQPURL,
		"SENTRY_DSN":      &c.Gatekeeper.SentryDsn,
	}
}

// ApplyEnv replaces secrets with the values of their environment variables
// when those are set.
func (c *Config) ApplyEnv() {
	for name, field := range c.overrides() {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*field = v
		}
	}
}

// Validate reports every missing or malformed setting at once.
func (c Config) Validate() error {
	var errs []error
	required := []struct{ name, value string }{
		{"Discord.Token", c.Discord.Token},
		{"Discord.GuildID", c.Discord.GuildID},
		{"Discord.AdminRoleID", c.Discord.AdminRoleID},
		{"Discord.GrantRoleID", c.Discord.GrantRoleID},
		{"YouTube.APIKey", c.YouTube.APIKey},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	if _, err := ParseLogLevel(c.Gatekeeper.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Gatekeeper.StoreBackend {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Gatekeeper.StoreBackend))
	}
	if _, err := regexp.Compile(c.Verification.NamePattern); err != nil {
		errs = append(errs, fmt.Errorf("invalid name pattern: %w", err))
	}
	if c.Strike.Limit < 1 {
		errs = append(errs, errors.New("Strike.Limit must be at least 1"))
	}
	if c.Service.BroadcastRate <= 0 {
		errs = append(errs, errors.New("Service.BroadcastRate must be positive"))
	}
	if c.Session.ConfirmWindow.D() >= c.Session.CheckInterval.D() {
		errs = append(errs, errors.New("Session.ConfirmWindow must be shorter than Session.CheckInterval"))
	}
	return errors.Join(errs...)
}

// ParseLogLevel returns the appropriate slog.Level based on string configuration.
// Returns an error if the provided log level string is not recognized.
func ParseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unrecognized log level: %q", level)
	}
}

// ReadConfig loads the bot configuration from path, typically config.toml.
// If the file doesn't exist, it creates a new one with default values.
// A .env file next to the binary, when present, is loaded before the
// environment overrides are applied.
func ReadConfig(path string) (Config, error) {
	g := gophig.NewGophig[Config](path, gophig.TOMLMarshaler{}, os.ModePerm)
	_, err := g.LoadConf()
	if os.IsNotExist(err) {
		err = g.SaveConf(DefaultConfig())
		if err != nil {
			return Config{}, err
		}
	}
	c, err := g.LoadConf()
	if err != nil {
		return Config{}, err
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	c.ApplyEnv()
	return c, nil
}
