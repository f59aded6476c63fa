package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	// Embedded zone data so the organization time zone resolves on minimal hosts.
	_ "time/tzdata"

	"relaybot/internal/command"
	"relaybot/internal/push"
	"relaybot/internal/quiet"
	"relaybot/internal/role"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	"relaybot/internal/transport/discord"
	"relaybot/internal/transport/line"
	logx "relaybot/pkg/logx"
)

// ConfigurationError reports one invalid or missing setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks everything the process needs before it can start. Missing
// transport secrets are not errors here; see Unconfigured.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, invalid("timezone", "%v", err))
	}
	if err := quiet.Validate(c.Quiet.StartHour, c.Quiet.EndHour); err != nil {
		errs = append(errs, invalid("quiet", "%v", err))
	}
	if _, err := scheduler.DailyAt(c.Quiet.ReleaseAt); err != nil {
		errs = append(errs, invalid("quiet.release_at", "%v", err))
	}
	if strings.TrimSpace(c.Quiet.UrgentMarker) == "" {
		errs = append(errs, invalid("quiet.urgent_marker", "must not be empty"))
	}
	roles, err := c.RoleRegistry()
	if err != nil {
		errs = append(errs, invalid("roles", "%v", err))
	} else if _, _, err := command.NewParser(c.ParserConfig(), roles); err != nil {
		errs = append(errs, invalid("commands", "%v", err))
	}
	if c.Relay.Enabled {
		if _, err := scheduler.ParseSchedule(c.Relay.PollEvery); err != nil {
			errs = append(errs, invalid("relay.poll_every", "%v", err))
		}
	}
	if c.Push.ChunkSize < 0 {
		errs = append(errs, invalid("push.chunk_size", "must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, invalid("storage.dsn", "required for driver %q (or set DATABASE_URL)", c.Storage.Driver))
		}
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, invalid("storage.path", "required for driver %q", c.Storage.Driver))
		}
	case "", "memory":
	default:
		errs = append(errs, invalid("storage.driver", "unknown driver %q", c.Storage.Driver))
	}
	for _, f := range []struct{ path, raw string }{
		{"relay.retry_backoff", c.Relay.RetryBackoff},
		{"relay.lock_timeout", c.Relay.LockTimeout},
		{"push.pause", c.Push.Pause},
		{"line.timeout", c.Line.Timeout},
		{"discord.timeout", c.Discord.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
	} {
		if _, err := ParseDuration(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unconfigured lists the transport secrets that are missing. The matching
// transports short-circuit instead of failing.
func (c *Config) Unconfigured() []*ConfigurationError {
	var out []*ConfigurationError
	if strings.TrimSpace(c.Line.AccessToken) == "" {
		out = append(out, &ConfigurationError{Field: "line.access_token", Reason: "not set (LINE_ACCESS_TOKEN); replies and pushes are skipped"})
	}
	if strings.TrimSpace(c.Discord.WebhookURL) == "" {
		out = append(out, &ConfigurationError{Field: "discord.webhook_url", Reason: "not set (DISCORD_WEBHOOK_URL); ops alerts are skipped"})
	}
	if strings.TrimSpace(c.Discord.BotToken) == "" || strings.TrimSpace(c.Discord.ChannelID) == "" {
		out = append(out, &ConfigurationError{Field: "discord.bot_token", Reason: "bot token or channel id not set; relay polling is skipped"})
	}
	return out
}

func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func (c *Config) RoleRegistry() (*role.Registry, error) {
	roles := make([]role.Role, len(c.Roles))
	for i, r := range c.Roles {
		roles[i] = role.Role{Key: r.Key, Rank: r.Rank, Label: r.Label}
	}
	return role.NewRegistry(roles)
}

func (c *Config) Window() (quiet.Window, error) {
	loc, err := c.Location()
	if err != nil {
		return quiet.Window{}, err
	}
	return quiet.NewWindow(c.Quiet.StartHour, c.Quiet.EndHour, loc)
}

func (c *Config) ParserConfig() command.Config {
	out := command.Config{StatsKeyword: c.StatsKeyword}
	for _, p := range c.Commands {
		out.Commands = append(out.Commands, command.Prefix{Prefix: p.Prefix, TargetRole: p.TargetRole})
	}
	for _, r := range c.Registration {
		out.Registration = append(out.Registration, command.Registration{Keyword: r.Keyword, Role: r.Role})
	}
	return out
}

func (c *Config) AutoReplyTable() []storage.AutoReply {
	out := make([]storage.AutoReply, 0, len(c.AutoReplies))
	for _, a := range c.AutoReplies {
		out = append(out, storage.AutoReply{Keyword: a.Keyword, Response: a.Response})
	}
	return out
}

// The builders below assume Validate passed; bad durations fall back to zero
// and the consumer's default.

func (c *Config) StorageConfig() storage.Config {
	busy := duration("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{
		Driver:       c.Storage.Driver,
		Path:         c.Storage.Path,
		DSN:          c.Storage.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: c.Storage.MaxOpenConns,
	}
}

func (c *Config) LineConfig() line.Config {
	timeout := duration("line.timeout", c.Line.Timeout)
	return line.Config{AccessToken: c.Line.AccessToken, BaseURL: c.Line.BaseURL, Timeout: timeout}
}

func (c *Config) DiscordConfig() discord.Config {
	timeout := duration("discord.timeout", c.Discord.Timeout)
	backoff := duration("relay.retry_backoff", c.Relay.RetryBackoff)
	return discord.Config{
		WebhookURL:   c.Discord.WebhookURL,
		BotToken:     c.Discord.BotToken,
		ChannelID:    c.Discord.ChannelID,
		BaseURL:      c.Discord.BaseURL,
		FetchLimit:   c.Relay.FetchLimit,
		RetryMax:     c.Relay.RetryMax,
		RetryBackoff: backoff,
		Timeout:      timeout,
	}
}

func (c *Config) PushConfig() push.Config {
	pause := duration("push.pause", c.Push.Pause)
	return push.Config{ChunkSize: c.Push.ChunkSize, Pause: pause}
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Logging.Alert.Enabled,
			MinLevel:   c.Logging.Alert.MinLevel,
			RatePerSec: c.Logging.Alert.RatePerSec,
		},
	}
}
