package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Secrets are read from the environment and override the file values when
// set.
type Secrets struct {
	LineAccessToken   string `envconfig:"LINE_ACCESS_TOKEN"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DiscordBotToken   string `envconfig:"DISCORD_BOT_TOKEN"`
	DiscordChannelID  string `envconfig:"DISCORD_CHANNEL_ID"`
	DatabaseURL       string `envconfig:"DATABASE_URL"`
	LogLevel          string `envconfig:"LOG_LEVEL"`
}

func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := envconfig.Process("", &s); err != nil {
		return s, err
	}
	return s, nil
}

// Overlay copies every non-empty secret into cfg.
func (s Secrets) Overlay(cfg *Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Line.AccessToken, s.LineAccessToken)
	set(&cfg.Discord.WebhookURL, s.DiscordWebhookURL)
	set(&cfg.Discord.BotToken, s.DiscordBotToken)
	set(&cfg.Discord.ChannelID, s.DiscordChannelID)
	set(&cfg.Storage.DSN, s.DatabaseURL)
	set(&cfg.Logging.Level, s.LogLevel)
}
