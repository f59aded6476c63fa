package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("10m", "200ms"). Secrets may be left empty in the file and supplied through
// the environment (see Secrets).
type Config struct {
	Timezone string `json:"timezone"`

	Roles        []RoleConfig         `json:"roles"`
	Commands     []CommandConfig      `json:"commands"`
	Registration []RegistrationConfig `json:"registration"`
	StatsKeyword string               `json:"stats_keyword"`
	AutoReplies  []AutoReplyConfig    `json:"auto_replies,omitempty"`

	Quiet   QuietConfig   `json:"quiet"`
	Relay   RelayConfig   `json:"relay"`
	Push    PushConfig    `json:"push"`
	Line    LineConfig    `json:"line"`
	Discord DiscordConfig `json:"discord"`
	Storage StorageConfig `json:"storage"`
	HTTP    HTTPConfig    `json:"http"`
	Logging LoggingConfig `json:"logging"`
}

type RoleConfig struct {
	Key   string `json:"key"`
	Rank  int    `json:"rank"`
	Label string `json:"label"`
}

// CommandConfig maps a text prefix to a broadcast target. Declaration order is
// match order.
type CommandConfig struct {
	Prefix     string `json:"prefix"`
	TargetRole string `json:"target_role"`
}

type RegistrationConfig struct {
	Keyword string `json:"keyword"`
	Role    string `json:"role"`
}

type AutoReplyConfig struct {
	Keyword  string `json:"keyword"`
	Response string `json:"response"`
}

// QuietConfig is the night window. EndHour is exclusive.
type QuietConfig struct {
	StartHour    int    `json:"start_hour"`
	EndHour      int    `json:"end_hour"`
	UrgentMarker string `json:"urgent_marker"`
	// ReleaseAt is the daily "HH:MM" flush of the deferred queue.
	ReleaseAt string `json:"release_at"`
}

type RelayConfig struct {
	Enabled      bool   `json:"enabled"`
	PollEvery    string `json:"poll_every"`
	FetchLimit   int    `json:"fetch_limit"`
	RetryMax     int    `json:"retry_max"`
	RetryBackoff string `json:"retry_backoff"`
	LockTimeout  string `json:"lock_timeout"`
	Placeholder  string `json:"placeholder"`
}

type PushConfig struct {
	ChunkSize int    `json:"chunk_size"`
	Pause     string `json:"pause"`
}

type LineConfig struct {
	AccessToken string `json:"access_token,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	// Placeholder replaces an empty broadcast body.
	Placeholder string `json:"placeholder"`
}

type DiscordConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	BotToken   string `json:"bot_token,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// StorageConfig selects the repository backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/relaybot.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// HTTPConfig controls the webhook listener. Pprof routes are mounted only
// when enabled; keep the listener on a private address in that case.
type HTTPConfig struct {
	Addr         string `json:"addr"`
	CallbackPath string `json:"callback_path"`
	Metrics      bool   `json:"metrics"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors log lines to the ops webhook.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// Default returns the stock deployment: five roles, four broadcast prefixes,
// a 21:00-07:00 Asia/Tokyo quiet window and a 10 minute relay poll.
func Default() *Config {
	return &Config{
		Timezone: "Asia/Tokyo",
		Roles: []RoleConfig{
			{Key: "SanYaku", Rank: 4, Label: "三役"},
			{Key: "KumiYakuin", Rank: 3, Label: "組役員"},
			{Key: "Yakuin", Rank: 2, Label: "役員"},
			{Key: "Member", Rank: 1, Label: "会員"},
			{Key: "Blocked", Rank: 0, Label: "停止"},
		},
		Commands: []CommandConfig{
			{Prefix: "全三役連絡", TargetRole: "SanYaku"},
			{Prefix: "全組役員連絡", TargetRole: "KumiYakuin"},
			{Prefix: "全役員連絡", TargetRole: "Yakuin"},
			{Prefix: "全町内回覧", TargetRole: "Member"},
		},
		Registration: []RegistrationConfig{
			{Keyword: "三役登録", Role: "SanYaku"},
			{Keyword: "組役員登録", Role: "KumiYakuin"},
			{Keyword: "役員登録", Role: "Yakuin"},
			{Keyword: "役員退会", Role: "Member"},
			{Keyword: "回覧退会", Role: "Blocked"},
		},
		StatsKeyword: "統計確認",
		Quiet: QuietConfig{
			StartHour:    21,
			EndHour:      7,
			UrgentMarker: "緊急",
			ReleaseAt:    "07:05",
		},
		Relay: RelayConfig{
			Enabled:      true,
			PollEvery:    "10m",
			FetchLimit:   5,
			RetryMax:     2,
			RetryBackoff: "10s",
			LockTimeout:  "5s",
			Placeholder:  "(image or text only)",
		},
		Push: PushConfig{ChunkSize: 500, Pause: "200ms"},
		Line: LineConfig{
			BaseURL:     "https://api.line.me",
			Timeout:     "15s",
			Placeholder: "(no text)",
		},
		Discord: DiscordConfig{
			BaseURL: "https://discord.com",
			Timeout: "15s",
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/relaybot.db", BusyTimeout: "5s"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			CallbackPath: "/callback",
			Metrics:      true,
			ReadTimeout:  "10s",
			WriteTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Alert:   LoggingAlert{Enabled: true, MinLevel: "error", RatePerSec: 1},
		},
	}
}
