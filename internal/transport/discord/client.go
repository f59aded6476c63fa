// Package discord is the relay transport: a channel polled for commands, a
// bot identity for replies, and a webhook for operational alerts.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	defaultBaseURL   = "https://discord.com"
	defaultUserAgent = "DiscordBot (https://github.com/relaybot, v3.0) relaybot/1.0"
)

type Config struct {
	WebhookURL string
	BotToken   string
	ChannelID  string
	// BaseURL replaces the API host, e.g. for a proxy.
	BaseURL string

	// FetchLimit bounds one poll (Discord default in this deployment: 5).
	FetchLimit int
	// RetryMax is the number of attempts that may back off on 429/403
	// before the final attempt.
	RetryMax     int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

type Client struct {
	cfg Config
	log logx.Logger

	// bot reads and posts in the command channel; nil when unconfigured.
	bot *discordgo.Session
	// hook executes the alert webhook without bot credentials.
	hook              *discordgo.Session
	hookID, hookToken string
	sleep             func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &Client{cfg: cfg, log: log, sleep: transport.Sleep}

	if strings.TrimSpace(cfg.BotToken) != "" && strings.TrimSpace(cfg.ChannelID) != "" {
		s, err := newSession("Bot "+cfg.BotToken, cfg.BaseURL, cfg.Timeout)
		if err != nil {
			log.Error("discord channel disabled", logx.Err(err))
		} else {
			c.bot = s
		}
	}
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		if err := c.initWebhook(); err != nil {
			log.Error("discord alerts disabled", logx.Err(err))
		}
	}
	return c
}

func (c *Client) initWebhook() error {
	u, err := url.Parse(strings.TrimSpace(c.cfg.WebhookURL))
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-3] != "webhooks" {
		return fmt.Errorf("webhook url %q has no webhooks/{id}/{token} path", u.Redacted())
	}
	s, err := newSession("", u.Scheme+"://"+u.Host, c.cfg.Timeout)
	if err != nil {
		return err
	}
	c.hook = s
	c.hookID, c.hookToken = parts[len(parts)-2], parts[len(parts)-1]
	return nil
}

// newSession builds a REST-only session. Rate limits surface as errors so the
// poll loop owns the backoff.
func newSession(token, baseURL string, timeout time.Duration) (*discordgo.Session, error) {
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	rt, err := hostRewriter(baseURL)
	if err != nil {
		return nil, err
	}
	s.Client = &http.Client{Timeout: timeout, Transport: rt}
	s.UserAgent = defaultUserAgent
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	return s, nil
}

// rewriteTransport sends every request to base instead of the fixed API host.
type rewriteTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.base.Scheme
	r.URL.Host = t.base.Host
	r.URL.Path = strings.TrimRight(t.base.Path, "/") + req.URL.Path
	r.URL.RawPath = ""
	r.Host = t.base.Host
	return t.next.RoundTrip(r)
}

func hostRewriter(baseURL string) (http.RoundTripper, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid discord base url %q", baseURL)
	}
	def, _ := url.Parse(defaultBaseURL)
	if u.Host == def.Host && u.Scheme == def.Scheme && strings.Trim(u.Path, "/") == "" {
		return http.DefaultTransport, nil
	}
	return rewriteTransport{base: u, next: http.DefaultTransport}, nil
}

func (c *Client) AlertsConfigured() bool { return c.hook != nil }

func (c *Client) ChannelConfigured() bool { return c.bot != nil }

type Author struct {
	ID       string
	Username string
	Bot      bool
}

type Attachment struct {
	URL         string
	ContentType string
}

type EmbedImage struct {
	URL string
}

type Embed struct {
	Image *EmbedImage
}

type Message struct {
	ID          string
	Content     string
	Author      Author
	Attachments []Attachment
	Embeds      []Embed
}

// ImageURL returns the first image attachment, else the first embed image.
func (m Message) ImageURL() string {
	if len(m.Attachments) > 0 && strings.HasPrefix(m.Attachments[0].ContentType, "image/") {
		return m.Attachments[0].URL
	}
	if len(m.Embeds) > 0 && m.Embeds[0].Image != nil {
		return m.Embeds[0].Image.URL
	}
	return ""
}

func fromSDK(m *discordgo.Message) Message {
	out := Message{ID: m.ID, Content: m.Content}
	if m.Author != nil {
		out.Author = Author{ID: m.Author.ID, Username: m.Author.Username, Bot: m.Author.Bot}
	}
	for _, a := range m.Attachments {
		if a != nil {
			out.Attachments = append(out.Attachments, Attachment{URL: a.URL, ContentType: a.ContentType})
		}
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		var em Embed
		if e.Image != nil {
			em.Image = &EmbedImage{URL: e.Image.URL}
		}
		out.Embeds = append(out.Embeds, em)
	}
	return out
}

// PostAlert posts to the operational webhook. Unconfigured → no-op.
func (c *Client) PostAlert(ctx context.Context, text string) error {
	if !c.AlertsConfigured() {
		return nil
	}
	_, err := c.hook.WebhookExecute(c.hookID, c.hookToken, false,
		&discordgo.WebhookParams{Content: text}, discordgo.WithContext(ctx))
	return callError("alert", err)
}

// PostMessage posts to the command channel as the bot. Unconfigured → no-op.
func (c *Client) PostMessage(ctx context.Context, text string) error {
	if !c.ChannelConfigured() {
		return nil
	}
	_, err := c.bot.ChannelMessageSend(c.cfg.ChannelID, text, discordgo.WithContext(ctx))
	return callError("post message", err)
}

// MessagesSince returns channel messages newer than cursor, newest first as
// Discord returns them. An empty cursor fetches the latest page.
func (c *Client) MessagesSince(ctx context.Context, cursor string) ([]Message, error) {
	if !c.ChannelConfigured() {
		return nil, transport.ErrNotConfigured
	}
	raw, err := c.fetchWithRetry(ctx, cursor)
	if err != nil {
		return nil, callError("fetch messages", err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, m := range raw {
		if m != nil {
			msgs = append(msgs, fromSDK(m))
		}
	}
	return msgs, nil
}

// fetchWithRetry backs off on 429/403 and transport errors for up to RetryMax
// attempts, then makes one final attempt whose outcome is returned as-is.
func (c *Client) fetchWithRetry(ctx context.Context, cursor string) ([]*discordgo.Message, error) {
	fetch := func() ([]*discordgo.Message, error) {
		return c.bot.ChannelMessages(c.cfg.ChannelID, c.cfg.FetchLimit, "", cursor, "", discordgo.WithContext(ctx))
	}
	for attempt := 0; attempt < c.cfg.RetryMax; attempt++ {
		msgs, err := fetch()
		if err == nil {
			return msgs, nil
		}
		status, retry := retryable(err)
		if !retry {
			return nil, err
		}
		if status != 0 {
			c.log.Warn("fetch throttled; backing off",
				logx.Int("status", status),
				logx.Int("attempt", attempt+1),
				logx.Duration("backoff", c.cfg.RetryBackoff),
			)
		} else {
			c.log.Warn("fetch failed; backing off", logx.Err(err), logx.Int("attempt", attempt+1))
		}
		if err := c.sleep(ctx, c.cfg.RetryBackoff); err != nil {
			return nil, err
		}
	}
	return fetch()
}

// retryable reports the HTTP status of err (0 for transport failures) and
// whether the poll should back off and try again.
func retryable(err error) (int, bool) {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests, true
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return status, status == http.StatusTooManyRequests || status == http.StatusForbidden
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	return 0, true
}

// callError maps an SDK failure to a transport error with its HTTP status.
func callError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &transport.Error{Op: op, Status: http.StatusTooManyRequests, Body: rl.Error()}
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		body := string(re.ResponseBody)
		if len(body) > 1024 {
			body = body[:1024]
		}
		return &transport.Error{Op: op, Status: re.Response.StatusCode, Body: body}
	}
	return &transport.Error{Op: op, Err: err}
}
