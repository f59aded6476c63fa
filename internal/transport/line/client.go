// Package line is the push transport for the LINE Messaging API.
package line

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const defaultBaseURL = "https://api.line.me"

// FallbackName is used when a profile lookup fails.
const FallbackName = "unknown user"

type Config struct {
	AccessToken string
	// BaseURL replaces the API host, e.g. for a proxy.
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	cfg Config
	api *messaging_api.MessagingApiAPI
	log logx.Logger
}

// New builds the client. Without an access token every call short-circuits.
func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &Client{cfg: cfg, log: log}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return c
	}
	api, err := messaging_api.NewMessagingApiAPI(cfg.AccessToken,
		messaging_api.WithEndpoint(cfg.BaseURL),
		messaging_api.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
	if err != nil {
		log.Error("line client disabled", logx.String("base_url", cfg.BaseURL), logx.Err(err))
		return c
	}
	c.api = api
	return c
}

// Configured reports whether calls reach the platform.
func (c *Client) Configured() bool { return c.api != nil }

// bound returns a copy of the API client carrying ctx, so concurrent calls
// never share a context.
func (c *Client) bound(ctx context.Context) *messaging_api.MessagingApiAPI {
	api := *c.api
	return api.WithContext(ctx)
}

func encodeUnits(units []transport.Unit) []messaging_api.MessageInterface {
	out := make([]messaging_api.MessageInterface, 0, len(units))
	for _, u := range units {
		if u.IsImage() {
			out = append(out, messaging_api.ImageMessage{OriginalContentUrl: u.ImageURL, PreviewImageUrl: u.ImageURL})
			continue
		}
		out = append(out, messaging_api.TextMessage{Text: u.Text})
	}
	return out
}

// Reply answers an inbound event through its one-time reply token.
func (c *Client) Reply(ctx context.Context, replyToken string, units ...transport.Unit) error {
	if !c.Configured() {
		return nil
	}
	res, _, err := c.bound(ctx).ReplyMessageWithHttpInfo(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   encodeUnits(units),
	})
	return callError("reply", res, err)
}

// Multicast pushes units to up to 500 user ids in one call. Chunking is the
// caller's job. Each call carries a fresh retry key.
func (c *Client) Multicast(ctx context.Context, ids []string, units []transport.Unit) error {
	if !c.Configured() {
		return nil
	}
	res, _, err := c.bound(ctx).MulticastWithHttpInfo(&messaging_api.MulticastRequest{
		To:       ids,
		Messages: encodeUnits(units),
	}, uuid.NewString())
	return callError("multicast", res, err)
}

type Profile struct {
	UserID      string
	DisplayName string
}

// Profile fetches the public profile of a user.
func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	if !c.Configured() {
		return Profile{}, transport.ErrNotConfigured
	}
	res, p, err := c.bound(ctx).GetProfileWithHttpInfo(userID)
	if err := callError("profile", res, err); err != nil {
		return Profile{}, err
	}
	if p == nil {
		return Profile{}, &transport.Error{Op: "profile", Err: fmt.Errorf("empty response")}
	}
	return Profile{UserID: p.UserId, DisplayName: p.DisplayName}, nil
}

// NameResult is the outcome of a display name lookup. Name is always usable;
// Fallback is set when the lookup failed and Name holds the fallback value.
type NameResult struct {
	Name     string
	Fallback bool
	Err      error
}

// DisplayName resolves a user's display name, degrading to fallback.
func (c *Client) DisplayName(ctx context.Context, userID, fallback string) NameResult {
	p, err := c.Profile(ctx, userID)
	if err == nil && strings.TrimSpace(p.DisplayName) != "" {
		return NameResult{Name: p.DisplayName}
	}
	if err == nil {
		err = fmt.Errorf("profile %s has no display name", userID)
	}
	return NameResult{Name: fallback, Fallback: true, Err: err}
}

// callError wraps an SDK failure with the HTTP status when one was received.
func callError(op string, res *http.Response, err error) error {
	if err == nil {
		return nil
	}
	te := &transport.Error{Op: op, Err: err}
	if res != nil {
		te.Status = res.StatusCode
	}
	return te
}
