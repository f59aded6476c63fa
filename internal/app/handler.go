package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaybot/internal/broadcast"
	"relaybot/internal/command"
	"relaybot/internal/quiet"
	"relaybot/internal/role"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/internal/transport/line"
	"relaybot/internal/webhook"
	logx "relaybot/pkg/logx"
)

// Replier answers users on the push platform.
type Replier interface {
	Reply(ctx context.Context, replyToken string, units ...transport.Unit) error
	DisplayName(ctx context.Context, userID, fallback string) line.NameResult
}

type Alerter interface {
	PostAlert(ctx context.Context, text string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, cmd broadcast.Command, opts broadcast.Options) (broadcast.Result, error)
	UrgentMarker() string
	Window() quiet.Window
}

// UserStore is the slice of the repository the event handler needs.
type UserStore interface {
	GetUserRole(ctx context.Context, id string) (string, bool, error)
	UpsertUser(ctx context.Context, id, name, role string) (storage.User, error)
	UserStats(ctx context.Context) (map[string]int, error)
	FindAutoReply(ctx context.Context, text string) (string, bool, error)
	Log(ctx context.Context, e storage.LogEntry) error
}

type HandlerDeps struct {
	Roles  *role.Registry
	Parser *command.Parser
	Auth   command.Authorizer
	Engine Dispatcher
	Store  UserStore
	Line   Replier
	Alerts Alerter
	// ReleaseAt is quoted in the queued notice.
	ReleaseAt string
	// Placeholder replaces an empty broadcast body.
	Placeholder string
}

// LineHandler routes inbound text events: registration, statistics,
// broadcast commands, keyword auto-replies, then everything else to the ops
// channel.
type LineHandler struct {
	d   HandlerDeps
	log logx.Logger
}

var _ webhook.Handler = (*LineHandler)(nil)

func NewLineHandler(d HandlerDeps, log logx.Logger) *LineHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Placeholder == "" {
		d.Placeholder = "(no text)"
	}
	return &LineHandler{d: d, log: log}
}

func (h *LineHandler) HandleText(ctx context.Context, ev webhook.TextEvent) error {
	m := h.d.Parser.Classify(ev.Text)
	switch m.Kind {
	case command.KindRegister:
		return h.register(ctx, ev, m.Role)
	case command.KindStats:
		return h.stats(ctx, ev)
	case command.KindBroadcast:
		return h.broadcast(ctx, ev, m)
	}

	resp, ok, err := h.d.Store.FindAutoReply(ctx, ev.Text)
	if err != nil {
		h.log.Warn("auto-reply lookup failed", logx.Err(err))
	}
	if ok {
		return h.reply(ctx, ev, resp)
	}
	return h.relayToOps(ctx, ev)
}

// senderRole falls back to the default member role for unknown users.
func (h *LineHandler) senderRole(ctx context.Context, userID string) (string, error) {
	r, ok, err := h.d.Store.GetUserRole(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("sender role: %w", err)
	}
	if !ok {
		return h.d.Roles.DefaultMember().Key, nil
	}
	return r, nil
}

func (h *LineHandler) displayName(ctx context.Context, userID string) string {
	res := h.d.Line.DisplayName(ctx, userID, line.FallbackName)
	if res.Fallback && !errors.Is(res.Err, transport.ErrNotConfigured) {
		h.log.Warn("profile lookup failed; using fallback", logx.String("user", userID), logx.Err(res.Err))
	}
	return res.Name
}

func (h *LineHandler) register(ctx context.Context, ev webhook.TextEvent, roleKey string) error {
	label, err := h.d.Roles.Label(roleKey)
	if err != nil {
		return err
	}
	name := h.displayName(ctx, ev.UserID)
	if _, err := h.d.Store.UpsertUser(ctx, ev.UserID, name, roleKey); err != nil {
		return fmt.Errorf("register %s: %w", ev.UserID, err)
	}
	h.log.Info("user registered", logx.String("user", ev.UserID), logx.String("name", name), logx.String("role", roleKey))

	err = h.reply(ctx, ev, fmt.Sprintf("Registered: %s\nName: %s", label, name))
	h.alert(ctx, fmt.Sprintf("🆕 Registered: %s (%s)", name, label))
	h.audit(ctx, storage.LogEntry{Category: "Registration", Subject: name, Detail: roleKey})
	return err
}

func (h *LineHandler) stats(ctx context.Context, ev webhook.TextEvent) error {
	sender, err := h.senderRole(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if err := h.d.Auth.Authorize(sender); err != nil {
		h.log.Info("statistics denied", logx.String("user", ev.UserID), logx.String("role", sender))
		return h.reply(ctx, ev, "⛔ Not authorized.")
	}
	counts, err := h.d.Store.UserStats(ctx)
	if err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	var b strings.Builder
	b.WriteString("📊 Registrations\n")
	total := 0
	for _, r := range h.d.Roles.Roles() {
		n, ok := counts[r.Key]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: %d\n", r.Label, n)
		total += n
	}
	fmt.Fprintf(&b, "Total: %d", total)
	return h.reply(ctx, ev, b.String())
}

func (h *LineHandler) broadcast(ctx context.Context, ev webhook.TextEvent, m command.Match) error {
	sender, err := h.senderRole(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if err := h.d.Auth.Authorize(sender); err != nil {
		h.log.Info("broadcast denied", logx.String("user", ev.UserID), logx.String("role", sender), logx.String("target", m.TargetRole))
		return h.reply(ctx, ev, "⛔ You are not allowed to send broadcasts.")
	}

	body := m.BodyOr(h.d.Placeholder)
	name := h.displayName(ctx, ev.UserID)
	res, err := h.d.Engine.Dispatch(ctx, broadcast.Command{
		SenderName: name,
		SenderID:   ev.UserID,
		TargetRole: m.TargetRole,
		Body:       body,
		At:         ev.At,
	}, broadcast.Options{ExcludeID: ev.UserID})
	if err != nil {
		_ = h.reply(ctx, ev, "⚠️ The broadcast could not be processed. Please try again later.")
		return fmt.Errorf("broadcast from %s: %w", ev.UserID, err)
	}

	label, _ := h.d.Roles.Label(m.TargetRole)
	var replyText, icon, outcome string
	if res.Status == broadcast.StatusQueued {
		replyText = fmt.Sprintf("🌙 Quiet hours (%s)\nYour message has been saved.\nIt will be delivered at %s.\n(Include \"%s\" to send immediately.)",
			h.d.Engine.Window(), h.d.ReleaseAt, h.d.Engine.UrgentMarker())
		icon, outcome = "🌙", "queued"
	} else {
		replyText = fmt.Sprintf("✅ Delivered\nTarget: %s and above\nRecipients: %d", label, res.Count)
		icon, outcome = "📢", fmt.Sprintf("%d recipient(s)", res.Count)
	}
	rerr := h.reply(ctx, ev, replyText)

	summary := fmt.Sprintf("%s via LINE: %s -> %s (%s)", icon, name, label, outcome)
	h.alert(ctx, summary)
	h.audit(ctx, storage.LogEntry{Category: "Broadcast(LINE)", Subject: summary, Detail: "Body: " + body})
	return rerr
}

func (h *LineHandler) relayToOps(ctx context.Context, ev webhook.TextEvent) error {
	name := h.displayName(ctx, ev.UserID)
	h.audit(ctx, storage.LogEntry{Category: "UserMessage", Subject: "From: " + name, Detail: ev.Text})
	h.alert(ctx, fmt.Sprintf("📩 Received: %s\n%s", name, ev.Text))
	return nil
}

func (h *LineHandler) reply(ctx context.Context, ev webhook.TextEvent, text string) error {
	if err := h.d.Line.Reply(ctx, ev.ReplyToken, transport.Text(text)); err != nil {
		return fmt.Errorf("reply to %s: %w", ev.UserID, err)
	}
	return nil
}

func (h *LineHandler) alert(ctx context.Context, text string) {
	if h.d.Alerts == nil {
		return
	}
	if err := h.d.Alerts.PostAlert(ctx, text); err != nil {
		h.log.Warn("ops alert failed", logx.Err(err))
	}
}

func (h *LineHandler) audit(ctx context.Context, e storage.LogEntry) {
	if err := h.d.Store.Log(ctx, e); err != nil {
		h.log.Warn("audit log write failed", logx.Err(err))
	}
}
