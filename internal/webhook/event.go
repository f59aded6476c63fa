package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// TextEvent is a user text message, the only event kind the bot acts on.
type TextEvent struct {
	UserID     string
	ReplyToken string
	Text       string
	At         time.Time
}

// ParseCallback decodes a callback body into its batch of events.
func ParseCallback(body []byte) (*webhook.CallbackRequest, error) {
	var req webhook.CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	return &req, nil
}

// TextFrom extracts a TextEvent. ok is false for non-message events, non-text
// messages and events without a sender.
func TextFrom(ev webhook.EventInterface) (TextEvent, bool) {
	var msg webhook.MessageEvent
	switch e := ev.(type) {
	case webhook.MessageEvent:
		msg = e
	case *webhook.MessageEvent:
		if e == nil {
			return TextEvent{}, false
		}
		msg = *e
	default:
		return TextEvent{}, false
	}

	var text string
	switch m := msg.Message.(type) {
	case webhook.TextMessageContent:
		text = m.Text
	case *webhook.TextMessageContent:
		if m == nil {
			return TextEvent{}, false
		}
		text = m.Text
	default:
		return TextEvent{}, false
	}

	userID := senderID(msg.Source)
	if userID == "" {
		return TextEvent{}, false
	}
	at := time.Now()
	if msg.Timestamp > 0 {
		at = time.UnixMilli(msg.Timestamp)
	}
	return TextEvent{
		UserID:     userID,
		ReplyToken: msg.ReplyToken,
		Text:       strings.TrimSpace(text),
		At:         at,
	}, true
}

func senderID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case *webhook.UserSource:
		if s != nil {
			return s.UserId
		}
	case webhook.GroupSource:
		return s.UserId
	case *webhook.GroupSource:
		if s != nil {
			return s.UserId
		}
	case webhook.RoomSource:
		return s.UserId
	case *webhook.RoomSource:
		if s != nil {
			return s.UserId
		}
	}
	return ""
}

// eventKind names an event for logs.
func eventKind(ev webhook.EventInterface) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", ev), "*")
}
