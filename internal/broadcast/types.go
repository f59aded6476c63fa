// Package broadcast decides, per inbound command, who receives it and whether
// it goes out now or waits for the morning release.
package broadcast

import (
	"strings"
	"time"

	"relaybot/internal/push"
)

// DefaultUrgentMarker bypasses the quiet window when found in a body.
const DefaultUrgentMarker = "緊急"

// Command is a parsed, authorized broadcast instruction. SenderID is empty for
// messages relayed from the source channel.
type Command struct {
	SenderName string
	SenderID   string
	TargetRole string
	Body       string
	ImageURL   string
	At         time.Time
}

// Urgent reports whether the body contains marker verbatim.
func (c Command) Urgent(marker string) bool {
	return marker != "" && strings.Contains(c.Body, marker)
}

type Options struct {
	// ForceSend skips the quiet window check. Used by the scheduled release.
	ForceSend bool
	// ExcludeID drops one recipient, normally the sender.
	ExcludeID string
}

type Status string

const (
	StatusSent         Status = "sent"
	StatusQueued       Status = "queued"
	StatusEmpty        Status = "empty"
	StatusUnauthorized Status = "unauthorized"
)

type Recipient struct {
	ID   string
	Name string
}

// Result is the terminal state of one dispatch. Count is the number of
// recipients handed to the gateway, zero unless Status is sent.
type Result struct {
	Status     Status
	Count      int
	Recipients []Recipient
	// QueueRef identifies the stored item when Status is queued.
	QueueRef string
	Push     push.Report
}

// Names joins recipient display names for logs.
func (r Result) Names() string {
	names := make([]string, 0, len(r.Recipients))
	for _, rc := range r.Recipients {
		names = append(names, rc.Name)
	}
	return strings.Join(names, ", ")
}
