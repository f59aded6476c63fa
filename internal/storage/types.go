package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// CursorKey is the kv key holding the id of the newest relay message seen.
const CursorKey = "discord.last_message_id"

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, lost on restart
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable at DSN
//
// An empty Driver means "memory".
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means driver default
}

// User is a registered recipient. RegisteredAt never changes after the first
// registration; UpdatedAt moves on every upsert.
type User struct {
	ID           string
	Name         string
	Role         string
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// QueuedBroadcast is a deferred broadcast waiting for the morning release.
// Seq orders the queue; Ref is a stable external reference for logs.
type QueuedBroadcast struct {
	Seq        int64
	Ref        string
	EnqueuedAt time.Time
	Sender     string
	TargetRole string
	Body       string
	ImageURL   string
}

// LogEntry is one audit log row.
type LogEntry struct {
	At       time.Time
	Category string
	Subject  string
	Detail   string
}

// AutoReply maps a keyword (substring match) to a canned response.
type AutoReply struct {
	Keyword  string
	Response string
}

// Repository is the persistence API used by the rest of the bot.
type Repository interface {
	// ListUsers returns every user in registration order.
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id string) (User, error)
	// GetUserRole returns the stored role key, or ok=false when the user is
	// not registered. Callers pick the fallback role.
	GetUserRole(ctx context.Context, id string) (role string, ok bool, err error)
	UpsertUser(ctx context.Context, id, name, role string) (User, error)
	// UserStats counts users per stored role key.
	UserStats(ctx context.Context) (map[string]int, error)

	Enqueue(ctx context.Context, item QueuedBroadcast) (QueuedBroadcast, error)
	// DrainQueue returns all queued items in FIFO order and removes exactly
	// those items, atomically.
	DrainQueue(ctx context.Context) ([]QueuedBroadcast, error)

	Log(ctx context.Context, e LogEntry) error

	// FindAutoReply returns the response of the first keyword contained in
	// text, in table order.
	FindAutoReply(ctx context.Context, text string) (string, bool, error)
	ReplaceAutoReplies(ctx context.Context, replies []AutoReply) error

	GetCursor(ctx context.Context) (string, error)
	// SetCursor stores the cursor; an empty value clears it.
	SetCursor(ctx context.Context, id string) error

	Close() error
}

// Option tweaks an opened store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// firstAutoReply picks the first non-empty keyword contained in text.
func firstAutoReply(replies []AutoReply, text string) (string, bool) {
	for _, r := range replies {
		kw := strings.TrimSpace(r.Keyword)
		if kw != "" && strings.Contains(text, kw) {
			return r.Response, true
		}
	}
	return "", false
}
