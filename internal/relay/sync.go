// Package relay pulls commands from the source channel and replays them
// through the broadcast engine.
package relay

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/broadcast"
	"relaybot/internal/command"
	"relaybot/internal/observability"
	"relaybot/internal/quiet"
	"relaybot/internal/storage"
	"relaybot/internal/transport/discord"
	logx "relaybot/pkg/logx"
)

const (
	DefaultLockTimeout = 5 * time.Second
	DefaultPlaceholder = "(image or text only)"
)

// Source is the polled channel.
type Source interface {
	MessagesSince(ctx context.Context, cursor string) ([]discord.Message, error)
	PostMessage(ctx context.Context, text string) error
}

type CursorStore interface {
	GetCursor(ctx context.Context) (string, error)
	SetCursor(ctx context.Context, id string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, cmd broadcast.Command, opts broadcast.Options) (broadcast.Result, error)
	UrgentMarker() string
	Window() quiet.Window
}

type Auditor interface {
	Log(ctx context.Context, e storage.LogEntry) error
}

type Config struct {
	// LockTimeout bounds how long a tick waits for the previous one.
	LockTimeout time.Duration
	// Placeholder replaces an empty body on a message without an image.
	Placeholder string
}

// Report describes one tick.
type Report struct {
	Skipped    bool
	Fetched    int
	Candidates int
	Dispatched int
	Failed     int
	Cursor     string
}

type Syncer struct {
	cfg    Config
	src    Source
	cursor CursorStore
	parser *command.Parser
	engine Dispatcher
	audit  Auditor
	log    logx.Logger
	now    func() time.Time

	sem chan struct{}
}

func NewSyncer(cfg Config, src Source, cursor CursorStore, parser *command.Parser, engine Dispatcher, audit Auditor, log logx.Logger) *Syncer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultPlaceholder
	}
	return &Syncer{
		cfg:    cfg,
		src:    src,
		cursor: cursor,
		parser: parser,
		engine: engine,
		audit:  audit,
		log:    log,
		now:    time.Now,
		sem:    make(chan struct{}, 1),
	}
}

// Tick runs one poll. A tick that cannot take the lock within LockTimeout is
// skipped, not queued. A fetch failure aborts the tick and is returned.
func (s *Syncer) Tick(ctx context.Context) (Report, error) {
	t := time.NewTimer(s.cfg.LockTimeout)
	select {
	case s.sem <- struct{}{}:
		t.Stop()
	case <-t.C:
		s.log.Debug("sync skipped: previous tick still running")
		observability.RecordRelayTick("skipped")
		return Report{Skipped: true}, nil
	case <-ctx.Done():
		t.Stop()
		return Report{Skipped: true}, ctx.Err()
	}
	defer func() { <-s.sem }()

	rep, err := s.tick(ctx)
	if err != nil {
		observability.RecordRelayTick("error")
		return rep, err
	}
	observability.RecordRelayTick("ok")
	return rep, nil
}

func (s *Syncer) tick(ctx context.Context) (Report, error) {
	var rep Report
	cursor, err := s.cursor.GetCursor(ctx)
	if err != nil {
		return rep, fmt.Errorf("sync: read cursor: %w", err)
	}
	rep.Cursor = cursor

	msgs, err := s.src.MessagesSince(ctx, cursor)
	if err != nil {
		s.log.Warn("sync fetch failed", logx.String("cursor", cursor), logx.Err(err))
		return rep, fmt.Errorf("sync: fetch: %w", err)
	}
	rep.Fetched = len(msgs)

	// msgs is newest first.
	candidates := make([]discord.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Author.Bot {
			observability.RecordRelayMessage("bot")
			continue
		}
		candidates = append(candidates, m)
	}
	rep.Candidates = len(candidates)
	if len(candidates) == 0 {
		return rep, nil
	}

	// Advance before processing so a failing item is not replayed next tick.
	newest := msgs[0].ID
	if err := s.cursor.SetCursor(ctx, newest); err != nil {
		return rep, fmt.Errorf("sync: advance cursor: %w", err)
	}
	rep.Cursor = newest
	s.log.Debug("sync cursor advanced", logx.String("from", cursor), logx.String("to", newest), logx.Int("candidates", len(candidates)))

	for i := len(candidates) - 1; i >= 0; i-- {
		ok, err := s.process(ctx, candidates[i])
		switch {
		case err != nil:
			rep.Failed++
			observability.RecordRelayMessage("failed")
		case ok:
			rep.Dispatched++
			observability.RecordRelayMessage("dispatched")
		default:
			observability.RecordRelayMessage("ignored")
		}
	}
	return rep, nil
}

// process handles one message; ok is false for non-command chatter.
func (s *Syncer) process(ctx context.Context, msg discord.Message) (bool, error) {
	match, ok := s.parser.Broadcast(msg.Content)
	if !ok {
		return false, nil
	}
	image := msg.ImageURL()
	body := match.Body
	if body == "" && image == "" {
		body = s.cfg.Placeholder
	}

	log := s.log.With(logx.String("msg", msg.ID), logx.String("author", msg.Author.Username), logx.String("target", match.TargetRole))
	res, err := s.engine.Dispatch(ctx, broadcast.Command{
		SenderName: msg.Author.Username,
		TargetRole: match.TargetRole,
		Body:       body,
		ImageURL:   image,
		At:         s.now(),
	}, broadcast.Options{})
	if err != nil {
		log.Error("relay dispatch failed", logx.Err(err))
		s.record(ctx, storage.LogEntry{
			Category: "Broadcast(Discord)",
			Subject:  fmt.Sprintf("Author: %s -> %s", msg.Author.Username, match.TargetRole),
			Detail:   "Error: " + err.Error(),
		})
		return false, err
	}

	if err := s.src.PostMessage(ctx, s.replyFor(res)); err != nil {
		log.Warn("relay reply failed", logx.Err(err))
	}
	s.record(ctx, storage.LogEntry{
		Category: "Broadcast(Discord)",
		Subject:  fmt.Sprintf("Author: %s -> %s", msg.Author.Username, match.TargetRole),
		Detail:   "Result: " + string(res.Status),
	})
	log.Info("relay command dispatched", logx.String("status", string(res.Status)), logx.Int("count", res.Count))
	return true, nil
}

func (s *Syncer) replyFor(res broadcast.Result) string {
	if res.Status == broadcast.StatusQueued {
		return fmt.Sprintf("🌙 **Silent Queue**: quiet hours (%s), message saved.\nIt goes out with the morning release.\n(Include \"%s\" to send immediately.)",
			s.engine.Window(), s.engine.UrgentMarker())
	}
	return fmt.Sprintf("✅ Forwarded to LINE: %d recipient(s).", res.Count)
}

func (s *Syncer) record(ctx context.Context, e storage.LogEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, e); err != nil {
		s.log.Warn("audit log write failed", logx.Err(err))
	}
}

// ResetCursor forgets the stored position; the next tick fetches the latest
// page again.
func (s *Syncer) ResetCursor(ctx context.Context) error {
	if err := s.cursor.SetCursor(ctx, ""); err != nil {
		return fmt.Errorf("sync: reset cursor: %w", err)
	}
	s.log.Info("sync cursor reset")
	return nil
}
