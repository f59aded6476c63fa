package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/broadcast"
	"relaybot/internal/command"
	"relaybot/internal/quiet"
	"relaybot/internal/role"
	"relaybot/internal/storage"
	"relaybot/internal/transport/discord"
	logx "relaybot/pkg/logx"
)

type fakeSource struct {
	mu      sync.Mutex
	msgs    []discord.Message
	err     error
	cursors []string
	posted  []string
	block   chan struct{}
}

func (f *fakeSource) MessagesSince(ctx context.Context, cursor string) ([]discord.Message, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	return f.msgs, f.err
}

func (f *fakeSource) PostMessage(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, text)
	return nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	cmds   []broadcast.Command
	status broadcast.Status
	failOn string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, cmd broadcast.Command, opts broadcast.Options) (broadcast.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOn != "" && strings.Contains(cmd.Body, d.failOn) {
		return broadcast.Result{}, errors.New("gateway down")
	}
	d.cmds = append(d.cmds, cmd)
	if d.status == broadcast.StatusQueued {
		return broadcast.Result{Status: broadcast.StatusQueued, QueueRef: "q1"}, nil
	}
	return broadcast.Result{Status: broadcast.StatusSent, Count: 3}, nil
}

func (d *fakeDispatcher) UrgentMarker() string { return "緊急" }

func (d *fakeDispatcher) Window() quiet.Window {
	return quiet.Window{Start: 21, End: 7, Location: time.UTC}
}

func newParser(t *testing.T) *command.Parser {
	t.Helper()
	roles, err := role.NewRegistry([]role.Role{
		{Key: "SanYaku", Rank: 4},
		{Key: "Yakuin", Rank: 2},
		{Key: "Member", Rank: 1},
		{Key: "Blocked", Rank: 0},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	p, _, err := command.NewParser(command.Config{
		Commands: []command.Prefix{
			{Prefix: "全役員連絡", TargetRole: "Yakuin"},
			{Prefix: "全町内回覧", TargetRole: "Member"},
		},
	}, roles)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	return p
}

func newRepo(t *testing.T) storage.Repository {
	t.Helper()
	repo, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func msg(id, author, content string) discord.Message {
	return discord.Message{ID: id, Content: content, Author: discord.Author{ID: "a-" + author, Username: author}}
}

func TestTickReplaysOldestFirstAndAdvancesCursor(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	src := &fakeSource{msgs: []discord.Message{
		msg("m5", "kato", "全町内回覧 third"),
		msg("m4", "kato", "全役員連絡 second"),
		msg("m3", "kato", "全町内回覧 first"),
	}}
	disp := &fakeDispatcher{}
	s := NewSyncer(Config{}, src, repo, newParser(t), disp, repo, logx.Nop())

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Dispatched != 3 || rep.Cursor != "m5" {
		t.Fatalf("report = %+v", rep)
	}
	var bodies []string
	for _, c := range disp.cmds {
		bodies = append(bodies, c.Body)
	}
	if got := strings.Join(bodies, ","); got != "first,second,third" {
		t.Fatalf("order = %s", got)
	}
	if disp.cmds[1].TargetRole != "Yakuin" || disp.cmds[0].SenderName != "kato" {
		t.Fatalf("unexpected command: %+v", disp.cmds[1])
	}
	if c, _ := repo.GetCursor(context.Background()); c != "m5" {
		t.Fatalf("cursor = %q", c)
	}
	if len(src.posted) != 3 || !strings.Contains(src.posted[0], "3 recipient") {
		t.Fatalf("replies = %v", src.posted)
	}

	// The next tick resumes after the stored cursor.
	src.msgs = nil
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if src.cursors[1] != "m5" {
		t.Fatalf("second fetch cursor = %q", src.cursors[1])
	}
}

func TestTickIgnoresBotOnlyBatches(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	if err := repo.SetCursor(context.Background(), "m1"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	bot := msg("m2", "relaybot", "全町内回覧 echo")
	bot.Author.Bot = true
	src := &fakeSource{msgs: []discord.Message{bot}}
	disp := &fakeDispatcher{}
	s := NewSyncer(Config{}, src, repo, newParser(t), disp, repo, logx.Nop())

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Candidates != 0 || len(disp.cmds) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if c, _ := repo.GetCursor(context.Background()); c != "m1" {
		t.Fatalf("cursor moved to %q", c)
	}
}

func TestTickSkipsChatterAndUsesPlaceholder(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	withImage := msg("m3", "kato", "全町内回覧")
	withImage.Attachments = []discord.Attachment{{URL: "https://cdn/x.png", ContentType: "image/png"}}
	src := &fakeSource{msgs: []discord.Message{
		withImage,
		msg("m2", "kato", "全町内回覧"),
		msg("m1", "kato", "good morning"),
	}}
	disp := &fakeDispatcher{}
	s := NewSyncer(Config{}, src, repo, newParser(t), disp, repo, logx.Nop())

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Dispatched != 2 || len(disp.cmds) != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if disp.cmds[0].Body != DefaultPlaceholder || disp.cmds[0].ImageURL != "" {
		t.Fatalf("text-less command = %+v", disp.cmds[0])
	}
	if disp.cmds[1].Body != "" || disp.cmds[1].ImageURL != "https://cdn/x.png" {
		t.Fatalf("image command = %+v", disp.cmds[1])
	}
}

func TestTickContinuesAfterItemFailure(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	src := &fakeSource{msgs: []discord.Message{
		msg("m3", "kato", "全町内回覧 ok-2"),
		msg("m2", "kato", "全町内回覧 broken"),
		msg("m1", "kato", "全町内回覧 ok-1"),
	}}
	disp := &fakeDispatcher{failOn: "broken"}
	s := NewSyncer(Config{}, src, repo, newParser(t), disp, repo, logx.Nop())

	rep, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rep.Dispatched != 2 || rep.Failed != 1 || rep.Cursor != "m3" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestTickFetchErrorKeepsCursor(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	src := &fakeSource{err: errors.New("throttled")}
	s := NewSyncer(Config{}, src, repo, newParser(t), &fakeDispatcher{}, repo, logx.Nop())

	if _, err := s.Tick(context.Background()); err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("Tick err = %v", err)
	}
	if c, _ := repo.GetCursor(context.Background()); c != "" {
		t.Fatalf("cursor = %q", c)
	}
}

func TestQueuedReplyMentionsMarker(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	src := &fakeSource{msgs: []discord.Message{msg("m1", "kato", "全町内回覧 later")}}
	s := NewSyncer(Config{}, src, repo, newParser(t), &fakeDispatcher{status: broadcast.StatusQueued}, repo, logx.Nop())

	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(src.posted) != 1 || !strings.Contains(src.posted[0], "緊急") || !strings.Contains(src.posted[0], "21:00-07:00") {
		t.Fatalf("reply = %v", src.posted)
	}
}

func TestTickSkipsWhenBusy(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	src := &fakeSource{block: make(chan struct{})}
	s := NewSyncer(Config{LockTimeout: 20 * time.Millisecond}, src, repo, newParser(t), &fakeDispatcher{}, repo, logx.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Tick(context.Background())
	}()
	// Wait until the first tick holds the lock.
	deadline := time.Now().Add(2 * time.Second)
	for len(s.sem) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	rep, err := s.Tick(context.Background())
	if err != nil || !rep.Skipped {
		t.Fatalf("second Tick = %+v, %v", rep, err)
	}
	close(src.block)
	<-done
}
