package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

// stepClock advances one second on every read.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func openDrivers(t *testing.T) map[string]Repository {
	t.Helper()
	out := map[string]Repository{}

	mem, err := Open(Config{Driver: "memory"}, logx.Nop(), WithClock(newStepClock().Now))
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	out["memory"] = mem

	lite, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop(), WithClock(newStepClock().Now))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = lite.Close() })
	out["sqlite"] = lite
	return out
}

func TestRepositoryUsers(t *testing.T) {
	for name, repo := range openDrivers(t) {
		repo := repo
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := repo.UpsertUser(ctx, "U1", "Sato", "Member")
			if err != nil {
				t.Fatalf("UpsertUser: %v", err)
			}
			if _, err := repo.UpsertUser(ctx, "U2", "Suzuki", "Yakuin"); err != nil {
				t.Fatalf("UpsertUser: %v", err)
			}
			again, err := repo.UpsertUser(ctx, "U1", "Sato T.", "SanYaku")
			if err != nil {
				t.Fatalf("UpsertUser again: %v", err)
			}
			if !again.RegisteredAt.Equal(first.RegisteredAt) {
				t.Fatalf("registration time moved: %v -> %v", first.RegisteredAt, again.RegisteredAt)
			}
			if !again.UpdatedAt.After(first.UpdatedAt) {
				t.Fatalf("updated time did not move: %v -> %v", first.UpdatedAt, again.UpdatedAt)
			}

			users, err := repo.ListUsers(ctx)
			if err != nil {
				t.Fatalf("ListUsers: %v", err)
			}
			if len(users) != 2 || users[0].ID != "U1" || users[1].ID != "U2" {
				t.Fatalf("unexpected users: %+v", users)
			}
			if users[0].Role != "SanYaku" || users[0].Name != "Sato T." {
				t.Fatalf("upsert did not update in place: %+v", users[0])
			}

			role, ok, err := repo.GetUserRole(ctx, "U2")
			if err != nil || !ok || role != "Yakuin" {
				t.Fatalf("GetUserRole(U2) = %q, %v, %v", role, ok, err)
			}
			if _, ok, err := repo.GetUserRole(ctx, "nobody"); err != nil || ok {
				t.Fatalf("GetUserRole(nobody) ok=%v err=%v", ok, err)
			}

			stats, err := repo.UserStats(ctx)
			if err != nil {
				t.Fatalf("UserStats: %v", err)
			}
			if stats["SanYaku"] != 1 || stats["Yakuin"] != 1 || len(stats) != 2 {
				t.Fatalf("unexpected stats: %v", stats)
			}
		})
	}
}

func TestRepositoryQueueDrain(t *testing.T) {
	for name, repo := range openDrivers(t) {
		repo := repo
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a, err := repo.Enqueue(ctx, QueuedBroadcast{Sender: "Sato", TargetRole: "Member", Body: "first"})
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if a.Ref == "" || a.Seq == 0 || a.EnqueuedAt.IsZero() {
				t.Fatalf("enqueue did not fill identity: %+v", a)
			}
			if _, err := repo.Enqueue(ctx, QueuedBroadcast{Sender: "Sato", TargetRole: "Yakuin", Body: "second", ImageURL: "https://img/x.png"}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			items, err := repo.DrainQueue(ctx)
			if err != nil {
				t.Fatalf("DrainQueue: %v", err)
			}
			if len(items) != 2 || items[0].Body != "first" || items[1].Body != "second" {
				t.Fatalf("unexpected drain: %+v", items)
			}
			if items[1].ImageURL != "https://img/x.png" {
				t.Fatalf("image url lost: %+v", items[1])
			}

			again, err := repo.DrainQueue(ctx)
			if err != nil {
				t.Fatalf("DrainQueue again: %v", err)
			}
			if len(again) != 0 {
				t.Fatalf("second drain returned %d items", len(again))
			}
		})
	}
}

func TestRepositoryAutoRepliesAndCursor(t *testing.T) {
	for name, repo := range openDrivers(t) {
		repo := repo
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := repo.ReplaceAutoReplies(ctx, []AutoReply{
				{Keyword: "", Response: "never"},
				{Keyword: "ゴミ", Response: "月曜と木曜です"},
				{Keyword: "ゴミ出し", Response: "shadowed"},
			})
			if err != nil {
				t.Fatalf("ReplaceAutoReplies: %v", err)
			}
			if got, ok, err := repo.FindAutoReply(ctx, "ゴミ出しの日は？"); err != nil || !ok || got != "月曜と木曜です" {
				t.Fatalf("FindAutoReply = %q, %v, %v", got, ok, err)
			}
			if _, ok, _ := repo.FindAutoReply(ctx, "こんにちは"); ok {
				t.Fatal("unexpected auto reply match")
			}
			if err := repo.ReplaceAutoReplies(ctx, nil); err != nil {
				t.Fatalf("ReplaceAutoReplies(nil): %v", err)
			}
			if _, ok, _ := repo.FindAutoReply(ctx, "ゴミ"); ok {
				t.Fatal("table was not replaced")
			}

			if c, err := repo.GetCursor(ctx); err != nil || c != "" {
				t.Fatalf("initial cursor = %q, %v", c, err)
			}
			if err := repo.SetCursor(ctx, "1234"); err != nil {
				t.Fatalf("SetCursor: %v", err)
			}
			if err := repo.SetCursor(ctx, "1240"); err != nil {
				t.Fatalf("SetCursor: %v", err)
			}
			if c, _ := repo.GetCursor(ctx); c != "1240" {
				t.Fatalf("cursor = %q", c)
			}
			if err := repo.SetCursor(ctx, ""); err != nil {
				t.Fatalf("clear cursor: %v", err)
			}
			if c, _ := repo.GetCursor(ctx); c != "" {
				t.Fatalf("cursor not cleared: %q", c)
			}

			if err := repo.Log(ctx, LogEntry{Category: "Broadcast(Queue)", Subject: "Released", Detail: "Body: x"}); err != nil {
				t.Fatalf("Log: %v", err)
			}
		})
	}
}

func TestSQLiteReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	repo, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := repo.Enqueue(ctx, QueuedBroadcast{Sender: "a", TargetRole: "Member", Body: "kept"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := repo.SetCursor(ctx, "99"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	_ = repo.Close()

	repo, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()

	if c, _ := repo.GetCursor(ctx); c != "99" {
		t.Fatalf("cursor after reopen = %q", c)
	}
	items, err := repo.DrainQueue(ctx)
	if err != nil || len(items) != 1 || items[0].Body != "kept" {
		t.Fatalf("drain after reopen = %+v, %v", items, err)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Driver: "mongo"},
		{Driver: "sqlite"},
		{Driver: "postgres"},
	} {
		if _, err := Open(cfg, logx.Nop()); !errors.Is(err, ErrBadConfig) {
			t.Fatalf("Open(%+v) = %v, want ErrBadConfig", cfg, err)
		}
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/var/lib/relaybot/relay.db", 5*time.Second)
	for _, want := range []string{"file:/var/lib/relaybot/relay.db?", "busy_timeout%285000%29", "journal_mode%28WAL%29", "_txlock=immediate"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q lacks %q", dsn, want)
		}
	}
	if strings.Contains(sqliteDSN(":memory:", 0), "journal_mode") {
		t.Fatal("in-memory databases cannot use WAL")
	}
}

func TestListUsersKeepsInsertionOrderOnTimestampTies(t *testing.T) {
	frozen := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := WithClock(func() time.Time { return frozen })
	drivers := map[string]Config{
		"memory": {Driver: "memory"},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ties.db")},
	}
	for name, cfg := range drivers {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			repo, err := Open(cfg, logx.Nop(), clock)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer repo.Close()
			ctx := context.Background()

			for _, id := range []string{"U9", "U1", "U5"} {
				if _, err := repo.UpsertUser(ctx, id, "n-"+id, "Member"); err != nil {
					t.Fatalf("UpsertUser(%s): %v", id, err)
				}
			}
			// A re-registration keeps the original position.
			if _, err := repo.UpsertUser(ctx, "U9", "renamed", "Yakuin"); err != nil {
				t.Fatalf("UpsertUser again: %v", err)
			}
			users, err := repo.ListUsers(ctx)
			if err != nil {
				t.Fatalf("ListUsers: %v", err)
			}
			var got []string
			for _, u := range users {
				got = append(got, u.ID)
			}
			if strings.Join(got, ",") != "U9,U1,U5" {
				t.Fatalf("order = %v", got)
			}
		})
	}
}
