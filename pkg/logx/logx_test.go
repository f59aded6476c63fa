package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) PostAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestNewJSONWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"].(float64) != 3 || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("expected caller field")
	}
}

func TestNopAndZeroLoggerAreSafe(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("ignored")
	Nop().Error("ignored", String("k", "v"))
}

func TestRenderAlert(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "fields in a code block",
			line: `{"level":"warn","time":"x","message":"chunk failed","chunk":2,"comp":"push"}`,
			want: "🟡 **WARN** chunk failed\n```\nchunk=2\ncomp=push\n```",
		},
		{
			name: "stack is left out",
			line: `{"level":"error","message":"panic","stack":"goroutine 1"}`,
			want: "🔴 **ERROR** panic",
		},
		{
			name: "plain text",
			line: "  plain text \n",
			want: "plain text",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := renderAlert([]byte(tt.line)); got != tt.want {
				t.Fatalf("renderAlert = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderAlertClipsLongMessages(t *testing.T) {
	long := strings.Repeat("回覧", 2000)
	got := renderAlert([]byte(`{"level":"error","message":"` + long + `"}`))
	if n := len([]rune(got)); n > alertMaxRunes {
		t.Fatalf("alert has %d runes", n)
	}
	if !utf8.ValidString(got) || !strings.HasSuffix(got, "...") {
		t.Fatalf("bad clip: %q", got[len(got)-20:])
	}
}

func TestClipRunes(t *testing.T) {
	if got := clipRunes("全町内回覧です", 5); got != "全町..." {
		t.Fatalf("clipRunes = %q", got)
	}
	if got := clipRunes("short", 10); got != "short" {
		t.Fatalf("clipRunes = %q", got)
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":      "(unset)",
		"short": "****",
		"https://discord.com/api/webhooks/1/abcdef": "http****cdef",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Fatalf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAlertSinkMirrorsWarnings(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level:   "debug",
		Console: false,
		File:    FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Alert:   AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, sender)
	defer svc.Close()

	log.Info("routine")
	log.Warn("delivery degraded", String("chunk", "1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := sender.snapshot(); len(msgs) > 0 {
			if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "🟡 **WARN** delivery degraded") {
				t.Fatalf("unexpected alerts: %q", msgs)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("warning was not mirrored to the alert sender")
}

func TestParseLevelDefaults(t *testing.T) {
	if parseLevel("warning", LevelInfo) != LevelWarn {
		t.Fatal("warning should map to warn")
	}
	if parseLevel("nonsense", LevelError) != LevelError {
		t.Fatal("unknown level should fall back to default")
	}
}

func TestAlertSinkDropsWhenFull(t *testing.T) {
	a := newAlertSink(&recordingSender{})
	a.configure(AlertConfig{MinLevel: "warn", RatePerSec: 1000})
	for i := 0; i < alertQueueSize+5; i++ {
		_, _ = a.WriteLevel(LevelError, []byte(`{"level":"error","message":"x"}`))
	}
	if got := a.dropped.Load(); got == 0 {
		t.Fatal("expected drops with no worker running")
	}
	_, _ = a.WriteLevel(LevelInfo, []byte(`{"level":"info","message":"x"}`))
	if len(a.queue) != alertQueueSize {
		t.Fatalf("queue len = %d", len(a.queue))
	}
}

func TestServiceApplyChangesLevel(t *testing.T) {
	svc, log := New(Config{Level: "info"}, nil)
	defer svc.Close()
	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at info level")
	}
	svc.SetLevel("debug")
	if !log.Enabled(LevelDebug) {
		t.Fatal("logger did not follow SetLevel")
	}
	if svc.AlertsDropped() != 0 {
		t.Fatal("no alert sink, no drops")
	}
}

func TestAlertSinkDefaultsToErrors(t *testing.T) {
	a := newAlertSink(&recordingSender{})
	a.configure(AlertConfig{RatePerSec: 1000})
	_, _ = a.WriteLevel(LevelWarn, []byte(`{"level":"warn","message":"slow"}`))
	if len(a.queue) != 0 {
		t.Fatal("warn mirrored without min_level")
	}
	_, _ = a.WriteLevel(LevelError, []byte(`{"level":"error","message":"down"}`))
	if len(a.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(a.queue))
	}
}
