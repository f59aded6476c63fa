package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertConfig mirrors lines at or above MinLevel to the ops channel.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender posts a short text to the ops channel.
type AlertSender interface {
	PostAlert(ctx context.Context, text string) error
}

const (
	alertQueueSize = 256
	alertTimeout   = 10 * time.Second
	// Discord rejects message content over 2000 characters.
	alertMaxRunes = 1900
	alertMaxValue = 300
)

// alertKeysSkipped never reach the ops channel.
var alertKeysSkipped = map[string]bool{"time": true, "level": true, "message": true, "stack": true}

type alertSink struct {
	sender AlertSender
	queue  chan string

	mu       sync.Mutex
	limiter  *rate.Limiter
	minLevel Level

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	dropped atomic.Uint64
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{sender: sender, queue: make(chan string, alertQueueSize), minLevel: LevelError}
}

func (a *alertSink) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, LevelError)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()
	if cfg.Enabled {
		a.start()
	}
}

func (a *alertSink) start() {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go a.run(ctx)
	})
}

func (a *alertSink) stop() {
	a.stopOnce.Do(func() {
		a.startOnce.Do(func() {})
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
	})
}

func (a *alertSink) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			sendCtx, cancel := context.WithTimeout(ctx, alertTimeout)
			_ = a.sender.PostAlert(sendCtx, text)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(LevelInfo, p) }

// WriteLevel never blocks the caller: over-rate lines are skipped and a full
// queue drops the line.
func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	lim, floor := a.limiter, a.minLevel
	a.mu.Unlock()
	if lim == nil || level < floor || !lim.Allow() {
		return len(p), nil
	}
	text := renderAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case a.queue <- text:
	default:
		a.dropped.Add(1)
	}
	return len(p), nil
}

// renderAlert turns one JSON log line into Discord markdown: a bold level tag
// with the message, then the fields in a code block.
func renderAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clipRunes(strings.TrimSpace(string(p)), alertMaxRunes)
	}

	var b strings.Builder
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	switch lvl {
	case "error":
		b.WriteString("🔴 ")
	case "warn":
		b.WriteString("🟡 ")
	}
	if lvl != "" {
		fmt.Fprintf(&b, "**%s** ", strings.ToUpper(lvl))
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		if !alertKeysSkipped[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		b.WriteString("\n```\n")
		for _, k := range keys {
			v := strings.ReplaceAll(fmt.Sprint(m[k]), "```", "'''")
			fmt.Fprintf(&b, "%s=%s\n", k, clipRunes(v, alertMaxValue))
		}
		b.WriteString("```")
	}
	out := b.String()
	if r := []rune(out); len(r) > alertMaxRunes {
		out = string(r[:alertMaxRunes-4]) + "...\n```"
		if len(keys) == 0 {
			out = string(r[:alertMaxRunes-3]) + "..."
		}
	}
	return out
}

// clipRunes shortens s to n runes without splitting a character.
func clipRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
