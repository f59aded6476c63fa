package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type call struct {
	at  time.Time
	ids []string
}

type recordingSender struct {
	mu     sync.Mutex
	calls  []call
	failOn map[int]error
}

func (s *recordingSender) Multicast(ctx context.Context, ids []string, units []transport.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.calls)
	s.calls = append(s.calls, call{at: time.Now(), ids: append([]string(nil), ids...)})
	if err := s.failOn[idx]; err != nil {
		return err
	}
	return nil
}

func makeIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("U%04d", i)
	}
	return out
}

func TestDeliverChunksAndSpacing(t *testing.T) {
	sender := &recordingSender{}
	g := New(Config{ChunkSize: 500, Pause: 30 * time.Millisecond}, sender, logx.Nop())

	rep := g.Deliver(context.Background(), makeIDs(1200), []transport.Unit{transport.Text("hi")})

	if len(sender.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(sender.calls))
	}
	for i, want := range []int{500, 500, 200} {
		if got := len(sender.calls[i].ids); got != want {
			t.Fatalf("chunk %d size = %d, want %d", i, got, want)
		}
	}
	for i := 1; i < len(sender.calls); i++ {
		gap := sender.calls[i].at.Sub(sender.calls[i-1].at)
		if gap < 20*time.Millisecond {
			t.Fatalf("chunk %d sent %v after previous, want >= pause", i, gap)
		}
	}
	if rep.Chunks != 3 || rep.Delivered != 1200 || rep.Failed() {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestDeliverDedupsWithinChunk(t *testing.T) {
	sender := &recordingSender{}
	g := New(Config{ChunkSize: 4, Pause: time.Millisecond}, sender, logx.Nop())

	g.Deliver(context.Background(), []string{"A", "B", "A", "C", "C", "D"}, []transport.Unit{transport.Text("x")})

	if len(sender.calls) != 2 {
		t.Fatalf("calls = %d", len(sender.calls))
	}
	if got := sender.calls[0].ids; len(got) != 3 || got[0] != "A" || got[2] != "C" {
		t.Fatalf("first chunk = %v", got)
	}
	// Duplicates across chunks are not merged.
	if got := sender.calls[1].ids; len(got) != 2 || got[0] != "C" {
		t.Fatalf("second chunk = %v", got)
	}
}

func TestDeliverSkipsFailedChunk(t *testing.T) {
	sender := &recordingSender{failOn: map[int]error{1: errors.New("429")}}
	g := New(Config{ChunkSize: 2, Pause: time.Millisecond}, sender, logx.Nop())

	rep := g.Deliver(context.Background(), makeIDs(6), []transport.Unit{transport.Text("x")})

	if len(sender.calls) != 3 {
		t.Fatalf("calls = %d, want all chunks attempted", len(sender.calls))
	}
	if rep.Delivered != 4 || len(rep.Failures) != 1 || rep.Failures[0].Index != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestDeliverNothing(t *testing.T) {
	sender := &recordingSender{}
	g := New(Config{}, sender, logx.Nop())
	rep := g.Deliver(context.Background(), nil, []transport.Unit{transport.Text("x")})
	if len(sender.calls) != 0 || rep.Chunks != 0 {
		t.Fatalf("unexpected calls for empty recipients: %+v", rep)
	}
}

func TestDeliverStopsOnCancel(t *testing.T) {
	sender := &recordingSender{}
	g := New(Config{ChunkSize: 1, Pause: time.Hour}, sender, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rep := g.Deliver(ctx, []string{"A", "B"}, []transport.Unit{transport.Text("x")})
	if len(sender.calls) != 1 || !rep.Failed() {
		t.Fatalf("calls=%d report=%+v", len(sender.calls), rep)
	}
}
