package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/internal/push"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// multicastFunc adapts a function to push.Sender.
type multicastFunc func(ctx context.Context, ids []string, units []transport.Unit) error

func (f multicastFunc) Multicast(ctx context.Context, ids []string, units []transport.Unit) error {
	return f(ctx, ids, units)
}

// useRealGateway swaps the fake for a push.Gateway over send.
func (f *fixture) useRealGateway(send multicastFunc) {
	f.engine.deps.Gateway = push.New(push.Config{ChunkSize: 500, Pause: time.Millisecond}, send, logx.Nop())
}

func queueAtNight(t *testing.T, f *fixture, bodies ...string) []string {
	t.Helper()
	f.clock.t = time.Date(2024, 5, 1, 23, 0, 0, 0, tokyo)
	var refs []string
	for _, body := range bodies {
		res, err := f.engine.Dispatch(context.Background(), Command{SenderName: "Sato", TargetRole: "Member", Body: body}, Options{})
		if err != nil || res.Status != StatusQueued {
			t.Fatalf("Dispatch(%q) = %+v, %v", body, res, err)
		}
		refs = append(refs, res.QueueRef)
	}
	f.clock.t = time.Date(2024, 5, 2, 7, 5, 0, 0, tokyo)
	return refs
}

func TestFlushWithCancelledContextKeepsItems(t *testing.T) {
	users, order := standardUsers()
	f := newFixture(t, users, order)
	var calls int
	f.useRealGateway(func(ctx context.Context, ids []string, units []transport.Unit) error {
		calls++
		return nil
	})
	refs := queueAtNight(t, f, "one", "two")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := f.engine.Flush(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Flush err = %v, want context.Canceled", err)
	}
	if rep.Sent != 0 || rep.Requeued != 2 || calls != 0 {
		t.Fatalf("report = %+v multicasts=%d", rep, calls)
	}

	left, err := f.repo.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("DrainQueue: %v", err)
	}
	if len(left) != 2 || left[0].Ref != refs[0] || left[1].Ref != refs[1] || left[0].Body != "one" {
		t.Fatalf("queue after cancelled release = %+v", left)
	}
}

func TestFlushCancelledMidReleaseRequeuesRest(t *testing.T) {
	users, order := standardUsers()
	f := newFixture(t, users, order)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		calls int
	)
	f.useRealGateway(func(c context.Context, ids []string, units []transport.Unit) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			// Shutdown arrives while the second item is on the wire.
			cancel()
			return c.Err()
		}
		return nil
	})
	refs := queueAtNight(t, f, "one", "two", "three")

	rep, err := f.engine.Flush(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Flush err = %v", err)
	}
	if rep.Sent != 1 || rep.Requeued != 2 {
		t.Fatalf("report = %+v", rep)
	}
	left, _ := f.repo.DrainQueue(context.Background())
	if len(left) != 2 || left[0].Ref != refs[1] || left[1].Ref != refs[2] {
		t.Fatalf("queue = %+v", left)
	}
}

func TestFlushRequeuesUndeliveredItem(t *testing.T) {
	users, order := standardUsers()
	f := newFixture(t, users, order)
	platformDown := errors.New("http 500")
	f.useRealGateway(func(ctx context.Context, ids []string, units []transport.Unit) error {
		return platformDown
	})
	refs := queueAtNight(t, f, "one")

	rep, err := f.engine.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if rep.Sent != 0 || rep.Failed != 1 || rep.Requeued != 1 {
		t.Fatalf("report = %+v", rep)
	}
	left, _ := f.repo.DrainQueue(context.Background())
	if len(left) != 1 || left[0].Ref != refs[0] {
		t.Fatalf("queue = %+v", left)
	}
}

func TestDispatchReportsUndelivered(t *testing.T) {
	users, order := standardUsers()
	f := newFixture(t, users, order)
	f.useRealGateway(func(ctx context.Context, ids []string, units []transport.Unit) error {
		return errors.New("http 400")
	})

	res, err := f.engine.Dispatch(context.Background(), Command{SenderName: "Sato", TargetRole: "Member", Body: "x"}, Options{})
	if !errors.Is(err, ErrUndelivered) {
		t.Fatalf("err = %v, want ErrUndelivered", err)
	}
	if res.Status == StatusSent || res.Count != 0 || !res.Push.Failed() {
		t.Fatalf("result = %+v", res)
	}
}
