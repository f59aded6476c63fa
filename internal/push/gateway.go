// Package push fans a message out to recipients in rate-limited chunks.
package push

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/observability"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	DefaultChunkSize = 500
	DefaultPause     = 200 * time.Millisecond
)

// Sender is the bulk push call of the recipient platform.
type Sender interface {
	Multicast(ctx context.Context, ids []string, units []transport.Unit) error
}

type Config struct {
	// ChunkSize is the platform's per-call recipient limit.
	ChunkSize int
	// Pause is the minimum spacing between consecutive chunk calls.
	Pause time.Duration
}

// ChunkFailure describes a chunk that could not be delivered.
type ChunkFailure struct {
	Index int
	Size  int
	Err   error
}

// Report summarizes one Deliver call.
type Report struct {
	Requested int
	Chunks    int
	Delivered int
	Failures  []ChunkFailure
}

func (r Report) Failed() bool { return len(r.Failures) > 0 }

type Gateway struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, sender Sender, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Pause <= 0 {
		cfg.Pause = DefaultPause
	}
	return &Gateway{
		cfg:     cfg,
		sender:  sender,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(cfg.Pause), 1),
	}
}

// Deliver sends units to ids in sequential chunks. Ids are de-duplicated
// within each chunk. A failed chunk is logged and skipped; the rest still go
// out. Deliver only stops early when ctx is cancelled.
func (g *Gateway) Deliver(ctx context.Context, ids []string, units []transport.Unit) Report {
	rep := Report{Requested: len(ids)}
	if len(ids) == 0 || len(units) == 0 {
		return rep
	}

	for start, idx := 0, 0; start < len(ids); start, idx = start+g.cfg.ChunkSize, idx+1 {
		end := start + g.cfg.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := dedup(ids[start:end])

		if err := g.limiter.Wait(ctx); err != nil {
			rep.Failures = append(rep.Failures, ChunkFailure{Index: idx, Size: len(chunk), Err: err})
			g.log.Warn("push aborted", logx.Int("chunk", idx), logx.Err(err))
			return rep
		}

		rep.Chunks++
		if err := g.sender.Multicast(ctx, chunk, units); err != nil {
			rep.Failures = append(rep.Failures, ChunkFailure{Index: idx, Size: len(chunk), Err: err})
			observability.RecordPushChunk(len(chunk), false)
			g.log.Warn("multicast chunk failed",
				logx.Int("chunk", idx),
				logx.Int("size", len(chunk)),
				logx.Err(err),
			)
			continue
		}
		rep.Delivered += len(chunk)
		observability.RecordPushChunk(len(chunk), true)
	}

	fields := []logx.Field{
		logx.Int("requested", rep.Requested),
		logx.Int("chunks", rep.Chunks),
		logx.Int("delivered", rep.Delivered),
	}
	if rep.Failed() {
		g.log.Warn("push finished with failures", append(fields, logx.Int("failed_chunks", len(rep.Failures)))...)
	} else {
		g.log.Debug("push finished", fields...)
	}
	return rep
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
