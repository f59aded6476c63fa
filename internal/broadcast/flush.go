package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/observability"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// FlushReport summarizes one scheduled release.
type FlushReport struct {
	Drained int
	Sent    int
	Empty   int
	Failed  int
	// Requeued items were drained but reached nobody; they wait for the next
	// release.
	Requeued int
	Results  []Result
}

const requeueTimeout = 10 * time.Second

// Flush drains the queue and force-sends every item in FIFO order. The batch
// size is announced on the alert channel before the first dispatch. An item
// that reaches no recipient goes back to the queue, and once ctx ends every
// item not yet dispatched goes back too.
func (e *Engine) Flush(ctx context.Context) (FlushReport, error) {
	items, err := e.deps.Queue.DrainQueue(ctx)
	if err != nil {
		return FlushReport{}, fmt.Errorf("flush: %w", err)
	}
	rep := FlushReport{Drained: len(items)}
	if len(items) == 0 {
		e.log.Info("release: queue empty")
		return rep, nil
	}

	e.log.Info("release: dispatching queued broadcasts", logx.Int("count", len(items)))
	if e.deps.Alerts != nil {
		msg := fmt.Sprintf("🌅 Good morning. Releasing %d message(s) held overnight.", len(items))
		if err := e.deps.Alerts.PostAlert(ctx, msg); err != nil {
			e.log.Warn("release alert failed", logx.Err(err))
		}
	}

	for i, it := range items {
		if ctx.Err() != nil {
			e.requeue(ctx, items[i:], context.Cause(ctx), &rep)
			break
		}
		res, err := e.Dispatch(ctx, Command{
			SenderName: it.Sender,
			TargetRole: it.TargetRole,
			Body:       it.Body,
			ImageURL:   it.ImageURL,
			At:         it.EnqueuedAt,
		}, Options{ForceSend: true})
		if err != nil && ctx.Err() != nil {
			e.requeue(ctx, items[i:], context.Cause(ctx), &rep)
			break
		}
		if errors.Is(err, ErrUndelivered) {
			rep.Failed++
			e.log.Warn("release undelivered; requeued", logx.String("ref", it.Ref), logx.Err(err))
			e.requeue(ctx, items[i:i+1], err, &rep)
			continue
		}
		if err != nil {
			rep.Failed++
			e.log.Error("release failed",
				logx.String("ref", it.Ref),
				logx.String("sender", it.Sender),
				logx.String("target", it.TargetRole),
				logx.Err(err),
			)
			e.audit(ctx, storage.LogEntry{
				Category: "Broadcast(Queue)",
				Subject:  fmt.Sprintf("Failed: %s -> %s", it.Sender, it.TargetRole),
				Detail:   err.Error(),
			})
			continue
		}
		rep.Results = append(rep.Results, res)
		switch res.Status {
		case StatusSent:
			rep.Sent++
		case StatusEmpty:
			rep.Empty++
		}
		e.log.Info("released",
			logx.String("ref", it.Ref),
			logx.String("sender", it.Sender),
			logx.String("target", it.TargetRole),
			logx.String("status", string(res.Status)),
			logx.Int("count", res.Count),
		)
		e.audit(ctx, storage.LogEntry{
			Category: "Broadcast(Queue)",
			Subject:  fmt.Sprintf("Released: %s -> %s", it.Sender, it.TargetRole),
			Detail:   "Body: " + it.Body,
		})
	}
	observability.RecordRelease(rep.Sent + rep.Empty)
	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("flush interrupted after %d of %d: %w", rep.Sent+rep.Empty+rep.Failed, rep.Drained, err)
	}
	return rep, nil
}

// requeue puts items back with their original reference and enqueue time.
// It runs on a context detached from ctx so a cancelled release still
// returns what it took.
func (e *Engine) requeue(ctx context.Context, items []storage.QueuedBroadcast, reason error, rep *FlushReport) {
	if len(items) == 0 {
		return
	}
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	for _, it := range items {
		it.Seq = 0
		if _, err := e.deps.Queue.Enqueue(qctx, it); err != nil {
			e.log.Error("requeue failed; item lost",
				logx.String("ref", it.Ref),
				logx.String("sender", it.Sender),
				logx.String("target", it.TargetRole),
				logx.String("body", it.Body),
				logx.Err(err),
			)
			continue
		}
		rep.Requeued++
	}
	e.log.Warn("release items requeued", logx.Int("count", len(items)), logx.Err(reason))
	e.audit(qctx, storage.LogEntry{
		Category: "Broadcast(Queue)",
		Subject:  fmt.Sprintf("Requeued: %d item(s)", len(items)),
		Detail:   fmt.Sprintf("reason: %v", reason),
	})
}

func (e *Engine) audit(ctx context.Context, entry storage.LogEntry) {
	if e.deps.Audit == nil {
		return
	}
	if err := e.deps.Audit.Log(ctx, entry); err != nil {
		e.log.Warn("audit log write failed", logx.String("category", entry.Category), logx.Err(err))
	}
}
