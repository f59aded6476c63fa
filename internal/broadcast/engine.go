package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/observability"
	"relaybot/internal/push"
	"relaybot/internal/quiet"
	"relaybot/internal/role"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// ErrUndelivered is returned by Dispatch when the gateway reached no
// recipient at all.
var ErrUndelivered = errors.New("broadcast not delivered")

// Queue stores deferred broadcasts.
type Queue interface {
	Enqueue(ctx context.Context, item storage.QueuedBroadcast) (storage.QueuedBroadcast, error)
	DrainQueue(ctx context.Context) ([]storage.QueuedBroadcast, error)
}

// Deliverer is the push gateway.
type Deliverer interface {
	Deliver(ctx context.Context, ids []string, units []transport.Unit) push.Report
}

// Auditor appends to the audit log.
type Auditor interface {
	Log(ctx context.Context, e storage.LogEntry) error
}

// Alerter posts to the operational side-channel.
type Alerter interface {
	PostAlert(ctx context.Context, text string) error
}

type Config struct {
	UrgentMarker string
	Window       quiet.Window
}

// Deps are the collaborators of an Engine. Alerts may be nil.
type Deps struct {
	Roles    *role.Registry
	Resolver *Resolver
	Queue    Queue
	Gateway  Deliverer
	Audit    Auditor
	Alerts   Alerter
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type Engine struct {
	cfg  Config
	deps Deps
	log  logx.Logger
}

func NewEngine(cfg Config, deps Deps, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.UrgentMarker == "" {
		cfg.UrgentMarker = DefaultUrgentMarker
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{cfg: cfg, deps: deps, log: log}
}

func (e *Engine) UrgentMarker() string { return e.cfg.UrgentMarker }

func (e *Engine) Window() quiet.Window { return e.cfg.Window }

// Quiet reports whether non-urgent traffic is deferred right now.
func (e *Engine) Quiet() bool { return e.cfg.Window.Active(e.deps.Clock()) }

// Dispatch sends cmd now or queues it for the morning release. The caller
// must have authorized the sender.
func (e *Engine) Dispatch(ctx context.Context, cmd Command, opts Options) (Result, error) {
	label, err := e.deps.Roles.Label(cmd.TargetRole)
	if err != nil {
		return Result{}, err
	}
	now := e.deps.Clock()
	urgent := cmd.Urgent(e.cfg.UrgentMarker)

	if e.cfg.Window.Active(now) && !urgent && !opts.ForceSend {
		item, err := e.deps.Queue.Enqueue(ctx, storage.QueuedBroadcast{
			EnqueuedAt: now,
			Sender:     cmd.SenderName,
			TargetRole: cmd.TargetRole,
			Body:       cmd.Body,
			ImageURL:   cmd.ImageURL,
		})
		if err != nil {
			return Result{}, fmt.Errorf("defer broadcast: %w", err)
		}
		e.log.Info("broadcast queued",
			logx.String("ref", item.Ref),
			logx.String("sender", cmd.SenderName),
			logx.String("target", cmd.TargetRole),
			logx.String("window", e.cfg.Window.String()),
		)
		observability.RecordDispatch(string(StatusQueued))
		return Result{Status: StatusQueued, QueueRef: item.Ref}, nil
	}

	recipients, err := e.deps.Resolver.Resolve(ctx, cmd.TargetRole)
	if err != nil {
		return Result{}, err
	}
	recipients = exclude(recipients, opts.ExcludeID)
	if len(recipients) == 0 {
		e.log.Info("broadcast has no recipients", logx.String("target", cmd.TargetRole))
		observability.RecordDispatch(string(StatusEmpty))
		return Result{Status: StatusEmpty}, nil
	}

	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.ID
	}
	units := Compose(label, urgent, cmd.SenderName, cmd.Body, cmd.ImageURL)
	rep := e.deps.Gateway.Deliver(ctx, ids, units)
	if rep.Delivered == 0 && rep.Failed() {
		observability.RecordDispatch("undelivered")
		e.log.Warn("broadcast not delivered",
			logx.String("sender", cmd.SenderName),
			logx.String("target", cmd.TargetRole),
			logx.Int("recipients", len(recipients)),
			logx.Int("failed_chunks", len(rep.Failures)),
		)
		return Result{Push: rep}, fmt.Errorf("%w: %v", ErrUndelivered, rep.Failures[0].Err)
	}

	e.log.Info("broadcast sent",
		logx.String("sender", cmd.SenderName),
		logx.String("target", cmd.TargetRole),
		logx.Bool("urgent", urgent),
		logx.Bool("forced", opts.ForceSend),
		logx.Int("recipients", len(recipients)),
		logx.Int("delivered", rep.Delivered),
	)
	observability.RecordDispatch(string(StatusSent))
	return Result{Status: StatusSent, Count: len(recipients), Recipients: recipients, Push: rep}, nil
}

func exclude(in []Recipient, id string) []Recipient {
	if id == "" {
		return in
	}
	out := in[:0:0]
	for _, r := range in {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}
