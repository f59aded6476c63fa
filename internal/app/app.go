// Package app wires the bridge together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/broadcast"
	"relaybot/internal/command"
	"relaybot/internal/config"
	"relaybot/internal/push"
	"relaybot/internal/relay"
	"relaybot/internal/role"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	"relaybot/internal/transport/discord"
	"relaybot/internal/transport/line"
	"relaybot/internal/webhook"
	logx "relaybot/pkg/logx"
)

const (
	jobSync    = "relay.sync"
	jobRelease = "queue.release"

	// releaseTimeout bounds the morning release; items it cannot reach in
	// time go back to the queue.
	releaseTimeout = 30 * time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	store   storage.Repository
	roles   *role.Registry
	line    *line.Client
	discord *discord.Client
	engine  *broadcast.Engine
	syncer  *relay.Syncer
	sched   *scheduler.Service
	web     *webhook.Server
}

// NewApp loads the config file and builds the app from it.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	return a, nil
}

// Build assembles every component from a validated config.
func Build(cfg *config.Config) (*App, error) {
	// The alert transport logs through a console logger so its own failures
	// never loop back into the alert sink.
	bootLog := logx.NewConsole(cfg.Logging.Level)
	dc := discord.New(cfg.DiscordConfig(), bootLog.With(logx.String("comp", "discord")))

	logSvc, log := logx.New(cfg.LogConfig(), dc)
	appLog := log.With(logx.String("comp", "app"))

	roles, err := cfg.RoleRegistry()
	if err != nil {
		return nil, err
	}
	parser, warnings, err := command.NewParser(cfg.ParserConfig(), roles)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		appLog.Warn("command table", logx.String("warning", w))
	}
	window, err := cfg.Window()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.StorageConfig(), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	lc := line.New(cfg.LineConfig(), log.With(logx.String("comp", "line")))
	gw := push.New(cfg.PushConfig(), lc, log.With(logx.String("comp", "push")))
	engine := broadcast.NewEngine(broadcast.Config{
		UrgentMarker: cfg.Quiet.UrgentMarker,
		Window:       window,
	}, broadcast.Deps{
		Roles:    roles,
		Resolver: broadcast.NewResolver(roles, store),
		Queue:    store,
		Gateway:  gw,
		Audit:    store,
		Alerts:   dc,
	}, log.With(logx.String("comp", "broadcast")))

	syncer := relay.NewSyncer(relay.Config{
		LockTimeout: cfg.LockTimeout(),
		Placeholder: cfg.Relay.Placeholder,
	}, dc, store, parser, engine, store, log.With(logx.String("comp", "relay")))

	sched, err := scheduler.New(scheduler.Config{Timezone: cfg.Timezone}, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handler := NewLineHandler(HandlerDeps{
		Roles:       roles,
		Parser:      parser,
		Auth:        command.NewAuthorizer(roles),
		Engine:      engine,
		Store:       store,
		Line:        lc,
		Alerts:      dc,
		ReleaseAt:   cfg.Quiet.ReleaseAt,
		Placeholder: cfg.Line.Placeholder,
	}, log.With(logx.String("comp", "handler")))

	readTimeout, writeTimeout := cfg.HTTPTimeouts()
	web := webhook.New(webhook.Config{
		Addr:         cfg.HTTP.Addr,
		CallbackPath: cfg.HTTP.CallbackPath,
		Metrics:      cfg.HTTP.Metrics,
		Pprof:        cfg.HTTP.Pprof,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}, handler, log.With(logx.String("comp", "webhook")))

	return &App{
		cfg:     cfg,
		log:     appLog,
		logs:    logSvc,
		store:   store,
		roles:   roles,
		line:    lc,
		discord: dc,
		engine:  engine,
		syncer:  syncer,
		sched:   sched,
		web:     web,
	}, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// WebhookAddr is the bound listener address once started.
func (a *App) WebhookAddr() string { return a.web.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	for _, miss := range a.cfg.Unconfigured() {
		a.log.Warn("transport not configured", logx.String("field", miss.Field), logx.String("reason", miss.Reason))
	}
	if err := a.seedAutoReplies(runCtx, a.cfg); err != nil {
		return err
	}

	if a.cfg.Relay.Enabled {
		if err := a.sched.Register(jobSync, a.cfg.Relay.PollEvery, a.syncTick); err != nil {
			return err
		}
	}
	if err := a.sched.AddDaily(jobRelease, a.cfg.Quiet.ReleaseAt, a.releaseTick, scheduler.WithTimeout(releaseTimeout)); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	a.web.SetHealth(func() any { return a.sup.Snapshot() })
	if err := a.web.Start(runCtx); err != nil {
		return err
	}

	if a.cfgm != nil {
		sub, unsubscribe := a.cfgm.Subscribe()
		a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
		a.sup.Go("config.reload", func(c context.Context) error {
			defer unsubscribe()
			for {
				select {
				case <-c.Done():
					return nil
				case next := <-sub:
					a.applyConfig(c, next)
				}
			}
		})
	}

	a.log.Info("started",
		logx.String("tz", a.sched.Location().String()),
		logx.String("quiet", a.engine.Window().String()),
		logx.String("release_at", a.cfg.Quiet.ReleaseAt),
		logx.Bool("relay", a.cfg.Relay.Enabled),
		logx.String("storage", a.cfg.Storage.Driver),
		logx.Secret("line_token", a.cfg.Line.AccessToken),
		logx.Secret("discord_webhook", a.cfg.Discord.WebhookURL),
		logx.Secret("discord_bot_token", a.cfg.Discord.BotToken),
	)
	return nil
}

func (a *App) syncTick(ctx context.Context) error {
	if !a.discord.ChannelConfigured() {
		return nil
	}
	rep, err := a.syncer.Tick(ctx)
	if err != nil {
		return err
	}
	if rep.Dispatched > 0 || rep.Failed > 0 {
		a.log.Info("sync tick", logx.Int("fetched", rep.Fetched), logx.Int("dispatched", rep.Dispatched), logx.Int("failed", rep.Failed), logx.String("cursor", rep.Cursor))
	}
	return nil
}

func (a *App) releaseTick(ctx context.Context) error {
	rep, err := a.engine.Flush(ctx)
	if rep.Drained > 0 {
		a.log.Info("release done", logx.Int("drained", rep.Drained), logx.Int("sent", rep.Sent), logx.Int("empty", rep.Empty), logx.Int("failed", rep.Failed), logx.Int("requeued", rep.Requeued))
	}
	return err
}

// ReloadConfig re-reads the config file now; changes reach applyConfig
// through the subscription.
func (a *App) ReloadConfig() error {
	if a.cfgm == nil {
		return fmt.Errorf("reload: no config file")
	}
	return a.cfgm.Reload()
}

// ResetCursor clears the relay cursor and runs one sync tick immediately.
func (a *App) ResetCursor(ctx context.Context) (relay.Report, error) {
	if err := a.syncer.ResetCursor(ctx); err != nil {
		return relay.Report{}, err
	}
	if !a.discord.ChannelConfigured() {
		return relay.Report{}, fmt.Errorf("reset cursor: relay channel not configured")
	}
	return a.syncer.Tick(ctx)
}

// seedAutoReplies replaces the stored keyword table when the config defines
// one; an empty config table leaves the stored one alone.
func (a *App) seedAutoReplies(ctx context.Context, cfg *config.Config) error {
	if len(cfg.AutoReplies) == 0 {
		return nil
	}
	if err := a.store.ReplaceAutoReplies(ctx, cfg.AutoReplyTable()); err != nil {
		return fmt.Errorf("seed auto-replies: %w", err)
	}
	a.log.Debug("auto-replies loaded", logx.Int("count", len(cfg.AutoReplies)))
	return nil
}

func (a *App) applyConfig(ctx context.Context, next *config.Config) {
	if next == nil {
		return
	}
	hot, restart := config.Changes(a.cfg, next)
	for _, section := range hot {
		switch section {
		case "logging":
			a.logs.Apply(next.LogConfig())
		case "auto_replies":
			if err := a.store.ReplaceAutoReplies(ctx, next.AutoReplyTable()); err != nil {
				a.log.Warn("auto-reply reload failed", logx.Err(err))
				continue
			}
		}
	}
	if len(hot) > 0 {
		a.log.Info("config applied", logx.Strings("sections", hot))
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart", logx.Strings("sections", restart))
	}
	// Keep restart-only sections as running so the next diff stays accurate.
	merged := *a.cfg
	merged.Logging = next.Logging
	merged.AutoReplies = next.AutoReplies
	a.cfg = &merged
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", reason))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("webhook", 5*time.Second, a.web.Stop)
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.close()
}

func (a *App) close() error {
	var errs []string
	if err := a.store.Close(); err != nil {
		errs = append(errs, "storage: "+err.Error())
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, "logs: "+err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %s", strings.Join(errs, "; "))
	}
	return nil
}
