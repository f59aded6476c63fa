package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/internal/app"
)

func main() {
	var (
		cfgPath     string
		resetCursor bool
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json, yaml or toml)")
	flag.BoolVar(&resetCursor, "reset-cursor", false, "clear the relay cursor, run one sync and exit")
	flag.DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if resetCursor {
		rep, err := a.ResetCursor(ctx)
		_ = a.Stop(context.Background(), "reset-cursor")
		if err != nil {
			fmt.Fprintln(os.Stderr, "reset cursor:", err)
			os.Exit(1)
		}
		fmt.Printf("cursor reset: fetched=%d dispatched=%d failed=%d cursor=%s\n",
			rep.Fetched, rep.Dispatched, rep.Failed, rep.Cursor)
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), "start failed")
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reason := "signal"
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-a.Done():
			if ctx.Err() == nil {
				reason = "fatal"
			}
			break wait
		case <-hup:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
			if err := a.ReloadConfig(); err != nil {
				fmt.Fprintln(os.Stderr, "reload:", err)
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		}
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
