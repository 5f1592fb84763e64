package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pacer/internal/app"
	"pacer/internal/storage"
	logx "pacer/pkg/logx"
)

func main() {
	var (
		cfgPath string
		once    bool
		recent  int
	)
	flag.StringVar(&cfgPath, "config", "./pacer.yaml", "path to config yaml/json")
	flag.BoolVar(&once, "once", false, "run the batch once and exit")
	flag.IntVar(&recent, "recent", 0, "print the N most recent outcomes from storage and exit")
	flag.Parse()

	os.Exit(run(cfgPath, once, recent))
}

func run(cfgPath string, once bool, recent int) int {
	// Reports failures that happen outside the app's own log sinks.
	boot := logx.NewConsole(os.Stderr, "info").With(logx.String("comp", "main"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		return 1
	}

	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}

	switch {
	case recent > 0:
		defer stop(app.StopRunOnce)
		out, err := a.RecentOutcomes(ctx, recent)
		if errors.Is(err, storage.ErrDisabled) {
			boot.Error("storage is disabled in config")
			return 1
		}
		if err != nil {
			boot.Error("reading outcomes failed", logx.Err(err))
			return 1
		}
		return printJSON(out)

	case once:
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		rep, err := a.RunOnce(ctx)
		stop(app.StopRunOnce)
		if err != nil {
			boot.Error("batch run failed", logx.Err(err))
			return 1
		}
		if code := printJSON(rep); code != 0 {
			return code
		}
		if rep.Failed > 0 {
			return 1
		}
		return 0
	}

	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		stop(app.StopFatalError)
		return 1
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	stop(reason)
	if reason == app.StopFatalError {
		boot.Error("stopped on fatal error", logx.Err(a.Err()))
		return 1
	}
	return 0
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		return 1
	}
	return 0
}
