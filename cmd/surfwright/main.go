// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/surfwright/surfwright/internal/browser"
	"github.com/surfwright/surfwright/internal/cli"
	"github.com/surfwright/surfwright/internal/client"
	"github.com/surfwright/surfwright/internal/command"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/daemon"
	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/lane"
	xwlog "github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/maintenance"
	"github.com/surfwright/surfwright/internal/session"
	"github.com/surfwright/surfwright/internal/state"
	"github.com/surfwright/surfwright/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == daemon.WorkerArg {
		os.Exit(runWorker())
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("surfwright %s\n", version.String())
		os.Exit(0)
	}

	os.Exit(runClient(flag.Args()))
}

// core bundles the wiring shared by the client and the worker.
type core struct {
	rt       config.Runtime
	paths    state.Paths
	store    *state.Store
	manifest *command.Manifest
	executor *cli.Executor
	maint    *maintenance.Engine
}

func buildCore() core {
	rt := config.FromEnv()
	paths := state.NewPaths(rt.StateDir)
	store := state.NewStore(paths)
	driver := browser.NewChromiumDriver(rt)
	sessions := session.NewResolver(store, driver, rt)
	maint := maintenance.NewEngine(store, driver, rt)
	manifest := command.Default()
	executor := cli.NewExecutor(rt, store, sessions, maint, manifest)
	return core{rt: rt, paths: paths, store: store, manifest: manifest, executor: executor, maint: maint}
}

// runClient is the ordinary CLI path: orchestrate via the daemon with the
// in-process executor as fallback, then print the captured result.
func runClient(argv []string) int {
	xwlog.Configure(xwlog.Config{})

	if len(argv) == 0 {
		_ = errcode.WriteEnvelope(os.Stdout,
			errcode.New(errcode.QueryInvalid, "no command given").
				WithHint("try 'surfwright session list'"))
		return cli.ExitUsage
	}

	c := buildCore()
	orch := client.New(c.rt, c.paths, c.manifest, c.executor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := orch.Execute(ctx, argv)
	if err != nil {
		_ = errcode.WriteEnvelope(os.Stdout, err)
		typed := errcode.As(err)
		if typed.Code == errcode.QueryInvalid {
			return cli.ExitUsage
		}
		return cli.ExitFailure
	}

	if res.Stdout != "" {
		fmt.Fprint(os.Stdout, res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	return res.Code
}

// runWorker is the detached daemon process spawned by the orchestrator.
func runWorker() int {
	xwlog.Configure(xwlog.Config{Service: "surfwright-daemon"})
	logger := xwlog.WithComponent("main")

	c := buildCore()
	if err := c.paths.EnsureRoot(); err != nil {
		logger.Error().Err(err).Msg("prepare state root")
		return 1
	}

	resolver := lane.NewResolver(c.manifest, c.rt.AgentID)
	sched := lane.NewScheduler(lane.Limits{
		MaxActive:     c.rt.MaxActive,
		MaxQueueDepth: c.rt.MaxQueueDepth,
		QueueWait:     c.rt.QueueWait,
	})

	srv := daemon.NewServer(c.rt, c.paths.DaemonMetaFile(), c.executor, resolver, sched)
	srv.AfterRequest = c.maint.Opportunistic

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.rt.DebugAddr != "" {
		daemon.StartDebugListener(ctx, c.rt.DebugAddr, sched)
	}

	if err := srv.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon worker failed")
		return 1
	}
	return 0
}
