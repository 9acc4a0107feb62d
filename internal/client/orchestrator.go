// SPDX-License-Identifier: MIT

// Package client is the invocation-side orchestrator: discover a daemon,
// route the command through it, spawn one when missing, and fall back to
// in-process execution so the CLI always answers.
package client

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/surfwright/surfwright/internal/command"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/daemon"
	"github.com/surfwright/surfwright/internal/daemonmeta"
	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/state"
	"github.com/surfwright/surfwright/internal/wire"
)

// callFunc and spawnFunc are seams for tests.
type callFunc func(ctx context.Context, meta daemonmeta.Metadata, req wire.Request, connectTimeout, requestTimeout time.Duration) (wire.Response, error)
type spawnFunc func(paths state.Paths) error

// Orchestrator routes one CLI invocation to a daemon or runs it locally.
type Orchestrator struct {
	rt       config.Runtime
	paths    state.Paths
	manifest *command.Manifest
	local    command.Dispatcher

	call  callFunc
	spawn spawnFunc
}

// New wires the orchestrator. local is the in-process executor shared with
// the daemon worker, which is what makes the fallback path byte-identical.
func New(rt config.Runtime, paths state.Paths, manifest *command.Manifest, local command.Dispatcher) *Orchestrator {
	return &Orchestrator{
		rt:       rt,
		paths:    paths,
		manifest: manifest,
		local:    local,
		call:     daemon.Call,
		spawn:    daemon.SpawnWorker,
	}
}

// Execute runs argv to completion. The returned error, when non-nil, is
// always a typed failure ready for the envelope writer.
func (o *Orchestrator) Execute(ctx context.Context, argv []string) (command.Result, error) {
	ctx = log.ContextWithRequestID(ctx, uuid.NewString())

	if o.bypassesDaemon(argv) || !o.rt.DaemonEnabled {
		return o.local.Dispatch(ctx, argv), nil
	}

	res, err := o.viaDaemon(ctx, argv, true)
	if err == nil {
		return res, nil
	}

	var typed *errcode.Error
	if errors.As(err, &typed) && typed.Code != errcode.DaemonUnreachable {
		// The daemon answered with a real failure; surface it, never rerun
		// the command.
		return command.Result{}, err
	}

	lg := log.FromContext(ctx)
	lg.Debug().
		Err(err).
		Str("event", "client.fallback_local").
		Msg("no daemon available, executing in-process")
	return o.local.Dispatch(ctx, argv), nil
}

// bypassesDaemon consults the manifest trait for streaming commands.
func (o *Orchestrator) bypassesDaemon(argv []string) bool {
	spec, _, ok := o.manifest.Match(argv)
	return ok && spec.BypassDaemon
}

// viaDaemon performs discover, call, retry-on-backpressure, and a single
// spawn attempt when allowed.
func (o *Orchestrator) viaDaemon(ctx context.Context, argv []string, maySpawn bool) (command.Result, error) {
	meta, err := daemonmeta.ReadValid(o.paths.DaemonMetaFile())
	if err != nil {
		if !maySpawn {
			return command.Result{}, errcode.New(errcode.DaemonUnreachable, "no daemon metadata after spawn")
		}
		if spawnErr := o.spawn(o.paths); spawnErr != nil {
			return command.Result{}, errcode.Wrap(errcode.DaemonUnreachable, spawnErr, "spawn daemon worker")
		}
		if err := o.awaitMetadata(ctx); err != nil {
			return command.Result{}, err
		}
		return o.viaDaemon(ctx, argv, false)
	}

	req := wire.Request{Token: meta.Token, Kind: wire.KindRun, Argv: argv}

	var lastErr error
	for attempt := 0; attempt <= o.rt.MaxClientRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, o.rt.InitialBackoff, attempt); err != nil {
				return command.Result{}, errcode.Wrap(errcode.DaemonUnreachable, err, "cancelled during retry backoff")
			}
		}

		resp, err := o.call(ctx, meta, req, o.rt.ConnectTimeout, o.rt.RequestTimeout)
		if err != nil {
			var typed *errcode.Error
			if maySpawn && errors.As(err, &typed) && typed.Code == errcode.DaemonUnreachable {
				// Stale metadata with a dead socket behind it; replace the
				// daemon and reattempt once.
				if spawnErr := o.spawn(o.paths); spawnErr == nil {
					if waitErr := o.awaitMetadata(ctx); waitErr == nil {
						return o.viaDaemon(ctx, argv, false)
					}
				}
			}
			return command.Result{}, err
		}
		if resp.OK {
			return command.Result{Code: resp.ExitCode(), Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
		}

		code := errcode.Code(resp.ErrorCode())
		failure := errcode.New(code, "%s", resp.Message)
		if code != errcode.DaemonQueueSaturated && code != errcode.DaemonQueueTimeout {
			return command.Result{}, failure
		}
		lastErr = failure
		lg := log.FromContext(ctx)
		lg.Debug().
			Str("event", "client.backpressure_retry").
			Str("code", string(code)).
			Int("attempt", attempt+1).
			Msg("daemon backpressure, retrying")
	}
	return command.Result{}, lastErr
}

// awaitMetadata polls briefly for the freshly spawned worker's metadata.
func (o *Orchestrator) awaitMetadata(ctx context.Context) error {
	deadline := time.Now().Add(o.rt.ConnectTimeout * 3)
	for time.Now().Before(deadline) {
		if _, err := daemonmeta.ReadValid(o.paths.DaemonMetaFile()); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errcode.Wrap(errcode.DaemonUnreachable, ctx.Err(), "cancelled waiting for daemon")
		case <-time.After(25 * time.Millisecond):
		}
	}
	return errcode.New(errcode.DaemonUnreachable, "spawned daemon never published metadata")
}

// Ping checks the advertised daemon without running a command.
func (o *Orchestrator) Ping(ctx context.Context) error {
	meta, err := daemonmeta.ReadValid(o.paths.DaemonMetaFile())
	if err != nil {
		return errcode.Wrap(errcode.DaemonUnreachable, err, "no daemon to ping")
	}
	resp, err := o.call(ctx, meta, wire.Request{Token: meta.Token, Kind: wire.KindPing}, o.rt.ConnectTimeout, o.rt.RequestTimeout)
	if err != nil {
		return err
	}
	if !resp.OK || resp.Kind != wire.KindPong {
		return errcode.New(errcode.DaemonRequestInvalid, "unexpected ping response")
	}
	return nil
}

// Shutdown asks the advertised daemon to stop. Missing daemon is success.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	meta, err := daemonmeta.ReadValid(o.paths.DaemonMetaFile())
	if err != nil {
		return nil
	}
	_, err = o.call(ctx, meta, wire.Request{Token: meta.Token, Kind: wire.KindShutdown}, o.rt.ConnectTimeout, o.rt.RequestTimeout)
	return err
}

// sleepBackoff waits the jittered exponential delay for the given attempt.
func sleepBackoff(ctx context.Context, initial time.Duration, attempt int) error {
	delay := initial << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(initial)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
