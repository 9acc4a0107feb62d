// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfwright/surfwright/internal/command"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/daemonmeta"
	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/state"
	"github.com/surfwright/surfwright/internal/wire"
)

func testClientRuntime(dir string) config.Runtime {
	rt := config.FromEnv()
	rt.StateDir = dir
	rt.MaxClientRetries = 2
	rt.InitialBackoff = time.Millisecond
	rt.ConnectTimeout = 50 * time.Millisecond
	rt.RequestTimeout = time.Second
	rt.DaemonEnabled = true
	return rt
}

type harness struct {
	orch    *Orchestrator
	paths   state.Paths
	calls   int
	spawns  int
	local   int
	respond func(attempt int) (wire.Response, error)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{paths: state.NewPaths(dir)}

	local := command.DispatcherFunc(func(_ context.Context, argv []string) command.Result {
		h.local++
		return command.Result{Code: 0, Stdout: "local:" + argv[0] + "\n"}
	})

	h.orch = New(testClientRuntime(dir), h.paths, command.Default(), local)
	h.orch.call = func(_ context.Context, _ daemonmeta.Metadata, _ wire.Request, _, _ time.Duration) (wire.Response, error) {
		h.calls++
		return h.respond(h.calls)
	}
	h.orch.spawn = func(paths state.Paths) error {
		h.spawns++
		// A "spawned worker" publishes metadata for this process.
		return daemonmeta.Publish(paths.DaemonMetaFile(), daemonmeta.New(45000, "tok"))
	}
	return h
}

func publishLiveMeta(t *testing.T, paths state.Paths) {
	t.Helper()
	require.NoError(t, paths.EnsureRoot())
	require.NoError(t, daemonmeta.Publish(paths.DaemonMetaFile(), daemonmeta.New(45000, "tok")))
}

func TestExecuteRoutesThroughDaemon(t *testing.T) {
	h := newHarness(t)
	publishLiveMeta(t, h.paths)
	h.respond = func(int) (wire.Response, error) {
		return wire.RunResult(0, "daemon-out\n", ""), nil
	}

	res, err := h.orch.Execute(context.Background(), []string{"session", "list"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "daemon-out\n", res.Stdout)
	assert.Equal(t, 1, h.calls)
	assert.Zero(t, h.local)
}

func TestExecuteSpawnsWhenNoMetadata(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.paths.EnsureRoot())
	h.respond = func(int) (wire.Response, error) {
		return wire.RunResult(0, "after-spawn\n", ""), nil
	}

	res, err := h.orch.Execute(context.Background(), []string{"ping"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.spawns)
	assert.Equal(t, "after-spawn\n", res.Stdout)
}

func TestExecuteRetriesOnBackpressure(t *testing.T) {
	h := newHarness(t)
	publishLiveMeta(t, h.paths)
	h.respond = func(attempt int) (wire.Response, error) {
		if attempt < 3 {
			return wire.Failure(string(errcode.DaemonQueueSaturated), "lane full"), nil
		}
		return wire.RunResult(0, "finally\n", ""), nil
	}

	res, err := h.orch.Execute(context.Background(), []string{"session", "list"})
	require.NoError(t, err)
	assert.Equal(t, 3, h.calls)
	assert.Equal(t, "finally\n", res.Stdout)
}

func TestExecuteExhaustsRetriesWithTypedError(t *testing.T) {
	h := newHarness(t)
	publishLiveMeta(t, h.paths)
	h.respond = func(int) (wire.Response, error) {
		return wire.Failure(string(errcode.DaemonQueueTimeout), "waited too long"), nil
	}

	_, err := h.orch.Execute(context.Background(), []string{"session", "list"})
	require.Error(t, err)
	assert.Equal(t, errcode.DaemonQueueTimeout, errcode.As(err).Code)
	assert.Equal(t, 3, h.calls, "initial + MaxClientRetries")
	assert.Zero(t, h.local, "typed daemon failures never rerun locally")
}

func TestExecuteForwardsNonRetryableFailures(t *testing.T) {
	h := newHarness(t)
	publishLiveMeta(t, h.paths)
	h.respond = func(int) (wire.Response, error) {
		return wire.Failure(string(errcode.SessionNotFound), "no session"), nil
	}

	_, err := h.orch.Execute(context.Background(), []string{"session", "use", "ghost"})
	require.Error(t, err)
	assert.Equal(t, errcode.SessionNotFound, errcode.As(err).Code)
	assert.Equal(t, 1, h.calls)
}

func TestExecuteFallsBackInProcess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.paths.EnsureRoot())
	h.orch.spawn = func(state.Paths) error { return nil } // spawner that never publishes

	res, err := h.orch.Execute(context.Background(), []string{"ping"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.local)
	assert.Equal(t, "local:ping\n", res.Stdout)
}

func TestBypassCommandsNeverTouchDaemon(t *testing.T) {
	h := newHarness(t)
	publishLiveMeta(t, h.paths)
	h.respond = func(int) (wire.Response, error) {
		t.Fatal("streaming command must not reach the daemon")
		return wire.Response{}, nil
	}

	_, err := h.orch.Execute(context.Background(), []string{"capture", "tail", "cap-1"})
	require.NoError(t, err)
	assert.Zero(t, h.calls)
	assert.Equal(t, 1, h.local)
}

func TestDaemonDisabledRunsLocally(t *testing.T) {
	h := newHarness(t)
	publishLiveMeta(t, h.paths)
	h.orch.rt.DaemonEnabled = false

	_, err := h.orch.Execute(context.Background(), []string{"session", "list"})
	require.NoError(t, err)
	assert.Zero(t, h.calls)
	assert.Equal(t, 1, h.local)
}

func TestStaleMetadataTriggersSpawn(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.paths.EnsureRoot())

	stale := daemonmeta.New(45000, "tok")
	stale.Pid = 999999999
	require.NoError(t, daemonmeta.Publish(h.paths.DaemonMetaFile(), stale))

	h.respond = func(int) (wire.Response, error) {
		return wire.RunResult(0, "fresh\n", ""), nil
	}

	res, err := h.orch.Execute(context.Background(), []string{"ping"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.spawns, "stale pid discarded, new worker spawned")
	assert.Equal(t, "fresh\n", res.Stdout)
}
