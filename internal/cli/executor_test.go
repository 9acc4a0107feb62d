// SPDX-License-Identifier: MIT

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfwright/surfwright/internal/browser"
	"github.com/surfwright/surfwright/internal/command"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/maintenance"
	"github.com/surfwright/surfwright/internal/session"
	"github.com/surfwright/surfwright/internal/state"
)

type fakePort struct {
	mu        sync.Mutex
	nextPort  int
	reachable map[string]bool
	starts    int
}

func newFakePort() *fakePort {
	return &fakePort{nextPort: 9400, reachable: make(map[string]bool)}
}

func (f *fakePort) AllocateFreePort() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPort++
	return f.nextPort, nil
}

func (f *fakePort) StartManaged(_ context.Context, spec browser.StartSpec) (*state.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	origin := fmt.Sprintf("http://127.0.0.1:%d", spec.DebugPort)
	f.reachable[origin] = true
	pid := 50000 + f.starts
	port := spec.DebugPort
	return &state.SessionRecord{
		SessionID:   spec.SessionID,
		Kind:        state.KindManaged,
		BrowserMode: spec.BrowserMode,
		CDPOrigin:   origin,
		DebugPort:   &port,
		UserDataDir: spec.UserDataDir,
		BrowserPid:  &pid,
	}, nil
}

func (f *fakePort) Probe(_ context.Context, origin string, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable[origin]
}

func (f *fakePort) AttachHandshake(ctx context.Context, origin string, d time.Duration) bool {
	return f.Probe(ctx, origin, d)
}

func (f *fakePort) KillProcess(int) error { return nil }

func newTestExecutor(t *testing.T) (*Executor, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	rt := config.FromEnv()
	rt.StateDir = dir

	store := state.NewStore(state.NewPaths(dir))
	port := newFakePort()
	sessions := session.NewResolver(store, port, rt)
	maint := maintenance.NewEngine(store, port, rt)
	return NewExecutor(rt, store, sessions, maint, command.Default()), store
}

// lastLine returns the final non-empty stdout line.
func lastLine(stdout string) string {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	return lines[len(lines)-1]
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Dispatch(context.Background(), []string{"teleport", "home"})
	assert.Equal(t, ExitUsage, res.Code)

	var env errcode.Envelope
	require.NoError(t, json.Unmarshal([]byte(lastLine(res.Stdout)), &env))
	assert.False(t, env.OK)
	assert.Equal(t, errcode.QueryInvalid, env.Code)
	assert.False(t, env.Retryable)
}

func TestPing(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Dispatch(context.Background(), []string{"ping"})
	require.Equal(t, ExitOK, res.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &out))
	assert.Equal(t, true, out["ok"])
}

func TestOpenCreatesSessionAndTarget(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, []string{"open", "https://example.com"})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)

	var out struct {
		OK        bool   `json:"ok"`
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
		URL       string `json:"url"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &out))
	assert.True(t, out.OK)
	assert.Equal(t, "https://example.com", out.URL)
	assert.NotEmpty(t, out.TargetID)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	require.Contains(t, doc.Targets, out.TargetID)
	assert.Equal(t, out.SessionID, doc.Targets[out.TargetID].SessionID)
}

func TestOpenRequiresExactlyOneURL(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Dispatch(context.Background(), []string{"open"})
	assert.Equal(t, ExitUsage, res.Code)

	var env errcode.Envelope
	require.NoError(t, json.Unmarshal([]byte(lastLine(res.Stdout)), &env))
	assert.Equal(t, errcode.QueryInvalid, env.Code)
}

func TestSessionLifecycleThroughDispatch(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, []string{"session", "new", "--id", "work"})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)

	res = e.Dispatch(ctx, []string{"session", "list"})
	require.Equal(t, ExitOK, res.Code)

	var listed struct {
		ActiveSessionID string                 `json:"activeSessionId"`
		Sessions        []*state.SessionRecord `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &listed))
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, "work", listed.ActiveSessionID)
	assert.Equal(t, "work", listed.Sessions[0].SessionID)

	res = e.Dispatch(ctx, []string{"session", "use", "work"})
	assert.Equal(t, ExitOK, res.Code)

	res = e.Dispatch(ctx, []string{"session", "use", "ghost"})
	assert.Equal(t, ExitFailure, res.Code)
	var env errcode.Envelope
	require.NoError(t, json.Unmarshal([]byte(lastLine(res.Stdout)), &env))
	assert.Equal(t, errcode.SessionNotFound, env.Code)
}

func TestSessionListIsDeterministicallyOrdered(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		res := e.Dispatch(ctx, []string{"session", "new", "--id", id})
		require.Equal(t, ExitOK, res.Code)
	}

	res := e.Dispatch(ctx, []string{"session", "list"})
	require.Equal(t, ExitOK, res.Code)

	var listed struct {
		Sessions []*state.SessionRecord `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &listed))
	ids := []string{}
	for _, s := range listed.Sessions {
		ids = append(ids, s.SessionID)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestTargetActionStampsRecord(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, []string{"open", "https://example.com"})
	require.Equal(t, ExitOK, res.Code)
	var opened struct {
		TargetID string `json:"targetId"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &opened))

	res = e.Dispatch(ctx, []string{"target", "click", "--target", opened.TargetID})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	target := doc.Targets[opened.TargetID]
	assert.Equal(t, "click", target.LastActionKind)
	assert.NotEmpty(t, target.LastActionID)
	assert.NotEmpty(t, target.LastActionAt)
}

func TestCaptureStartStopExport(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, []string{"session", "new"})
	require.Equal(t, ExitOK, res.Code)

	res = e.Dispatch(ctx, []string{"capture", "start"})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)
	var started struct {
		Capture *state.NetworkCaptureRecord `json:"capture"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &started))
	require.NotNil(t, started.Capture)
	assert.Equal(t, state.CaptureRecording, started.Capture.Status)
	assert.Equal(t, "cap-1", started.Capture.CaptureID)

	res = e.Dispatch(ctx, []string{"capture", "stop", "cap-1"})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)

	res = e.Dispatch(ctx, []string{"capture", "export", "cap-1"})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)
	var exported struct {
		Artifact *state.NetworkArtifactRecord `json:"artifact"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &exported))
	require.NotNil(t, exported.Artifact)
	assert.Equal(t, "net-1", exported.Artifact.ArtifactID)
	assert.Equal(t, "har", exported.Artifact.Format)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, doc.NetworkArtifacts, "net-1")

	// The HAR on disk is valid JSON.
	data, err := os.ReadFile(exported.Artifact.Path)
	require.NoError(t, err)
	var har map[string]any
	require.NoError(t, json.Unmarshal(data, &har))
	assert.Contains(t, har, "log")
}

func TestCaptureExportRequiresCompleted(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, []string{"session", "new"})
	require.Equal(t, ExitOK, res.Code)
	res = e.Dispatch(ctx, []string{"capture", "start"})
	require.Equal(t, ExitOK, res.Code)

	res = e.Dispatch(ctx, []string{"capture", "export", "cap-1"})
	assert.Equal(t, ExitUsage, res.Code)

	var env errcode.Envelope
	require.NoError(t, json.Unmarshal([]byte(lastLine(res.Stdout)), &env))
	assert.Equal(t, errcode.QueryInvalid, env.Code)
}

func TestCaptureExportAllocatesSequentialArtifacts(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, []string{"session", "new"})
	require.Equal(t, ExitOK, res.Code)
	res = e.Dispatch(ctx, []string{"capture", "start"})
	require.Equal(t, ExitOK, res.Code)
	res = e.Dispatch(ctx, []string{"capture", "stop", "cap-1"})
	require.Equal(t, ExitOK, res.Code)

	// A completed capture exports repeatedly; each export reserves its own
	// ordinal and lands both on disk and in the index.
	for _, want := range []string{"net-1", "net-2"} {
		res = e.Dispatch(ctx, []string{"capture", "export", "cap-1"})
		require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)
		var exported struct {
			Artifact *state.NetworkArtifactRecord `json:"artifact"`
		}
		require.NoError(t, json.Unmarshal([]byte(res.Stdout), &exported))
		require.NotNil(t, exported.Artifact)
		assert.Equal(t, want, exported.Artifact.ArtifactID)
		_, statErr := os.Stat(exported.Artifact.Path)
		assert.NoError(t, statErr)
	}

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.NetworkArtifacts, 2)
}

func TestCapturePruneEnforcesMaxCount(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	res := e.Dispatch(ctx, []string{"session", "new"})
	require.Equal(t, ExitOK, res.Code)
	res = e.Dispatch(ctx, []string{"capture", "start"})
	require.Equal(t, ExitOK, res.Code)
	res = e.Dispatch(ctx, []string{"capture", "stop", "cap-1"})
	require.Equal(t, ExitOK, res.Code)
	for i := 0; i < 2; i++ {
		res = e.Dispatch(ctx, []string{"capture", "export", "cap-1"})
		require.Equal(t, ExitOK, res.Code)
	}

	res = e.Dispatch(ctx, []string{"capture", "prune", "--max-count", "1"})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)
	var pruned struct {
		Result struct {
			Removed []string `json:"removed"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &pruned))
	assert.Equal(t, []string{"net-1"}, pruned.Result.Removed, "oldest artifact leaves first")

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.NotContains(t, doc.NetworkArtifacts, "net-1")
	assert.Contains(t, doc.NetworkArtifacts, "net-2")
}

func TestDiskPruneRemovesUnreferencedFiles(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()
	paths := store.Paths()
	require.NoError(t, paths.EnsureRoot())

	stale := paths.CapturesDir() + "/cap-ghost.signal"
	require.NoError(t, os.WriteFile(stale, nil, 0o600))

	res := e.Dispatch(ctx, []string{"disk", "prune", "--dry-run"})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)
	var dry struct {
		Result struct {
			Removed []string `json:"removed"`
			DryRun  bool     `json:"dryRun"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &dry))
	assert.True(t, dry.Result.DryRun)
	assert.Equal(t, []string{stale}, dry.Result.Removed)
	_, statErr := os.Stat(stale)
	assert.NoError(t, statErr, "dry run deletes nothing")

	res = e.Dispatch(ctx, []string{"disk", "prune"})
	require.Equal(t, ExitOK, res.Code)
	_, statErr = os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStateReconcileIncludeArtifacts(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()
	paths := store.Paths()
	require.NoError(t, paths.EnsureRoot())

	stale := paths.CapturesDir() + "/cap-ghost.done"
	require.NoError(t, os.WriteFile(stale, nil, 0o600))

	res := e.Dispatch(ctx, []string{"state", "reconcile", "--include-artifacts"})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &out))
	assert.Contains(t, out, "captures")
	assert.Contains(t, out, "disk")
	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr), "reconcile with artifacts sweeps stale files")
}

func TestStateReconcile(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	// Seed an orphan target under a session, then remove the session
	// directly so reconcile has something to clean.
	res := e.Dispatch(ctx, []string{"session", "new", "--id", "s-live"})
	require.Equal(t, ExitOK, res.Code)
	require.NoError(t, store.Mutate(ctx, func(doc *state.Document) error {
		doc.Sessions["s-dead"] = &state.SessionRecord{
			SessionID:   "s-dead",
			Kind:        state.KindAttached,
			Policy:      state.PolicyEphemeral,
			BrowserMode: state.ModeUnknown,
			CDPOrigin:   "http://127.0.0.1:9998",
			CreatedAt:   state.Timestamp(time.Now()),
			LastSeenAt:  state.Timestamp(time.Now()),
		}
		return nil
	}))

	res = e.Dispatch(ctx, []string{"state", "reconcile"})
	require.Equal(t, ExitOK, res.Code, "stdout: %s", res.Stdout)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.NotContains(t, doc.Sessions, "s-dead", "unreachable attached removed")
	assert.Contains(t, doc.Sessions, "s-live")
}
