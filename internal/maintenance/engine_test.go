// SPDX-License-Identifier: MIT

package maintenance

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfwright/surfwright/internal/browser"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/metrics"
	"github.com/surfwright/surfwright/internal/state"
)

type fakePort struct {
	mu        sync.Mutex
	reachable map[string]bool
	killed    []int
}

func newFakePort() *fakePort { return &fakePort{reachable: make(map[string]bool)} }

func (f *fakePort) AllocateFreePort() (int, error) { return 9999, nil }

func (f *fakePort) StartManaged(context.Context, browser.StartSpec) (*state.SessionRecord, error) {
	return nil, fmt.Errorf("not used in maintenance tests")
}

func (f *fakePort) Probe(_ context.Context, origin string, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable[origin]
}

func (f *fakePort) AttachHandshake(ctx context.Context, origin string, d time.Duration) bool {
	return f.Probe(ctx, origin, d)
}

func (f *fakePort) KillProcess(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *state.Store, *fakePort, config.Runtime) {
	t.Helper()
	dir := t.TempDir()
	store := state.NewStore(state.NewPaths(dir))
	port := newFakePort()
	rt := config.FromEnv()
	rt.StateDir = dir
	rt.GCEnabled = true
	rt.GCMinInterval = time.Millisecond
	rt.IdleProcessTTL = 50 * time.Millisecond
	return NewEngine(store, port, rt), store, port, rt
}

func seedSession(t *testing.T, store *state.Store, id, kind, origin string, pid *int) {
	t.Helper()
	require.NoError(t, store.Mutate(context.Background(), func(doc *state.Document) error {
		rec := &state.SessionRecord{
			SessionID:   id,
			Kind:        kind,
			Policy:      state.PolicyPersistent,
			BrowserMode: state.ModeHeadless,
			CDPOrigin:   origin,
			BrowserPid:  pid,
			CreatedAt:   state.Timestamp(time.Now()),
			LastSeenAt:  state.Timestamp(time.Now()),
		}
		if kind == state.KindManaged {
			rec.UserDataDir = "/tmp/profile-" + id
		}
		doc.Sessions[id] = rec
		return nil
	}))
}

func TestSessionPruneRemovesUnreachableAttached(t *testing.T) {
	e, store, port, _ := newTestEngine(t)
	ctx := context.Background()

	seedSession(t, store, "live", state.KindAttached, "http://127.0.0.1:9001", nil)
	seedSession(t, store, "dead", state.KindAttached, "http://127.0.0.1:9002", nil)
	port.reachable["http://127.0.0.1:9001"] = true

	result, err := e.SessionPrune(ctx, SessionPruneOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"dead"}, result.Removed)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, doc.Sessions, "live")
	assert.NotContains(t, doc.Sessions, "dead")
}

func TestSessionPruneRepairsManagedPid(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	pid := 12345
	seedSession(t, store, "m1", state.KindManaged, "http://127.0.0.1:9003", &pid)

	result, err := e.SessionPrune(ctx, SessionPruneOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Repaired)
	assert.Empty(t, result.Removed, "managed sessions survive without the drop flag")

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	rec := doc.Sessions["m1"]
	assert.Nil(t, rec.BrowserPid)
	assert.Equal(t, 1, rec.ManagedUnreachableCount)
	assert.NotEmpty(t, rec.ManagedUnreachableSince)
}

func TestSessionPruneDropsManagedPastThreshold(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	seedSession(t, store, "m1", state.KindManaged, "http://127.0.0.1:9003", nil)
	require.NoError(t, store.Mutate(ctx, func(doc *state.Document) error {
		doc.Sessions["m1"].ManagedUnreachableCount = config.DropThreshold - 1
		doc.Sessions["m1"].ManagedUnreachableSince = state.Timestamp(time.Now())
		return nil
	}))

	// Without the flag the session stays.
	_, err := e.SessionPrune(ctx, SessionPruneOptions{})
	require.NoError(t, err)
	doc, err := store.Read(ctx)
	require.NoError(t, err)
	require.Contains(t, doc.Sessions, "m1")

	result, err := e.SessionPrune(ctx, SessionPruneOptions{DropManagedUnreachable: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Removed)
}

func TestTargetPruneOrphansAgeAndCap(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	seedSession(t, store, "s-1", state.KindAttached, "http://127.0.0.1:9001", nil)

	now := time.Now()
	require.NoError(t, store.Mutate(ctx, func(doc *state.Document) error {
		doc.Targets["t-old"] = &state.TargetRecord{
			TargetID: "t-old", SessionID: "s-1",
			UpdatedAt: state.Timestamp(now.Add(-48 * time.Hour)),
		}
		for i := 0; i < 4; i++ {
			id := fmt.Sprintf("t-%d", i)
			doc.Targets[id] = &state.TargetRecord{
				TargetID: id, SessionID: "s-1",
				UpdatedAt: state.Timestamp(now.Add(-time.Duration(i) * time.Minute)),
			}
		}
		return nil
	}))

	result, err := e.TargetPrune(ctx, TargetPruneOptions{
		MaxAge:        24 * time.Hour,
		MaxPerSession: 2,
	})
	require.NoError(t, err)

	// t-old by age; t-2 and t-3 by the per-session cap (t-0, t-1 newest).
	assert.Equal(t, []string{"t-2", "t-3", "t-old"}, result.Removed)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Targets, 2)
	assert.Contains(t, doc.Targets, "t-0")
	assert.Contains(t, doc.Targets, "t-1")
}

func TestTargetPruneTiesBreakByIDAscending(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	seedSession(t, store, "s-1", state.KindAttached, "http://127.0.0.1:9001", nil)
	sameTime := state.Timestamp(time.Now())
	require.NoError(t, store.Mutate(ctx, func(doc *state.Document) error {
		for _, id := range []string{"t-a", "t-b", "t-c"} {
			doc.Targets[id] = &state.TargetRecord{TargetID: id, SessionID: "s-1", UpdatedAt: sameTime}
		}
		return nil
	}))

	result, err := e.TargetPrune(ctx, TargetPruneOptions{MaxPerSession: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-b", "t-c"}, result.Removed, "keep lowest id on equal timestamps")
}

func TestStateReconcileCommitsInOneTransaction(t *testing.T) {
	e, store, port, _ := newTestEngine(t)
	ctx := context.Background()

	seedSession(t, store, "live", state.KindAttached, "http://127.0.0.1:9001", nil)
	seedSession(t, store, "dead", state.KindAttached, "http://127.0.0.1:9002", nil)
	port.reachable["http://127.0.0.1:9001"] = true

	now := time.Now()
	require.NoError(t, store.Mutate(ctx, func(doc *state.Document) error {
		doc.Targets["t-dead"] = &state.TargetRecord{
			TargetID: "t-dead", SessionID: "dead",
			UpdatedAt: state.Timestamp(now),
		}
		doc.Targets["t-expired"] = &state.TargetRecord{
			TargetID: "t-expired", SessionID: "live",
			UpdatedAt: state.Timestamp(now.Add(-48 * time.Hour)),
		}
		return nil
	}))

	before := testutil.ToFloat64(metrics.StateTransactions.WithLabelValues("ok"))
	result, err := e.StateReconcile(ctx, SessionPruneOptions{}, TargetPruneOptions{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	after := testutil.ToFloat64(metrics.StateTransactions.WithLabelValues("ok"))

	assert.Equal(t, float64(1), after-before, "session repair and target pruning commit together")
	assert.Equal(t, []string{"dead"}, result.Sessions.Removed)
	assert.Equal(t, []string{"t-expired"}, result.Targets.Removed)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.NotContains(t, doc.Sessions, "dead")
	assert.NotContains(t, doc.Targets, "t-dead", "targets of a swept session go in the same pass")
	assert.NotContains(t, doc.Targets, "t-expired")
}

func TestCaptureRetentionOrdering(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	mkArtifact := func(id string, ageHours int, size int64, onDisk bool) *state.NetworkArtifactRecord {
		path := dir + "/" + id + ".har"
		if onDisk {
			require.NoError(t, os.WriteFile(path, make([]byte, int(size)), 0o600))
		}
		return &state.NetworkArtifactRecord{
			ArtifactID: id,
			CreatedAt:  state.Timestamp(time.Now().Add(-time.Duration(ageHours) * time.Hour)),
			Format:     "har",
			Path:       path,
			Bytes:      size,
		}
	}

	require.NoError(t, store.Mutate(ctx, func(doc *state.Document) error {
		doc.NetworkArtifacts["net-missing"] = mkArtifact("net-missing", 1, 10, false)
		doc.NetworkArtifacts["net-ancient"] = mkArtifact("net-ancient", 100, 10, true)
		doc.NetworkArtifacts["net-big"] = mkArtifact("net-big", 2, 1000, true)
		doc.NetworkArtifacts["net-small"] = mkArtifact("net-small", 1, 10, true)
		return nil
	}))

	result, err := e.CaptureRetention(ctx, RetentionOptions{
		MaxAge:        48 * time.Hour,
		MaxCount:      10,
		MaxTotalBytes: 100,
	})
	require.NoError(t, err)

	// Missing first, then age, then the size pass drops the largest.
	assert.Equal(t, []string{"net-missing", "net-ancient", "net-big"}, result.Removed)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.NetworkArtifacts, 1)
	assert.Contains(t, doc.NetworkArtifacts, "net-small")
}

func TestDiskPruneDryRun(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	paths := store.Paths()
	require.NoError(t, paths.EnsureRoot())

	stale := paths.CapturesDir() + "/cap-ghost.signal"
	require.NoError(t, os.WriteFile(stale, nil, 0o600))

	result, err := e.DiskPrune(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, result.Removed)
	assert.True(t, result.DryRun)
	_, statErr := os.Stat(stale)
	assert.NoError(t, statErr, "dry run deletes nothing")

	result, err = e.DiskPrune(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, result.Removed)
	_, statErr = os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))
}

func TestOpportunisticParksIdleManaged(t *testing.T) {
	e, store, port, _ := newTestEngine(t)
	ctx := context.Background()

	pid := 54321
	seedSession(t, store, "idle", state.KindManaged, "http://127.0.0.1:9001", &pid)
	require.NoError(t, store.Mutate(ctx, func(doc *state.Document) error {
		doc.Sessions["idle"].LastSeenAt = state.Timestamp(time.Now().Add(-time.Hour))
		return nil
	}))

	// Burst capacity covers the first pass.
	e.Opportunistic(ctx)

	assert.Equal(t, []int{54321}, port.killed)
	doc, err := store.Read(ctx)
	require.NoError(t, err)
	require.Contains(t, doc.Sessions, "idle", "parked session record survives")
	assert.Nil(t, doc.Sessions["idle"].BrowserPid)
}

func TestOpportunisticRespectsDisableFlag(t *testing.T) {
	e, store, port, rt := newTestEngine(t)
	_ = rt
	e.rt.GCEnabled = false
	ctx := context.Background()

	pid := 777
	seedSession(t, store, "idle", state.KindManaged, "http://127.0.0.1:9001", &pid)
	require.NoError(t, store.Mutate(ctx, func(doc *state.Document) error {
		doc.Sessions["idle"].LastSeenAt = state.Timestamp(time.Now().Add(-time.Hour))
		return nil
	}))

	e.Opportunistic(ctx)
	assert.Empty(t, port.killed)
}
