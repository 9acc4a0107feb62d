// SPDX-License-Identifier: MIT

// Package maintenance is the slow path: full-sweep pruning, retention and
// reconciliation. Nothing here runs inside a command's hot path; sweeps are
// triggered by explicit commands or the opportunistic background tick.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/surfwright/surfwright/internal/browser"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/state"
)

// Engine runs maintenance sweeps over the state document and the artifact
// tree.
type Engine struct {
	store *state.Store
	port  browser.Port
	rt    config.Runtime

	// gate throttles opportunistic passes to one per GCMinInterval.
	gate *rate.Limiter
}

// NewEngine wires the maintenance engine.
func NewEngine(store *state.Store, port browser.Port, rt config.Runtime) *Engine {
	interval := rt.GCMinInterval
	if interval <= 0 {
		interval = config.DefaultGCMinInterval
	}
	return &Engine{
		store: store,
		port:  port,
		rt:    rt,
		gate:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// SessionPruneOptions parameterise a full session sweep.
type SessionPruneOptions struct {
	ProbeTimeout time.Duration
	// DropManagedUnreachable removes managed sessions whose unreachable
	// counter crossed the drop threshold. Without it they are only repaired.
	DropManagedUnreachable bool
}

// SessionPruneResult summarises a sweep.
type SessionPruneResult struct {
	Probed   int      `json:"probed"`
	Removed  []string `json:"removed"`
	Repaired []string `json:"repaired"`
}

// SessionPrune probes every session and applies the results in one
// transaction. Unreachable attached sessions are removed unconditionally;
// managed sessions get their stale pid cleared and are dropped only past the
// threshold when explicitly requested.
func (e *Engine) SessionPrune(ctx context.Context, opts SessionPruneOptions) (*SessionPruneResult, error) {
	// Probe outside the lock; apply inside one transaction.
	reachable, err := e.probeSessions(ctx, opts.ProbeTimeout)
	if err != nil {
		return nil, err
	}

	result := &SessionPruneResult{}
	err = e.store.Mutate(ctx, func(doc *state.Document) error {
		result = applySessionPrune(doc, reachable, opts, time.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// probeSessions checks every session's origin without holding the state lock
// and returns the outcome keyed by session id.
func (e *Engine) probeSessions(ctx context.Context, timeout time.Duration) (map[string]bool, error) {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	doc, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	reachable := make(map[string]bool, len(doc.Sessions))
	for id, sess := range doc.Sessions {
		reachable[id] = sess.CDPOrigin != "" && e.port.Probe(ctx, sess.CDPOrigin, timeout)
	}
	return reachable, nil
}

// applySessionPrune applies probe outcomes to the document in-place. The
// caller holds the transaction. Sessions that appeared after the probe pass
// are left for the next sweep.
func applySessionPrune(doc *state.Document, reachable map[string]bool, opts SessionPruneOptions, now time.Time) *SessionPruneResult {
	result := &SessionPruneResult{Probed: len(reachable)}
	for id, sess := range doc.Sessions {
		ok, probed := reachable[id]
		if !probed {
			continue
		}
		if ok {
			sess.LastSeenAt = state.Timestamp(now)
			sess.ManagedUnreachableSince = ""
			sess.ManagedUnreachableCount = 0
			continue
		}
		if sess.Kind == state.KindAttached {
			removeSession(doc, id)
			result.Removed = append(result.Removed, id)
			continue
		}
		if sess.ManagedUnreachableCount == 0 {
			sess.ManagedUnreachableSince = state.Timestamp(now)
		}
		sess.ManagedUnreachableCount++
		if sess.BrowserPid != nil {
			sess.BrowserPid = nil
			result.Repaired = append(result.Repaired, id)
		}
		if opts.DropManagedUnreachable && sess.ManagedUnreachableCount >= config.DropThreshold {
			removeSession(doc, id)
			result.Removed = append(result.Removed, id)
		}
	}
	sort.Strings(result.Removed)
	sort.Strings(result.Repaired)
	return result
}

// TargetPruneOptions parameterise the target sweep.
type TargetPruneOptions struct {
	MaxAge        time.Duration
	MaxPerSession int
}

// TargetPruneResult summarises removed targets.
type TargetPruneResult struct {
	Removed []string `json:"removed"`
}

// TargetPrune removes orphan and age-expired targets, then caps each session
// at MaxPerSession keeping the most recently updated; ties break by targetId
// ascending so repeated runs are deterministic.
func (e *Engine) TargetPrune(ctx context.Context, opts TargetPruneOptions) (*TargetPruneResult, error) {
	result := &TargetPruneResult{}
	err := e.store.Mutate(ctx, func(doc *state.Document) error {
		result.Removed = pruneTargets(doc, opts, time.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// pruneTargets applies the target rules in-place and returns the removed ids
// sorted ascending.
func pruneTargets(doc *state.Document, opts TargetPruneOptions, now time.Time) []string {
	var removed []string
	for id, target := range doc.Targets {
		if _, ok := doc.Sessions[target.SessionID]; !ok {
			delete(doc.Targets, id)
			removed = append(removed, id)
			continue
		}
		if opts.MaxAge > 0 {
			updated := state.ParseTimestamp(target.UpdatedAt)
			if updated.IsZero() || now.Sub(updated) > opts.MaxAge {
				delete(doc.Targets, id)
				removed = append(removed, id)
			}
		}
	}

	if opts.MaxPerSession > 0 {
		perSession := make(map[string][]*state.TargetRecord)
		for _, target := range doc.Targets {
			perSession[target.SessionID] = append(perSession[target.SessionID], target)
		}
		for _, targets := range perSession {
			if len(targets) <= opts.MaxPerSession {
				continue
			}
			sort.Slice(targets, func(i, j int) bool {
				ti := state.ParseTimestamp(targets[i].UpdatedAt)
				tj := state.ParseTimestamp(targets[j].UpdatedAt)
				if !ti.Equal(tj) {
					return ti.After(tj)
				}
				return targets[i].TargetID < targets[j].TargetID
			})
			for _, victim := range targets[opts.MaxPerSession:] {
				delete(doc.Targets, victim.TargetID)
				removed = append(removed, victim.TargetID)
			}
		}
	}
	sort.Strings(removed)
	return removed
}

// ReconcileResult combines the session and target sweeps.
type ReconcileResult struct {
	Sessions *SessionPruneResult `json:"sessions"`
	Targets  *TargetPruneResult  `json:"targets"`
}

// StateReconcile probes every session outside the lock, then applies session
// repair and target pruning in one transaction. No intermediate state where
// sessions are swept but their targets linger is ever persisted.
func (e *Engine) StateReconcile(ctx context.Context, sessionOpts SessionPruneOptions, targetOpts TargetPruneOptions) (*ReconcileResult, error) {
	reachable, err := e.probeSessions(ctx, sessionOpts.ProbeTimeout)
	if err != nil {
		return nil, err
	}

	sessions := &SessionPruneResult{}
	targets := &TargetPruneResult{}
	err = e.store.Mutate(ctx, func(doc *state.Document) error {
		now := time.Now()
		sessions = applySessionPrune(doc, reachable, sessionOpts, now)
		targets.Removed = pruneTargets(doc, targetOpts, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{Sessions: sessions, Targets: targets}, nil
}

// RetentionOptions bound the capture artifact index.
type RetentionOptions struct {
	MaxAge        time.Duration
	MaxCount      int
	MaxTotalBytes int64
}

// RetentionResult lists removed artifact ids in removal order.
type RetentionResult struct {
	Removed []string `json:"removed"`
}

// CaptureRetention enforces the ordered retention policy on network
// artifacts: missing files first, then age, then count, then total bytes with
// the largest artifacts evicted first.
func (e *Engine) CaptureRetention(ctx context.Context, opts RetentionOptions) (*RetentionResult, error) {
	result := &RetentionResult{}
	err := e.store.Mutate(ctx, func(doc *state.Document) error {
		now := time.Now()

		for id, art := range doc.NetworkArtifacts {
			if _, err := os.Stat(art.Path); err != nil {
				delete(doc.NetworkArtifacts, id)
				result.Removed = append(result.Removed, id)
			}
		}

		if opts.MaxAge > 0 {
			for id, art := range doc.NetworkArtifacts {
				created := state.ParseTimestamp(art.CreatedAt)
				if created.IsZero() || now.Sub(created) > opts.MaxAge {
					removeArtifact(doc, id)
					result.Removed = append(result.Removed, id)
				}
			}
		}

		if opts.MaxCount > 0 && len(doc.NetworkArtifacts) > opts.MaxCount {
			byAge := artifactsOldestFirst(doc)
			for _, art := range byAge[:len(byAge)-opts.MaxCount] {
				removeArtifact(doc, art.ArtifactID)
				result.Removed = append(result.Removed, art.ArtifactID)
			}
		}

		if opts.MaxTotalBytes > 0 {
			var total int64
			for _, art := range doc.NetworkArtifacts {
				total += art.Bytes
			}
			if total > opts.MaxTotalBytes {
				bySize := artifactsLargestFirst(doc)
				for _, art := range bySize {
					if total <= opts.MaxTotalBytes {
						break
					}
					removeArtifact(doc, art.ArtifactID)
					result.Removed = append(result.Removed, art.ArtifactID)
					total -= art.Bytes
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DiskPruneResult lists the paths a disk sweep removed (or would remove).
type DiskPruneResult struct {
	Removed []string `json:"removed"`
	DryRun  bool     `json:"dryRun"`
}

// DiskPrune removes capture coordination files and artifact files that the
// state index no longer references. Dry-run reports without deleting.
func (e *Engine) DiskPrune(ctx context.Context, dryRun bool) (*DiskPruneResult, error) {
	doc, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]bool)
	for id := range doc.NetworkCaptures {
		referenced[id] = true
	}
	indexedPaths := make(map[string]bool)
	for _, art := range doc.NetworkArtifacts {
		indexedPaths[filepath.Clean(art.Path)] = true
	}

	result := &DiskPruneResult{DryRun: dryRun}
	paths := e.store.Paths()

	entries, err := os.ReadDir(paths.CapturesDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		captureID := strings.SplitN(name, ".", 2)[0]
		if referenced[captureID] {
			continue
		}
		full := filepath.Join(paths.CapturesDir(), name)
		result.Removed = append(result.Removed, full)
		if !dryRun {
			if err := os.Remove(full); err != nil {
				lg := log.WithComponent("maintenance")
				lg.Warn().
					Err(err).
					Str("event", "maintenance.disk_prune_failed").
					Str("path", full).
					Msg("failed to remove stale capture file")
			}
		}
	}

	artifacts, err := os.ReadDir(paths.NetworkArtifactsDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range artifacts {
		if entry.IsDir() {
			continue
		}
		full := filepath.Join(paths.NetworkArtifactsDir(), entry.Name())
		if indexedPaths[filepath.Clean(full)] {
			continue
		}
		result.Removed = append(result.Removed, full)
		if !dryRun {
			if err := os.Remove(full); err != nil {
				lg := log.WithComponent("maintenance")
				lg.Warn().
					Err(err).
					Str("event", "maintenance.disk_prune_failed").
					Str("path", full).
					Msg("failed to remove unindexed artifact")
			}
		}
	}

	sort.Strings(result.Removed)
	return result, nil
}

// Opportunistic runs the background pass kicked after request completion:
// rate-limited by the GC interval, it parks managed browsers whose session
// has been idle past the TTL. The session record survives parking; only the
// process goes away.
func (e *Engine) Opportunistic(ctx context.Context) {
	if !e.rt.GCEnabled || !e.gate.Allow() {
		return
	}

	doc, err := e.store.Read(ctx)
	if err != nil {
		lg := log.WithComponent("maintenance")
		lg.Debug().Err(err).Msg("opportunistic pass skipped")
		return
	}

	now := time.Now()
	for id, sess := range doc.Sessions {
		if sess.Kind != state.KindManaged || sess.BrowserPid == nil {
			continue
		}
		lastSeen := state.ParseTimestamp(sess.LastSeenAt)
		if lastSeen.IsZero() || now.Sub(lastSeen) < e.rt.IdleProcessTTL {
			continue
		}
		e.parkSession(ctx, id, *sess.BrowserPid)
	}
}

// parkSession kills an idle managed browser and clears its pid while keeping
// the session record for later relaunch.
func (e *Engine) parkSession(ctx context.Context, sessionID string, pid int) {
	lg := log.WithComponent("maintenance")
	if err := e.port.KillProcess(pid); err != nil {
		lg.Warn().
			Err(err).
			Str("event", "maintenance.park_failed").
			Str("session_id", sessionID).
			Int("pid", pid).
			Msg("failed to kill idle managed browser")
		return
	}
	err := e.store.Mutate(ctx, func(doc *state.Document) error {
		if sess := doc.Sessions[sessionID]; sess != nil {
			sess.BrowserPid = nil
		}
		return nil
	})
	if err != nil {
		lg.Warn().
			Err(err).
			Str("event", "maintenance.park_commit_failed").
			Str("session_id", sessionID).
			Msg("killed idle browser but could not record it")
		return
	}
	lg.Info().
		Str("event", "maintenance.parked").
		Str("session_id", sessionID).
		Int("pid", pid).
		Msg("parked idle managed browser")
}

// removeSession drops a session and everything hanging off it.
func removeSession(doc *state.Document, sessionID string) {
	delete(doc.Sessions, sessionID)
	for id, target := range doc.Targets {
		if target.SessionID == sessionID {
			delete(doc.Targets, id)
		}
	}
	if doc.ActiveSessionID == sessionID {
		doc.ActiveSessionID = ""
	}
}

func removeArtifact(doc *state.Document, artifactID string) {
	if art := doc.NetworkArtifacts[artifactID]; art != nil {
		delete(doc.NetworkArtifacts, artifactID)
	}
}

func artifactsOldestFirst(doc *state.Document) []*state.NetworkArtifactRecord {
	out := make([]*state.NetworkArtifactRecord, 0, len(doc.NetworkArtifacts))
	for _, art := range doc.NetworkArtifacts {
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool {
		ti := state.ParseTimestamp(out[i].CreatedAt)
		tj := state.ParseTimestamp(out[j].CreatedAt)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ArtifactID < out[j].ArtifactID
	})
	return out
}

func artifactsLargestFirst(doc *state.Document) []*state.NetworkArtifactRecord {
	out := make([]*state.NetworkArtifactRecord, 0, len(doc.NetworkArtifacts))
	for _, art := range doc.NetworkArtifacts {
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].ArtifactID < out[j].ArtifactID
	})
	return out
}
