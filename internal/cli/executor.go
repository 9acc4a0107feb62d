// SPDX-License-Identifier: MIT

// Package cli executes parsed commands against the coordination core. The
// same executor backs the daemon worker and the in-process fallback, which is
// what keeps the two paths byte-identical for the same argv.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/surfwright/surfwright/internal/command"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/daemonmeta"
	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/maintenance"
	"github.com/surfwright/surfwright/internal/session"
	"github.com/surfwright/surfwright/internal/state"
)

// Exit codes of the CLI contract.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Executor implements command.Dispatcher over the session resolver, the
// maintenance engine and the state store.
type Executor struct {
	rt       config.Runtime
	store    *state.Store
	sessions *session.Resolver
	maint    *maintenance.Engine
	manifest *command.Manifest
}

// NewExecutor wires the executor.
func NewExecutor(rt config.Runtime, store *state.Store, sessions *session.Resolver, maint *maintenance.Engine, manifest *command.Manifest) *Executor {
	return &Executor{rt: rt, store: store, sessions: sessions, maint: maint, manifest: manifest}
}

// Dispatch runs one command to completion. Failures never escape as errors:
// they become the JSON envelope on the last stdout line plus a non-zero code.
func (e *Executor) Dispatch(ctx context.Context, argv []string) command.Result {
	spec, rest, ok := e.manifest.Match(argv)
	if !ok {
		return failResult(ExitUsage, errcode.New(errcode.QueryInvalid, "unknown command %q", joinArgv(argv)).
			WithHint("run with a known command path, e.g. 'session list'"))
	}

	out, err := e.route(ctx, spec.Name(), parseArgs(rest))
	if err != nil {
		code := ExitFailure
		if typed := errcode.As(err); typed.Code == errcode.QueryInvalid {
			code = ExitUsage
		}
		return failResult(code, err)
	}
	return okResult(out)
}

// route maps a matched command name to its handler.
func (e *Executor) route(ctx context.Context, name string, a args) (any, error) {
	switch name {
	case "ping":
		return map[string]any{"ok": true}, nil
	case "status":
		return e.status(ctx)
	case "open":
		return e.open(ctx, a)
	case "run":
		return e.runScript(ctx, a)
	case "session new":
		return e.sessionNew(ctx, a)
	case "session attach":
		return e.sessionAttach(ctx, a)
	case "session use":
		return e.sessionUse(ctx, a)
	case "session list":
		return e.sessionList(ctx)
	case "session prune":
		return e.sessionPrune(ctx, a)
	case "target click", "target fill", "target read":
		return e.targetAction(ctx, name, a)
	case "target list":
		return e.targetList(ctx, a)
	case "target prune":
		return e.targetPrune(ctx, a)
	case "capture start":
		return e.captureStart(ctx, a)
	case "capture stop":
		return e.captureStop(ctx, a)
	case "capture export":
		return e.captureExport(ctx, a)
	case "capture prune":
		return e.capturePrune(ctx, a)
	case "capture tail":
		return e.captureTail(ctx, a)
	case "console stream":
		return e.consoleStream(ctx, a)
	case "state reconcile":
		return e.stateReconcile(ctx, a)
	case "disk prune":
		return e.diskPrune(ctx, a)
	default:
		return nil, errcode.New(errcode.QueryInvalid, "unknown command %q", name)
	}
}

func (e *Executor) status(ctx context.Context) (any, error) {
	doc, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"ok":            true,
		"stateDir":      e.store.Paths().Root(),
		"sessions":      len(doc.Sessions),
		"targets":       len(doc.Targets),
		"captures":      len(doc.NetworkCaptures),
		"artifacts":     len(doc.NetworkArtifacts),
		"activeSession": doc.ActiveSessionID,
	}
	// The token stays out of status output.
	if meta, err := daemonmeta.ReadValid(e.store.Paths().DaemonMetaFile()); err == nil {
		out["daemon"] = map[string]any{
			"pid":       meta.Pid,
			"port":      meta.Port,
			"startedAt": meta.StartedAt,
		}
	}
	return out, nil
}

// open navigates a (possibly fresh) session to a URL and records the target.
func (e *Executor) open(ctx context.Context, a args) (any, error) {
	if len(a.positionals) != 1 {
		return nil, errcode.New(errcode.QueryInvalid, "open expects exactly one URL argument")
	}
	rawURL := a.positionals[0]

	report, err := e.sessions.ResolveForAction(ctx,
		session.ActionHint{SessionID: a.str("--session")}, a.str("--browser-mode"))
	if err != nil {
		return nil, err
	}

	targetID := "t-" + uuid.NewString()[:8]
	now := state.Timestamp(time.Now())
	err = e.store.Mutate(ctx, func(doc *state.Document) error {
		if _, ok := doc.Sessions[report.Session.SessionID]; !ok {
			return errcode.New(errcode.SessionNotFound, "session %q vanished", report.Session.SessionID)
		}
		doc.Targets[targetID] = &state.TargetRecord{
			TargetID:  targetID,
			SessionID: report.Session.SessionID,
			URL:       rawURL,
			Status:    "open",
			UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":            true,
		"sessionId":     report.Session.SessionID,
		"sessionSource": report.Source,
		"restarted":     report.Restarted,
		"targetId":      targetID,
		"url":           rawURL,
	}, nil
}

// runScript ensures a reachable session for a scripted run and reports it.
func (e *Executor) runScript(ctx context.Context, a args) (any, error) {
	report, err := e.sessions.ResolveForAction(ctx,
		session.ActionHint{SessionID: a.str("--session")}, a.str("--browser-mode"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":            true,
		"sessionId":     report.Session.SessionID,
		"sessionSource": report.Source,
		"restarted":     report.Restarted,
		"cdpOrigin":     report.Session.CDPOrigin,
	}, nil
}

func (e *Executor) sessionNew(ctx context.Context, a args) (any, error) {
	lease, err := a.millis("--lease-ttl-ms", 0)
	if err != nil {
		return nil, err
	}
	report, err := e.sessions.New(ctx, session.NewOptions{
		RequestedID: a.str("--id"),
		Policy:      a.str("--policy"),
		LeaseTTL:    lease,
		BrowserMode: a.str("--browser-mode"),
	})
	if err != nil {
		return nil, err
	}
	return sessionReportJSON(report), nil
}

func (e *Executor) sessionAttach(ctx context.Context, a args) (any, error) {
	cdp := a.str("--cdp")
	if cdp == "" {
		return nil, errcode.New(errcode.QueryInvalid, "session attach requires --cdp <origin>")
	}
	lease, err := a.millis("--lease-ttl-ms", 0)
	if err != nil {
		return nil, err
	}
	report, err := e.sessions.Attach(ctx, session.AttachOptions{
		RequestedID: a.str("--id"),
		CDPOrigin:   cdp,
		Policy:      a.str("--policy"),
		LeaseTTL:    lease,
	})
	if err != nil {
		return nil, err
	}
	return sessionReportJSON(report), nil
}

func (e *Executor) sessionUse(ctx context.Context, a args) (any, error) {
	if len(a.positionals) != 1 {
		return nil, errcode.New(errcode.QueryInvalid, "session use expects exactly one session id")
	}
	report, err := e.sessions.Use(ctx, a.positionals[0])
	if err != nil {
		return nil, err
	}
	return sessionReportJSON(report), nil
}

// sessionList renders the deterministically-ordered snapshot: by session id
// ascending.
func (e *Executor) sessionList(ctx context.Context) (any, error) {
	doc, err := e.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(doc.Sessions))
	for id := range doc.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := make([]*state.SessionRecord, 0, len(ids))
	for _, id := range ids {
		list = append(list, doc.Sessions[id])
	}
	return map[string]any{
		"ok":              true,
		"activeSessionId": doc.ActiveSessionID,
		"sessions":        list,
	}, nil
}

func (e *Executor) sessionPrune(ctx context.Context, a args) (any, error) {
	timeout, err := a.millis("--timeout-ms", 0)
	if err != nil {
		return nil, err
	}
	result, err := e.maint.SessionPrune(ctx, maintenance.SessionPruneOptions{
		ProbeTimeout:           timeout,
		DropManagedUnreachable: a.boolean("--drop-unreachable"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "result": result}, nil
}

// targetAction covers click/fill/read: resolve the session via the target
// hint, stamp the action on the target record, and report it.
func (e *Executor) targetAction(ctx context.Context, name string, a args) (any, error) {
	targetID := a.str("--target")
	if targetID == "" && len(a.positionals) > 0 {
		targetID = a.positionals[0]
	}
	if targetID == "" {
		return nil, errcode.New(errcode.QueryInvalid, "%s requires a target id", name)
	}

	report, err := e.sessions.ResolveForAction(ctx, session.ActionHint{
		SessionID: a.str("--session"),
		TargetID:  targetID,
	}, "")
	if err != nil {
		return nil, err
	}

	actionID := uuid.NewString()
	kind := name[len("target "):]
	var snapshot *state.TargetRecord
	err = e.store.Mutate(ctx, func(doc *state.Document) error {
		target := doc.Targets[targetID]
		if target == nil {
			return errcode.New(errcode.QueryInvalid, "no target %q", targetID).
				WithContext("targetId", targetID)
		}
		if target.SessionID != report.Session.SessionID {
			return errcode.New(errcode.SessionConflict,
				"target %q belongs to session %q", targetID, target.SessionID)
		}
		target.LastActionID = actionID
		target.LastActionKind = kind
		target.LastActionAt = state.Timestamp(time.Now())
		target.UpdatedAt = target.LastActionAt
		cp := *target
		snapshot = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":        true,
		"actionId":  actionID,
		"kind":      kind,
		"sessionId": report.Session.SessionID,
		"target":    snapshot,
	}, nil
}

func (e *Executor) targetList(ctx context.Context, a args) (any, error) {
	doc, err := e.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	sessionFilter := a.str("--session")

	ids := make([]string, 0, len(doc.Targets))
	for id, target := range doc.Targets {
		if sessionFilter != "" && target.SessionID != sessionFilter {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := make([]*state.TargetRecord, 0, len(ids))
	for _, id := range ids {
		list = append(list, doc.Targets[id])
	}
	return map[string]any{"ok": true, "targets": list}, nil
}

func (e *Executor) targetPrune(ctx context.Context, a args) (any, error) {
	maxAgeHours, err := a.integer("--max-age-hours", 0)
	if err != nil {
		return nil, err
	}
	maxPerSession, err := a.integer("--max-per-session", 0)
	if err != nil {
		return nil, err
	}
	result, err := e.maint.TargetPrune(ctx, maintenance.TargetPruneOptions{
		MaxAge:        time.Duration(maxAgeHours) * time.Hour,
		MaxPerSession: maxPerSession,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "result": result}, nil
}

func (e *Executor) stateReconcile(ctx context.Context, a args) (any, error) {
	maxAgeHours, err := a.integer("--max-age-hours", 0)
	if err != nil {
		return nil, err
	}
	maxPerSession, err := a.integer("--max-per-session", 0)
	if err != nil {
		return nil, err
	}
	result, err := e.maint.StateReconcile(ctx,
		maintenance.SessionPruneOptions{DropManagedUnreachable: a.boolean("--drop-unreachable")},
		maintenance.TargetPruneOptions{
			MaxAge:        time.Duration(maxAgeHours) * time.Hour,
			MaxPerSession: maxPerSession,
		})
	if err != nil {
		return nil, err
	}
	out := map[string]any{"ok": true, "result": result}

	// --include-artifacts extends the reconcile to the capture index and the
	// files on disk.
	if a.boolean("--include-artifacts") {
		captures, err := e.maint.CaptureRetention(ctx, maintenance.RetentionOptions{})
		if err != nil {
			return nil, err
		}
		disk, err := e.maint.DiskPrune(ctx, a.boolean("--dry-run"))
		if err != nil {
			return nil, err
		}
		out["captures"] = captures
		out["disk"] = disk
	}
	return out, nil
}

// capturePrune applies the artifact retention policy: missing files, then
// age, then count, then total bytes.
func (e *Executor) capturePrune(ctx context.Context, a args) (any, error) {
	maxAgeHours, err := a.integer("--max-age-hours", 0)
	if err != nil {
		return nil, err
	}
	maxCount, err := a.integer("--max-count", 0)
	if err != nil {
		return nil, err
	}
	maxTotalBytes, err := a.integer("--max-total-bytes", 0)
	if err != nil {
		return nil, err
	}
	result, err := e.maint.CaptureRetention(ctx, maintenance.RetentionOptions{
		MaxAge:        time.Duration(maxAgeHours) * time.Hour,
		MaxCount:      maxCount,
		MaxTotalBytes: int64(maxTotalBytes),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "result": result}, nil
}

// diskPrune sweeps coordination and artifact files the state index no longer
// references.
func (e *Executor) diskPrune(ctx context.Context, a args) (any, error) {
	result, err := e.maint.DiskPrune(ctx, a.boolean("--dry-run"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "result": result}, nil
}

// okResult renders the handler payload as a single JSON line on stdout.
func okResult(payload any) command.Result {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return failResult(ExitFailure, errcode.Wrap(errcode.Internal, err, "render command output"))
	}
	return command.Result{Code: ExitOK, Stdout: buf.String()}
}

// failResult renders the typed failure envelope as the final stdout line.
func failResult(code int, err error) command.Result {
	var buf bytes.Buffer
	if werr := errcode.WriteEnvelope(&buf, err); werr != nil {
		lg := log.WithComponent("cli")
		lg.Error().Err(werr).Msg("render failure envelope")
		buf.Reset()
		buf.WriteString(`{"ok":false,"code":"E_INTERNAL","message":"failed to render failure envelope"}` + "\n")
	}
	return command.Result{Code: code, Stdout: buf.String()}
}

func sessionReportJSON(report *session.Report) map[string]any {
	return map[string]any{
		"ok":            true,
		"created":       report.Created,
		"restarted":     report.Restarted,
		"sessionSource": report.Source,
		"session":       report.Session,
	}
}

func joinArgv(argv []string) string {
	return strings.Join(argv, " ")
}
