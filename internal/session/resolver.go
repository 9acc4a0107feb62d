// SPDX-License-Identifier: MIT

// Package session resolves which browser a command talks to: explicit ids,
// attach-by-origin, the implicit managed default, and reachability repair.
package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/surfwright/surfwright/internal/browser"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/state"
)

// Probe timeouts. Attach uses the deeper handshake and gets longer.
const (
	probeTimeout     = 800 * time.Millisecond
	handshakeTimeout = 3 * time.Second
)

// Source tells callers how a session was chosen.
const (
	SourceExplicit = "explicit"
	SourceTarget   = "target"
	SourceActive   = "active"
	SourceImplicit = "implicit-new"
)

// Report is the outcome of a session operation.
type Report struct {
	Session   *state.SessionRecord
	Created   bool
	Restarted bool
	Source    string
}

// NewOptions parameterise sessionNew.
type NewOptions struct {
	RequestedID string
	Policy      string
	LeaseTTL    time.Duration
	BrowserMode string
}

// AttachOptions parameterise sessionAttach.
type AttachOptions struct {
	RequestedID string
	CDPOrigin   string
	Policy      string
	LeaseTTL    time.Duration
}

// ActionHint carries the explicit bindings an action command may provide.
type ActionHint struct {
	SessionID string
	TargetID  string
}

// Resolver owns session lifecycle decisions. The store owns the records, the
// port owns the processes.
type Resolver struct {
	store *state.Store
	port  browser.Port
	rt    config.Runtime
}

// NewResolver wires the resolver.
func NewResolver(store *state.Store, port browser.Port, rt config.Runtime) *Resolver {
	return &Resolver{store: store, port: port, rt: rt}
}

// New creates a managed session: reserve the record, launch the browser
// outside the state lock, then commit pid and origin. A failed launch removes
// the reservation.
func (r *Resolver) New(ctx context.Context, opts NewOptions) (*Report, error) {
	policy := opts.Policy
	if policy == "" {
		policy = state.PolicyPersistent
	}
	mode := opts.BrowserMode
	if mode == "" {
		mode = state.ModeHeadless
	}
	lease := r.leaseFor(policy, opts.LeaseTTL)

	var sess *state.SessionRecord
	prevActive := ""
	err := r.store.Mutate(ctx, func(doc *state.Document) error {
		id := opts.RequestedID
		if id == "" {
			id = fmt.Sprintf("s-%d", doc.NextSessionOrdinal)
			doc.NextSessionOrdinal++
		} else if !state.ValidSessionID(id) {
			return errcode.New(errcode.QueryInvalid, "invalid session id %q", id)
		}
		if _, exists := doc.Sessions[id]; exists {
			return errcode.New(errcode.SessionExists, "session %q already exists", id).
				WithContext("sessionId", id)
		}

		profileDir, err := r.store.Paths().ProfileDir(id)
		if err != nil {
			return errcode.Wrap(errcode.QueryInvalid, err, "derive profile dir for %q", id)
		}

		now := state.Timestamp(time.Now())
		sess = &state.SessionRecord{
			SessionID:      id,
			Kind:           state.KindManaged,
			Policy:         policy,
			BrowserMode:    mode,
			OwnerID:        r.ownerID(),
			UserDataDir:    profileDir,
			LeaseTTLMs:     lease.Milliseconds(),
			LeaseExpiresAt: state.Timestamp(time.Now().Add(lease)),
			CreatedAt:      now,
			LastSeenAt:     now,
		}
		prevActive = doc.ActiveSessionID
		doc.Sessions[id] = sess
		doc.ActiveSessionID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	launched, err := r.launch(ctx, sess)
	if err != nil {
		r.removeReservation(ctx, sess.SessionID, prevActive)
		return nil, err
	}
	return &Report{Session: launched, Created: true, Source: SourceExplicit}, nil
}

// Attach registers an externally-owned browser after a successful deep
// handshake. Attached sessions are never relaunched or killed.
func (r *Resolver) Attach(ctx context.Context, opts AttachOptions) (*Report, error) {
	origin, err := state.NormalizeCDPOrigin(opts.CDPOrigin)
	if err != nil {
		return nil, errcode.Wrap(errcode.CDPInvalid, err, "invalid cdp origin %q", opts.CDPOrigin)
	}
	if !r.port.AttachHandshake(ctx, origin, handshakeTimeout) {
		return nil, errcode.New(errcode.CDPUnreachable, "no debuggable browser at %s", origin).
			WithContext("cdpOrigin", origin).
			WithHint("check that the browser was started with a remote debugging port")
	}

	policy := opts.Policy
	if policy == "" {
		policy = state.PolicyEphemeral
	}
	lease := r.leaseFor(policy, opts.LeaseTTL)

	var sess *state.SessionRecord
	err = r.store.Mutate(ctx, func(doc *state.Document) error {
		id := opts.RequestedID
		if id == "" {
			id = fmt.Sprintf("s-%d", doc.NextSessionOrdinal)
			doc.NextSessionOrdinal++
		} else if !state.ValidSessionID(id) {
			return errcode.New(errcode.QueryInvalid, "invalid session id %q", id)
		}
		if _, exists := doc.Sessions[id]; exists {
			return errcode.New(errcode.SessionExists, "session %q already exists", id).
				WithContext("sessionId", id)
		}
		for otherID, other := range doc.Sessions {
			if other.CDPOrigin == origin {
				return errcode.New(errcode.SessionConflict,
					"origin %s is already bound to session %q", origin, otherID).
					WithContext("sessionId", otherID)
			}
		}

		now := state.Timestamp(time.Now())
		sess = &state.SessionRecord{
			SessionID:      id,
			Kind:           state.KindAttached,
			Policy:         policy,
			BrowserMode:    state.ModeUnknown,
			OwnerID:        r.ownerID(),
			CDPOrigin:      origin,
			LeaseTTLMs:     lease.Milliseconds(),
			LeaseExpiresAt: state.Timestamp(time.Now().Add(lease)),
			CreatedAt:      now,
			LastSeenAt:     now,
		}
		doc.Sessions[id] = sess
		doc.ActiveSessionID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Report{Session: sess, Created: true, Source: SourceExplicit}, nil
}

// Ensure returns the active session when present and reachable, creating a
// managed default otherwise. The hot path checks only the active session;
// sweeping every session is the maintenance engine's job.
func (r *Resolver) Ensure(ctx context.Context, browserMode string) (*Report, error) {
	doc, err := r.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	if doc.ActiveSessionID != "" {
		if sess := doc.Sessions[doc.ActiveSessionID]; sess != nil {
			repaired, restarted, err := r.ensureReachable(ctx, sess, browserMode)
			if err == nil {
				return &Report{Session: repaired, Restarted: restarted, Source: SourceActive}, nil
			}
			if sess.Kind == state.KindAttached {
				return nil, err
			}
			lg := log.FromContext(ctx)
			lg.Warn().
				Str("event", "session.ensure_fallback").
				Str("session_id", sess.SessionID).
				Err(err).
				Msg("active managed session unrecoverable, creating a fresh default")
		}
	}

	report, err := r.New(ctx, NewOptions{BrowserMode: browserMode})
	if err != nil {
		return nil, err
	}
	report.Source = SourceImplicit
	return report, nil
}

// Use switches the active session after verifying it is reachable.
func (r *Resolver) Use(ctx context.Context, sessionID string) (*Report, error) {
	doc, err := r.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	sess := doc.Sessions[sessionID]
	if sess == nil {
		return nil, errcode.New(errcode.SessionNotFound, "no session %q", sessionID).
			WithContext("sessionId", sessionID)
	}
	repaired, restarted, err := r.ensureReachable(ctx, sess, "")
	if err != nil {
		return nil, err
	}
	err = r.store.Mutate(ctx, func(doc *state.Document) error {
		if _, ok := doc.Sessions[sessionID]; !ok {
			return errcode.New(errcode.SessionNotFound, "no session %q", sessionID)
		}
		doc.ActiveSessionID = sessionID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Report{Session: repaired, Restarted: restarted, Source: SourceExplicit}, nil
}

// List returns a point-in-time snapshot; ordering is left to the presentation
// layer, which sorts by session id.
func (r *Resolver) List(ctx context.Context) (*state.Document, error) {
	return r.store.Read(ctx)
}

// ResolveForAction picks the session an action command operates on: explicit
// id first, then the target's owning session, then the ensure path.
func (r *Resolver) ResolveForAction(ctx context.Context, hint ActionHint, browserMode string) (*Report, error) {
	if hint.SessionID != "" {
		report, err := r.Use(ctx, hint.SessionID)
		if err != nil {
			return nil, err
		}
		report.Source = SourceExplicit
		return report, nil
	}
	if hint.TargetID != "" {
		doc, err := r.store.Read(ctx)
		if err != nil {
			return nil, err
		}
		if target := doc.Targets[hint.TargetID]; target != nil {
			sess := doc.Sessions[target.SessionID]
			if sess == nil {
				return nil, errcode.New(errcode.SessionNotFound,
					"target %q references unknown session %q", hint.TargetID, target.SessionID)
			}
			repaired, restarted, err := r.ensureReachable(ctx, sess, browserMode)
			if err != nil {
				return nil, err
			}
			return &Report{Session: repaired, Restarted: restarted, Source: SourceTarget}, nil
		}
	}
	report, err := r.Ensure(ctx, browserMode)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ensureReachable probes the session, heartbeats on success, and repairs
// managed sessions with exactly one relaunch. Attached sessions fail typed;
// the resolver never goes looking for unknown browsers.
func (r *Resolver) ensureReachable(ctx context.Context, sess *state.SessionRecord, desiredMode string) (*state.SessionRecord, bool, error) {
	if sess.CDPOrigin != "" && r.port.Probe(ctx, sess.CDPOrigin, probeTimeout) {
		updated, err := r.heartbeat(ctx, sess.SessionID, true)
		if err != nil {
			return nil, false, err
		}
		return updated, false, nil
	}

	if sess.Kind == state.KindAttached {
		if _, err := r.heartbeat(ctx, sess.SessionID, false); err != nil {
			return nil, false, err
		}
		return nil, false, errcode.New(errcode.SessionUnreachable,
			"attached session %q is unreachable at %s", sess.SessionID, sess.CDPOrigin).
			WithContext("sessionId", sess.SessionID).
			WithContext("cdpOrigin", sess.CDPOrigin).
			WithHint("restart the external browser or prune the session")
	}

	// Managed repair: drop the stale pid, relaunch once.
	if _, err := r.heartbeat(ctx, sess.SessionID, false); err != nil {
		return nil, false, err
	}
	mode := desiredMode
	if mode == "" {
		mode = sess.BrowserMode
	}
	relaunch := *sess
	relaunch.BrowserMode = mode
	relaunch.BrowserPid = nil
	launched, err := r.launch(ctx, &relaunch)
	if err != nil {
		return nil, false, errcode.Wrap(errcode.SessionUnreachable, err,
			"managed session %q could not be relaunched", sess.SessionID).
			WithContext("sessionId", sess.SessionID)
	}
	lg := log.FromContext(ctx)
	lg.Info().
		Str("event", "session.relaunched").
		Str("session_id", sess.SessionID).
		Msg("managed browser relaunched")
	return launched, true, nil
}

// launch starts the managed browser for sess and commits pid, port and origin
// to the record. Runs outside any state lock.
func (r *Resolver) launch(ctx context.Context, sess *state.SessionRecord) (*state.SessionRecord, error) {
	port, err := r.port.AllocateFreePort()
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "allocate debug port")
	}
	if err := os.MkdirAll(sess.UserDataDir, 0o700); err != nil {
		return nil, errcode.Wrap(errcode.StateIO, err, "create profile dir").
			WithContext("path", sess.UserDataDir)
	}

	started, err := r.port.StartManaged(ctx, browser.StartSpec{
		SessionID:   sess.SessionID,
		DebugPort:   port,
		UserDataDir: sess.UserDataDir,
		BrowserMode: sess.BrowserMode,
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.SessionUnreachable, err,
			"launch managed browser for session %q", sess.SessionID).
			WithContext("sessionId", sess.SessionID)
	}

	var committed *state.SessionRecord
	err = r.store.Mutate(ctx, func(doc *state.Document) error {
		rec, ok := doc.Sessions[sess.SessionID]
		if !ok {
			return errcode.New(errcode.SessionNotFound,
				"session %q disappeared during launch", sess.SessionID)
		}
		rec.BrowserMode = sess.BrowserMode
		rec.DebugPort = started.DebugPort
		rec.BrowserPid = started.BrowserPid
		rec.CDPOrigin = started.CDPOrigin
		rec.ManagedUnreachableSince = ""
		rec.ManagedUnreachableCount = 0
		rec.LastSeenAt = state.Timestamp(time.Now())
		rec.LeaseExpiresAt = state.Timestamp(time.Now().Add(r.leaseFor(rec.Policy, 0)))
		cp := *rec
		committed = &cp
		return nil
	})
	if err != nil {
		if started.BrowserPid != nil {
			_ = r.port.KillProcess(*started.BrowserPid)
		}
		return nil, err
	}
	return committed, nil
}

// heartbeat refreshes lastSeenAt and the lease on success, or advances the
// managed-unreachable counter on failure.
func (r *Resolver) heartbeat(ctx context.Context, sessionID string, reachable bool) (*state.SessionRecord, error) {
	var updated *state.SessionRecord
	err := r.store.Mutate(ctx, func(doc *state.Document) error {
		rec, ok := doc.Sessions[sessionID]
		if !ok {
			return errcode.New(errcode.SessionNotFound, "no session %q", sessionID)
		}
		now := time.Now()
		if reachable {
			rec.LastSeenAt = state.Timestamp(now)
			rec.LeaseExpiresAt = state.Timestamp(now.Add(r.leaseFor(rec.Policy, time.Duration(rec.LeaseTTLMs)*time.Millisecond)))
			if owner := r.ownerID(); owner != "" {
				rec.OwnerID = owner
			}
			rec.ManagedUnreachableSince = ""
			rec.ManagedUnreachableCount = 0
		} else if rec.Kind == state.KindManaged {
			if rec.ManagedUnreachableCount == 0 {
				rec.ManagedUnreachableSince = state.Timestamp(now)
			}
			rec.ManagedUnreachableCount++
		}
		cp := *rec
		updated = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// removeReservation rolls back a session record whose launch failed and
// restores the previously active session when it still exists.
func (r *Resolver) removeReservation(ctx context.Context, sessionID, prevActive string) {
	err := r.store.Mutate(ctx, func(doc *state.Document) error {
		delete(doc.Sessions, sessionID)
		if doc.ActiveSessionID == sessionID {
			doc.ActiveSessionID = ""
			if _, ok := doc.Sessions[prevActive]; ok {
				doc.ActiveSessionID = prevActive
			}
		}
		return nil
	})
	if err != nil {
		lg := log.WithComponent("session")
		lg.Warn().
			Err(err).
			Str("event", "session.rollback_failed").
			Str("session_id", sessionID).
			Msg("failed to remove reserved session after launch failure")
	}
}

// ownerID normalizes the configured agent identity stamped on session
// records: trimmed, capped at 64 characters, empty when unconfigured.
func (r *Resolver) ownerID() string {
	id := strings.TrimSpace(r.rt.AgentID)
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}

func (r *Resolver) leaseFor(policy string, requested time.Duration) time.Duration {
	if requested > 0 {
		return config.ClampLease(requested)
	}
	if policy == state.PolicyEphemeral {
		return r.rt.EphemeralLease
	}
	return r.rt.PersistentLease
}
