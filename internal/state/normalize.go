// SPDX-License-Identifier: MIT

package state

import (
	"github.com/surfwright/surfwright/internal/log"
)

// normalize repairs a freshly-loaded document so every transaction starts
// from an invariant-satisfying state: nil maps allocated, ordinals seeded
// from the maximum observed, orphan targets dropped, dangling active-session
// reference cleared, enum fields defaulted. Unknown future fields are left
// untouched.
func normalize(doc *Document) {
	logger := log.WithComponent("state")

	if doc.Sessions == nil {
		doc.Sessions = make(map[string]*SessionRecord)
	}
	if doc.Targets == nil {
		doc.Targets = make(map[string]*TargetRecord)
	}
	if doc.NetworkCaptures == nil {
		doc.NetworkCaptures = make(map[string]*NetworkCaptureRecord)
	}
	if doc.NetworkArtifacts == nil {
		doc.NetworkArtifacts = make(map[string]*NetworkArtifactRecord)
	}

	for id, sess := range doc.Sessions {
		if sess == nil || !ValidSessionID(id) {
			delete(doc.Sessions, id)
			continue
		}
		sess.SessionID = id
		switch sess.Kind {
		case KindManaged, KindAttached:
		default:
			sess.Kind = KindAttached
		}
		switch sess.Policy {
		case PolicyPersistent, PolicyEphemeral:
		default:
			sess.Policy = PolicyPersistent
		}
		switch sess.BrowserMode {
		case ModeHeadless, ModeHeaded, ModeUnknown:
		default:
			sess.BrowserMode = ModeUnknown
		}
		if sess.ManagedUnreachableCount < 0 {
			sess.ManagedUnreachableCount = 0
		}
	}

	// Orphan targets reference no surviving session.
	for id, target := range doc.Targets {
		if target == nil {
			delete(doc.Targets, id)
			continue
		}
		if _, ok := doc.Sessions[target.SessionID]; !ok {
			logger.Debug().
				Str("event", "state.orphan_target_removed").
				Str("target_id", id).
				Str("session_id", target.SessionID).
				Msg("dropping orphan target")
			delete(doc.Targets, id)
		}
	}

	for id, capture := range doc.NetworkCaptures {
		if capture == nil {
			delete(doc.NetworkCaptures, id)
			continue
		}
		switch capture.Status {
		case CaptureRecording, CaptureCompleted, CaptureFailed, CaptureCancelled:
		default:
			capture.Status = CaptureFailed
		}
	}

	for id, artifact := range doc.NetworkArtifacts {
		if artifact == nil {
			delete(doc.NetworkArtifacts, id)
			continue
		}
		if artifact.Format == "" {
			artifact.Format = "har"
		}
	}

	if doc.ActiveSessionID != "" {
		if _, ok := doc.Sessions[doc.ActiveSessionID]; !ok {
			logger.Debug().
				Str("event", "state.active_session_cleared").
				Str("session_id", doc.ActiveSessionID).
				Msg("clearing dangling active session reference")
			doc.ActiveSessionID = ""
		}
	}

	seedOrdinals(doc)
}

// seedOrdinals initialises missing ordinals from max observed + 1. Ordinals
// only move forward.
func seedOrdinals(doc *Document) {
	if doc.NextSessionOrdinal < 1 {
		doc.NextSessionOrdinal = 1
	}
	if doc.NextCaptureOrdinal < 1 {
		doc.NextCaptureOrdinal = 1
	}
	if doc.NextArtifactOrdinal < 1 {
		doc.NextArtifactOrdinal = 1
	}
	if n := maxOrdinalSuffix(mapKeys(doc.Sessions), "s-"); n >= doc.NextSessionOrdinal {
		doc.NextSessionOrdinal = n + 1
	}
	if n := maxOrdinalSuffix(mapKeys(doc.NetworkCaptures), "cap-"); n >= doc.NextCaptureOrdinal {
		doc.NextCaptureOrdinal = n + 1
	}
	if n := maxOrdinalSuffix(mapKeys(doc.NetworkArtifacts), "net-"); n >= doc.NextArtifactOrdinal {
		doc.NextArtifactOrdinal = n + 1
	}
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// maxOrdinalSuffix extracts the largest numeric suffix among ids shaped like
// "<prefix><n>"; non-conforming ids are ignored.
func maxOrdinalSuffix(ids []string, prefix string) int {
	max := 0
	for _, id := range ids {
		if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
			continue
		}
		n := 0
		valid := true
		for _, r := range id[len(prefix):] {
			if r < '0' || r > '9' {
				valid = false
				break
			}
			n = n*10 + int(r-'0')
		}
		if valid && n > max {
			max = n
		}
	}
	return max
}
