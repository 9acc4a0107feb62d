// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// SchemaVersion is the current state document schema.
const SchemaVersion = 1

// Session kinds, policies and browser modes.
const (
	KindManaged  = "managed"
	KindAttached = "attached"

	PolicyPersistent = "persistent"
	PolicyEphemeral  = "ephemeral"

	ModeHeadless = "headless"
	ModeHeaded   = "headed"
	ModeUnknown  = "unknown"
)

// Network capture statuses.
const (
	CaptureRecording = "recording"
	CaptureCompleted = "completed"
	CaptureFailed    = "failed"
	CaptureCancelled = "cancelled"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// SessionRecord identifies a browser attachment.
type SessionRecord struct {
	SessionID   string `json:"sessionId"`
	Kind        string `json:"kind"`
	Policy      string `json:"policy"`
	BrowserMode string `json:"browserMode"`
	CDPOrigin   string `json:"cdpOrigin"`
	DebugPort   *int   `json:"debugPort"`
	UserDataDir string `json:"userDataDir,omitempty"`
	BrowserPid  *int   `json:"browserPid"`
	OwnerID     string `json:"ownerId,omitempty"`

	LeaseExpiresAt string `json:"leaseExpiresAt,omitempty"`
	LeaseTTLMs     int64  `json:"leaseTtlMs,omitempty"`

	ManagedUnreachableSince string `json:"managedUnreachableSince,omitempty"`
	ManagedUnreachableCount int    `json:"managedUnreachableCount,omitempty"`

	CreatedAt  string `json:"createdAt"`
	LastSeenAt string `json:"lastSeenAt"`
}

// TargetRecord is a single browser page handle.
type TargetRecord struct {
	TargetID  string `json:"targetId"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status,omitempty"`

	LastActionID   string `json:"lastActionId,omitempty"`
	LastActionAt   string `json:"lastActionAt,omitempty"`
	LastActionKind string `json:"lastActionKind,omitempty"`

	UpdatedAt string `json:"updatedAt"`
}

// NetworkCaptureRecord is an in-progress or finished network recording.
type NetworkCaptureRecord struct {
	CaptureID string `json:"captureId"`
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
	StartedAt string `json:"startedAt"`
	EndedAt   string `json:"endedAt,omitempty"`
	Status    string `json:"status"`
	WorkerPid *int   `json:"workerPid"`

	StopSignalPath string `json:"stopSignalPath,omitempty"`
	DonePath       string `json:"donePath,omitempty"`
	ResultPath     string `json:"resultPath,omitempty"`
}

// NetworkArtifactRecord is a persisted artifact on disk.
type NetworkArtifactRecord struct {
	ArtifactID string `json:"artifactId"`
	CreatedAt  string `json:"createdAt"`
	Format     string `json:"format"`
	Path       string `json:"path"`
	SessionID  string `json:"sessionId,omitempty"`
	TargetID   string `json:"targetId,omitempty"`
	CaptureID  string `json:"captureId,omitempty"`
	Entries    int    `json:"entries"`
	Bytes      int64  `json:"bytes"`
}

// Document is the central persistent entity. All mutations go through
// Store.Mutate.
type Document struct {
	Version         int    `json:"version"`
	ActiveSessionID string `json:"activeSessionId,omitempty"`

	NextSessionOrdinal  int `json:"nextSessionOrdinal"`
	NextCaptureOrdinal  int `json:"nextCaptureOrdinal"`
	NextArtifactOrdinal int `json:"nextArtifactOrdinal"`

	Sessions         map[string]*SessionRecord         `json:"sessions"`
	Targets          map[string]*TargetRecord          `json:"targets"`
	NetworkCaptures  map[string]*NetworkCaptureRecord  `json:"networkCaptures"`
	NetworkArtifacts map[string]*NetworkArtifactRecord `json:"networkArtifacts"`

	// Unknown future fields survive a round trip unchanged
	// (forward-compatible ignore).
	Extra map[string]json.RawMessage `json:"-"`
}

// NewDocument returns an empty document at the current schema version.
func NewDocument() *Document {
	return &Document{
		Version:             SchemaVersion,
		NextSessionOrdinal:  1,
		NextCaptureOrdinal:  1,
		NextArtifactOrdinal: 1,
		Sessions:            make(map[string]*SessionRecord),
		Targets:             make(map[string]*TargetRecord),
		NetworkCaptures:     make(map[string]*NetworkCaptureRecord),
		NetworkArtifacts:    make(map[string]*NetworkArtifactRecord),
	}
}

// ValidSessionID reports whether id satisfies the sanitised identifier rules.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// NormalizeCDPOrigin validates and canonicalises a debug-endpoint origin:
// lowercase scheme in {http, https, ws, wss}, loopback host, no userinfo.
func NormalizeCDPOrigin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse cdp origin: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported cdp scheme %q", u.Scheme)
	}
	if u.User != nil {
		return "", fmt.Errorf("cdp origin must not carry credentials")
	}
	host := u.Hostname()
	if !isLoopbackHost(host) {
		return "", fmt.Errorf("cdp origin must be loopback, got %q", host)
	}
	origin := scheme + "://" + strings.ToLower(u.Host)
	return origin, nil
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasPrefix(host, "127.")
}

// Timestamp formats t in the document's canonical ISO form.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp parses a document timestamp; the zero time is returned for
// empty or malformed values.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Clone returns a deep copy of the document. Read returns clones so callers
// can never mutate shared state outside a transaction.
func (d *Document) Clone() *Document {
	out := &Document{
		Version:             d.Version,
		ActiveSessionID:     d.ActiveSessionID,
		NextSessionOrdinal:  d.NextSessionOrdinal,
		NextCaptureOrdinal:  d.NextCaptureOrdinal,
		NextArtifactOrdinal: d.NextArtifactOrdinal,
		Sessions:            make(map[string]*SessionRecord, len(d.Sessions)),
		Targets:             make(map[string]*TargetRecord, len(d.Targets)),
		NetworkCaptures:     make(map[string]*NetworkCaptureRecord, len(d.NetworkCaptures)),
		NetworkArtifacts:    make(map[string]*NetworkArtifactRecord, len(d.NetworkArtifacts)),
	}
	for id, s := range d.Sessions {
		cp := *s
		if s.DebugPort != nil {
			v := *s.DebugPort
			cp.DebugPort = &v
		}
		if s.BrowserPid != nil {
			v := *s.BrowserPid
			cp.BrowserPid = &v
		}
		out.Sessions[id] = &cp
	}
	for id, t := range d.Targets {
		cp := *t
		out.Targets[id] = &cp
	}
	for id, c := range d.NetworkCaptures {
		cp := *c
		if c.WorkerPid != nil {
			v := *c.WorkerPid
			cp.WorkerPid = &v
		}
		out.NetworkCaptures[id] = &cp
	}
	for id, a := range d.NetworkArtifacts {
		cp := *a
		out.NetworkArtifacts[id] = &cp
	}
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}
