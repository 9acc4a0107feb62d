// SPDX-License-Identifier: MIT

// Package lane implements admission control for mutating work: the
// deterministic argv-to-lane mapping and the bounded per-lane FIFO scheduler.
package lane

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/surfwright/surfwright/internal/command"
)

// Resolver maps argv to (laneKey, family). It is pure and stateless: the
// command paths come from the manifest injected at construction, the agent id
// is fixed per process, and no call performs I/O.
type Resolver struct {
	manifest *command.Manifest
	agentID  string
}

// NewResolver builds a resolver over the given manifest.
func NewResolver(manifest *command.Manifest, agentID string) *Resolver {
	return &Resolver{manifest: manifest, agentID: agentID}
}

// Resolve applies the lane rules in order. Same argv, same result, always.
func (r *Resolver) Resolve(argv []string) (laneKey, family string) {
	spec, rest, matched := r.manifest.Match(argv)
	family = command.FamilyControl
	if matched {
		family = spec.Family
	}

	if id, ok := flagValue(argv, "--session"); ok && id != "" {
		return "session:" + id, family
	}

	name := ""
	if matched {
		name = spec.Name()
	}

	if name == "session attach" {
		if cdp, ok := flagValue(argv, "--cdp"); ok && cdp != "" {
			return "origin:" + shortHash(strings.ToLower(cdp)), command.FamilyAttach
		}
	}

	if name == "open" || name == "run" {
		if profile, ok := flagValue(argv, "--profile"); ok && profile != "" {
			return "origin:profile:" + strings.ToLower(profile), family
		}
		if iso, ok := flagValue(argv, "--isolation"); ok && iso == "shared" {
			return "origin:shared", family
		}
	}

	if name == "open" {
		if origin, ok := firstPositionalOrigin(rest); ok {
			return "origin:url:" + shortHash(strings.ToLower(origin)), command.FamilyOpen
		}
	}

	if r.agentID != "" {
		return "control:agent:" + shortHash(r.agentID), family
	}
	return "control:default", family
}

// flagValue finds "--flag value" or "--flag=value" anywhere in argv.
func flagValue(argv []string, flag string) (string, bool) {
	prefix := flag + "="
	for i, arg := range argv {
		if arg == flag {
			if i+1 < len(argv) {
				return argv[i+1], true
			}
			return "", true
		}
		if strings.HasPrefix(arg, prefix) {
			return arg[len(prefix):], true
		}
	}
	return "", false
}

// firstPositionalOrigin scans the remaining arguments for the first
// non-flag word and, when it parses as a URL, returns its origin.
func firstPositionalOrigin(rest []string) (string, bool) {
	skipNext := false
	for _, arg := range rest {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.HasPrefix(arg, "--") {
			if !strings.Contains(arg, "=") {
				skipNext = true
			}
			continue
		}
		return urlOrigin(arg)
	}
	return "", false
}

// urlOrigin extracts scheme://host[:port] from something URL-shaped.
func urlOrigin(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return strings.ToLower(u.Scheme + "://" + u.Host), true
	}
	return "", false
}

// shortHash gives a stable 12-hex-digit digest for lane-key material.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}
