// SPDX-License-Identifier: MIT

// Package command holds the static command manifest and the one authoritative
// command-path parser (a small trie). The lane resolver and CLI diagnostics
// both consume this parser; nothing else re-implements argv matching.
package command

import "strings"

// Spec describes one command path and its scheduling traits.
type Spec struct {
	// Path is the command words before flags, e.g. ["session", "attach"].
	Path []string
	// Family is the coarse classification used for observability.
	Family string
	// BypassDaemon marks streaming commands whose contract is line-by-line
	// stdout; they always execute in-process.
	BypassDaemon bool
}

// Name returns the space-joined command path.
func (s Spec) Name() string { return strings.Join(s.Path, " ") }

type trieNode struct {
	children map[string]*trieNode
	spec     *Spec
}

// Manifest is an immutable trie over command paths.
type Manifest struct {
	root *trieNode
}

// NewManifest builds the parser from a static spec list. Longer paths win
// over prefixes ("session attach" over "session").
func NewManifest(specs []Spec) *Manifest {
	root := &trieNode{children: make(map[string]*trieNode)}
	for i := range specs {
		node := root
		for _, word := range specs[i].Path {
			child, ok := node.children[word]
			if !ok {
				child = &trieNode{children: make(map[string]*trieNode)}
				node.children[word] = child
			}
			node = child
		}
		node.spec = &specs[i]
	}
	return &Manifest{root: root}
}

// Match walks argv through the trie and returns the deepest matching spec
// plus the remaining arguments.
func (m *Manifest) Match(argv []string) (Spec, []string, bool) {
	node := m.root
	var matched *Spec
	rest := argv
	for i, word := range argv {
		child, ok := node.children[word]
		if !ok {
			break
		}
		node = child
		if node.spec != nil {
			matched = node.spec
			rest = argv[i+1:]
		}
	}
	if matched == nil {
		return Spec{}, argv, false
	}
	return *matched, rest, true
}

// Families used by the lane resolver. Only observability depends on these.
const (
	FamilyOpen    = "open"
	FamilyRun     = "run"
	FamilyAttach  = "session.attach"
	FamilyTarget  = "target"
	FamilyControl = "control"
)

// Default returns the manifest for the shipped command surface.
func Default() *Manifest {
	return NewManifest([]Spec{
		{Path: []string{"open"}, Family: FamilyOpen},
		{Path: []string{"run"}, Family: FamilyRun},

		{Path: []string{"session", "new"}, Family: FamilyControl},
		{Path: []string{"session", "attach"}, Family: FamilyAttach},
		{Path: []string{"session", "use"}, Family: FamilyControl},
		{Path: []string{"session", "list"}, Family: FamilyControl},
		{Path: []string{"session", "prune"}, Family: FamilyControl},

		{Path: []string{"target", "click"}, Family: FamilyTarget},
		{Path: []string{"target", "fill"}, Family: FamilyTarget},
		{Path: []string{"target", "read"}, Family: FamilyTarget},
		{Path: []string{"target", "list"}, Family: FamilyTarget},
		{Path: []string{"target", "prune"}, Family: FamilyControl},

		{Path: []string{"capture", "start"}, Family: FamilyTarget},
		{Path: []string{"capture", "stop"}, Family: FamilyTarget},
		{Path: []string{"capture", "export"}, Family: FamilyTarget},
		{Path: []string{"capture", "prune"}, Family: FamilyControl},

		// Streaming families keep their line-by-line stdout contract and
		// never route through the daemon.
		{Path: []string{"capture", "tail"}, Family: FamilyTarget, BypassDaemon: true},
		{Path: []string{"console", "stream"}, Family: FamilyTarget, BypassDaemon: true},

		{Path: []string{"state", "reconcile"}, Family: FamilyControl},
		{Path: []string{"disk", "prune"}, Family: FamilyControl},

		// Internal smoke commands.
		{Path: []string{"ping"}, Family: FamilyControl},
		{Path: []string{"status"}, Family: FamilyControl},
	})
}
