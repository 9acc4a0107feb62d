// SPDX-License-Identifier: MIT

package state

import (
	"bytes"
	"encoding/json"
)

// knownDocumentKeys are the fields the current schema owns. Anything else in
// the file belongs to a future schema and is carried through unchanged.
var knownDocumentKeys = map[string]struct{}{
	"version":             {},
	"activeSessionId":     {},
	"nextSessionOrdinal":  {},
	"nextCaptureOrdinal":  {},
	"nextArtifactOrdinal": {},
	"sessions":            {},
	"targets":             {},
	"networkCaptures":     {},
	"networkArtifacts":    {},
}

// documentAlias carries the known fields without the custom codec, avoiding
// marshal recursion.
type documentAlias struct {
	Version             int                               `json:"version"`
	ActiveSessionID     string                            `json:"activeSessionId,omitempty"`
	NextSessionOrdinal  int                               `json:"nextSessionOrdinal"`
	NextCaptureOrdinal  int                               `json:"nextCaptureOrdinal"`
	NextArtifactOrdinal int                               `json:"nextArtifactOrdinal"`
	Sessions            map[string]*SessionRecord         `json:"sessions"`
	Targets             map[string]*TargetRecord          `json:"targets"`
	NetworkCaptures     map[string]*NetworkCaptureRecord  `json:"networkCaptures"`
	NetworkArtifacts    map[string]*NetworkArtifactRecord `json:"networkArtifacts"`
}

// MarshalJSON serialises the document with stable key ordering (maps marshal
// with sorted keys) and re-attaches preserved unknown fields.
func (d *Document) MarshalJSON() ([]byte, error) {
	alias := documentAlias{
		Version:             d.Version,
		ActiveSessionID:     d.ActiveSessionID,
		NextSessionOrdinal:  d.NextSessionOrdinal,
		NextCaptureOrdinal:  d.NextCaptureOrdinal,
		NextArtifactOrdinal: d.NextArtifactOrdinal,
		Sessions:            d.Sessions,
		Targets:             d.Targets,
		NetworkCaptures:     d.NetworkCaptures,
		NetworkArtifacts:    d.NetworkArtifacts,
	}
	known, err := json.Marshal(alias)
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits the raw object into known fields and preserved
// unknowns.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	var alias documentAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	d.Version = alias.Version
	d.ActiveSessionID = alias.ActiveSessionID
	d.NextSessionOrdinal = alias.NextSessionOrdinal
	d.NextCaptureOrdinal = alias.NextCaptureOrdinal
	d.NextArtifactOrdinal = alias.NextArtifactOrdinal
	d.Sessions = alias.Sessions
	d.Targets = alias.Targets
	d.NetworkCaptures = alias.NetworkCaptures
	d.NetworkArtifacts = alias.NetworkArtifacts

	d.Extra = nil
	for k, v := range raw {
		if _, known := knownDocumentKeys[k]; known {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]json.RawMessage)
		}
		d.Extra[k] = append(json.RawMessage(nil), v...)
	}
	return nil
}
