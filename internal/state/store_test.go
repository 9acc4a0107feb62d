// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfwright/surfwright/internal/errcode"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(NewPaths(t.TempDir()))
}

func TestReadMissingFileYieldsEmptyDocument(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, doc.Version)
	assert.Empty(t, doc.Sessions)
	assert.Equal(t, 1, doc.NextSessionOrdinal)

	// Reading must not create the file.
	_, statErr := os.Stat(s.Paths().StateFile())
	assert.True(t, os.IsNotExist(statErr))
}

func TestMutatePersistsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Mutate(ctx, func(doc *Document) error {
		doc.Sessions["s-1"] = &SessionRecord{
			SessionID:   "s-1",
			Kind:        KindAttached,
			Policy:      PolicyEphemeral,
			BrowserMode: ModeUnknown,
			CDPOrigin:   "http://127.0.0.1:9222",
			CreatedAt:   "2026-01-01T00:00:00Z",
			LastSeenAt:  "2026-01-01T00:00:00Z",
		}
		return nil
	}))

	data, err := os.ReadFile(s.Paths().StateFile())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"), "document ends in newline")

	// No temp files survive a successful replace.
	entries, err := os.ReadDir(s.Paths().Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".state.json"), "leftover temp file %s", e.Name())
	}

	doc, err := s.Read(ctx)
	require.NoError(t, err)
	require.Contains(t, doc.Sessions, "s-1")
}

func TestMutateRollsBackOnCallbackError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Mutate(ctx, func(doc *Document) error {
		doc.NextSessionOrdinal = 5
		return nil
	}))

	boom := errors.New("boom")
	err := s.Mutate(ctx, func(doc *Document) error {
		doc.NextSessionOrdinal = 99
		return boom
	})
	require.ErrorIs(t, err, boom)

	doc, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, doc.NextSessionOrdinal)
}

func TestCorruptFileQuarantined(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(s.Paths().Root(), 0o700))
	require.NoError(t, os.WriteFile(s.Paths().StateFile(), []byte("{not json"), 0o600))

	_, err := s.Read(ctx)
	require.Error(t, err)
	typed := errcode.As(err)
	assert.Equal(t, errcode.StateCorrupt, typed.Code)
	assert.NotEmpty(t, typed.HintContext["backupPath"])

	// The corrupt file moved aside; the next transaction starts clean.
	matches, globErr := filepath.Glob(s.Paths().StateFile() + ".quarantine.*")
	require.NoError(t, globErr)
	require.Len(t, matches, 1)

	doc, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc.Sessions)
}

func TestFutureVersionRejected(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, os.MkdirAll(s.Paths().Root(), 0o700))
	future := `{"version": 99, "sessions": {}, "targets": {}, "networkCaptures": {}, "networkArtifacts": {}}`
	require.NoError(t, os.WriteFile(s.Paths().StateFile(), []byte(future), 0o600))

	_, err := s.Read(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.StateVersionMismatch, errcode.As(err).Code)
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(s.Paths().Root(), 0o700))
	withExtra := `{"version": 1, "futureField": {"nested": true}, "sessions": {}, "targets": {}, "networkCaptures": {}, "networkArtifacts": {}, "nextSessionOrdinal": 1, "nextCaptureOrdinal": 1, "nextArtifactOrdinal": 1}`
	require.NoError(t, os.WriteFile(s.Paths().StateFile(), []byte(withExtra), 0o600))

	require.NoError(t, s.Mutate(ctx, func(doc *Document) error {
		doc.NextSessionOrdinal++
		return nil
	}))

	data, err := os.ReadFile(s.Paths().StateFile())
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "futureField")
	assert.JSONEq(t, `{"nested": true}`, string(raw["futureField"]))
}

func TestConcurrentMutationsAllApply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Mutate(ctx, func(doc *Document) error {
				doc.NextSessionOrdinal++
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	doc, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1+workers, doc.NextSessionOrdinal)
}

func TestNormalizeDropsOrphansAndSeedsOrdinals(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, os.MkdirAll(s.Paths().Root(), 0o700))
	raw := `{
	  "version": 1,
	  "activeSessionId": "gone",
	  "sessions": {
	    "s-3": {"sessionId": "s-3", "kind": "attached", "policy": "ephemeral", "browserMode": "unknown", "cdpOrigin": "http://127.0.0.1:9222", "debugPort": null, "browserPid": null, "createdAt": "2026-01-01T00:00:00Z", "lastSeenAt": "2026-01-01T00:00:00Z"}
	  },
	  "targets": {
	    "t-orphan": {"targetId": "t-orphan", "sessionId": "missing", "updatedAt": "2026-01-01T00:00:00Z"}
	  },
	  "networkCaptures": {},
	  "networkArtifacts": {}
	}`
	require.NoError(t, os.WriteFile(s.Paths().StateFile(), []byte(raw), 0o600))

	doc, err := s.Read(context.Background())
	require.NoError(t, err)

	assert.Empty(t, doc.Targets, "orphan target dropped")
	assert.Empty(t, doc.ActiveSessionID, "dangling active session cleared")
	assert.Equal(t, 4, doc.NextSessionOrdinal, "ordinal seeded past existing ids")
}

func TestCloneIsDeep(t *testing.T) {
	port := 9222
	doc := NewDocument()
	doc.Sessions["s-1"] = &SessionRecord{
		SessionID: "s-1", Kind: KindManaged, Policy: PolicyPersistent,
		BrowserMode: ModeHeadless, UserDataDir: "/tmp/p", DebugPort: &port,
		CreatedAt: "2026-01-01T00:00:00Z", LastSeenAt: "2026-01-01T00:00:00Z",
	}

	clone := doc.Clone()
	require.Empty(t, cmp.Diff(doc, clone))

	*clone.Sessions["s-1"].DebugPort = 1
	clone.Sessions["s-1"].SessionID = "mutated"
	assert.Equal(t, 9222, *doc.Sessions["s-1"].DebugPort)
	assert.Equal(t, "s-1", doc.Sessions["s-1"].SessionID)
}

func TestValidateRejectsInvariantViolations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Mutate(ctx, func(doc *Document) error {
		doc.Targets["t-1"] = &TargetRecord{TargetID: "t-1", SessionID: "nope", UpdatedAt: "2026-01-01T00:00:00Z"}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, errcode.Internal, errcode.As(err).Code)
}
