// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/metrics"
)

// DefaultLockTimeout bounds a single lock acquisition. Callers with tighter
// command deadlines pass their own context.
const DefaultLockTimeout = 5 * time.Second

// Store is the single transactional path to the state document. The file
// lock serialises access across processes; the in-process mutex serialises
// goroutines sharing one Store so the flock never self-deadlocks.
//
// Mutate must not be called from inside a Mutate callback: transactions do
// not nest.
type Store struct {
	paths       Paths
	lock        *FileLock
	lockTimeout time.Duration

	mu sync.Mutex
}

// NewStore builds a store over the given layout.
func NewStore(paths Paths) *Store {
	return &Store{
		paths:       paths,
		lock:        NewFileLock(paths.LockFile()),
		lockTimeout: DefaultLockTimeout,
	}
}

// Paths exposes the on-disk layout backing this store.
func (s *Store) Paths() Paths { return s.paths }

// Read takes the lock briefly and returns a deep copy of the current
// document.
func (s *Store) Read(ctx context.Context) (*Document, error) {
	var snapshot *Document
	err := s.withLock(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		snapshot = doc.Clone()
		return nil
	})
	return snapshot, err
}

// Mutate runs fn inside a read-modify-write transaction: lock, load,
// normalize, fn, validate, atomic persist. Callers perform all related
// writes in one call to keep lock holds short; results flow out through the
// closure.
func (s *Store) Mutate(ctx context.Context, fn func(*Document) error) error {
	err := s.withLock(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		if err := validate(doc); err != nil {
			return errcode.Wrap(errcode.Internal, err, "state invariant violated after mutation")
		}
		return s.persist(doc)
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.StateTransactions.WithLabelValues(outcome).Inc()
	return err
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	handle, err := s.lock.Acquire(ctx, s.lockTimeout)
	metrics.StateLockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer handle.Release()

	return fn()
}

// load reads and normalizes the document. A missing file yields a fresh empty
// document (it is created on first successful write). A present but
// unreadable or future-versioned file fails explicitly, never silently
// replaced.
func (s *Store) load() (*Document, error) {
	path := s.paths.StateFile()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, errcode.Wrap(errcode.StateIO, err, "read state document").
			WithContext("path", path)
	}

	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		backup := s.quarantine(path)
		return nil, errcode.Wrap(errcode.StateCorrupt, err, "state file present but unreadable").
			WithContext("path", path).
			WithContext("reason", err.Error()).
			WithContext("backupPath", backup).
			WithHint("the corrupt file was moved aside; rerun to start from an empty state")
	}
	if doc.Version > SchemaVersion {
		return nil, errcode.New(errcode.StateVersionMismatch,
			"state schema version %d is newer than supported %d", doc.Version, SchemaVersion).
			WithContext("path", path).
			WithHint("upgrade surfwright to read this state directory")
	}
	doc.Version = SchemaVersion
	normalize(doc)
	return doc, nil
}

// quarantine moves a corrupt state file aside so the next transaction starts
// clean while the evidence survives.
func (s *Store) quarantine(path string) string {
	backup := fmt.Sprintf("%s.quarantine.%d", path, time.Now().UnixMilli())
	lg := log.WithComponent("state")
	if err := os.Rename(path, backup); err != nil {
		lg.Error().
			Err(err).
			Str("event", "state.quarantine_failed").
			Str("path", path).
			Msg("failed to quarantine corrupt state file")
		return ""
	}
	lg.Warn().
		Str("event", "state.quarantine").
		Str("path", path).
		Str("backup", backup).
		Msg("quarantined corrupt state file")
	return backup
}

// persist writes the document atomically and durably: serialize with stable
// key ordering, temp file in the same directory, fsync, rename, fsync parent.
// renameio removes the temp file when the replace fails.
func (s *Store) persist(doc *Document) error {
	if err := s.paths.EnsureRoot(); err != nil {
		return errcode.Wrap(errcode.StateIO, err, "prepare state root")
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "serialize state document")
	}
	data = append(data, '\n')

	path := s.paths.StateFile()
	pending, err := renameio.NewPendingFile(path,
		renameio.WithPermissions(0o600),
		renameio.WithTempDir(filepath.Dir(path)),
	)
	if err != nil {
		return errcode.Wrap(errcode.StateIO, err, "create pending state file").
			WithContext("path", path)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			lg := log.WithComponent("state")
			lg.Debug().Err(err).Msg("cleanup pending state file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return errcode.Wrap(errcode.StateIO, err, "write state document").
			WithContext("path", path)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return errcode.Wrap(errcode.StateIO, err, "atomically replace state document").
			WithContext("path", path)
	}
	return nil
}

// validate enforces the document invariants that must hold after every
// transaction.
func validate(doc *Document) error {
	for id, sess := range doc.Sessions {
		if !ValidSessionID(id) {
			return fmt.Errorf("invalid session id %q", id)
		}
		if sess.SessionID != id {
			return fmt.Errorf("session %q carries mismatched id %q", id, sess.SessionID)
		}
		if sess.CDPOrigin != "" {
			if _, err := NormalizeCDPOrigin(sess.CDPOrigin); err != nil {
				return fmt.Errorf("session %q: %w", id, err)
			}
		}
		if sess.Kind == KindManaged && sess.UserDataDir == "" {
			return fmt.Errorf("managed session %q has no user data dir", id)
		}
	}
	for id, target := range doc.Targets {
		if _, ok := doc.Sessions[target.SessionID]; !ok {
			return fmt.Errorf("target %q references missing session %q", id, target.SessionID)
		}
	}
	if doc.ActiveSessionID != "" {
		if _, ok := doc.Sessions[doc.ActiveSessionID]; !ok {
			return fmt.Errorf("active session %q not present", doc.ActiveSessionID)
		}
	}
	return nil
}
