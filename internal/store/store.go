// Package store implements the StoreFacade component of the replicated
// write path: the embedded ordered key-value store the state machine
// mutates, plus the checkpoint primitive the snapshot coordinator needs.
//
// Grounded on the teacher's lib/db/engines/maple package for the shape of a
// pluggable storage engine, but backed by github.com/cockroachdb/pebble —
// an LSM store with real, hard-link-preferring checkpoints — since the spec
// (data model: "ordered key-value store", "hard-linked where the
// filesystem permits") describes exactly the RocksDB/Pebble checkpoint
// contract, not the teacher's in-memory maple engine.
package store

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// Store wraps a pebble database rooted at a single state directory. It is
// not safe for concurrent Close and use; callers must guarantee the store
// is not being dropped concurrently with a Checkpoint (spec.md §4.1).
type Store struct {
	db       *pebble.DB
	stateDir string
}

// Open creates the state directory if needed and opens the pebble database
// rooted there.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create state dir %s", stateDir)
	}

	db, err := pebble.Open(stateDir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble db %s", stateDir)
	}

	return &Store{db: db, stateDir: stateDir}, nil
}

// Close releases every file handle pebble holds, so the state directory can
// be deleted and replaced atomically during snapshot install.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	return db.Close()
}

// StateDirPath returns the directory this store is rooted at.
func (s *Store) StateDirPath() string {
	return s.stateDir
}

// RawHandle returns the underlying pebble handle, usable by the checkpoint
// primitive. The caller guarantees the store is not being closed
// concurrently.
func (s *Store) RawHandle() *pebble.DB {
	return s.db
}

// Checkpoint creates a consistent, hard-link-preferring snapshot of the
// store at destDir, which must not already exist.
func (s *Store) Checkpoint(destDir string) error {
	if s.db == nil {
		return errors.New("store: checkpoint on closed store")
	}
	return s.db.Checkpoint(destDir)
}

// --------------------------------------------------------------------------
// Point read/write/scan primitives used by handlers.
// --------------------------------------------------------------------------

// Get returns the value for key and whether it was found.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), val...)
	if cerr := closer.Close(); cerr != nil {
		return nil, false, cerr
	}
	return out, true, nil
}

// Set inserts or overwrites key with value.
func (s *Store) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

// Delete removes key, if present.
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

// ScanPrefix calls fn for every key with the given prefix, in key order,
// until fn returns false or the scan completes.
func (s *Store) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	upperBound := prefixUpperBound(prefix)
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound,
	})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if the prefix is all 0xff bytes (unbounded scan).
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
