// SnapshotCoordinator half of the core: owns the db_snapshot/ on-disk
// layout convention and the install path. Distinct from the apply loop
// only in that it runs on dragonboat's own concurrent-snapshot goroutine,
// never the Update goroutine (spec.md §4.5) - no extra background-task
// plumbing is needed, unlike original_source's explicit bthread backgrounding.
//
// Grounded on the teacher's lib/store/dstore/statemachine.go
// (SaveSnapshot/RecoverFromSnapshot) and original_source/src/raft_server.cpp
// (save_snapshot, on_snapshot_load).
package replicate

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// snapshotManifest is the small list dragonboat's plain io.Writer carries;
// the bulk of the snapshot (the checkpoint's sst/manifest files) is
// registered separately via sm.ISnapshotFileCollection, per dragonboat's
// concurrent-snapshot contract.
type snapshotManifest struct {
	Files []string `json:"files"`
}

// SaveSnapshot implements spec.md §4.4.4: checkpoint the store into
// db_snapshot/, register every file with the snapshot writer, and record
// the file list in the manifest stream.
func (s *StateMachine) SaveSnapshot(_ interface{}, w io.Writer, collection sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	s.mu.RLock()
	st := s.store
	s.mu.RUnlock()
	if st == nil {
		return errors.New("replicate: save snapshot on an unopened store")
	}

	workDir, err := os.MkdirTemp("", "replicate-snapshot-")
	if err != nil {
		return errors.Wrap(err, "create snapshot work dir")
	}
	defer os.RemoveAll(workDir)

	checkpointDir := filepath.Join(workDir, "db_snapshot")
	if err := st.Checkpoint(checkpointDir); err != nil {
		return errors.Wrap(err, "checkpoint store")
	}

	entries, err := os.ReadDir(checkpointDir)
	if err != nil {
		return errors.Wrap(err, "list checkpoint files")
	}

	manifest := snapshotManifest{Files: make([]string, 0, len(entries))}
	for i, e := range entries {
		if e.IsDir() {
			continue
		}
		collection.AddFile(uint64(i), filepath.Join(checkpointDir, e.Name()), nil)
		manifest.Files = append(manifest.Files, e.Name())
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot manifest")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "write snapshot manifest")
	}
	return nil
}

// RecoverFromSnapshot implements spec.md §4.4.5. Refuses to run on a
// leader, matching the original's assertion that a leader must never
// install a remote snapshot.
func (s *StateMachine) RecoverFromSnapshot(r io.Reader, files []sm.SnapshotFile, _ <-chan struct{}) error {
	if s.IsLeader() {
		return errors.New("replicate: refusing to install a snapshot while leader")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "read snapshot manifest")
	}
	var manifest snapshotManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return errors.Wrap(err, "unmarshal snapshot manifest")
	}

	s.mu.Lock()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.mu.Unlock()
			return errors.Wrap(err, "close store before snapshot install")
		}
		s.store = nil
	}
	stateDir := s.stateDir
	s.mu.Unlock()

	if err := os.RemoveAll(stateDir); err != nil {
		return errors.Wrap(err, "remove state dir")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return errors.Wrap(err, "recreate state dir")
	}

	for _, f := range files {
		dest := filepath.Join(stateDir, filepath.Base(f.Filepath))
		if err := copyOrLink(f.Filepath, dest); err != nil {
			return errors.Wrapf(err, "install snapshot file %s", f.Filepath)
		}
	}

	return s.initDB()
}

// copyOrLink prefers a hard link - same directory semantics as
// pebble.DB.Checkpoint - and falls back to a full copy when the snapshot
// files live on a different filesystem than the destination.
func copyOrLink(src, dest string) error {
	if err := os.Link(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
