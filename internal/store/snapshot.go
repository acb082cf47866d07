package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doorman-project/doorman/internal/crypto"
)

// Snapshot is the persisted image of the embedded store plus the
// metrics bucket ring.
type Snapshot struct {
	Version     int              `json:"version"`
	WrittenAt   time.Time        `json:"written_at"`
	Collections map[string][]Doc `json:"collections"`
	Metrics     json.RawMessage  `json:"metrics,omitempty"`
}

const snapshotVersion = 1

// WriteSnapshot seals the current store image and writes it to path via
// a temp file and atomic rename.
func WriteSnapshot(path string, sealer *crypto.Sealer, st *MemoryStore, metrics json.RawMessage) error {
	snap := Snapshot{
		Version:     snapshotVersion,
		WrittenAt:   time.Now().UTC(),
		Collections: st.Dump(),
		Metrics:     metrics,
	}
	plain, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	blob, err := sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("snapshot: seal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// RestoreSnapshot reads, opens, and decodes a snapshot file. A missing
// file is reported as os.ErrNotExist so startup can treat it as a cold
// start.
func RestoreSnapshot(path string, sealer *crypto.Sealer) (*Snapshot, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plain, err := sealer.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d", snap.Version)
	}
	return &snap, nil
}
