package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ry-ops/taskguard/internal/store"
)

// writeSnapshot marshals snap to path via a temp-file-then-rename so a
// reader never observes a partially written snapshot, the same atomic-swap
// technique noisefs uses to save its FUSE index (pkg/fuse/index.go's
// SaveIndex).
func writeSnapshot(path string, snap store.Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// readSnapshot loads a previously written snapshot. A missing file is not
// an error — it means this is the daemon's first run.
func readSnapshot(path string) (store.Snapshot, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}
