// Package snapshot persists the resumable interval timer state to a JSON file.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/habitloop/intervals/internal/timer"
)

// Save writes snap to path atomically: a temp file in the same directory is
// renamed over the target.
func Save(path string, snap timer.Snapshot) error {
	if path == "" {
		return errors.New("snapshot path must not be empty")
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace snapshot %q: %w", path, err)
	}
	return nil
}

// Load reads the snapshot at path. ok is false when no snapshot exists.
func Load(path string) (snap timer.Snapshot, ok bool, err error) {
	// #nosec G304 -- path comes from local configuration.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return timer.Snapshot{}, false, nil
		}
		return timer.Snapshot{}, false, fmt.Errorf("read snapshot %q: %w", path, err)
	}

	if err := json.Unmarshal(raw, &snap); err != nil {
		return timer.Snapshot{}, false, fmt.Errorf("decode snapshot %q: %w", path, err)
	}
	if snap.Version != timer.SnapshotVersion {
		return timer.Snapshot{}, false, fmt.Errorf("decode snapshot %q: unsupported version %d", path, snap.Version)
	}
	return snap, true, nil
}

// Remove deletes the snapshot at path; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot %q: %w", path, err)
	}
	return nil
}
