package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FilePersister stores the snapshot as a single JSON file under the state
// directory. Writes are atomic: temp file then rename.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister writing to <stateDir>/sessions.json.
func NewFilePersister(stateDir string) (*FilePersister, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FilePersister{path: filepath.Join(stateDir, "sessions.json")}, nil
}

// Save writes the snapshot atomically.
func (p *FilePersister) Save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	tmpFile, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, p.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Load reads the snapshot. A missing file yields nil (fresh start).
func (p *FilePersister) Load() (*Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse session state: %w", err)
	}
	return &snap, nil
}
