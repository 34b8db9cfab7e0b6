// Package checksum persists the last fingerprint backed up for each game.
package checksum

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/juju/clock"

	"github.com/celarini/corvo/internal/fingerprint"
)

const stateVersion = 1

// Record is the stored state for one game
type Record struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

type stateFile struct {
	Version int               `json:"version"`
	Items   map[string]Record `json:"items"`
}

// FileStore keeps fingerprints in a JSON file. It is not safe for
// concurrent use; the monitor loop is its only writer.
type FileStore struct {
	path   string
	items  map[string]Record
	clock  clock.Clock
	logger *slog.Logger
}

// Open loads the store at path. A missing file starts an empty store; an
// unreadable or corrupt one is logged and replaced on the next write, which
// makes every game look changed once.
func Open(path string, clk clock.Clock, logger *slog.Logger) (*FileStore, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	s := &FileStore{
		path:   path,
		items:  make(map[string]Record),
		clock:  clk,
		logger: logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read checksum state: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Warn("checksum state is corrupt, starting fresh", "path", path, "error", err)
		return s, nil
	}
	if state.Version > stateVersion {
		return nil, fmt.Errorf("checksum state %s has unsupported version %d", path, state.Version)
	}
	for name, rec := range state.Items {
		s.items[name] = rec
	}
	return s, nil
}

// Seed sets an initial fingerprint for name unless one is already stored.
// It is used for checksums carried over from the config file and is not
// persisted until the next Record.
func (s *FileStore) Seed(name string, fp fingerprint.Fingerprint) {
	if fp == "" {
		return
	}
	if _, ok := s.items[name]; ok {
		return
	}
	s.items[name] = Record{Fingerprint: fp}
}

// Last returns the stored fingerprint for name
func (s *FileStore) Last(name string) (fingerprint.Fingerprint, bool) {
	rec, ok := s.items[name]
	if !ok {
		return "", false
	}
	return rec.Fingerprint, true
}

// ShouldBackup reports whether current differs from the stored fingerprint.
// A game without a record always needs a backup.
func (s *FileStore) ShouldBackup(name string, current fingerprint.Fingerprint) bool {
	last, ok := s.Last(name)
	return !ok || last != current
}

// Record stores fp as the last backed-up fingerprint and persists the store
func (s *FileStore) Record(name string, fp fingerprint.Fingerprint) error {
	prev, had := s.items[name]
	s.items[name] = Record{Fingerprint: fp, UpdatedAt: s.clock.Now().UTC()}
	if err := s.save(); err != nil {
		if had {
			s.items[name] = prev
		} else {
			delete(s.items, name)
		}
		return err
	}
	return nil
}

// Forget drops the record for name and persists the store
func (s *FileStore) Forget(name string) error {
	if _, ok := s.items[name]; !ok {
		return nil
	}
	delete(s.items, name)
	return s.save()
}

// Rename moves the record of oldName to newName and persists the store
func (s *FileStore) Rename(oldName, newName string) error {
	rec, ok := s.items[oldName]
	if !ok || oldName == newName {
		return nil
	}
	delete(s.items, oldName)
	s.items[newName] = rec
	return s.save()
}

// save writes the state file atomically
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(stateFile{Version: stateVersion, Items: s.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checksum state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checksums-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write checksum state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checksum state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace checksum state: %w", err)
	}

	s.logger.Debug("checksum state saved", "path", s.path, "items", len(s.items))
	return nil
}
