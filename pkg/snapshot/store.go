package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

// StorePath is the snapshot document for a pack.
func StorePath(packDir string) string {
	return filepath.Join(packDir, ".cache", "snapshots.json")
}

// Store is a pack's persisted stepId → Snapshot map.
type Store struct {
	path string

	mu        sync.Mutex
	snapshots map[string]Snapshot
}

// Open loads the store at path. A missing file is an empty store; a corrupt
// file yields an empty store and an error describing what was discarded.
func Open(path string) (*Store, error) {
	s := &Store{path: path, snapshots: make(map[string]Snapshot)}
	loaded, err := readFile(path)
	if err != nil {
		return s, err
	}
	s.snapshots = loaded
	return s, nil
}

func readFile(path string) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot)
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return out, fmt.Errorf("read snapshots: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return make(map[string]Snapshot), fmt.Errorf("snapshots %s discarded: %w", path, err)
	}
	return out, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Get returns the snapshot for stepID.
func (s *Store) Get(stepID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[stepID]
	return snap, ok
}

// Usable returns the snapshot for step if it exists, is fresh, and matches the step.
func (s *Store) Usable(step flow.Step, now time.Time) (Snapshot, bool) {
	snap, ok := s.Get(step.ID)
	if !ok || snap.Expired(now) || !snap.Matches(step) {
		return Snapshot{}, false
	}
	return snap, true
}

// Len returns the number of snapshots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// Merge adds or replaces snaps and writes the store. Entries already on disk
// for other steps are kept.
func (s *Store) Merge(snaps []Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	onDisk, err := readFile(s.path)
	if err != nil {
		onDisk = make(map[string]Snapshot)
	}
	for id, snap := range s.snapshots {
		if _, ok := onDisk[id]; !ok {
			onDisk[id] = snap
		}
	}
	for _, snap := range snaps {
		onDisk[snap.StepID] = snap
	}
	s.snapshots = onDisk

	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write snapshots: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write snapshots: %w", err)
	}
	return nil
}
