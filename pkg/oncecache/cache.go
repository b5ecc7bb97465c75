// Package oncecache memoizes the output of once steps in a session partition
// and a profile partition, persisted as JSON files.
package oncecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
	"github.com/devicelab-dev/webflow-runner/pkg/flow"
)

// Location identifies where the partitions live on disk. An empty id means
// the partition is in-memory only.
type Location struct {
	SessionID  string
	ProfileID  string
	ProfileDir string // Pack directory; profile files go under its .cache folder
}

// Cache holds the two once partitions for one run.
type Cache struct {
	mu      sync.Mutex
	session map[string]core.StepOutput
	profile map[string]core.StepOutput
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		session: make(map[string]core.StepOutput),
		profile: make(map[string]core.StepOutput),
	}
}

// EffectiveScope maps a step's declared scope to the partition it uses:
// session only when declared and a session id exists, otherwise profile.
func EffectiveScope(declared flow.OnceScope, sessionID string) flow.OnceScope {
	if declared == flow.OnceSession && sessionID != "" {
		return flow.OnceSession
	}
	return flow.OnceProfile
}

func (c *Cache) partition(scope flow.OnceScope) map[string]core.StepOutput {
	if scope == flow.OnceSession {
		return c.session
	}
	return c.profile
}

// IsExecuted reports whether stepID has a memoized output in scope.
func (c *Cache) IsExecuted(stepID string, scope flow.OnceScope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.partition(scope)[stepID]
	return ok
}

// MarkExecuted memoizes out for stepID, overwriting any previous entry.
func (c *Cache) MarkExecuted(stepID string, scope flow.OnceScope, out core.StepOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partition(scope)[stepID] = out
}

// Outputs returns the memoized output for stepID.
func (c *Cache) Outputs(stepID string, scope flow.OnceScope) (core.StepOutput, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.partition(scope)[stepID]
	return out, ok
}

// Clear drops every entry in one partition.
func (c *Cache) Clear(scope flow.OnceScope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scope == flow.OnceSession {
		c.session = make(map[string]core.StepOutput)
	} else {
		c.profile = make(map[string]core.StepOutput)
	}
}

// ClearAll drops both partitions.
func (c *Cache) ClearAll() {
	c.Clear(flow.OnceSession)
	c.Clear(flow.OnceProfile)
}

// Len returns the number of entries in a partition.
func (c *Cache) Len(scope flow.OnceScope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.partition(scope))
}

// Clone returns an independent copy, used to stage changes that may be discarded.
func (c *Cache) Clone() *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := New()
	for k, v := range c.session {
		clone.session[k] = v
	}
	for k, v := range c.profile {
		clone.profile[k] = v
	}
	return clone
}

// Adopt replaces c's contents with other's.
func (c *Cache) Adopt(other *Cache) {
	snapshot := other.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = snapshot.session
	c.profile = snapshot.profile
}

// SessionPath is the session partition file for id.
func SessionPath(sessionID string) string {
	return filepath.Join(os.TempDir(), "webflow-once", "session-"+fileSafe(sessionID)+".json")
}

// ProfilePath is the profile partition file for id, under the pack's cache
// folder or in the temp directory when no pack directory is known.
func ProfilePath(profileID, profileDir string) string {
	name := "once-" + fileSafe(profileID) + ".json"
	if profileDir == "" {
		return profileFallbackPath(profileID)
	}
	return filepath.Join(profileDir, ".cache", name)
}

func profileFallbackPath(profileID string) string {
	return filepath.Join(os.TempDir(), "webflow-once", "profile-"+fileSafe(profileID)+".json")
}

// LoadFromDisk replaces the partitions named by loc with their on-disk contents.
// Missing or corrupt files load as empty; the returned error only describes
// what was discarded.
func (c *Cache) LoadFromDisk(loc Location) error {
	var errs []error
	if loc.SessionID != "" {
		entries, err := readPartition(SessionPath(loc.SessionID))
		if err != nil {
			errs = append(errs, err)
		}
		c.mu.Lock()
		c.session = entries
		c.mu.Unlock()
	}
	if loc.ProfileID != "" {
		path := ProfilePath(loc.ProfileID, loc.ProfileDir)
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) && loc.ProfileDir != "" {
			path = profileFallbackPath(loc.ProfileID)
		}
		entries, err := readPartition(path)
		if err != nil {
			errs = append(errs, err)
		}
		c.mu.Lock()
		c.profile = entries
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

func readPartition(path string) (map[string]core.StepOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]core.StepOutput), nil
		}
		return make(map[string]core.StepOutput), fmt.Errorf("read once cache %s: %w", path, err)
	}
	entries, err := Migrate(data)
	if err != nil {
		return make(map[string]core.StepOutput), fmt.Errorf("once cache %s discarded: %w", path, err)
	}
	return entries, nil
}

// Persist writes every partition that has an id. The profile partition falls
// back to the temp directory when the pack's cache folder is not writable.
func (c *Cache) Persist(loc Location) error {
	snapshot := c.Clone()
	var errs []error
	if loc.SessionID != "" {
		if err := writePartition(SessionPath(loc.SessionID), snapshot.session); err != nil {
			errs = append(errs, err)
		}
	}
	if loc.ProfileID != "" {
		path := ProfilePath(loc.ProfileID, loc.ProfileDir)
		err := writePartition(path, snapshot.profile)
		if err != nil && loc.ProfileDir != "" {
			err = writePartition(profileFallbackPath(loc.ProfileID), snapshot.profile)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writePartition(path string, entries map[string]core.StepOutput) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode once cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write once cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write once cache: %w", err)
	}
	return nil
}

func fileSafe(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
