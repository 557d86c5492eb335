package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/taskrun/internal/fsutil"
)

const manifestFile = "manifest.json"

// ManifestStore persists manifests as runs/<run_id>/manifest.json.
type ManifestStore struct {
	root string

	mu     sync.Mutex
	sealed map[string]bool
}

// NewManifestStore creates a store rooted at root.
func NewManifestStore(root string) (*ManifestStore, error) {
	if root == "" {
		return nil, errors.New("manifest root is required")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	return &ManifestStore{root: root, sealed: make(map[string]bool)}, nil
}

func (s *ManifestStore) path(runID string) string {
	return filepath.Join(s.root, runID, manifestFile)
}

// Save atomically replaces the manifest of m.RunID. It returns
// ErrManifestSealed if the stored manifest is already terminal.
func (s *ManifestStore) Save(m *Manifest) error {
	if m.RunID == "" {
		return errors.New("manifest has no run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed[m.RunID] {
		return fmt.Errorf("%w: %s", ErrManifestSealed, m.RunID)
	}
	var existing Manifest
	err := fsutil.ReadJSON(s.path(m.RunID), &existing)
	switch {
	case err == nil && existing.Status.Terminal():
		s.sealed[m.RunID] = true
		return fmt.Errorf("%w: %s", ErrManifestSealed, m.RunID)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("reading manifest %s: %w", m.RunID, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path(m.RunID)), 0700); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}
	if err := fsutil.WriteJSONAtomic(s.path(m.RunID), m); err != nil {
		return fmt.Errorf("writing manifest %s: %w", m.RunID, err)
	}
	if m.Status.Terminal() {
		s.sealed[m.RunID] = true
	}
	return nil
}

// Load reads the manifest of runID.
func (s *ManifestStore) Load(runID string) (*Manifest, error) {
	var m Manifest
	if err := fsutil.ReadJSON(s.path(runID), &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("reading manifest %s: %w", runID, err)
	}
	return &m, nil
}

// Delete removes the run directory of runID.
func (s *ManifestStore) Delete(runID string) error {
	if runID == "" || runID != filepath.Base(runID) || runID == "." || runID == ".." {
		return fmt.Errorf("%w: invalid run id %q", ErrRunNotFound, runID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, runID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("deleting run %s: %w", runID, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting run %s: %w", runID, err)
	}
	delete(s.sealed, runID)
	return nil
}

// List returns every stored manifest, most recently started first.
func (s *ManifestStore) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.Load(e.Name())
		if errors.Is(err, ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
