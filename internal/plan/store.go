package plan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/taskrun/internal/fsutil"
)

const (
	planFile    = "plan.json"
	summaryFile = "SUMMARY.md"
)

// Store persists plans.
type Store interface {
	Save(ctx context.Context, p *Plan) error
	Load(ctx context.Context, id string) (*Plan, error)
	List(ctx context.Context) ([]*Plan, error)
}

// FileStore keeps each plan in its own directory: plan.json holds the
// record, SUMMARY.md the rendering.
type FileStore struct {
	root string
}

// NewFileStore creates a store under root.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating plan directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) dir(id string) string { return filepath.Join(s.root, id) }

// Save writes the plan atomically, then its summary.
func (s *FileStore) Save(_ context.Context, p *Plan) error {
	if p.ID == "" || strings.ContainsAny(p.ID, `/\`) || p.ID == "." || p.ID == ".." {
		return fmt.Errorf("invalid plan id %q", p.ID)
	}
	dir := s.dir(p.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating plan directory: %w", err)
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, planFile), p); err != nil {
		return fmt.Errorf("saving plan %s: %w", p.ID, err)
	}
	md, err := Summary(p)
	if err != nil {
		return fmt.Errorf("rendering plan %s: %w", p.ID, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, summaryFile), []byte(md), 0600); err != nil {
		return fmt.Errorf("saving plan summary %s: %w", p.ID, err)
	}
	return nil
}

// Load reads plan id.
func (s *FileStore) Load(_ context.Context, id string) (*Plan, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrPlanNotFound, id)
	}
	var p Plan
	if err := fsutil.ReadJSON(filepath.Join(s.dir(id), planFile), &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
		}
		return nil, fmt.Errorf("loading plan %s: %w", id, err)
	}
	return &p, nil
}

// List returns every stored plan, newest first.
func (s *FileStore) List(ctx context.Context) ([]*Plan, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	var plans []*Plan
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.Load(ctx, e.Name())
		if err != nil {
			if errors.Is(err, ErrPlanNotFound) {
				continue
			}
			return nil, err
		}
		plans = append(plans, p)
	}
	sort.SliceStable(plans, func(i, j int) bool {
		if !plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].CreatedAt.After(plans[j].CreatedAt)
		}
		return plans[i].ID < plans[j].ID
	})
	return plans, nil
}

var _ Store = (*FileStore)(nil)
