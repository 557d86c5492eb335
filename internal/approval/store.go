package approval

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/taskrun/internal/fsutil"
)

const inboxDir = "inbox"

func (g *Gate) persist(req *Request) error {
	if g.dir == "" {
		return nil
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(g.dir, req.ID+".json"), req); err != nil {
		return fmt.Errorf("persisting approval request %s: %w", req.ID, err)
	}
	return nil
}

// LoadRequests reads every request persisted under dir, oldest first. It is
// how tooling outside the engine process lists approvals.
func LoadRequests(dir string) ([]*Request, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	var out []*Request
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		var req Request
		if err := fsutil.ReadJSON(filepath.Join(dir, name), &req); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, &req)
	}
	sortRequests(out)
	return out, nil
}
