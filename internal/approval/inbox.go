package approval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrun/internal/fsutil"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
)

const batchPrefix = "batch-"

// ErrInboxUnavailable is returned when the gate has no directory to watch.
var ErrInboxUnavailable = errors.New("approval inbox requires a gate directory")

// InboxDecision is the content of a decision file dropped into the inbox.
// The file is named after the request it resolves.
type InboxDecision struct {
	Decision Decision `json:"decision"`
	Actor    string   `json:"actor"`
	Reason   string   `json:"reason,omitempty"`
}

// InboxBatch approves every pending request of a run whose risk is at or
// below Ceiling.
type InboxBatch struct {
	RunID   string     `json:"run_id"`
	Ceiling risk.Level `json:"ceiling"`
	Actor   string     `json:"actor"`
}

// InboxDir returns the inbox directory under an approvals directory.
func InboxDir(dir string) string { return filepath.Join(dir, inboxDir) }

// SubmitDecision drops a decision for requestID into the inbox under dir.
// A running gate watching that directory applies it.
func SubmitDecision(dir, requestID string, d InboxDecision) error {
	if d.Decision != Approved && d.Decision != Denied {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, d.Decision)
	}
	if requestID == "" || strings.ContainsAny(requestID, `/\`) || strings.HasPrefix(requestID, ".") {
		return fmt.Errorf("invalid request id %q", requestID)
	}
	return fsutil.WriteJSONAtomic(filepath.Join(InboxDir(dir), requestID+".json"), d)
}

// SubmitBatch drops a batch approval into the inbox under dir.
func SubmitBatch(dir string, b InboxBatch) error {
	if b.RunID == "" {
		return errors.New("batch approval needs a run id")
	}
	if !b.Ceiling.Valid() {
		return fmt.Errorf("invalid risk ceiling %q", b.Ceiling)
	}
	if b.Ceiling == risk.Critical {
		return errors.New("critical requests must be approved one at a time")
	}
	name := batchPrefix + uuid.NewString() + ".json"
	return fsutil.WriteJSONAtomic(filepath.Join(InboxDir(dir), name), b)
}

// WatchInbox applies decision files from the inbox until ctx is done. Files
// already present when it starts are applied first. Every handled file is
// removed.
func (g *Gate) WatchInbox(ctx context.Context) error {
	if g.dir == "" {
		return ErrInboxUnavailable
	}
	dir := InboxDir(g.dir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating inbox watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	for _, e := range entries {
		g.applyInboxFile(ctx, filepath.Join(dir, e.Name()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				g.applyInboxFile(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Warn(ctx, "approval inbox watcher error", zap.Error(err))
		}
	}
}

func (g *Gate) applyInboxFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
		return
	}
	id := strings.TrimSuffix(name, ".json")
	if strings.HasPrefix(id, batchPrefix) {
		g.applyInboxBatch(ctx, path)
		return
	}

	var d InboxDecision
	if err := fsutil.ReadJSON(path, &d); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			g.logger.Warn(ctx, "unreadable approval decision", zap.String("file", path), zap.Error(err))
			_ = os.Remove(path)
		}
		return
	}
	_ = os.Remove(path)

	actor := d.Actor
	if actor == "" {
		actor = "operator"
	}
	req, err := g.Resolve(ctx, id, d.Decision, actor, d.Reason)
	if err != nil {
		g.logger.Warn(ctx, "approval decision rejected",
			zap.String("request.id", id),
			zap.String("decision", string(d.Decision)),
			zap.Error(err),
		)
		return
	}
	g.logger.Debug(ctx, "approval decision applied from inbox",
		zap.String("request.id", id),
		zap.String("decision", string(req.Decision)),
	)
}

func (g *Gate) applyInboxBatch(ctx context.Context, path string) {
	var b InboxBatch
	if err := fsutil.ReadJSON(path, &b); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			g.logger.Warn(ctx, "unreadable batch approval", zap.String("file", path), zap.Error(err))
			_ = os.Remove(path)
		}
		return
	}
	_ = os.Remove(path)

	actor := b.Actor
	if actor == "" {
		actor = "operator"
	}
	approved, err := g.BatchApprove(ctx, b.RunID, b.Ceiling, actor)
	if err != nil {
		g.logger.Warn(ctx, "batch approval incomplete",
			zap.String("run_id", b.RunID),
			zap.Int("approved", len(approved)),
			zap.Error(err))
		return
	}
	g.logger.Info(ctx, "batch approval applied from inbox",
		zap.String("run_id", b.RunID),
		zap.String("ceiling", string(b.Ceiling)),
		zap.Int("approved", len(approved)))
}
