package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/taskrun/internal/audit"
	"github.com/fyrsmithlabs/taskrun/internal/fsutil"
	"github.com/fyrsmithlabs/taskrun/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/taskrun/internal/artifact"

// DefaultCompressionThreshold is the payload size above which blobs are
// compressed.
const DefaultCompressionThreshold = 10 * 1024

const objectsDir = "objects"

// Config configures a Store.
type Config struct {
	// Root is the directory holding one subdirectory per run.
	Root string

	// CompressionThreshold in bytes; payloads strictly larger are gzipped.
	CompressionThreshold int

	// CleanupConcurrency bounds how many runs Cleanup processes at once.
	CleanupConcurrency int
}

// Store is a filesystem artifact store. Writes for one run are serialized;
// writes for different runs proceed concurrently.
type Store struct {
	cfg    Config
	logger *logging.Logger
	audit  audit.Recorder
	now    func() time.Time

	tracer        trace.Tracer
	storedBytes   metric.Int64Counter
	storedCounter metric.Int64Counter

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	seqs    map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithAudit records stores and removals on the audit trail.
func WithAudit(r audit.Recorder) Option {
	return func(s *Store) { s.audit = r }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store rooted at cfg.Root.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Root == "" {
		return nil, &StoreError{Op: "open", Err: fmt.Errorf("%w: root is required", ErrInvalid)}
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if cfg.CleanupConcurrency <= 0 {
		cfg.CleanupConcurrency = 4
	}
	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	meter := otel.Meter(instrumentationName)
	storedBytes, err := meter.Int64Counter("taskrun.artifact.stored_bytes",
		metric.WithDescription("Bytes written to artifact blobs"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	storedCounter, err := meter.Int64Counter("taskrun.artifact.stored",
		metric.WithDescription("Artifacts stored"))
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	s := &Store{
		cfg:           cfg,
		logger:        logging.NewNop(),
		now:           time.Now,
		tracer:        otel.Tracer(instrumentationName),
		storedBytes:   storedBytes,
		storedCounter: storedCounter,
		locks:         make(map[string]*sync.Mutex),
		seqs:          make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) runLock(runID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[runID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[runID] = mu
	}
	return mu
}

func (s *Store) runDir(runID string) string { return filepath.Join(s.cfg.Root, runID) }

func (s *Store) metaPath(runID, id string) string {
	return filepath.Join(s.runDir(runID), id+".json")
}

func (s *Store) blobPath(a *Artifact) string {
	name := a.ContentHash
	if a.Compressed {
		name += ".gz"
	}
	return filepath.Join(s.runDir(a.RunID), objectsDir, name)
}

func validSegment(v string) bool {
	return v != "" && v != "." && v != ".." && !strings.ContainsAny(v, `/\`)
}

// Store persists payload and returns the new artifact id.
func (s *Store) Store(ctx context.Context, runID, stepID string, kind Kind, payload []byte) (string, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.Store", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("step.id", stepID),
		attribute.String("artifact.kind", string(kind)),
		attribute.Int("artifact.size", len(payload)),
	))
	defer span.End()

	a, err := s.store(ctx, runID, stepID, kind, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("artifact.id", a.ID), attribute.Bool("artifact.compressed", a.Compressed))
	return a.ID, nil
}

func (s *Store) store(ctx context.Context, runID, stepID string, kind Kind, payload []byte) (*Artifact, error) {
	if !validSegment(runID) {
		return nil, &StoreError{Op: "store", RunID: runID, Err: fmt.Errorf("%w: bad run id %q", ErrInvalid, runID)}
	}
	if !kind.Valid() {
		return nil, &StoreError{Op: "store", RunID: runID, Err: fmt.Errorf("%w: kind %q", ErrInvalid, kind)}
	}
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "store", RunID: runID, Err: err}
	}

	sum := sha256.Sum256(payload)
	a := &Artifact{
		ID:          uuid.NewString(),
		RunID:       runID,
		StepID:      stepID,
		Kind:        kind,
		ContentHash: hex.EncodeToString(sum[:]),
		Size:        int64(len(payload)),
	}

	body := payload
	if len(payload) > s.cfg.CompressionThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, &StoreError{Op: "store", RunID: runID, Err: err}
		}
		body = compressed
		a.Compressed = true
	}
	a.StoredSize = int64(len(body))

	mu := s.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := s.nextSeq(runID)
	if err != nil {
		return nil, &StoreError{Op: "store", RunID: runID, Err: err}
	}
	a.Seq = seq
	a.CreatedAt = s.now().UTC()

	if err := os.MkdirAll(filepath.Join(s.runDir(runID), objectsDir), 0700); err != nil {
		return nil, &StoreError{Op: "store", RunID: runID, Err: err}
	}
	written, err := fsutil.WriteFileOnce(s.blobPath(a), body, 0600)
	if err != nil {
		return nil, &StoreError{Op: "store", RunID: runID, Err: err}
	}
	if err := fsutil.WriteJSONAtomic(s.metaPath(runID, a.ID), a); err != nil {
		return nil, &StoreError{Op: "store", RunID: runID, Err: err}
	}
	s.seqs[runID] = seq

	if written {
		s.storedBytes.Add(ctx, a.StoredSize)
	}
	s.storedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	s.logger.Debug(ctx, "artifact stored",
		zap.String("artifact.id", a.ID),
		zap.String("run.id", runID),
		zap.String("step.id", stepID),
		zap.Int64("size", a.Size),
		zap.Bool("compressed", a.Compressed),
		zap.Bool("deduplicated", !written),
	)
	s.record(ctx, audit.Event{
		Type:     audit.ArtifactStored,
		Severity: audit.Debug,
		RunID:    runID,
		StepID:   stepID,
		Message:  fmt.Sprintf("%s artifact stored", kind),
		Details: map[string]any{
			"artifact_id":  a.ID,
			"kind":         string(kind),
			"size":         a.Size,
			"compressed":   a.Compressed,
			"deduplicated": !written,
		},
	})
	return a, nil
}

// record appends e to the audit trail, if one is configured. Failures are
// logged; the artifact operation has already happened.
func (s *Store) record(ctx context.Context, e audit.Event) {
	if s.audit == nil {
		return
	}
	e.Actor = "artifact_store"
	if _, err := s.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn(ctx, "recording artifact event",
			zap.String("event_type", string(e.Type)),
			zap.String("run.id", e.RunID),
			zap.Error(err))
	}
}

// nextSeq must be called with the run lock held.
func (s *Store) nextSeq(runID string) (int, error) {
	if seq, ok := s.seqs[runID]; ok {
		return seq + 1, nil
	}
	metas, err := s.readRun(runID)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, m := range metas {
		if m.Seq > highest {
			highest = m.Seq
		}
	}
	return highest + 1, nil
}

// Stat returns the metadata of artifact id. Ids are canonical UUIDs; any
// other string is not found.
func (s *Store) Stat(_ context.Context, id string) (*Artifact, error) {
	if parsed, err := uuid.Parse(id); err != nil || parsed.String() != id {
		return nil, &StoreError{Op: "stat", ID: id, Err: ErrNotFound}
	}
	runs, err := s.runIDs()
	if err != nil {
		return nil, &StoreError{Op: "stat", ID: id, Err: err}
	}
	for _, runID := range runs {
		path := s.metaPath(runID, id)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var a Artifact
		if err := fsutil.ReadJSON(path, &a); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = ErrNotFound
			}
			return nil, &StoreError{Op: "stat", ID: id, Err: err}
		}
		return &a, nil
	}
	return nil, &StoreError{Op: "stat", ID: id, Err: ErrNotFound}
}

// Get returns the payload of artifact id, verifying its hash.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	_, span := s.tracer.Start(ctx, "artifact.Get", trace.WithAttributes(attribute.String("artifact.id", id)))
	defer span.End()

	a, err := s.Stat(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	body, err := os.ReadFile(s.blobPath(a))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = ErrNotFound
		}
		return nil, &StoreError{Op: "get", ID: id, Err: err}
	}
	if a.Compressed {
		body, err = decompress(body)
		if err != nil {
			return nil, &StoreError{Op: "get", ID: id, Err: err}
		}
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != a.ContentHash {
		return nil, &StoreError{Op: "get", ID: id, Err: ErrCorrupt}
	}
	return body, nil
}

// ListForRun returns the artifact ids of a run in write order.
func (s *Store) ListForRun(_ context.Context, runID string) ([]string, error) {
	if !validSegment(runID) {
		return nil, &StoreError{Op: "list", RunID: runID, Err: fmt.Errorf("%w: bad run id %q", ErrInvalid, runID)}
	}
	metas, err := s.readRun(runID)
	if err != nil {
		return nil, &StoreError{Op: "list", RunID: runID, Err: err}
	}
	ids := make([]string, len(metas))
	for i, m := range metas {
		ids[i] = m.ID
	}
	return ids, nil
}

// Artifacts returns the metadata of a run in write order.
func (s *Store) Artifacts(_ context.Context, runID string) ([]Artifact, error) {
	metas, err := s.readRun(runID)
	if err != nil {
		return nil, &StoreError{Op: "list", RunID: runID, Err: err}
	}
	return metas, nil
}

// readRun loads every metadata file of a run sorted by seq. A missing run
// directory is an empty run.
func (s *Store) readRun(runID string) ([]Artifact, error) {
	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var metas []Artifact
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var a Artifact
		if err := fsutil.ReadJSON(filepath.Join(s.runDir(runID), e.Name()), &a); err != nil {
			return nil, err
		}
		metas = append(metas, a)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Seq < metas[j].Seq })
	return metas, nil
}

func (s *Store) runIDs() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Cleanup deletes artifacts created more than olderThan ago and returns how
// many were removed. Blobs no longer referenced are deleted, as are run
// directories left empty.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	runs, err := s.runIDs()
	if err != nil {
		return 0, &StoreError{Op: "cleanup", Err: err}
	}
	cutoff := s.now().Add(-olderThan)

	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.CleanupConcurrency)
	for _, runID := range runs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := s.cleanupRun(runID, cutoff)
			removed.Add(int64(n))
			if n > 0 {
				s.record(gctx, audit.Event{
					Type:     audit.ArtifactCleaned,
					Severity: audit.Info,
					RunID:    runID,
					Message:  fmt.Sprintf("%d artifacts older than %s removed", n, olderThan),
					Details:  map[string]any{"removed": n, "older_than": olderThan.String()},
				})
			}
			if err != nil {
				return &StoreError{Op: "cleanup", RunID: runID, Err: err}
			}
			return nil
		})
	}
	err = g.Wait()

	s.logger.Info(ctx, "artifact cleanup finished",
		zap.Int64("removed", removed.Load()),
		zap.Duration("older_than", olderThan),
	)
	return int(removed.Load()), err
}

func (s *Store) cleanupRun(runID string, cutoff time.Time) (int, error) {
	mu := s.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	metas, err := s.readRun(runID)
	if err != nil {
		return 0, err
	}

	removed := 0
	referenced := make(map[string]bool)
	for i := range metas {
		a := &metas[i]
		if a.CreatedAt.Before(cutoff) {
			if err := os.Remove(s.metaPath(runID, a.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, err
			}
			removed++
			continue
		}
		referenced[filepath.Base(s.blobPath(a))] = true
	}

	objects := filepath.Join(s.runDir(runID), objectsDir)
	blobs, err := os.ReadDir(objects)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return removed, err
	}
	for _, b := range blobs {
		if !referenced[b.Name()] {
			if err := os.Remove(filepath.Join(objects, b.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, err
			}
		}
	}

	if len(referenced) == 0 && removed == len(metas) {
		if err := os.RemoveAll(s.runDir(runID)); err != nil {
			return removed, err
		}
		delete(s.seqs, runID)
	}
	return removed, nil
}

// DeleteRun removes every artifact of runID and returns how many there
// were. Deleting a run with no artifacts is not an error.
func (s *Store) DeleteRun(ctx context.Context, runID string) (int, error) {
	if !validSegment(runID) {
		return 0, &StoreError{Op: "delete", RunID: runID, Err: fmt.Errorf("%w: bad run id %q", ErrInvalid, runID)}
	}
	mu := s.runLock(runID)
	mu.Lock()
	metas, err := s.readRun(runID)
	if err == nil {
		err = os.RemoveAll(s.runDir(runID))
	}
	if err != nil {
		mu.Unlock()
		return 0, &StoreError{Op: "delete", RunID: runID, Err: err}
	}
	delete(s.seqs, runID)
	mu.Unlock()

	s.logger.Info(ctx, "run artifacts deleted", zap.String("run.id", runID), zap.Int("removed", len(metas)))
	s.record(ctx, audit.Event{
		Type:     audit.ArtifactCleaned,
		Severity: audit.Info,
		RunID:    runID,
		Message:  fmt.Sprintf("%d artifacts removed with run", len(metas)),
		Details:  map[string]any{"removed": len(metas), "reason": "run deleted"},
	})
	return len(metas), nil
}

// Stats walks the store and totals its content.
func (s *Store) Stats(_ context.Context) (*Stats, error) {
	runs, err := s.runIDs()
	if err != nil {
		return nil, &StoreError{Op: "stats", Err: err}
	}
	st := &Stats{}
	for _, runID := range runs {
		metas, err := s.readRun(runID)
		if err != nil {
			return nil, &StoreError{Op: "stats", RunID: runID, Err: err}
		}
		if len(metas) == 0 {
			continue
		}
		st.Runs++
		blobs := make(map[string]bool)
		for i := range metas {
			a := &metas[i]
			st.Artifacts++
			st.UncompressedBytes += a.Size
			if p := s.blobPath(a); !blobs[p] {
				blobs[p] = true
				st.StoredBytes += a.StoredSize
			}
		}
	}
	return st, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}
