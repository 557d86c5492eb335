package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskrun/internal/audit"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(Config{Root: t.TempDir(), CompressionThreshold: 64}, opts...)
	require.NoError(t, err)
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	small := []byte("hello")
	large := bytes.Repeat([]byte("abcdefgh"), 100)

	smallID, err := s.Store(ctx, "run-1", "s1", KindInput, small)
	require.NoError(t, err)
	largeID, err := s.Store(ctx, "run-1", "s1", KindOutput, large)
	require.NoError(t, err)

	got, err := s.Get(ctx, smallID)
	require.NoError(t, err)
	assert.Equal(t, small, got)

	got, err = s.Get(ctx, largeID)
	require.NoError(t, err)
	assert.Equal(t, large, got)

	a, err := s.Stat(ctx, largeID)
	require.NoError(t, err)
	assert.True(t, a.Compressed)
	assert.Equal(t, int64(len(large)), a.Size)
	assert.Less(t, a.StoredSize, a.Size)
	assert.Equal(t, 2, a.Seq)
	assert.Equal(t, KindOutput, a.Kind)

	a, err = s.Stat(ctx, smallID)
	require.NoError(t, err)
	assert.False(t, a.Compressed)
	assert.Equal(t, a.Size, a.StoredSize)
}

func TestStore_ListForRunInWriteOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var want []string
	for i := 0; i < 5; i++ {
		id, err := s.Store(ctx, "run-1", fmt.Sprintf("s%d", i), KindOutput, []byte{byte(i)})
		require.NoError(t, err)
		want = append(want, id)
	}
	_, err := s.Store(ctx, "run-2", "s0", KindOutput, []byte("other"))
	require.NoError(t, err)

	ids, err := s.ListForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, want, ids)

	ids, err = s.ListForRun(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_SequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	s1, err := New(Config{Root: root})
	require.NoError(t, err)
	_, err = s1.Store(ctx, "run-1", "s1", KindInput, []byte("a"))
	require.NoError(t, err)

	s2, err := New(Config{Root: root})
	require.NoError(t, err)
	id, err := s2.Store(ctx, "run-1", "s1", KindOutput, []byte("b"))
	require.NoError(t, err)

	a, err := s2.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Seq)
}

func TestStore_ConcurrentWritesSameRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Store(ctx, "run-1", "s", KindOutput, []byte(fmt.Sprintf("payload-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	metas, err := s.Artifacts(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, metas, 20)
	for i, m := range metas {
		assert.Equal(t, i+1, m.Seq)
	}
}

func TestStore_Deduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.Store(ctx, "run-1", "s1", KindOutput, []byte("same"))
	require.NoError(t, err)
	id2, err := s.Store(ctx, "run-1", "s2", KindOutput, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	objects, err := os.ReadDir(filepath.Join(s.cfg.Root, "run-1", objectsDir))
	require.NoError(t, err)
	assert.Len(t, objects, 1)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Runs: 1, Artifacts: 2, StoredBytes: 4, UncompressedBytes: 8}, st)
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Store(ctx, "../escape", "s1", KindInput, nil)
	assert.ErrorIs(t, err, ErrInvalid)
	var se *StoreError
	assert.ErrorAs(t, err, &se)

	_, err = s.Store(ctx, "run-1", "s1", Kind("weird"), nil)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStore_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Store(ctx, "run-1", "s1", KindOutput, []byte("original"))
	require.NoError(t, err)
	a, err := s.Stat(ctx, id)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.blobPath(a), []byte("tampered"), 0600))

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))

	oldID, err := s.Store(ctx, "old-run", "s1", KindOutput, []byte("old"))
	require.NoError(t, err)
	mixedOld, err := s.Store(ctx, "mixed-run", "s1", KindOutput, []byte("shared"))
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	mixedNew, err := s.Store(ctx, "mixed-run", "s2", KindOutput, []byte("shared"))
	require.NoError(t, err)
	_, err = s.Store(ctx, "mixed-run", "s3", KindOutput, []byte("fresh"))
	require.NoError(t, err)

	removed, err := s.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.Stat(ctx, oldID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Stat(ctx, mixedOld)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(filepath.Join(s.cfg.Root, "old-run"))
	assert.True(t, os.IsNotExist(err))

	got, err := s.Get(ctx, mixedNew)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), got)

	ids, err := s.ListForRun(ctx, "mixed-run")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Append(_ context.Context, e audit.Event) (*audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return &e, nil
}

func (r *recorder) ofType(t audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestStore_StatRejectsNonCanonicalIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := s.Store(ctx, "run-1", "s1", KindInput, []byte("x"))
	require.NoError(t, err)

	tests := []struct {
		name string
		id   string
	}{
		{"glob star", "*"},
		{"glob class", "[0-9a-f]*"},
		{"parent escape", "../run-1/" + id},
		{"uppercase", strings.ToUpper(id)},
		{"braced", "{" + id + "}"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Stat(ctx, tt.id)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}

	a, err := s.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "run-1", a.RunID)
}

func TestStore_AuditsStoreAndRemoval(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := &recorder{}
	s := newTestStore(t, WithAudit(rec), WithClock(func() time.Time { return now }))

	id, err := s.Store(ctx, "run-1", "s1", KindOutput, []byte("payload"))
	require.NoError(t, err)
	_, err = s.Store(ctx, "run-2", "s1", KindInput, []byte("other"))
	require.NoError(t, err)

	stored := rec.ofType(audit.ArtifactStored)
	require.Len(t, stored, 2)
	assert.Equal(t, "run-1", stored[0].RunID)
	assert.Equal(t, "s1", stored[0].StepID)
	assert.Equal(t, id, stored[0].Details["artifact_id"])
	assert.Equal(t, audit.Debug, stored[0].Severity)

	now = now.Add(48 * time.Hour)
	removed, err := s.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	cleaned := rec.ofType(audit.ArtifactCleaned)
	require.Len(t, cleaned, 2)
	runs := []string{cleaned[0].RunID, cleaned[1].RunID}
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, runs)
}

func TestStore_DeleteRun(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := newTestStore(t, WithAudit(rec))

	for i := 0; i < 3; i++ {
		_, err := s.Store(ctx, "doomed", "s1", KindOutput, []byte(fmt.Sprintf("out-%d", i)))
		require.NoError(t, err)
	}
	keep, err := s.Store(ctx, "kept", "s1", KindOutput, []byte("keep"))
	require.NoError(t, err)

	n, err := s.DeleteRun(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ids, err := s.ListForRun(ctx, "doomed")
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = s.Get(ctx, keep)
	assert.NoError(t, err)

	cleaned := rec.ofType(audit.ArtifactCleaned)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "doomed", cleaned[0].RunID)
	assert.Equal(t, "run deleted", cleaned[0].Details["reason"])

	n, err = s.DeleteRun(ctx, "never-existed")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.DeleteRun(ctx, "../kept")
	assert.ErrorIs(t, err, ErrInvalid)

	id, err := s.Store(ctx, "doomed", "s1", KindInput, []byte("again"))
	require.NoError(t, err)
	a, err := s.Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Seq)
}
