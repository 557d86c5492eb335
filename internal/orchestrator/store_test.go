package orchestrator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskrun/internal/plan"
)

func testManifest(id string, started time.Time) *Manifest {
	p := &plan.Plan{ID: "plan-1", Steps: []*plan.Step{{ID: "a"}, {ID: "b"}}}
	return newManifest(id, p, RunOptions{}, started)
}

func TestManifestStore_RoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "runs")
	s, err := NewManifestStore(root)
	require.NoError(t, err)

	m := testManifest("run-1", time.Now().UTC().Truncate(time.Second))
	m.Status = RunRunning
	m.RetryCounts["a"] = 2
	m.StepStates["a"] = plan.StepCompleted
	m.CompletedStepIDs = []string{"a"}
	require.NoError(t, s.Save(m))
	assert.FileExists(t, filepath.Join(root, "run-1", "manifest.json"))

	got, err := s.Load("run-1")
	require.NoError(t, err)
	assert.Equal(t, m.RunID, got.RunID)
	assert.Equal(t, RunRunning, got.Status)
	assert.Equal(t, 2, got.RetryCounts["a"])
	assert.Equal(t, plan.StepCompleted, got.StepStates["a"])
	assert.Equal(t, plan.StepPending, got.StepStates["b"])
	assert.True(t, m.StartedAt.Equal(got.StartedAt))

	_, err = s.Load("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestManifestStore_RefusesToOverwriteTerminal(t *testing.T) {
	root := t.TempDir()
	s, err := NewManifestStore(root)
	require.NoError(t, err)

	m := testManifest("run-1", time.Now())
	m.Status = RunSuccess
	require.NoError(t, s.Save(m))

	m.Status = RunRunning
	assert.ErrorIs(t, s.Save(m), ErrManifestSealed)

	fresh, err := NewManifestStore(root)
	require.NoError(t, err)
	assert.ErrorIs(t, fresh.Save(m), ErrManifestSealed)

	got, err := fresh.Load("run-1")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, got.Status)
}

func TestManifestStore_ListNewestFirst(t *testing.T) {
	s, err := NewManifestStore(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"old", "new", "mid"} {
		offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
		require.NoError(t, s.Save(testManifest(id, base.Add(offsets[i]))))
	}

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].RunID)
	assert.Equal(t, "mid", list[1].RunID)
	assert.Equal(t, "old", list[2].RunID)
}

func TestManifest_CloneIsDeep(t *testing.T) {
	m := testManifest("run-1", time.Now())
	c := m.Clone()
	c.StepStates["a"] = plan.StepFailed
	c.CompletedStepIDs = append(c.CompletedStepIDs, "a")
	c.RetryCounts["a"] = 9

	assert.Equal(t, plan.StepPending, m.StepStates["a"])
	assert.Empty(t, m.CompletedStepIDs)
	assert.Zero(t, m.RetryCounts["a"])
}

func TestManifestStore_Delete(t *testing.T) {
	root := t.TempDir()
	s, err := NewManifestStore(root)
	require.NoError(t, err)

	m := testManifest("run-1", time.Now())
	m.Status = RunAborted
	require.NoError(t, s.Save(m))

	require.NoError(t, s.Delete("run-1"))
	assert.NoDirExists(t, filepath.Join(root, "run-1"))
	_, err = s.Load("run-1")
	assert.ErrorIs(t, err, ErrRunNotFound)

	// A deleted id is no longer sealed.
	m.Status = RunRunning
	require.NoError(t, s.Save(m))

	for _, id := range []string{"run-1x", "", ".", "..", "../runs", "a/b"} {
		assert.ErrorIs(t, s.Delete(id), ErrRunNotFound, id)
	}
	assert.FileExists(t, filepath.Join(root, "run-1", "manifest.json"))
}
