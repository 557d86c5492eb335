package monitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskrun/internal/approval"
	"github.com/fyrsmithlabs/taskrun/internal/fsutil"
	"github.com/fyrsmithlabs/taskrun/internal/orchestrator"
	"github.com/fyrsmithlabs/taskrun/internal/plan"
)

func manifest(id string, status orchestrator.RunStatus, started time.Time, steps map[string]plan.StepStatus) *orchestrator.Manifest {
	m := &orchestrator.Manifest{RunID: id, PlanID: "p", Status: status, StartedAt: started, StepStates: steps}
	for sid, st := range steps {
		switch st {
		case plan.StepCompleted:
			m.CompletedStepIDs = append(m.CompletedStepIDs, sid)
		case plan.StepSkipped:
			m.SkippedStepIDs = append(m.SkippedStepIDs, sid)
		case plan.StepFailed:
			m.FailedStepIDs = append(m.FailedStepIDs, sid)
		}
	}
	if status.Terminal() {
		end := started.Add(time.Minute)
		m.EndedAt = &end
	}
	return m
}

func TestSummarize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []*orchestrator.Manifest{
		manifest("done", orchestrator.RunSuccess, now.Add(-time.Hour), map[string]plan.StepStatus{
			"a": plan.StepCompleted, "b": plan.StepSkipped,
		}),
		manifest("live", orchestrator.RunRunning, now.Add(-30*time.Second), map[string]plan.StepStatus{
			"a": plan.StepCompleted, "b": plan.StepRunning, "c": plan.StepPending,
		}),
		manifest("broken", orchestrator.RunFailed, now.Add(-2*time.Hour), map[string]plan.StepStatus{
			"a": plan.StepFailed,
		}),
	}
	runs[0].CostEstimate = 1.5
	runs[1].CostEstimate = 0.25

	snap := Summarize(runs, nil, now, 2)

	assert.Equal(t, 1, snap.Active)
	assert.Equal(t, 2, snap.StepsCompleted)
	assert.InDelta(t, 1.75, snap.TotalCost, 1e-9)
	assert.Equal(t, 1, snap.Counts[orchestrator.RunSuccess])
	assert.Equal(t, 1, snap.Counts[orchestrator.RunFailed])

	require.Len(t, snap.Runs, 2, "limited")
	assert.Equal(t, "live", snap.Runs[0].RunID, "active runs first")
	assert.Equal(t, 30*time.Second, snap.Runs[0].Elapsed)
	assert.Equal(t, 1, snap.Runs[0].Settled)
	assert.InDelta(t, 1.0/3, snap.Runs[0].Progress(), 1e-9)
	assert.Equal(t, "done", snap.Runs[1].RunID)
	assert.Equal(t, time.Minute, snap.Runs[1].Elapsed)
	assert.Equal(t, 1.0, snap.Runs[1].Progress())
}

func TestRunRow_ProgressWithoutSteps(t *testing.T) {
	assert.Equal(t, 1.0, RunRow{}.Progress())
}

func TestStoreSource(t *testing.T) {
	root := t.TempDir()
	store, err := orchestrator.NewManifestStore(filepath.Join(root, "runs"))
	require.NoError(t, err)
	require.NoError(t, store.Save(manifest("r1", orchestrator.RunRunning, time.Now(), nil)))

	dir := filepath.Join(root, "approvals")
	require.NoError(t, fsutil.WriteJSONAtomic(filepath.Join(dir, "a.json"), &approval.Request{ID: "a", RunID: "r1", StepID: "s", Decision: approval.Pending}))
	require.NoError(t, fsutil.WriteJSONAtomic(filepath.Join(dir, "b.json"), &approval.Request{ID: "b", RunID: "r1", StepID: "t", Decision: approval.Denied}))

	src := StoreSource{Manifests: store, ApprovalsDir: dir}

	runs, err := src.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].RunID)

	pending, err := src.PendingApprovals()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)
}
