package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskrun/internal/approval"
	"github.com/fyrsmithlabs/taskrun/internal/artifact"
	"github.com/fyrsmithlabs/taskrun/internal/audit"
	"github.com/fyrsmithlabs/taskrun/internal/plan"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

// MockInvoker is a mock implementation of tools.Invoker
type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) Invoke(ctx context.Context, inv tools.Invocation) (*tools.Result, error) {
	args := m.Called(ctx, inv)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tools.Result), args.Error(1)
}

func (m *MockInvoker) Cancel(invocationID string) bool {
	args := m.Called(invocationID)
	return args.Bool(0)
}

func forTool(name string) any {
	return mock.MatchedBy(func(inv tools.Invocation) bool { return inv.Tool == name })
}

func forStep(id string) any {
	return mock.MatchedBy(func(inv tools.Invocation) bool {
		path, _ := inv.Params.GetString("path")
		return path == id
	})
}

func ok(output string) *tools.Result {
	return &tools.Result{Success: true, Output: output, Cost: 0.5}
}

func failed(msg string) *tools.Result {
	return &tools.Result{Success: false, Error: msg}
}

type failingArtifacts struct{}

func (failingArtifacts) Store(context.Context, string, string, artifact.Kind, []byte) (string, error) {
	return "", &artifact.StoreError{Op: "store", Err: errors.New("disk full")}
}

func (failingArtifacts) DeleteRun(context.Context, string) (int, error) { return 0, nil }

// flakyManifests fails the saves its fail func selects. fail runs under mu.
type flakyManifests struct {
	ManifestRepository

	mu   sync.Mutex
	fail func(*Manifest) bool
}

func (f *flakyManifests) Save(m *Manifest) error {
	f.mu.Lock()
	failed := f.fail != nil && f.fail(m)
	f.mu.Unlock()
	if failed {
		return errors.New("disk full")
	}
	return f.ManifestRepository.Save(m)
}

func (f *flakyManifests) failWhen(fn func(*Manifest) bool) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func withFlakyManifests(f **flakyManifests) func(*Dependencies) {
	return func(d *Dependencies) {
		*f = &flakyManifests{ManifestRepository: d.Manifests}
		d.Manifests = *f
	}
}

type harness struct {
	mgr       *RunManager
	plans     *plan.Manager
	gate      *approval.Gate
	artifacts *artifact.Store
	trail     *audit.Trail
	manifests *ManifestStore
	invoker   *MockInvoker
}

func newHarness(t *testing.T, cfg Config, tweak ...func(*Dependencies)) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	trail, err := audit.Open(ctx, filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trail.Close() })

	planStore, err := plan.NewFileStore(filepath.Join(dir, "plans"))
	require.NoError(t, err)
	plans, err := plan.NewManager(planStore,
		tools.NewCatalog("read_file", "write_file", "git_push", "delete_file", "restore_file"),
		plan.WithAudit(trail))
	require.NoError(t, err)

	gate, err := approval.NewGate(approval.WithDir(filepath.Join(dir, "approvals")), approval.WithAudit(trail))
	require.NoError(t, err)
	t.Cleanup(gate.Close)

	arts, err := artifact.New(artifact.Config{Root: filepath.Join(dir, "artifacts")})
	require.NoError(t, err)

	manifests, err := NewManifestStore(filepath.Join(dir, "runs"))
	require.NoError(t, err)

	invoker := &MockInvoker{}
	invoker.On("Cancel", mock.Anything).Return(true).Maybe()

	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
	}
	deps := Dependencies{
		Plans:     plans,
		Invoker:   invoker,
		Approvals: gate,
		Artifacts: arts,
		Audit:     trail,
		Manifests: manifests,
	}
	for _, fn := range tweak {
		fn(&deps)
	}
	mgr, err := NewManager(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return &harness{
		mgr:       mgr,
		plans:     plans,
		gate:      gate,
		artifacts: arts,
		trail:     trail,
		manifests: manifests,
		invoker:   invoker,
	}
}

func step(id, tool string, deps ...string) plan.ProposedStep {
	return plan.ProposedStep{
		ID:           id,
		ToolName:     tool,
		Description:  "step " + id,
		Parameters:   tools.NewParams().With("path", id),
		Dependencies: deps,
	}
}

func (h *harness) plan(t *testing.T, steps ...plan.ProposedStep) *plan.Plan {
	t.Helper()
	p, err := h.plans.CreatePlan(context.Background(), "test objective", steps)
	require.NoError(t, err)
	return p
}

func (h *harness) start(t *testing.T, p *plan.Plan, opts RunOptions) *Manifest {
	t.Helper()
	m, err := h.mgr.Start(context.Background(), p.ID, opts)
	require.NoError(t, err)
	return m
}

func (h *harness) wait(t *testing.T, runID string) *Manifest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := h.mgr.Wait(ctx, runID)
	require.NoError(t, err)
	return m
}

// awaitApproval polls until runID is paused on an approval request for
// stepID and returns the request id.
func (h *harness) awaitApproval(t *testing.T, runID, stepID string) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		m, err := h.mgr.Status(runID)
		if err != nil {
			return false
		}
		id = m.PendingApprovalID
		return m.Status == RunPaused && id != "" && m.StepStates[stepID] == plan.StepRequiresApproval
	}, 5*time.Second, 5*time.Millisecond)
	return id
}

func (h *harness) events(t *testing.T, runID string, types ...audit.EventType) []audit.Event {
	t.Helper()
	evs, err := h.trail.Query(context.Background(), audit.Filter{RunID: runID, Types: types})
	require.NoError(t, err)
	return evs
}

func TestRun_ApprovalDenied(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Return(ok("contents"), nil).Once()

	p := h.plan(t,
		step("A", "read_file"),
		step("B", "git_push", "A"),
		step("C", "read_file", "B"),
	)
	run := h.start(t, p, RunOptions{})
	assert.Equal(t, RunRunning, run.Status)

	reqID := h.awaitApproval(t, run.RunID, "B")
	m, err := h.mgr.Status(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, PauseAwaitingApproval, m.PauseReason)
	assert.Equal(t, []string{"A"}, m.CompletedStepIDs)
	assert.Equal(t, plan.StepRequiresApproval, m.StepStates["B"])
	assert.Equal(t, plan.StepPending, m.StepStates["C"])

	ids, err := h.artifacts.ListForRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	err = h.mgr.Resume(context.Background(), run.RunID)
	assert.ErrorIs(t, err, ErrApprovalPending)

	_, err = h.gate.Resolve(context.Background(), reqID, approval.Denied, "alice", "not today")
	require.NoError(t, err)

	final := h.wait(t, run.RunID)
	assert.Equal(t, RunFailed, final.Status)
	assert.Equal(t, []string{"B"}, final.FailedStepIDs)
	assert.Equal(t, KindApprovalDenied, final.StepErrors["B"].Kind)
	assert.Equal(t, plan.StepPending, final.StepStates["C"])
	assert.Empty(t, final.PendingApprovalID)
	assert.Zero(t, final.RetryCounts["B"])
	require.NotNil(t, final.EndedAt)

	for _, id := range ids {
		_, err := h.artifacts.Get(context.Background(), id)
		assert.NoError(t, err)
	}
	h.invoker.AssertNumberOfCalls(t, "Invoke", 1)

	for _, e := range h.events(t, run.RunID, audit.StepStarted) {
		assert.NotEqual(t, "B", e.StepID, "denied step must never start")
	}
	assert.Len(t, h.events(t, run.RunID, audit.ApprovalResolved), 1)
	assert.Len(t, h.events(t, run.RunID, audit.RunFailed), 1)
}

func TestRun_ApprovalGranted(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.On("Invoke", mock.Anything, forTool("git_push")).Return(ok("pushed"), nil).Once()

	p := h.plan(t, step("push", "git_push"))
	run := h.start(t, p, RunOptions{})

	reqID := h.awaitApproval(t, run.RunID, "push")
	h.invoker.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)

	_, err := h.gate.Resolve(context.Background(), reqID, approval.Approved, "alice", "")
	require.NoError(t, err)

	final := h.wait(t, run.RunID)
	assert.Equal(t, RunSuccess, final.Status)
	assert.Equal(t, []string{"push"}, final.CompletedStepIDs)
	assert.Equal(t, "push", final.CurrentStepID)
	assert.InDelta(t, 0.5, final.CostEstimate, 1e-9)

	requested := h.events(t, run.RunID, audit.ApprovalRequested)
	started := h.events(t, run.RunID, audit.StepStarted)
	require.Len(t, requested, 1)
	require.Len(t, started, 1)
	assert.Less(t, requested[0].Seq, started[0].Seq)
}

func TestRun_RetriesTransientFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Return(failed("flaky"), nil).Twice()
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Return(ok("contents"), nil).Once()

	p := h.plan(t, step("A", "read_file"))
	run := h.start(t, p, RunOptions{})

	final := h.wait(t, run.RunID)
	assert.Equal(t, RunSuccess, final.Status)
	assert.Equal(t, 2, final.RetryCounts["A"])
	assert.Equal(t, []string{"A"}, final.CompletedStepIDs)
	assert.Empty(t, final.StepErrors)
	assert.Len(t, final.ArtifactIDs, 6)
	assert.Len(t, h.events(t, run.RunID, audit.StepRetried), 2)
	h.invoker.AssertNumberOfCalls(t, "Invoke", 3)
}

func TestRun_CriticalNeedsApprovalDespiteCeiling(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.On("Invoke", mock.Anything, forTool("git_push")).Return(ok("pushed"), nil).Once()
	h.invoker.On("Invoke", mock.Anything, forTool("delete_file")).Return(ok("deleted"), nil).Once()

	p := h.plan(t,
		step("push", "git_push"),
		step("nuke", "delete_file", "push"),
	)
	require.Equal(t, risk.Critical, p.Step("nuke").RiskLevel)

	run := h.start(t, p, RunOptions{AutoApproveCeiling: risk.Critical})
	reqID := h.awaitApproval(t, run.RunID, "nuke")

	req, err := h.gate.Get(reqID)
	require.NoError(t, err)
	assert.Equal(t, "nuke", req.StepID)
	assert.Equal(t, approval.Pending, req.Decision)

	m, err := h.mgr.Status(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"push"}, m.CompletedStepIDs)

	_, err = h.gate.Resolve(context.Background(), reqID, approval.Approved, "alice", "reviewed")
	require.NoError(t, err)

	final := h.wait(t, run.RunID)
	assert.Equal(t, RunSuccess, final.Status)

	resolved := h.events(t, run.RunID, audit.ApprovalResolved)
	require.Len(t, resolved, 2)
	assert.Equal(t, approval.ActorPolicy, resolved[0].Actor)
	assert.Equal(t, "alice", resolved[1].Actor)
}

func TestRun_ApprovalTimeout(t *testing.T) {
	h := newHarness(t, Config{ApprovalTimeout: 50 * time.Millisecond})

	p := h.plan(t, step("push", "git_push"))
	run := h.start(t, p, RunOptions{})

	final := h.wait(t, run.RunID)
	assert.Equal(t, RunFailed, final.Status)
	assert.Equal(t, KindTimeout, final.StepErrors["push"].Kind)
	assert.Equal(t, plan.StepFailed, final.StepStates["push"])
	assert.Empty(t, h.gate.ListPending(run.RunID))
	h.invoker.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestRun_StopLetsInFlightStepFinish(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	h.invoker.On("Invoke", mock.Anything, forStep("A")).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(ok("done"), nil).Once()

	p := h.plan(t,
		step("A", "read_file"),
		step("B", "read_file", "A"),
	)
	run := h.start(t, p, RunOptions{})
	<-started

	require.NoError(t, h.mgr.Stop(run.RunID, false))
	close(release)

	final := h.wait(t, run.RunID)
	assert.Equal(t, RunAborted, final.Status)
	assert.Equal(t, []string{"A"}, final.CompletedStepIDs)
	assert.Equal(t, plan.StepPending, final.StepStates["B"])
	for id, st := range final.StepStates {
		assert.NotEqual(t, plan.StepRunning, st, "step %s left running", id)
	}

	ids, err := h.artifacts.ListForRun(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, id := range ids {
		_, err := h.artifacts.Get(context.Background(), id)
		assert.NoError(t, err)
	}
	h.invoker.AssertNumberOfCalls(t, "Invoke", 1)
	assert.ErrorIs(t, h.mgr.Stop(run.RunID, false), ErrInvalidTransition)
}

func TestRun_ForcedStopCancelsInvocation(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Run(func(args mock.Arguments) {
		close(started)
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled).Once()

	p := h.plan(t, step("A", "read_file"), step("B", "read_file", "A"))
	run := h.start(t, p, RunOptions{})
	<-started

	require.NoError(t, h.mgr.Stop(run.RunID, true))

	m, err := h.mgr.Status(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunAborted, m.Status)
	assert.Equal(t, plan.StepSkipped, m.StepStates["A"])
	assert.Equal(t, []string{"A"}, m.SkippedStepIDs)

	final := h.wait(t, run.RunID)
	assert.Equal(t, RunAborted, final.Status)
	assert.Empty(t, final.FailedStepIDs)
	h.invoker.AssertCalled(t, "Cancel", mock.Anything)

	stored, err := h.manifests.Load(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunAborted, stored.Status)
}

func TestRun_StopWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, Config{})
	p := h.plan(t, step("push", "git_push"))
	run := h.start(t, p, RunOptions{})
	reqID := h.awaitApproval(t, run.RunID, "push")

	require.NoError(t, h.mgr.Stop(run.RunID, false))

	final := h.wait(t, run.RunID)
	assert.Equal(t, RunAborted, final.Status)
	assert.Equal(t, plan.StepSkipped, final.StepStates["push"])
	assert.Empty(t, final.PendingApprovalID)

	req, err := h.gate.Get(reqID)
	require.NoError(t, err)
	assert.Equal(t, approval.Cancelled, req.Decision)
}

func TestRun_DependencyOrder(t *testing.T) {
	h := newHarness(t, Config{})
	var mu sync.Mutex
	var order []string
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Run(func(args mock.Arguments) {
		path, _ := args.Get(1).(tools.Invocation).Params.GetString("path")
		mu.Lock()
		order = append(order, path)
		mu.Unlock()
	}).Return(ok(""), nil)

	p := h.plan(t,
		step("c", "read_file", "b", "a"),
		step("x", "read_file"),
		step("b", "read_file", "a"),
		step("a", "read_file"),
	)
	run := h.start(t, p, RunOptions{})
	final := h.wait(t, run.RunID)
	require.Equal(t, RunSuccess, final.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"x", "a", "b", "c"}, order)
	assert.Equal(t, []string{"x", "a", "b", "c"}, final.CompletedStepIDs)
	assert.Equal(t, "c", final.CurrentStepID)
}

func TestRun_PauseAndResume(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	h.invoker.On("Invoke", mock.Anything, forStep("A")).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(ok(""), nil).Once()
	h.invoker.On("Invoke", mock.Anything, forStep("B")).Return(ok(""), nil).Once()

	p := h.plan(t, step("A", "read_file"), step("B", "read_file", "A"))
	run := h.start(t, p, RunOptions{})
	<-started

	require.NoError(t, h.mgr.Pause(run.RunID))
	close(release)

	paused := h.wait(t, run.RunID)
	assert.Equal(t, RunPaused, paused.Status)
	assert.Equal(t, PauseOperator, paused.PauseReason)
	assert.Equal(t, plan.StepPending, paused.StepStates["B"])
	require.NoError(t, h.mgr.Pause(run.RunID))

	require.NoError(t, h.mgr.Resume(context.Background(), run.RunID))
	final := h.wait(t, run.RunID)
	assert.Equal(t, RunSuccess, final.Status)
	assert.Empty(t, final.PauseReason)
	assert.Len(t, h.events(t, run.RunID, audit.RunResumed), 1)

	assert.ErrorIs(t, h.mgr.Resume(context.Background(), run.RunID), ErrInvalidTransition)
	assert.ErrorIs(t, h.mgr.Pause(run.RunID), ErrInvalidTransition)
}

func TestRun_FailureWithoutRollbackPauses(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Return(ok("nope"), nil).Times(3)
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Return(ok("all done"), nil).Once()

	s := step("A", "read_file")
	s.ExpectedOutput = &plan.Expectation{Contains: "done"}
	p := h.plan(t, s)
	run := h.start(t, p, RunOptions{})

	paused := h.wait(t, run.RunID)
	assert.Equal(t, RunPaused, paused.Status)
	assert.Equal(t, PauseStepFailed, paused.PauseReason)
	assert.Equal(t, []string{"A"}, paused.FailedStepIDs)
	assert.Equal(t, KindExpectationMismatch, paused.StepErrors["A"].Kind)
	assert.Equal(t, 2, paused.RetryCounts["A"])

	require.NoError(t, h.mgr.Resume(context.Background(), run.RunID))
	final := h.wait(t, run.RunID)
	assert.Equal(t, RunSuccess, final.Status)
	assert.Empty(t, final.FailedStepIDs)
	assert.Equal(t, 2, final.RetryCounts["A"])
}

func TestRun_RollbackFailureBecomesWarning(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.On("Invoke", mock.Anything, forTool("write_file")).Return(nil, errors.New("permission denied")).Times(3)
	h.invoker.On("Invoke", mock.Anything, forTool("restore_file")).Return(failed("backup missing"), nil).Once()
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Return(ok(""), nil).Once()

	w := step("write", "write_file")
	w.RollbackAction = &plan.RollbackAction{ToolName: "restore_file", Parameters: tools.NewParams().With("path", "write")}
	p := h.plan(t, w, step("read", "read_file"))

	run := h.start(t, p, RunOptions{AutoApproveCeiling: risk.Medium})
	final := h.wait(t, run.RunID)

	assert.Equal(t, RunFailed, final.Status)
	assert.Equal(t, []string{"write"}, final.FailedStepIDs)
	assert.Equal(t, []string{"read"}, final.CompletedStepIDs)
	assert.Equal(t, KindToolExecution, final.StepErrors["write"].Kind)
	require.Len(t, final.Warnings, 1)
	assert.Contains(t, final.Warnings[0], "backup missing")
	assert.Len(t, h.events(t, run.RunID, audit.RollbackFailed), 1)
}

func TestRun_StepTimeoutIsRetried(t *testing.T) {
	h := newHarness(t, Config{})
	withDeadline := mock.MatchedBy(func(inv tools.Invocation) bool {
		return inv.Tool == "read_file" && inv.Timeout == 7*time.Second && inv.ID != ""
	})
	h.invoker.On("Invoke", mock.Anything, withDeadline).Return(nil, context.DeadlineExceeded).Once()
	h.invoker.On("Invoke", mock.Anything, withDeadline).Return(ok(""), nil).Once()

	s := step("A", "read_file")
	s.TimeoutSeconds = 7
	p := h.plan(t, s)

	final := h.wait(t, h.start(t, p, RunOptions{}).RunID)
	assert.Equal(t, RunSuccess, final.Status)
	assert.Equal(t, 1, final.RetryCounts["A"])
	h.invoker.AssertNumberOfCalls(t, "Invoke", 2)
}

func TestRun_ArtifactFailurePausesRun(t *testing.T) {
	h := newHarness(t, Config{}, func(d *Dependencies) { d.Artifacts = failingArtifacts{} })

	p := h.plan(t, step("A", "read_file"))
	final := h.wait(t, h.start(t, p, RunOptions{}).RunID)

	assert.Equal(t, RunPaused, final.Status)
	assert.Equal(t, PausePersistenceFailure, final.PauseReason)
	assert.Equal(t, KindArtifactStore, final.StepErrors["A"].Kind)
	h.invoker.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t, Config{})
	p := h.plan(t, step("A", "read_file"), step("B", "git_push", "A"))

	final := h.wait(t, h.start(t, p, RunOptions{DryRun: true}).RunID)
	assert.Equal(t, RunSuccess, final.Status)
	assert.Equal(t, []string{"A", "B"}, final.SkippedStepIDs)
	assert.Empty(t, final.CompletedStepIDs)
	assert.Empty(t, h.gate.ListPending(""))
	h.invoker.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestRun_StepSubset(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.On("Invoke", mock.Anything, forStep("A")).Return(ok(""), nil).Once()
	p := h.plan(t, step("A", "read_file"), step("B", "read_file", "A"), step("C", "read_file"))

	final := h.wait(t, h.start(t, p, RunOptions{StepIDs: []string{"A"}}).RunID)
	assert.Equal(t, RunSuccess, final.Status)
	assert.Equal(t, []string{"A"}, final.CompletedStepIDs)
	assert.ElementsMatch(t, []string{"B", "C"}, final.SkippedStepIDs)

	_, err := h.mgr.Start(context.Background(), p.ID, RunOptions{StepIDs: []string{"B"}})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = h.mgr.Start(context.Background(), p.ID, RunOptions{StepIDs: []string{"nope"}})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = h.mgr.Start(context.Background(), p.ID, RunOptions{AutoApproveCeiling: "extreme"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestStart_Rejections(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentRuns: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(ok(""), nil).Once()
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Return(ok(""), nil)

	p := h.plan(t, step("A", "read_file"))
	first := h.start(t, p, RunOptions{})
	<-started

	_, err := h.mgr.Start(context.Background(), p.ID, RunOptions{})
	assert.ErrorIs(t, err, ErrTooManyRuns)

	close(release)
	h.wait(t, first.RunID)
	second := h.start(t, p, RunOptions{})
	assert.Equal(t, RunSuccess, h.wait(t, second.RunID).Status)

	_, err = h.plans.ArchivePlan(context.Background(), p.ID)
	require.NoError(t, err)
	_, err = h.mgr.Start(context.Background(), p.ID, RunOptions{})
	assert.ErrorIs(t, err, ErrPlanNotRunnable)

	_, err = h.mgr.Start(context.Background(), "missing", RunOptions{})
	assert.ErrorIs(t, err, plan.ErrPlanNotFound)

	_, err = h.mgr.Status("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, h.mgr.Stop("missing", false), ErrRunNotFound)
}

func TestRun_EventsAndListing(t *testing.T) {
	h := newHarness(t, Config{})
	h.invoker.On("Invoke", mock.Anything, forTool("read_file")).Return(ok(""), nil)

	var mu sync.Mutex
	var seen []EventType
	h.mgr.OnEvent(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	})

	p := h.plan(t, step("A", "read_file"))
	run := h.start(t, p, RunOptions{})
	h.wait(t, run.RunID)

	mu.Lock()
	assert.Equal(t, []EventType{EventRunStarted, EventStepStarted, EventStepCompleted, EventRunCompleted}, seen)
	mu.Unlock()

	runs, err := h.mgr.ListRuns(RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunID, runs[0].RunID)
	assert.Equal(t, RunSuccess, runs[0].Status)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, Config{})
	p := h.plan(t, step("push", "git_push"))
	run := h.start(t, p, RunOptions{})
	h.awaitApproval(t, run.RunID, "push")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Shutdown(ctx))

	m, err := h.mgr.Status(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunAborted, m.Status)

	_, err = h.mgr.Start(context.Background(), p.ID, RunOptions{})
	assert.ErrorIs(t, err, ErrShutdown)
}
