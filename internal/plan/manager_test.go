package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskrun/internal/audit"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (r *recorder) Append(_ context.Context, e audit.Event) (*audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.events = append(r.events, e)
	return &e, nil
}

var testCatalog = tools.NewCatalog("read_file", "write_file", "bash", "git_push", "delete_file", "restore_file")

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *FileStore, *recorder) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "plans"))
	require.NoError(t, err)
	rec := &recorder{}
	m, err := NewManager(store, testCatalog, append([]ManagerOption{WithAudit(rec)}, opts...)...)
	require.NoError(t, err)
	return m, store, rec
}

func step(id, tool string, deps ...string) ProposedStep {
	return ProposedStep{ID: id, ToolName: tool, Parameters: tools.NewParams(), Dependencies: deps}
}

func TestCreatePlan_AnnotatesRisk(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestManager(t)

	p, err := m.CreatePlan(ctx, "tidy the repo", []ProposedStep{
		step("read", "read_file"),
		step("write", "write_file", "read"),
		step("push", "git_push", "write", "write"),
		step("nuke", "delete_file"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusValidated, p.Status)
	assert.NotEmpty(t, p.ID)

	want := map[string]struct {
		level    risk.Level
		approval bool
	}{
		"read":  {risk.Low, false},
		"write": {risk.Medium, true},
		"push":  {risk.High, true},
		"nuke":  {risk.Critical, true},
	}
	for id, w := range want {
		s := p.Step(id)
		require.NotNil(t, s, id)
		assert.Equal(t, w.level, s.RiskLevel, id)
		assert.Equal(t, w.approval, s.RequiresApproval, id)
		assert.Equal(t, StepPending, s.Status)
		assert.Equal(t, DefaultStepTimeout, s.TimeoutSeconds)
	}
	assert.Equal(t, []string{"write"}, p.Step("push").Dependencies)

	assert.Equal(t, risk.Critical, p.RiskSummary.Highest)
	assert.Equal(t, 3, p.RiskSummary.ApprovalsRequired)
	assert.Equal(t, 1, p.RiskSummary.Counts[risk.Low])
	assert.Equal(t, 4*DefaultStepTimeout, p.EstimatedDurationSeconds)

	_, err = os.Stat(filepath.Join(store.root, p.ID, summaryFile))
	assert.NoError(t, err)

	require.Len(t, rec.events, 1)
	assert.Equal(t, audit.PlanCreated, rec.events[0].Type)
	assert.Equal(t, p.ID, rec.events[0].PlanID)
}

func TestCreatePlan_ValidationErrors(t *testing.T) {
	m, _, rec := newTestManager(t)

	tests := []struct {
		name      string
		objective string
		steps     []ProposedStep
		problem   string
	}{
		{"empty objective", " ", []ProposedStep{step("a", "read_file")}, "objective is empty"},
		{"no steps", "x", nil, "plan has no steps"},
		{"duplicate id", "x", []ProposedStep{step("a", "read_file"), step("a", "bash")}, `duplicate step id "a"`},
		{"empty id", "x", []ProposedStep{step("", "read_file")}, "step 1 has no id"},
		{"unknown tool", "x", []ProposedStep{step("a", "teleport")}, `unknown tool "teleport"`},
		{"unknown dependency", "x", []ProposedStep{step("a", "read_file", "ghost")}, `unknown step "ghost"`},
		{"negative timeout", "x", []ProposedStep{{ID: "a", ToolName: "read_file", TimeoutSeconds: -1}}, "negative timeout"},
		{"bad pattern", "x", []ProposedStep{{ID: "a", ToolName: "read_file", ExpectedOutput: &Expectation{Pattern: "("}}}, "invalid pattern"},
		{"unknown rollback tool", "x", []ProposedStep{{ID: "a", ToolName: "write_file", RollbackAction: &RollbackAction{ToolName: "undo"}}}, `rollback uses unknown tool "undo"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreatePlan(context.Background(), tt.objective, tt.steps)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Error(), tt.problem)
		})
	}
	assert.Empty(t, rec.events)
}

func TestCreatePlan_RejectsCycle(t *testing.T) {
	m, store, _ := newTestManager(t)

	_, err := m.CreatePlan(context.Background(), "loop", []ProposedStep{
		step("a", "read_file", "c"),
		step("b", "read_file", "a"),
		step("c", "read_file", "b"),
	})
	var ce *DependencyCycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "c", "b", "a"}, ce.Cycle)

	plans, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestCreatePlan_ApprovalPolicy(t *testing.T) {
	policy, err := risk.PolicyFromOverrides(map[string]bool{"medium": false})
	require.NoError(t, err)
	m, _, _ := newTestManager(t, WithApprovalPolicy(policy))

	p, err := m.CreatePlan(context.Background(), "edit", []ProposedStep{
		step("write", "write_file"),
		{ID: "read", ToolName: "read_file", RequireApproval: true},
		step("nuke", "delete_file"),
	})
	require.NoError(t, err)
	assert.False(t, p.Step("write").RequiresApproval)
	assert.True(t, p.Step("read").RequiresApproval)
	assert.True(t, p.Step("nuke").RequiresApproval)
}

func TestCreatePlan_DefaultStepTimeout(t *testing.T) {
	m, _, _ := newTestManager(t, WithDefaultStepTimeout(90*time.Second))

	s := step("slow", "read_file")
	s.TimeoutSeconds = 10
	p, err := m.CreatePlan(context.Background(), "read", []ProposedStep{step("read", "read_file"), s})
	require.NoError(t, err)
	assert.Equal(t, 90, p.Step("read").TimeoutSeconds)
	assert.Equal(t, 10, p.Step("slow").TimeoutSeconds)
	assert.Equal(t, 100, p.EstimatedDurationSeconds)
}

func TestCreatePlan_EscalatesDestructiveParams(t *testing.T) {
	m, _, _ := newTestManager(t)
	p, err := m.CreatePlan(context.Background(), "clean", []ProposedStep{{
		ID:         "wipe",
		ToolName:   "bash",
		Parameters: tools.NewParams().With("command", "rm -rf /"),
	}})
	require.NoError(t, err)
	assert.Equal(t, risk.Critical, p.Step("wipe").RiskLevel)
	assert.NotEmpty(t, p.Step("wipe").RiskReasons)
}

func TestPlan_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	created, err := m.CreatePlan(ctx, "round trip", []ProposedStep{
		{
			ID:             "write",
			ToolName:       "write_file",
			Description:    "write the config",
			Parameters:     tools.NewParams().With("path", "cfg.yaml").With("content", "a: 1").With("mode", 420),
			ExpectedOutput: &Expectation{Contains: "ok"},
			RollbackAction: &RollbackAction{ToolName: "restore_file", Parameters: tools.NewParams().With("path", "cfg.yaml")},
			TimeoutSeconds: 30,
		},
		step("read", "read_file", "write"),
	})
	require.NoError(t, err)

	loaded, err := m.GetPlan(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, created.Objective, loaded.Objective)
	assert.True(t, created.CreatedAt.Equal(loaded.CreatedAt))
	assert.Equal(t, created.RiskSummary, loaded.RiskSummary)
	assert.Equal(t, created.Order(), loaded.Order())
	require.Len(t, loaded.Steps, len(created.Steps))
	for i, s := range created.Steps {
		l := loaded.Steps[i]
		assert.Equal(t, s.ID, l.ID)
		assert.Equal(t, s.ToolName, l.ToolName)
		assert.Equal(t, s.RiskLevel, l.RiskLevel)
		assert.Equal(t, s.RequiresApproval, l.RequiresApproval)
		assert.Equal(t, s.Dependencies, l.Dependencies)
		assert.Equal(t, s.TimeoutSeconds, l.TimeoutSeconds)
		assert.Equal(t, s.ExpectedOutput, l.ExpectedOutput)
		assert.True(t, s.Parameters.Equal(l.Parameters), "parameters of %s", s.ID)
		assert.Equal(t, s.Parameters.Keys(), l.Parameters.Keys())
	}
	require.NotNil(t, loaded.Steps[0].RollbackAction)
	assert.Equal(t, "restore_file", loaded.Steps[0].RollbackAction.ToolName)
}

func TestListPlans(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m, _, _ := newTestManager(t, WithClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	}))

	first, err := m.CreatePlan(ctx, "Fix lint errors", []ProposedStep{step("a", "read_file")})
	require.NoError(t, err)
	second, err := m.CreatePlan(ctx, "Update docs", []ProposedStep{step("a", "read_file")})
	require.NoError(t, err)
	third, err := m.CreatePlan(ctx, "fix flaky test", []ProposedStep{step("a", "read_file")})
	require.NoError(t, err)
	_, err = m.ArchivePlan(ctx, second.ID)
	require.NoError(t, err)

	all, err := m.ListPlans(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)

	fixes, err := m.ListPlans(ctx, Filter{Objective: "FIX"})
	require.NoError(t, err)
	require.Len(t, fixes, 2)
	assert.Equal(t, []string{third.ID, first.ID}, []string{fixes[0].ID, fixes[1].ID})

	archived, err := m.ListPlans(ctx, Filter{Status: StatusArchived})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, second.ID, archived[0].ID)

	limited, err := m.ListPlans(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestArchivePlan(t *testing.T) {
	ctx := context.Background()
	m, _, rec := newTestManager(t)

	p, err := m.CreatePlan(ctx, "archive me", []ProposedStep{step("a", "read_file")})
	require.NoError(t, err)

	archived, err := m.ArchivePlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, archived.Status)
	assert.Equal(t, p.Steps[0].Status, archived.Steps[0].Status)

	_, err = m.ArchivePlan(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.ArchivePlan(ctx, "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)

	require.Len(t, rec.events, 2)
	assert.Equal(t, audit.PlanArchived, rec.events[1].Type)
}

func TestRevisePlan(t *testing.T) {
	ctx := context.Background()
	m, _, rec := newTestManager(t)

	orig, err := m.CreatePlan(ctx, "deploy", []ProposedStep{step("a", "read_file")})
	require.NoError(t, err)

	rev, err := m.RevisePlan(ctx, orig.ID, []ProposedStep{step("a", "read_file"), step("b", "write_file", "a")})
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, rev.ID)
	assert.Equal(t, orig.ID, rev.ParentID)
	assert.Equal(t, "deploy", rev.Objective)

	reloaded, err := m.GetPlan(ctx, orig.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.Steps, 1)

	assert.Equal(t, audit.PlanRevised, rec.events[len(rec.events)-1].Type)

	_, err = m.RevisePlan(ctx, "missing", []ProposedStep{step("a", "read_file")})
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestCreatePlan_AuditFailure(t *testing.T) {
	m, _, rec := newTestManager(t)
	rec.err = errors.New("disk full")

	_, err := m.CreatePlan(context.Background(), "x", []ProposedStep{step("a", "read_file")})
	assert.ErrorContains(t, err, "disk full")
}
