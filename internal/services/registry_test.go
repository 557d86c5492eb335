package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskrun/internal/approval"
	"github.com/fyrsmithlabs/taskrun/internal/config"
	"github.com/fyrsmithlabs/taskrun/internal/orchestrator"
	"github.com/fyrsmithlabs/taskrun/internal/plan"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/secrets"
	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

func TestNewRegistry(t *testing.T) {
	var _ Registry = (*registry)(nil)
}

func TestRegistryAccessors(t *testing.T) {
	reg := NewRegistry(Options{})

	assert.Nil(t, reg.Config())
	assert.NotNil(t, reg.Logger(), "logger defaults to a no-op logger")
	assert.Nil(t, reg.Audit())
	assert.Nil(t, reg.Artifacts())
	assert.Nil(t, reg.Approvals())
	assert.Nil(t, reg.Plans())
	assert.Nil(t, reg.Runs())
	assert.NoError(t, reg.Close(context.Background()))
}

func TestRegistryWithServices(t *testing.T) {
	cfg := config.Default()
	scrubber := secrets.NoopScrubber{}
	registry := tools.NewRegistry()

	reg := NewRegistry(Options{Config: cfg, Scrubber: scrubber, Tools: registry})

	assert.Same(t, cfg, reg.Config())
	assert.Equal(t, scrubber, reg.Scrubber())
	assert.Same(t, registry, reg.Tools())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Tools.Catalog = []string{"write_file"}
	cfg.Retry.InitialBackoff = config.Duration(time.Millisecond)
	cfg.Retry.MaxBackoff = config.Duration(5 * time.Millisecond)
	return cfg
}

func TestBuild_LaysOutStorage(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	reg, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, reg.Close(ctx)) }()

	root := cfg.Storage.Root
	for _, p := range []string{"audit.db", "plans", "runs", "artifacts", "approvals"} {
		_, err := os.Stat(filepath.Join(root, p))
		assert.NoError(t, err, p)
	}
}

func TestBuild_RunsRegisteredTool(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	reg, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, reg.Close(ctx)) }()

	require.NoError(t, reg.Tools().Register(tools.NewFunc("read_file",
		func(_ context.Context, params *tools.Params) (*tools.Result, error) {
			path, _ := params.GetString("path")
			return &tools.Result{Success: true, Output: "contents of " + path}, nil
		})))

	p, err := reg.Plans().CreatePlan(ctx, "read the readme", []plan.ProposedStep{
		{ID: "read", ToolName: "read_file", Parameters: tools.NewParams().With("path", "README.md")},
	})
	require.NoError(t, err)
	assert.False(t, p.Step("read").RequiresApproval)

	m, err := reg.Runs().Start(ctx, p.ID, orchestrator.RunOptions{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := reg.Runs().Wait(waitCtx, m.RunID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunSuccess, final.Status)
	assert.Equal(t, []string{"read"}, final.CompletedStepIDs)
	assert.Len(t, final.ArtifactIDs, 2)
}

func TestBuild_CatalogAcceptsConfiguredNames(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	reg, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, reg.Close(ctx)) }()

	_, err = reg.Plans().CreatePlan(ctx, "write", []plan.ProposedStep{
		{ID: "w", ToolName: "write_file"},
	})
	require.NoError(t, err)

	_, err = reg.Plans().CreatePlan(ctx, "unknown", []plan.ProposedStep{
		{ID: "u", ToolName: "launch_rocket"},
	})
	var verr *plan.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBuild_RejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.Categories = map[string]string{"read_file": "sideways"}

	_, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestStorageDirs(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Root = "/var/lib/taskrun"

	dir, err := ApprovalsDir(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/taskrun/approvals", dir)

	dir, err = RunsDir(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/taskrun/runs", dir)
}

func TestApprovalRules(t *testing.T) {
	custom := config.ApprovalRule{
		ID:         "deny-prod",
		Tools:      []string{"^deploy$"},
		RiskLevels: []string{"high"},
		Action:     "deny",
		Priority:   2,
	}

	rules := approvalRules(config.ApprovalConfig{Rules: []config.ApprovalRule{custom}})
	require.Len(t, rules, len(approval.DefaultRules())+1)
	last := rules[len(rules)-1]
	assert.Equal(t, "deny-prod", last.ID)
	assert.Equal(t, approval.RuleDeny, last.Action)
	assert.Equal(t, []risk.Level{risk.High}, last.RiskLevels)

	rules = approvalRules(config.ApprovalConfig{DisableDefaultRules: true, Rules: []config.ApprovalRule{custom}})
	require.Len(t, rules, 1)
	assert.Equal(t, "deny-prod", rules[0].ID)
}
