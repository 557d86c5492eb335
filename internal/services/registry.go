package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrun/internal/approval"
	"github.com/fyrsmithlabs/taskrun/internal/artifact"
	"github.com/fyrsmithlabs/taskrun/internal/audit"
	"github.com/fyrsmithlabs/taskrun/internal/config"
	"github.com/fyrsmithlabs/taskrun/internal/logging"
	"github.com/fyrsmithlabs/taskrun/internal/orchestrator"
	"github.com/fyrsmithlabs/taskrun/internal/plan"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/secrets"
	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

// Registry provides access to all taskrun components.
// Use accessor methods to retrieve individual components.
type Registry interface {
	Config() *config.Config
	Logger() *logging.Logger
	Scrubber() secrets.Scrubber
	Audit() *audit.Trail
	Artifacts() *artifact.Store
	Approvals() *approval.Gate
	Classifier() *risk.Classifier
	Tools() *tools.Registry
	Plans() *plan.Manager
	Runs() *orchestrator.RunManager

	// Close stops active runs and releases storage handles.
	Close(ctx context.Context) error
}

// Options configures the registry with component instances.
type Options struct {
	Config     *config.Config
	Logger     *logging.Logger
	Scrubber   secrets.Scrubber
	Audit      *audit.Trail
	Artifacts  *artifact.Store
	Approvals  *approval.Gate
	Classifier *risk.Classifier
	Tools      *tools.Registry
	Plans      *plan.Manager
	Runs       *orchestrator.RunManager
}

// registry is the concrete implementation of Registry.
type registry struct {
	cfg        *config.Config
	logger     *logging.Logger
	scrubber   secrets.Scrubber
	audit      *audit.Trail
	artifacts  *artifact.Store
	approvals  *approval.Gate
	classifier *risk.Classifier
	tools      *tools.Registry
	plans      *plan.Manager
	runs       *orchestrator.RunManager
}

// NewRegistry creates a new registry from existing instances.
func NewRegistry(opts Options) Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &registry{
		cfg:        opts.Config,
		logger:     logger,
		scrubber:   opts.Scrubber,
		audit:      opts.Audit,
		artifacts:  opts.Artifacts,
		approvals:  opts.Approvals,
		classifier: opts.Classifier,
		tools:      opts.Tools,
		plans:      opts.Plans,
		runs:       opts.Runs,
	}
}

func (r *registry) Config() *config.Config         { return r.cfg }
func (r *registry) Logger() *logging.Logger        { return r.logger }
func (r *registry) Scrubber() secrets.Scrubber     { return r.scrubber }
func (r *registry) Audit() *audit.Trail            { return r.audit }
func (r *registry) Artifacts() *artifact.Store     { return r.artifacts }
func (r *registry) Approvals() *approval.Gate      { return r.approvals }
func (r *registry) Classifier() *risk.Classifier   { return r.classifier }
func (r *registry) Tools() *tools.Registry         { return r.tools }
func (r *registry) Plans() *plan.Manager           { return r.plans }
func (r *registry) Runs() *orchestrator.RunManager { return r.runs }

func (r *registry) Close(ctx context.Context) error {
	var errs []error
	if r.runs != nil {
		if err := r.runs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down runs: %w", err))
		}
	}
	if r.approvals != nil {
		r.approvals.Close()
	}
	if r.audit != nil {
		if err := r.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing audit trail: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Build creates every component from cfg. Tools registered on the
// returned registry's Tools() become invocable by runs; names listed in
// cfg.Tools.Catalog are accepted by plan validation even without one.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (Registry, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	root, err := cfg.StorageRoot()
	if err != nil {
		return nil, err
	}

	scrubCfg := secrets.DefaultConfig()
	if cfg.Audit.DisableScrub {
		scrubCfg.Enabled = false
	}
	scrubber, err := secrets.New(scrubCfg)
	if err != nil {
		return nil, fmt.Errorf("creating scrubber: %w", err)
	}

	trail, err := audit.Open(ctx, filepath.Join(root, "audit.db"),
		audit.WithScrubber(scrubber),
		audit.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	reg := &registry{cfg: cfg, logger: logger, scrubber: scrubber, audit: trail}

	fail := func(err error) (Registry, error) {
		if cerr := reg.Close(ctx); cerr != nil {
			logger.Warn(ctx, "closing partially built services", zap.Error(cerr))
		}
		return nil, err
	}

	reg.artifacts, err = artifact.New(artifact.Config{
		Root:                 filepath.Join(root, "artifacts"),
		CompressionThreshold: cfg.Artifacts.CompressionThreshold,
	}, artifact.WithLogger(logger), artifact.WithAudit(trail))
	if err != nil {
		return fail(err)
	}

	reg.approvals, err = approval.NewGate(
		approval.WithDir(approvalsDir(root)),
		approval.WithTimeout(time.Duration(cfg.Approval.Timeout)),
		approval.WithAudit(trail),
		approval.WithRules(approvalRules(cfg.Approval)...),
		approval.WithLogger(logger))
	if err != nil {
		return fail(err)
	}

	reg.classifier, err = risk.NewClassifier(risk.WithCategories(cfg.Tools.Categories))
	if err != nil {
		return fail(fmt.Errorf("creating risk classifier: %w", err))
	}
	policy, err := risk.PolicyFromOverrides(cfg.Approval.RequireFor)
	if err != nil {
		return fail(fmt.Errorf("approval policy: %w", err))
	}

	reg.tools = tools.NewRegistry(tools.WithRateLimit(cfg.Tools.RateLimit, cfg.Tools.Burst))
	catalog := catalogs{tools.NewCatalog(cfg.Tools.Catalog...), reg.tools}

	planStore, err := plan.NewFileStore(filepath.Join(root, "plans"))
	if err != nil {
		return fail(err)
	}
	reg.plans, err = plan.NewManager(planStore, catalog,
		plan.WithClassifier(reg.classifier),
		plan.WithApprovalPolicy(policy),
		plan.WithDefaultStepTimeout(time.Duration(cfg.Runs.StepTimeout)),
		plan.WithAudit(trail),
		plan.WithLogger(logger))
	if err != nil {
		return fail(err)
	}

	manifests, err := orchestrator.NewManifestStore(runsDir(root))
	if err != nil {
		return fail(err)
	}
	reg.runs, err = orchestrator.NewManager(orchestrator.Dependencies{
		Plans:     reg.plans,
		Invoker:   reg.tools,
		Approvals: reg.approvals,
		Artifacts: reg.artifacts,
		Audit:     trail,
		Manifests: manifests,
	}, orchestrator.Config{
		MaxConcurrentRuns:  cfg.Runs.MaxConcurrent,
		Retry:              orchestrator.RetryPolicyFromConfig(cfg.Retry),
		ApprovalTimeout:    time.Duration(cfg.Approval.Timeout),
		AutoApproveCeiling: risk.Level(cfg.Approval.AutoApproveCeiling),
	}, orchestrator.WithLogger(logger))
	if err != nil {
		return fail(err)
	}

	logger.Debug(ctx, "services ready", zap.String("storage_root", root))
	return reg, nil
}

// catalogs accepts a tool name known to any of its members.
type catalogs []tools.Catalog

func (c catalogs) Has(name string) bool {
	for _, cat := range c {
		if cat.Has(name) {
			return true
		}
	}
	return false
}

func approvalsDir(root string) string { return filepath.Join(root, "approvals") }

func runsDir(root string) string { return filepath.Join(root, "runs") }

// approvalRules returns the built-in rules followed by the configured ones.
func approvalRules(cfg config.ApprovalConfig) []approval.Rule {
	var rules []approval.Rule
	if !cfg.DisableDefaultRules {
		rules = approval.DefaultRules()
	}
	for _, r := range cfg.Rules {
		levels := make([]risk.Level, 0, len(r.RiskLevels))
		for _, l := range r.RiskLevels {
			levels = append(levels, risk.Level(l))
		}
		rules = append(rules, approval.Rule{
			ID:         r.ID,
			Tools:      r.Tools,
			RiskLevels: levels,
			Operations: r.Operations,
			Action:     approval.RuleAction(r.Action),
			Priority:   r.Priority,
			Disabled:   r.Disabled,
		})
	}
	return rules
}

// ApprovalsDir returns the directory holding approval requests and the
// decision inbox for cfg. Tools outside the engine process use it to list
// requests and submit decisions.
func ApprovalsDir(cfg *config.Config) (string, error) {
	root, err := cfg.StorageRoot()
	if err != nil {
		return "", err
	}
	return approvalsDir(root), nil
}

// RunsDir returns the directory holding run manifests for cfg.
func RunsDir(cfg *config.Config) (string, error) {
	root, err := cfg.StorageRoot()
	if err != nil {
		return "", err
	}
	return runsDir(root), nil
}
