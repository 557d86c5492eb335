package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrun/internal/audit"
	"github.com/fyrsmithlabs/taskrun/internal/logging"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

const instrumentationName = "github.com/fyrsmithlabs/taskrun/internal/plan"

// Manager builds, validates and persists plans. It never invokes a tool.
type Manager struct {
	store      Store
	catalog    tools.Catalog
	classifier *risk.Classifier
	policy     risk.ApprovalPolicy
	audit      audit.Recorder
	timeout    int
	logger     *logging.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClassifier replaces the default risk classifier.
func WithClassifier(c *risk.Classifier) ManagerOption {
	return func(m *Manager) { m.classifier = c }
}

// WithApprovalPolicy replaces the default approval policy.
func WithApprovalPolicy(p risk.ApprovalPolicy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithDefaultStepTimeout sets the timeout of steps that do not declare one.
// It is rounded down to whole seconds.
func WithDefaultStepTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = int(d / time.Second) }
}

// WithAudit records plan lifecycle events.
func WithAudit(r audit.Recorder) ManagerOption {
	return func(m *Manager) { m.audit = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager validating tool names against catalog.
func NewManager(store Store, catalog tools.Catalog, opts ...ManagerOption) (*Manager, error) {
	if store == nil || catalog == nil {
		return nil, errors.New("plan manager needs a store and a tool catalog")
	}
	m := &Manager{
		store:   store,
		catalog: catalog,
		policy:  risk.DefaultApprovalPolicy(),
		timeout: DefaultStepTimeout,
		logger:  logging.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.timeout <= 0 {
		m.timeout = DefaultStepTimeout
	}
	if m.classifier == nil {
		c, err := risk.NewClassifier()
		if err != nil {
			return nil, err
		}
		m.classifier = c
	}
	return m, nil
}

// CreatePlan validates proposed into a new Plan and persists it.
func (m *Manager) CreatePlan(ctx context.Context, objective string, proposed []ProposedStep) (*Plan, error) {
	ctx, span := m.tracer.Start(ctx, "plan.Create", trace.WithAttributes(
		attribute.Int("plan.proposed_steps", len(proposed)),
	))
	defer span.End()

	p, err := m.create(ctx, objective, proposed, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("plan.id", p.ID), attribute.String("plan.highest_risk", string(p.RiskSummary.Highest)))
	return p, nil
}

// RevisePlan creates a new Plan for the objective of plan id from a new
// proposal. The original plan is left untouched.
func (m *Manager) RevisePlan(ctx context.Context, id string, proposed []ProposedStep) (*Plan, error) {
	ctx, span := m.tracer.Start(ctx, "plan.Revise", trace.WithAttributes(attribute.String("plan.parent_id", id)))
	defer span.End()

	parent, err := m.store.Load(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	p, err := m.create(ctx, parent.Objective, proposed, parent.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return p, nil
}

func (m *Manager) create(ctx context.Context, objective string, proposed []ProposedStep, parentID string) (*Plan, error) {
	p, err := m.build(objective, proposed)
	if err != nil {
		m.logger.Info(ctx, "plan rejected", zap.Error(err))
		return nil, err
	}
	p.ParentID = parentID

	ctx = logging.WithPlan(ctx, p.ID)
	if err := m.store.Save(ctx, p); err != nil {
		return nil, err
	}

	eventType := audit.PlanCreated
	msg := fmt.Sprintf("plan created with %d steps", len(p.Steps))
	if parentID != "" {
		eventType = audit.PlanRevised
		msg = fmt.Sprintf("plan revised from %s with %d steps", parentID, len(p.Steps))
	}
	if err := m.record(ctx, audit.Event{
		Type:     eventType,
		Severity: audit.Info,
		PlanID:   p.ID,
		Actor:    "planner",
		Message:  msg,
		Details: map[string]any{
			"objective":          p.Objective,
			"highest_risk":       string(p.RiskSummary.Highest),
			"approvals_required": p.RiskSummary.ApprovalsRequired,
		},
	}); err != nil {
		return nil, fmt.Errorf("recording plan %s: %w", p.ID, err)
	}

	m.logger.Info(ctx, "plan created",
		zap.Int("steps", len(p.Steps)),
		zap.String("highest_risk", string(p.RiskSummary.Highest)),
		zap.Int("approvals_required", p.RiskSummary.ApprovalsRequired),
	)
	return p, nil
}

// build validates the proposal and annotates it. It has no side effects.
func (m *Manager) build(objective string, proposed []ProposedStep) (*Plan, error) {
	ve := &ValidationError{}
	objective = strings.TrimSpace(objective)
	if objective == "" {
		ve.add("objective is empty")
	}
	if len(proposed) == 0 {
		ve.add("plan has no steps")
	}

	ids := make(map[string]bool, len(proposed))
	for i, ps := range proposed {
		switch {
		case ps.ID == "":
			ve.add("step %d has no id", i+1)
		case ids[ps.ID]:
			ve.add("duplicate step id %q", ps.ID)
		}
		ids[ps.ID] = true
	}

	for i, ps := range proposed {
		name := ps.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		if ps.ToolName == "" {
			ve.add("step %s has no tool", name)
		} else if !m.catalog.Has(ps.ToolName) {
			ve.add("step %s uses unknown tool %q", name, ps.ToolName)
		}
		if rb := ps.RollbackAction; rb != nil && !m.catalog.Has(rb.ToolName) {
			ve.add("step %s rollback uses unknown tool %q", name, rb.ToolName)
		}
		if ps.TimeoutSeconds < 0 {
			ve.add("step %s has negative timeout", name)
		}
		if err := ps.ExpectedOutput.validate(); err != nil {
			ve.add("step %s expected output: %v", name, err)
		}
		for _, dep := range ps.Dependencies {
			if !ids[dep] || dep == "" {
				ve.add("step %s depends on unknown step %q", name, dep)
			}
		}
	}
	if err := ve.orNil(); err != nil {
		return nil, err
	}

	steps := make([]*Step, len(proposed))
	for i, ps := range proposed {
		params := ps.Parameters.Clone()
		assessment := m.classifier.Assess(ps.ToolName, params)

		deps := uniqueDeps(ps.Dependencies)
		sort.Strings(deps)

		timeout := ps.TimeoutSeconds
		if timeout == 0 {
			timeout = m.timeout
		}

		var rollback *RollbackAction
		if ps.RollbackAction != nil {
			rollback = &RollbackAction{
				ToolName:   ps.RollbackAction.ToolName,
				Parameters: ps.RollbackAction.Parameters.Clone(),
			}
		}
		var expect *Expectation
		if !ps.ExpectedOutput.IsZero() {
			e := *ps.ExpectedOutput
			expect = &e
		}

		steps[i] = &Step{
			ID:               ps.ID,
			ToolName:         ps.ToolName,
			Description:      ps.Description,
			Parameters:       params,
			ExpectedOutput:   expect,
			RollbackAction:   rollback,
			RiskLevel:        assessment.Level,
			RiskReasons:      assessment.Reasons,
			RequiresApproval: m.policy.Requires(assessment.Level) || ps.RequireApproval,
			TimeoutSeconds:   timeout,
			Dependencies:     deps,
			Status:           StepPending,
		}
	}

	if _, err := topoOrder(steps); err != nil {
		return nil, err
	}

	p := &Plan{
		ID:        uuid.NewString(),
		Objective: objective,
		Steps:     steps,
		CreatedAt: m.now().UTC(),
		Status:    StatusCreated,
	}
	p.RiskSummary, p.EstimatedDurationSeconds = summarize(steps)
	p.Status = StatusValidated
	return p, nil
}

// GetPlan returns plan id.
func (m *Manager) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return m.store.Load(ctx, id)
}

// ListPlans returns plans matching f, newest first.
func (m *Manager) ListPlans(ctx context.Context, f Filter) ([]*Plan, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(f.Objective)
	var out []*Plan
	for _, p := range all {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.Objective), needle) {
			continue
		}
		out = append(out, p)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ArchivePlan moves a validated plan to archived. Steps are not touched.
func (m *Manager) ArchivePlan(ctx context.Context, id string) (*Plan, error) {
	p, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusValidated {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusArchived)
	}
	p.Status = StatusArchived

	ctx = logging.WithPlan(ctx, p.ID)
	if err := m.store.Save(ctx, p); err != nil {
		return nil, err
	}
	if err := m.record(ctx, audit.Event{
		Type:    audit.PlanArchived,
		PlanID:  p.ID,
		Actor:   "operator",
		Message: "plan archived",
	}); err != nil {
		return nil, fmt.Errorf("recording plan %s: %w", p.ID, err)
	}
	m.logger.Info(ctx, "plan archived")
	return p, nil
}

func (m *Manager) record(ctx context.Context, e audit.Event) error {
	if m.audit == nil {
		return nil
	}
	_, err := m.audit.Append(ctx, e)
	return err
}
