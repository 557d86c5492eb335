package approval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrun/internal/audit"
	"github.com/fyrsmithlabs/taskrun/internal/logging"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
)

const instrumentationName = "github.com/fyrsmithlabs/taskrun/internal/approval"

var (
	approvalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskrun_approvals_total",
		Help: "Approval requests resolved, by decision.",
	}, []string{"decision"})

	approvalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskrun_approvals_pending",
		Help: "Approval requests currently awaiting a decision.",
	})
)

type entry struct {
	req   *Request
	done  chan struct{}
	timer *time.Timer
}

// Gate tracks approval requests. It never holds its lock while a caller
// waits for a decision.
type Gate struct {
	dir     string
	timeout time.Duration
	audit   audit.Recorder
	logger  *logging.Logger
	tracer  trace.Tracer
	now     func() time.Time

	ruleSpecs []Rule
	rules     []compiledRule

	mu       sync.Mutex
	requests map[string]*entry
	open     map[string]string
}

// Option configures a Gate.
type Option func(*Gate)

// WithDir persists requests as JSON files under dir and reads decisions from
// dir/inbox.
func WithDir(dir string) Option {
	return func(g *Gate) { g.dir = dir }
}

// WithTimeout sets the default decision deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithAudit records request creation and every resolution.
func WithAudit(r audit.Recorder) Option {
	return func(g *Gate) { g.audit = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithRules decides matching requests without waiting for a person.
func WithRules(rules ...Rule) Option {
	return func(g *Gate) { g.ruleSpecs = append(g.ruleSpecs, rules...) }
}

// WithClock overrides timestamps. Timeouts still use real timers.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate.
func NewGate(opts ...Option) (*Gate, error) {
	g := &Gate{
		timeout:  DefaultTimeout,
		logger:   logging.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		requests: make(map[string]*entry),
		open:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.timeout <= 0 {
		return nil, fmt.Errorf("approval timeout must be > 0, got %s", g.timeout)
	}
	rules, err := compileRules(g.ruleSpecs)
	if err != nil {
		return nil, err
	}
	g.rules = rules
	if g.dir != "" {
		if err := os.MkdirAll(filepath.Join(g.dir, inboxDir), 0700); err != nil {
			return nil, fmt.Errorf("creating approval directory: %w", err)
		}
	}
	return g, nil
}

func openKey(runID, stepID string) string { return runID + "\x00" + stepID }

// RequestApproval opens a request for the ticket's step and arms its
// timeout. If the step already has an open request, that one is returned.
// When an approve or deny rule matches the ticket, the request is returned
// already resolved by ActorPolicy.
func (g *Gate) RequestApproval(ctx context.Context, t Ticket) (*Request, error) {
	if t.RunID == "" || t.StepID == "" {
		return nil, fmt.Errorf("%w: run and step ids are required", ErrInvalidTicket)
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	rule := decide(g.rules, t)

	g.mu.Lock()
	if id, ok := g.open[openKey(t.RunID, t.StepID)]; ok {
		req := g.requests[id].req.clone()
		g.mu.Unlock()
		return req, nil
	}

	now := g.now().UTC()
	req := &Request{
		ID:                "apr-" + uuid.NewString(),
		RunID:             t.RunID,
		PlanID:            t.PlanID,
		StepID:            t.StepID,
		ToolName:          t.ToolName,
		RiskLevel:         t.RiskLevel,
		Description:       t.Description,
		Consequences:      append([]string(nil), t.Consequences...),
		Operation:         t.Operation,
		RollbackAvailable: t.RollbackAvailable,
		CreatedAt:         now,
		TimeoutSeconds:    int(timeout.Round(time.Second) / time.Second),
		ExpiresAt:         now.Add(timeout),
		Decision:          Pending,
	}

	if g.audit != nil {
		if _, err := g.audit.Append(ctx, audit.Event{
			Type:     audit.ApprovalRequested,
			Severity: requestSeverity(t.RiskLevel),
			RunID:    req.RunID,
			PlanID:   req.PlanID,
			StepID:   req.StepID,
			ToolName: req.ToolName,
			Actor:    "engine",
			Message:  fmt.Sprintf("approval requested for %s step %s", req.RiskLevel, req.StepID),
			Details: map[string]any{
				"request_id":         req.ID,
				"consequences":       req.Consequences,
				"rollback_available": req.RollbackAvailable,
				"timeout_seconds":    req.TimeoutSeconds,
			},
		}); err != nil {
			g.mu.Unlock()
			return nil, fmt.Errorf("recording approval request: %w", err)
		}
	}
	if err := g.persist(req); err != nil {
		g.mu.Unlock()
		return nil, err
	}

	e := &entry{req: req, done: make(chan struct{})}
	id := req.ID
	e.timer = time.AfterFunc(timeout, func() {
		_, _ = g.resolve(context.Background(), id, TimedOut, ActorSystem, "no decision before "+req.ExpiresAt.Format(time.RFC3339))
	})
	g.requests[id] = e
	g.open[openKey(req.RunID, req.StepID)] = id
	approvalsPending.Inc()
	created := req.clone()
	g.mu.Unlock()

	lctx := logging.WithStep(logging.WithRun(ctx, created.RunID), created.StepID)
	g.logger.Info(lctx, "approval requested",
		zap.String("request.id", id),
		zap.String("risk", string(created.RiskLevel)),
		zap.Duration("timeout", timeout),
	)

	if rule == nil || rule.Action == RuleManual {
		if rule != nil {
			g.logger.Debug(lctx, "approval rule requires a person", zap.String("rule", rule.ID))
		}
		return created, nil
	}
	decision := Approved
	if rule.Action == RuleDeny {
		decision = Denied
	}
	g.logger.Info(lctx, "approval decided by rule",
		zap.String("request.id", id),
		zap.String("rule", rule.ID),
		zap.String("decision", string(decision)))
	return g.resolve(ctx, id, decision, ActorPolicy, "rule "+rule.ID)
}

// Resolve records a human decision. Resolving a request that already has a
// final decision is a no-op that returns it unchanged.
func (g *Gate) Resolve(ctx context.Context, id string, decision Decision, actor, reason string) (*Request, error) {
	if decision != Approved && decision != Denied {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	return g.resolve(ctx, id, decision, actor, reason)
}

// Cancel resolves a pending request as cancelled. It is used when the run
// owning the request stops.
func (g *Gate) Cancel(ctx context.Context, id, reason string) (*Request, error) {
	return g.resolve(ctx, id, Cancelled, ActorSystem, reason)
}

func (g *Gate) resolve(ctx context.Context, id string, decision Decision, actor, reason string) (*Request, error) {
	_, span := g.tracer.Start(ctx, "approval.Resolve", trace.WithAttributes(
		attribute.String("approval.id", id),
		attribute.String("approval.decision", string(decision)),
	))
	defer span.End()

	g.mu.Lock()
	e, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if e.req.Decision.Resolved() {
		req := e.req.clone()
		g.mu.Unlock()
		span.SetAttributes(attribute.Bool("approval.replayed", true))
		return req, nil
	}

	at := g.now().UTC()
	e.req.Decision = decision
	e.req.DecidedBy = actor
	e.req.DecidedAt = &at
	e.req.Reason = reason
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(g.open, openKey(e.req.RunID, e.req.StepID))
	persistErr := g.persist(e.req)
	close(e.done)
	req := e.req.clone()
	g.mu.Unlock()

	approvalsPending.Dec()
	approvalsTotal.WithLabelValues(string(decision)).Inc()

	lctx := logging.WithStep(logging.WithRun(ctx, req.RunID), req.StepID)
	if persistErr != nil {
		g.logger.Warn(lctx, "failed to persist approval decision", zap.String("request.id", id), zap.Error(persistErr))
	}
	g.logger.Info(lctx, "approval resolved",
		zap.String("request.id", id),
		zap.String("decision", string(decision)),
		zap.String("actor", actor),
	)

	if g.audit != nil {
		if _, err := g.audit.Append(ctx, audit.Event{
			Type:     audit.ApprovalResolved,
			Severity: resolutionSeverity(decision),
			RunID:    req.RunID,
			PlanID:   req.PlanID,
			StepID:   req.StepID,
			ToolName: req.ToolName,
			Actor:    actor,
			Message:  fmt.Sprintf("approval %s for step %s", decision, req.StepID),
			Details: map[string]any{
				"request_id": req.ID,
				"decision":   string(decision),
				"reason":     reason,
			},
		}); err != nil {
			return req, fmt.Errorf("recording approval decision: %w", err)
		}
	}
	return req, nil
}

// WaitForResolution blocks until request id has a final decision or ctx is
// done.
func (g *Gate) WaitForResolution(ctx context.Context, id string) (*Request, error) {
	g.mu.Lock()
	e, ok := g.requests[id]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	select {
	case <-e.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return e.req.clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchApprove approves every pending request of runID whose risk is at or
// below ceiling, oldest first.
func (g *Gate) BatchApprove(ctx context.Context, runID string, ceiling risk.Level, actor string) ([]*Request, error) {
	if !ceiling.Valid() {
		return nil, fmt.Errorf("invalid risk ceiling %q", ceiling)
	}
	var approved []*Request
	var errs []error
	for _, req := range g.ListPending(runID) {
		if !req.RiskLevel.AtMost(ceiling) {
			continue
		}
		r, err := g.resolve(ctx, req.ID, Approved, actor, "batch approval up to "+string(ceiling))
		if err != nil && !errors.Is(err, ErrRequestNotFound) {
			errs = append(errs, err)
		}
		if r != nil && r.Decision == Approved && r.DecidedBy == actor {
			approved = append(approved, r)
		}
	}
	return approved, errors.Join(errs...)
}

// ListPending returns the open requests of runID, or of every run when runID
// is empty, oldest first.
func (g *Gate) ListPending(runID string) []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Request
	for _, id := range g.open {
		req := g.requests[id].req
		if runID == "" || req.RunID == runID {
			out = append(out, req.clone())
		}
	}
	sortRequests(out)
	return out
}

// Get returns request id.
func (g *Gate) Get(id string) (*Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return e.req.clone(), nil
}

// Close stops every pending timer. Pending requests stay pending.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.requests {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func sortRequests(reqs []*Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

func requestSeverity(l risk.Level) audit.Severity {
	if l == risk.Critical {
		return audit.Critical
	}
	return audit.Warning
}

func resolutionSeverity(d Decision) audit.Severity {
	switch d {
	case Denied, TimedOut:
		return audit.Warning
	default:
		return audit.Info
	}
}
