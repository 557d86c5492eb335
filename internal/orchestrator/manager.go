package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/taskrun/internal/approval"
	"github.com/fyrsmithlabs/taskrun/internal/artifact"
	"github.com/fyrsmithlabs/taskrun/internal/audit"
	"github.com/fyrsmithlabs/taskrun/internal/logging"
	"github.com/fyrsmithlabs/taskrun/internal/plan"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

const instrumentationName = "github.com/fyrsmithlabs/taskrun/internal/orchestrator"

// DefaultMaxConcurrentRuns bounds active runs when Config leaves it unset.
const DefaultMaxConcurrentRuns = 4

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskrun_runs_total",
		Help: "Runs finished, by final status.",
	}, []string{"status"})

	runsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskrun_runs_active",
		Help: "Runs started and not yet finished.",
	})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskrun_steps_total",
		Help: "Steps settled, by final status.",
	}, []string{"status"})

	stepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskrun_step_retries_total",
		Help: "Step attempts made after a failed attempt.",
	})

	invocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskrun_invocation_duration_seconds",
		Help:    "Tool invocation latency.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"tool"})
)

// PlanSource loads plans by id.
type PlanSource interface {
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
}

// Approver is the part of the approval gate a run uses.
type Approver interface {
	RequestApproval(ctx context.Context, t approval.Ticket) (*approval.Request, error)
	Resolve(ctx context.Context, id string, d approval.Decision, actor, reason string) (*approval.Request, error)
	Cancel(ctx context.Context, id, reason string) (*approval.Request, error)
	WaitForResolution(ctx context.Context, id string) (*approval.Request, error)
}

// ArtifactStore keeps step payloads. DeleteRun returns how many artifacts
// it removed.
type ArtifactStore interface {
	Store(ctx context.Context, runID, stepID string, kind artifact.Kind, payload []byte) (string, error)
	DeleteRun(ctx context.Context, runID string) (int, error)
}

// ManifestRepository persists run manifests. *ManifestStore is the file
// implementation.
type ManifestRepository interface {
	Save(m *Manifest) error
	Load(runID string) (*Manifest, error)
	List() ([]*Manifest, error)
	Delete(runID string) error
}

// Dependencies are the collaborators of a RunManager. All are required.
type Dependencies struct {
	Plans     PlanSource
	Invoker   tools.Invoker
	Approvals Approver
	Artifacts ArtifactStore
	Audit     audit.Recorder
	Manifests ManifestRepository
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Plans == nil {
		missing = append(missing, "plans")
	}
	if d.Invoker == nil {
		missing = append(missing, "invoker")
	}
	if d.Approvals == nil {
		missing = append(missing, "approvals")
	}
	if d.Artifacts == nil {
		missing = append(missing, "artifacts")
	}
	if d.Audit == nil {
		missing = append(missing, "audit")
	}
	if d.Manifests == nil {
		missing = append(missing, "manifests")
	}
	if len(missing) > 0 {
		return fmt.Errorf("run manager: missing dependencies: %v", missing)
	}
	return nil
}

// Config tunes a RunManager.
type Config struct {
	// MaxConcurrentRuns bounds runs that have started and not finished.
	MaxConcurrentRuns int

	// Retry governs step retries.
	Retry RetryPolicy

	// ApprovalTimeout overrides the gate's default decision deadline.
	ApprovalTimeout time.Duration

	// AutoApproveCeiling applies to runs that do not set their own.
	AutoApproveCeiling risk.Level
}

// Option configures a RunManager.
type Option func(*RunManager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *RunManager) { m.logger = l }
}

// WithClock overrides manifest timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *RunManager) { m.now = now }
}

// RunManager starts runs and controls them while they execute.
type RunManager struct {
	deps   Dependencies
	cfg    Config
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time

	sem *semaphore.Weighted

	mu     sync.Mutex
	runs   map[string]*run
	closed bool

	hooksMu sync.RWMutex
	hooks   []func(Event)
}

// NewManager creates a RunManager.
func NewManager(deps Dependencies, cfg Config, opts ...Option) (*RunManager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	cfg.Retry.ApplyDefaults()
	if cfg.AutoApproveCeiling != "" && !cfg.AutoApproveCeiling.Valid() {
		return nil, fmt.Errorf("%w: auto-approve ceiling %q", ErrInvalidOptions, cfg.AutoApproveCeiling)
	}

	m := &RunManager{
		deps:   deps,
		cfg:    cfg,
		logger: logging.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		runs:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnEvent registers an observer for run lifecycle events. Observers are
// called synchronously from the run goroutine and must not block.
func (m *RunManager) OnEvent(fn func(Event)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *RunManager) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = m.now()
	}
	m.hooksMu.RLock()
	hooks := append([]func(Event){}, m.hooks...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(e)
	}
}

// Start begins executing plan planID and returns the initial manifest.
func (m *RunManager) Start(ctx context.Context, planID string, opts RunOptions) (*Manifest, error) {
	p, err := m.deps.Plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("loading plan %s: %w", planID, err)
	}
	if p.Status == plan.StatusArchived {
		return nil, fmt.Errorf("%w: plan %s is archived", ErrPlanNotRunnable, planID)
	}
	if opts.AutoApproveCeiling == "" {
		opts.AutoApproveCeiling = m.cfg.AutoApproveCeiling
	}
	selected, err := selectSteps(p, opts)
	if err != nil {
		return nil, err
	}

	if !m.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyRuns, m.cfg.MaxConcurrentRuns)
	}

	r := newRun(ctx, m, uuid.NewString(), p, opts)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.sem.Release(1)
		return nil, ErrShutdown
	}
	m.runs[r.id] = r
	m.mu.Unlock()
	runsActive.Inc()

	done, err := r.begin(selected)
	if err != nil {
		m.discard(ctx, r)
		return nil, fmt.Errorf("starting run of plan %s: %w", planID, err)
	}
	go r.drive(done)

	return r.Snapshot(), nil
}

// selectSteps validates opts against p and returns the steps to run, or nil
// for all of them.
func selectSteps(p *plan.Plan, opts RunOptions) (map[string]bool, error) {
	if opts.AutoApproveCeiling != "" && !opts.AutoApproveCeiling.Valid() {
		return nil, fmt.Errorf("%w: auto-approve ceiling %q", ErrInvalidOptions, opts.AutoApproveCeiling)
	}
	if len(opts.StepIDs) == 0 {
		return nil, nil
	}
	selected := make(map[string]bool, len(opts.StepIDs))
	for _, id := range opts.StepIDs {
		if p.Step(id) == nil {
			return nil, fmt.Errorf("%w: unknown step %q", ErrInvalidOptions, id)
		}
		selected[id] = true
	}
	for id := range selected {
		for _, dep := range p.Step(id).Dependencies {
			if !selected[dep] {
				return nil, fmt.Errorf("%w: step %q depends on %q, which is not selected", ErrInvalidOptions, id, dep)
			}
		}
	}
	return selected, nil
}

// discard undoes a Start whose run never got going: nothing ran, so the
// run leaves no manifest behind.
func (m *RunManager) discard(ctx context.Context, r *run) {
	m.forget(r.id)
	r.stopWait()
	r.stopInvoke()
	if err := m.deps.Manifests.Delete(r.id); err != nil && !errors.Is(err, ErrRunNotFound) {
		m.logger.Warn(ctx, "removing manifest of failed start", zap.String("run_id", r.id), zap.Error(err))
	}
	m.sem.Release(1)
	runsActive.Dec()
}

func (m *RunManager) forget(runID string) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}

func (m *RunManager) get(runID string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// live returns the executing run runID. A run that already finished is an
// invalid transition target; one this manager never ran is not found.
func (m *RunManager) live(runID string) (*run, error) {
	r, err := m.get(runID)
	if err == nil {
		return r, nil
	}
	stored, lerr := m.deps.Manifests.Load(runID)
	if lerr == nil && stored.Status.Terminal() {
		return nil, fmt.Errorf("%w: run is already %s", ErrInvalidTransition, stored.Status)
	}
	return nil, err
}

// Status returns the last persisted manifest of runID. Runs started by
// another process are read from the manifest store.
func (m *RunManager) Status(runID string) (*Manifest, error) {
	r, err := m.get(runID)
	if errors.Is(err, ErrRunNotFound) {
		return m.deps.Manifests.Load(runID)
	}
	return r.Snapshot(), nil
}

// ListRuns returns manifests matching f, newest first. Runs executing in
// this process report their in-memory snapshot.
func (m *RunManager) ListRuns(f RunFilter) ([]*Manifest, error) {
	stored, err := m.deps.Manifests.List()
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultRunListLimit
	}
	out := make([]*Manifest, 0, min(limit, len(stored)))
	for _, man := range stored {
		if r, err := m.get(man.RunID); err == nil {
			man = r.Snapshot()
		}
		if f.PlanID != "" && man.PlanID != f.PlanID {
			continue
		}
		if f.Status != "" && man.Status != f.Status {
			continue
		}
		out = append(out, man)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteRun removes the manifest and artifacts of a finished run. Runs that
// have not reached a terminal status cannot be deleted.
func (m *RunManager) DeleteRun(ctx context.Context, runID string) error {
	var man *Manifest
	if r, err := m.get(runID); err == nil {
		man = r.Snapshot()
	} else {
		stored, err := m.deps.Manifests.Load(runID)
		if err != nil {
			return err
		}
		man = stored
	}
	if !man.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s; stop it first", ErrInvalidTransition, runID, man.Status)
	}

	if _, err := m.deps.Audit.Append(ctx, audit.Event{
		Type:     audit.RunDeleted,
		Severity: audit.Warning,
		RunID:    runID,
		PlanID:   man.PlanID,
		Actor:    "orchestrator",
		Message:  fmt.Sprintf("run %s deleted", runID),
		Details: map[string]any{
			"status":    string(man.Status),
			"artifacts": len(man.ArtifactIDs),
		},
	}); err != nil {
		return fmt.Errorf("recording deletion of run %s: %w", runID, err)
	}

	removed, err := m.deps.Artifacts.DeleteRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("deleting artifacts of run %s: %w", runID, err)
	}
	if err := m.deps.Manifests.Delete(runID); err != nil && !errors.Is(err, ErrRunNotFound) {
		return fmt.Errorf("deleting manifest of run %s: %w", runID, err)
	}
	m.forget(runID)
	m.logger.Info(ctx, "run deleted", zap.String("run_id", runID), zap.Int("artifacts", removed))
	return nil
}

// Pause asks runID to pause before its next step. Pausing a paused run is
// a no-op.
func (m *RunManager) Pause(runID string) error {
	r, err := m.live(runID)
	if err != nil {
		return err
	}
	return r.pause()
}

// Resume continues a paused run. Steps that failed and paused the run are
// retried.
func (m *RunManager) Resume(ctx context.Context, runID string) error {
	r, err := m.live(runID)
	if err != nil {
		return err
	}
	done, err := r.resume()
	if err != nil {
		return err
	}
	r.recordRun(ctx, audit.RunResumed, audit.Info, "run resumed by operator", nil)
	go r.drive(done)
	return nil
}

// Stop aborts runID. Without force, an in-flight invocation is allowed to
// finish first.
func (m *RunManager) Stop(runID string, force bool) error {
	r, err := m.live(runID)
	if err != nil {
		return err
	}
	return r.stop(force)
}

// Wait blocks until runID stops executing, that is until it finishes or
// pauses without a pending approval, and returns its manifest.
func (m *RunManager) Wait(ctx context.Context, runID string) (*Manifest, error) {
	r, err := m.get(runID)
	if errors.Is(err, ErrRunNotFound) {
		return m.deps.Manifests.Load(runID)
	}
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Snapshot(), nil
}

// Shutdown stops every run, waits for in-flight invocations to finish and
// force-stops whatever is still executing when ctx expires. Start fails
// afterwards.
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	for _, r := range runs {
		if err := r.stop(false); err != nil && !errors.Is(err, ErrInvalidTransition) {
			m.logger.Warn(ctx, "stopping run", zap.String("run_id", r.id), zap.Error(err))
		}
	}
	for _, r := range runs {
		r.mu.Lock()
		done := r.done
		r.mu.Unlock()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			for _, r := range runs {
				_ = r.stop(true)
			}
			return ctx.Err()
		}
	}
	m.logger.Info(ctx, "run manager shut down", zap.Int("runs", len(runs)))
	return nil
}
