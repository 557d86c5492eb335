package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrun/internal/approval"
	"github.com/fyrsmithlabs/taskrun/internal/audit"
	"github.com/fyrsmithlabs/taskrun/internal/logging"
	"github.com/fyrsmithlabs/taskrun/internal/plan"
)

// run is the in-memory state of one execution. Fields below mu are guarded
// by it; the rest are set once in newRun.
type run struct {
	m    *RunManager
	id   string
	plan *plan.Plan
	opts RunOptions
	topo map[string]int

	baseCtx    context.Context
	waitCtx    context.Context
	stopWait   context.CancelFunc
	invokeCtx  context.Context
	stopInvoke context.CancelFunc

	finishOnce sync.Once

	mu             sync.Mutex
	manifest       *Manifest
	snapshot       *Manifest
	saveErr        error
	active         bool
	done           chan struct{}
	pauseRequested bool
	stopRequested  bool
	forced         bool
	inflight       string
	approved       map[string]bool
	resumable      map[string]bool
	satisfied      map[string]bool
}

func newRun(ctx context.Context, m *RunManager, id string, p *plan.Plan, opts RunOptions) *run {
	base := logging.WithPlan(logging.WithRun(context.WithoutCancel(ctx), id), p.ID)
	base = logging.WithLogger(base, m.logger)

	topo := make(map[string]int, len(p.Steps))
	for i, sid := range p.Order() {
		topo[sid] = i
	}

	r := &run{
		m:         m,
		id:        id,
		plan:      p,
		opts:      opts,
		topo:      topo,
		baseCtx:   base,
		manifest:  newManifest(id, p, opts, m.now().UTC()),
		approved:  make(map[string]bool),
		resumable: make(map[string]bool),
		satisfied: make(map[string]bool),
	}
	r.waitCtx, r.stopWait = context.WithCancel(base)
	r.invokeCtx, r.stopInvoke = context.WithCancel(base)
	r.snapshot = r.manifest.Clone()
	return r
}

// Snapshot returns a copy of the last persisted manifest.
func (r *run) Snapshot() *Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Clone()
}

// begin persists the created manifest, skips unselected steps and moves the
// run to running. It returns the done channel of the first activation.
func (r *run) begin(selected map[string]bool) (chan struct{}, error) {
	r.mu.Lock()
	if err := r.saveLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	var skipped []string
	if selected != nil {
		for _, s := range r.plan.Steps {
			if !selected[s.ID] {
				if err := r.setStepLocked(s.ID, plan.StepSkipped); err != nil {
					r.mu.Unlock()
					return nil, err
				}
				skipped = append(skipped, s.ID)
			}
		}
	}
	if err := r.setStatusLocked(RunRunning, ""); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	done := r.activateLocked()
	r.mu.Unlock()

	r.recordRun(r.baseCtx, audit.RunStarted, audit.Info,
		fmt.Sprintf("run started for plan %s", r.plan.ID),
		map[string]any{
			"dry_run":              r.opts.DryRun,
			"step_ids":             r.opts.StepIDs,
			"auto_approve_ceiling": string(r.opts.AutoApproveCeiling),
		})
	for _, id := range skipped {
		r.recordStep(r.baseCtx, r.plan.Step(id), audit.StepSkipped, audit.Info, "step not selected for this run", nil)
	}
	r.m.logger.Info(r.baseCtx, "run started",
		zap.Int("steps", len(r.plan.Steps)),
		zap.Bool("dry_run", r.opts.DryRun))
	r.m.emit(Event{Type: EventRunStarted, RunID: r.id, PlanID: r.plan.ID, Status: RunRunning})
	return done, nil
}

func (r *run) activateLocked() chan struct{} {
	r.active = true
	r.done = make(chan struct{})
	return r.done
}

// drive executes steps until the run pauses or finishes.
func (r *run) drive(done chan struct{}) {
	defer close(done)
	defer r.release()

	ctx, span := r.m.tracer.Start(r.waitCtx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("run.id", r.id),
			attribute.String("plan.id", r.plan.ID),
		))
	defer span.End()

	for {
		step := r.next(ctx)
		if step == nil {
			return
		}
		if !r.execute(ctx, step) {
			return
		}
	}
}

// next returns the step to execute, or nil after settling the run.
func (r *run) next(ctx context.Context) *plan.Step {
	r.mu.Lock()
	switch {
	case r.manifest.Status.Terminal():
		r.active = false
		r.mu.Unlock()
		return nil

	case r.stopRequested:
		pending := r.abortLocked()
		r.active = false
		r.mu.Unlock()
		r.cancelApproval(pending, "run stopped")
		r.finish(RunAborted, nil)
		return nil

	case r.saveErr != nil:
		r.haltAndUnlock(ctx, PausePersistenceFailure)
		return nil

	case r.pauseRequested:
		r.pauseRequested = false
		if err := r.setStatusLocked(RunPaused, PauseOperator); err != nil {
			r.haltAndUnlock(ctx, PausePersistenceFailure)
			return nil
		}
		r.active = false
		r.mu.Unlock()
		r.paused(ctx, PauseOperator)
		return nil
	}

	if step := r.selectLocked(); step != nil {
		r.mu.Unlock()
		return step
	}

	final := RunSuccess
	for _, st := range r.manifest.StepStates {
		if st != plan.StepCompleted && st != plan.StepSkipped {
			final = RunFailed
			break
		}
	}
	status, err := r.sealLocked(final)
	r.active = false
	r.mu.Unlock()
	r.finish(status, err)
	return nil
}

// selectLocked picks the first pending step in declaration order whose
// dependencies are satisfied.
func (r *run) selectLocked() *plan.Step {
	for _, s := range r.plan.Steps {
		if r.manifest.StepStates[s.ID] != plan.StepPending {
			continue
		}
		ready := true
		for _, dep := range s.Dependencies {
			if !r.satisfied[dep] {
				ready = false
				break
			}
		}
		if ready {
			return s
		}
	}
	return nil
}

// saveLocked persists the manifest and refreshes the snapshot. A failed
// write is remembered in saveErr until a later write succeeds, and next
// halts the run while it is set, so bookkeeping writes may ignore the error.
func (r *run) saveLocked() error {
	r.manifest.UpdatedAt = r.m.now().UTC()
	if err := r.m.deps.Manifests.Save(r.manifest); err != nil {
		r.m.logger.Error(r.baseCtx, "persisting manifest", zap.Error(err))
		r.saveErr = err
		return err
	}
	r.saveErr = nil
	r.snapshot = r.manifest.Clone()
	return nil
}

// setStatusLocked moves the run to a non-terminal status. The status is
// left unchanged when it cannot be persisted.
func (r *run) setStatusLocked(to RunStatus, reason string) error {
	if to.Terminal() {
		_, err := r.sealLocked(to)
		return err
	}
	if err := ValidateRunTransition(r.manifest.Status, to); err != nil {
		return err
	}
	prevStatus, prevReason := r.manifest.Status, r.manifest.PauseReason
	r.manifest.Status = to
	r.manifest.PauseReason = ""
	if to == RunPaused {
		r.manifest.PauseReason = reason
	}
	if err := r.saveLocked(); err != nil {
		r.manifest.Status, r.manifest.PauseReason = prevStatus, prevReason
		return err
	}
	return nil
}

// sealLocked moves the run to a terminal status and returns the status it
// ended with. A terminal status stands even when it cannot be written: the
// run is over either way. A success that cannot be recorded is reported as
// failed, with the write error as a warning.
func (r *run) sealLocked(to RunStatus) (RunStatus, error) {
	if err := ValidateRunTransition(r.manifest.Status, to); err != nil {
		return r.manifest.Status, err
	}
	t := r.m.now().UTC()
	r.manifest.Status = to
	r.manifest.PauseReason = ""
	r.manifest.EndedAt = &t
	err := r.saveLocked()
	if err == nil {
		return to, nil
	}
	if to == RunSuccess {
		r.manifest.Status = RunFailed
	}
	r.manifest.Warnings = append(r.manifest.Warnings, "manifest not persisted: "+err.Error())
	if rerr := r.saveLocked(); rerr != nil {
		r.snapshot = r.manifest.Clone()
		return r.manifest.Status, rerr
	}
	return r.manifest.Status, nil
}

// haltLocked stops driving the run after a manifest write failed. The run is
// paused for persistence_failure when that can be recorded; otherwise it is
// sealed with its unfinished steps failed. terminal reports which happened.
func (r *run) haltLocked(reason string) (status RunStatus, terminal bool) {
	if r.manifest.Status == RunPaused {
		prev := r.manifest.PauseReason
		r.manifest.PauseReason = reason
		if r.saveLocked() == nil {
			return RunPaused, false
		}
		r.manifest.PauseReason = prev
	} else if r.setStatusLocked(RunPaused, reason) == nil {
		return RunPaused, false
	}

	cause := "manifest could not be written"
	if r.saveErr != nil {
		cause = r.saveErr.Error()
	}
	for _, s := range r.plan.Steps {
		switch r.manifest.StepStates[s.ID] {
		case plan.StepRunning, plan.StepRequiresApproval:
			if r.setStepLocked(s.ID, plan.StepFailed) == nil {
				r.manifest.StepErrors[s.ID] = StepErrorInfo{Kind: KindManifestStore, Message: cause}
			}
		}
	}
	r.manifest.PendingApprovalID = ""
	final := RunFailed
	if r.manifest.Status == RunPaused {
		final = RunAborted
	}
	status, _ = r.sealLocked(final)
	return status, true
}

// haltAndUnlock runs haltLocked, releases r.mu and reports the outcome.
func (r *run) haltAndUnlock(ctx context.Context, reason string) {
	cause := r.saveErr
	status, terminal := r.haltLocked(reason)
	r.active = false
	r.mu.Unlock()
	if terminal {
		r.finish(status, cause)
		return
	}
	r.paused(ctx, reason)
}

// setStepLocked moves a step and keeps the manifest's id lists in step
// with it. The caller persists.
func (r *run) setStepLocked(stepID string, to plan.StepStatus) error {
	from := r.manifest.StepStates[stepID]
	if err := ValidateStepTransition(from, to); err != nil {
		return fmt.Errorf("step %s: %w", stepID, err)
	}
	m := r.manifest
	m.StepStates[stepID] = to
	switch to {
	case plan.StepRunning:
		if m.CurrentStepID == "" || r.topo[stepID] > r.topo[m.CurrentStepID] {
			m.CurrentStepID = stepID
		}
	case plan.StepCompleted:
		m.CompletedStepIDs = append(m.CompletedStepIDs, stepID)
	case plan.StepFailed:
		m.FailedStepIDs = append(m.FailedStepIDs, stepID)
	case plan.StepSkipped:
		m.SkippedStepIDs = append(m.SkippedStepIDs, stepID)
	case plan.StepPending:
		m.FailedStepIDs = slices.DeleteFunc(m.FailedStepIDs, func(id string) bool { return id == stepID })
		delete(m.StepErrors, stepID)
	}
	return nil
}

// abortLocked seals the manifest as aborted and returns the approval request
// left pending, if any.
func (r *run) abortLocked() string {
	pending := r.manifest.PendingApprovalID
	r.manifest.PendingApprovalID = ""
	for _, s := range r.plan.Steps {
		switch r.manifest.StepStates[s.ID] {
		case plan.StepRunning, plan.StepRequiresApproval:
			_ = r.setStepLocked(s.ID, plan.StepSkipped)
		}
	}
	if _, err := r.sealLocked(RunAborted); err != nil {
		r.m.logger.Error(r.baseCtx, "aborting run", zap.Error(err))
	}
	return pending
}

func (r *run) cancelApproval(id, reason string) {
	if id == "" {
		return
	}
	if _, err := r.m.deps.Approvals.Cancel(r.baseCtx, id, reason); err != nil {
		r.m.logger.Warn(r.baseCtx, "cancelling approval request", zap.String("request_id", id), zap.Error(err))
	}
}

func (r *run) pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.manifest.Status {
	case RunRunning:
		r.pauseRequested = true
		return nil
	case RunPaused:
		if r.active {
			r.pauseRequested = true
		}
		return nil
	default:
		return fmt.Errorf("%w: cannot pause %s run", ErrInvalidTransition, r.manifest.Status)
	}
}

func (r *run) resume() (chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.manifest.Status != RunPaused:
		return nil, fmt.Errorf("%w: cannot resume %s run", ErrInvalidTransition, r.manifest.Status)
	case r.manifest.PendingApprovalID != "":
		return nil, fmt.Errorf("%w: request %s", ErrApprovalPending, r.manifest.PendingApprovalID)
	case r.active:
		return nil, fmt.Errorf("%w: run is still settling its pause", ErrInvalidTransition)
	}
	prev := r.manifest.Clone()
	for id := range r.resumable {
		if r.manifest.StepStates[id] == plan.StepFailed {
			if err := r.setStepLocked(id, plan.StepPending); err != nil {
				r.manifest = prev
				return nil, err
			}
		}
	}
	if err := r.setStatusLocked(RunRunning, ""); err != nil {
		r.manifest = prev
		return nil, err
	}
	clear(r.resumable)
	r.pauseRequested = false
	return r.activateLocked(), nil
}

func (r *run) stop(force bool) error {
	r.mu.Lock()
	if r.manifest.Status.Terminal() {
		status := r.manifest.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: run is already %s", ErrInvalidTransition, status)
	}
	r.stopRequested = true
	r.stopWait()
	if r.active && !force {
		r.mu.Unlock()
		r.m.logger.Info(r.baseCtx, "stop requested, waiting for in-flight step")
		return nil
	}
	if force {
		r.forced = true
		r.stopInvoke()
	}
	inflight := r.inflight
	pending := r.abortLocked()
	r.mu.Unlock()

	if inflight != "" {
		r.m.deps.Invoker.Cancel(inflight)
	}
	r.cancelApproval(pending, "run stopped")
	r.finish(RunAborted, nil)
	r.release()
	return nil
}

// release drops the run from the manager once its terminal manifest is on
// disk and nothing drives it. Later lookups read the manifest store.
func (r *run) release() {
	r.mu.Lock()
	settled := r.manifest.Status.Terminal() && !r.active && r.saveErr == nil
	r.mu.Unlock()
	if settled {
		r.m.forget(r.id)
	}
}

// paused records a transition to paused made under the lock.
func (r *run) paused(ctx context.Context, reason string) {
	r.recordRun(ctx, audit.RunPaused, audit.Info, "run paused: "+reason, map[string]any{"reason": reason})
	r.m.logger.Info(ctx, "run paused", zap.String("reason", reason))
	r.m.emit(Event{Type: EventRunPaused, RunID: r.id, PlanID: r.plan.ID, Status: RunPaused})
}

// finish runs the side effects of reaching a terminal status exactly once.
func (r *run) finish(status RunStatus, cause error) {
	r.finishOnce.Do(func() {
		r.stopWait()
		r.stopInvoke()
		r.m.sem.Release(1)
		runsActive.Dec()
		runsTotal.WithLabelValues(string(status)).Inc()

		eventType, severity, hook := audit.RunCompleted, audit.Info, EventRunCompleted
		switch status {
		case RunFailed:
			eventType, severity, hook = audit.RunFailed, audit.Error, EventRunFailed
		case RunAborted:
			eventType, severity, hook = audit.RunAborted, audit.Warning, EventRunAborted
		}
		snap := r.Snapshot()
		r.recordRun(r.baseCtx, eventType, severity, "run "+string(status), map[string]any{
			"completed": len(snap.CompletedStepIDs),
			"failed":    len(snap.FailedStepIDs),
			"skipped":   len(snap.SkippedStepIDs),
			"cost":      snap.CostEstimate,
		})
		r.m.logger.Info(r.baseCtx, "run finished",
			zap.String("status", string(status)),
			zap.Int("completed", len(snap.CompletedStepIDs)),
			zap.Int("failed", len(snap.FailedStepIDs)))
		r.m.emit(Event{Type: hook, RunID: r.id, PlanID: r.plan.ID, Status: status, Err: cause})
	})
}

// recordRun appends a run-level audit event. Failures are logged; they do
// not change the run's course.
func (r *run) recordRun(ctx context.Context, t audit.EventType, sev audit.Severity, msg string, details map[string]any) {
	ctx = context.WithoutCancel(ctx)
	if _, err := r.m.deps.Audit.Append(ctx, audit.Event{
		Type:     t,
		Severity: sev,
		RunID:    r.id,
		PlanID:   r.plan.ID,
		Actor:    "orchestrator",
		Message:  msg,
		Details:  details,
	}); err != nil {
		r.m.logger.Warn(ctx, "recording run event", zap.String("event_type", string(t)), zap.Error(err))
	}
}

// recordStep appends a step-level audit event.
func (r *run) recordStep(ctx context.Context, s *plan.Step, t audit.EventType, sev audit.Severity, msg string, details map[string]any) error {
	ctx = context.WithoutCancel(ctx)
	_, err := r.m.deps.Audit.Append(ctx, audit.Event{
		Type:     t,
		Severity: sev,
		RunID:    r.id,
		PlanID:   r.plan.ID,
		StepID:   s.ID,
		ToolName: s.ToolName,
		Actor:    "orchestrator",
		Message:  msg,
		Details:  details,
	})
	if err != nil {
		r.m.logger.Warn(ctx, "recording step event", zap.String("event_type", string(t)), zap.Error(err))
	}
	return err
}

func ticketFor(r *run, s *plan.Step) approval.Ticket {
	consequences := slices.Clone(s.RiskReasons)
	if s.RollbackAction == nil {
		consequences = append(consequences, "no rollback action is defined")
	}
	return approval.Ticket{
		RunID:             r.id,
		PlanID:            r.plan.ID,
		StepID:            s.ID,
		ToolName:          s.ToolName,
		RiskLevel:         s.RiskLevel,
		Description:       s.Description,
		Consequences:      consequences,
		Operation:         operationOf(s),
		RollbackAvailable: s.RollbackAction != nil,
		Timeout:           r.m.cfg.ApprovalTimeout,
	}
}

// operationOf renders what a step will do for approval rules: its tool and
// encoded parameters.
func operationOf(s *plan.Step) string {
	op := s.ToolName
	if s.Parameters == nil || s.Parameters.Len() == 0 {
		return op
	}
	raw, err := json.Marshal(s.Parameters)
	if err != nil {
		return op
	}
	return op + " " + string(raw)
}
