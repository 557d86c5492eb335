package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrun/internal/approval"
	"github.com/fyrsmithlabs/taskrun/internal/artifact"
	"github.com/fyrsmithlabs/taskrun/internal/audit"
	"github.com/fyrsmithlabs/taskrun/internal/logging"
	"github.com/fyrsmithlabs/taskrun/internal/plan"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

type gateOutcome int

const (
	gateGranted gateOutcome = iota
	gateRefused
	gateInterrupted
	gateBroken
)

// stepInput is the payload of an input artifact.
type stepInput struct {
	Tool       string        `json:"tool"`
	Parameters *tools.Params `json:"parameters"`
	Attempt    int           `json:"attempt"`
	Timeout    string        `json:"timeout"`
}

// stepOutput is the payload of an output or rollback artifact.
type stepOutput struct {
	Attempt int     `json:"attempt,omitempty"`
	Success bool    `json:"success"`
	Output  string  `json:"output,omitempty"`
	Error   string  `json:"error,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
}

// execute runs one step to a settled state. It returns false when the run
// goroutine should exit because the run paused.
func (r *run) execute(ctx context.Context, step *plan.Step) bool {
	ctx = logging.WithStep(ctx, step.ID)
	ctx, span := r.m.tracer.Start(ctx, "orchestrator.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.tool", step.ToolName),
			attribute.String("step.risk", string(step.RiskLevel)),
		))
	defer span.End()

	if r.opts.DryRun {
		r.skipDry(ctx, step)
		return true
	}

	if step.RequiresApproval && !r.isApproved(step.ID) {
		switch r.awaitApproval(ctx, step) {
		case gateRefused, gateInterrupted:
			return true
		case gateBroken:
			return false
		}
	}
	return r.invoke(ctx, step)
}

func (r *run) isApproved(stepID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.approved[stepID]
}

func (r *run) stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *run) skipDry(ctx context.Context, step *plan.Step) {
	r.mu.Lock()
	if r.manifest.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	if err := r.setStepLocked(step.ID, plan.StepSkipped); err == nil {
		r.satisfied[step.ID] = true
		_ = r.saveLocked()
	}
	r.mu.Unlock()
	stepsTotal.WithLabelValues(string(plan.StepSkipped)).Inc()
	_ = r.recordStep(ctx, step, audit.StepSkipped, audit.Info, "dry run", map[string]any{
		"risk_level":        string(step.RiskLevel),
		"requires_approval": step.RequiresApproval,
	})
}

// awaitApproval opens an approval request for step, pauses the run on it and
// blocks until a decision or a stop.
func (r *run) awaitApproval(ctx context.Context, step *plan.Step) gateOutcome {
	r.mu.Lock()
	if r.stopRequested || r.manifest.Status.Terminal() {
		r.mu.Unlock()
		return gateInterrupted
	}
	if err := r.setStepLocked(step.ID, plan.StepRequiresApproval); err != nil {
		r.mu.Unlock()
		r.m.logger.Error(ctx, "marking step for approval", zap.Error(err))
		return gateInterrupted
	}
	if err := r.saveLocked(); err != nil {
		r.mu.Unlock()
		return r.breakGate(ctx, step, &StepError{Kind: KindManifestStore, StepID: step.ID, Err: err})
	}
	r.mu.Unlock()

	req, err := r.m.deps.Approvals.RequestApproval(ctx, ticketFor(r, step))
	if err != nil {
		return r.breakGate(ctx, step, &StepError{Kind: KindAuditTrail, StepID: step.ID, Err: err})
	}

	// A rule may have decided the request already.
	auto := req.Decision != approval.Pending
	if ceiling := r.opts.AutoApproveCeiling; !auto && ceiling != "" && step.RiskLevel != risk.Critical && step.RiskLevel.AtMost(ceiling) {
		_, err := r.m.deps.Approvals.Resolve(ctx, req.ID, approval.Approved, approval.ActorPolicy,
			fmt.Sprintf("risk %s within auto-approve ceiling %s", step.RiskLevel, ceiling))
		if err != nil {
			r.m.logger.Warn(ctx, "auto-approving step", zap.String("request_id", req.ID), zap.Error(err))
		}
		auto = err == nil
	}

	r.mu.Lock()
	if r.stopRequested || r.manifest.Status.Terminal() {
		r.mu.Unlock()
		r.cancelApproval(req.ID, "run stopped")
		r.skipInterrupted(ctx, step)
		return gateInterrupted
	}
	pause := !auto && r.manifest.Status == RunRunning
	if !auto {
		r.manifest.PendingApprovalID = req.ID
		if pause {
			err = r.setStatusLocked(RunPaused, PauseAwaitingApproval)
		} else {
			err = r.saveLocked()
		}
		if err != nil {
			r.manifest.PendingApprovalID = ""
			r.mu.Unlock()
			r.cancelApproval(req.ID, "run manifest could not be written")
			return r.breakGate(ctx, step, &StepError{Kind: KindManifestStore, StepID: step.ID, Err: err})
		}
	}
	r.mu.Unlock()
	if pause {
		r.paused(ctx, PauseAwaitingApproval)
	}
	if !auto {
		r.m.logger.Info(ctx, "waiting for approval",
			zap.String("request_id", req.ID),
			zap.String("risk_level", string(step.RiskLevel)))
	}

	res, err := r.m.deps.Approvals.WaitForResolution(ctx, req.ID)
	if err != nil {
		r.cancelApproval(req.ID, "run stopped")
		r.skipInterrupted(ctx, step)
		return gateInterrupted
	}

	r.mu.Lock()
	if r.manifest.Status.Terminal() {
		r.mu.Unlock()
		return gateInterrupted
	}
	r.manifest.PendingApprovalID = ""
	if res.Decision == approval.Approved {
		r.approved[step.ID] = true
	}
	resumed := r.manifest.Status == RunPaused
	if resumed {
		err = r.setStatusLocked(RunRunning, "")
	} else {
		err = r.saveLocked()
	}
	stopping := r.stopRequested
	r.mu.Unlock()
	if err != nil {
		return r.breakGate(ctx, step, &StepError{Kind: KindManifestStore, StepID: step.ID, Err: err})
	}
	if resumed {
		r.recordRun(ctx, audit.RunResumed, audit.Info,
			fmt.Sprintf("approval %s %s by %s", req.ID, res.Decision, res.DecidedBy), nil)
	}

	switch {
	case res.Decision == approval.Approved:
		return gateGranted
	case res.Decision == approval.Cancelled && stopping:
		r.skipInterrupted(ctx, step)
		return gateInterrupted
	case res.Decision == approval.TimedOut:
		r.failStep(ctx, step, &StepError{Kind: KindTimeout, StepID: step.ID,
			Err: fmt.Errorf("approval %s timed out", req.ID)})
	default:
		reason := res.Reason
		if reason == "" {
			reason = "no reason given"
		}
		r.failStep(ctx, step, &StepError{Kind: KindApprovalDenied, StepID: step.ID,
			Err: fmt.Errorf("approval %s %s by %s: %s", req.ID, res.Decision, res.DecidedBy, reason)})
	}
	return gateRefused
}

// breakGate fails step on a write failure and pauses the run.
func (r *run) breakGate(ctx context.Context, step *plan.Step, serr *StepError) gateOutcome {
	if r.failAndPause(ctx, step, serr, PausePersistenceFailure) {
		return gateInterrupted
	}
	return gateBroken
}

// skipInterrupted records a step that a stop cut short before it ran.
func (r *run) skipInterrupted(ctx context.Context, step *plan.Step) {
	r.mu.Lock()
	if r.manifest.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.manifest.PendingApprovalID = ""
	if err := r.setStepLocked(step.ID, plan.StepSkipped); err == nil {
		_ = r.saveLocked()
	}
	r.mu.Unlock()
	stepsTotal.WithLabelValues(string(plan.StepSkipped)).Inc()
	_ = r.recordStep(ctx, step, audit.StepSkipped, audit.Warning, "run stopped before the step ran", nil)
}

// invocationContext derives a context that keeps ctx's values and is
// cancelled only by a forced stop.
func (r *run) invocationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ictx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(r.invokeCtx, cancel)
	return ictx, func() {
		stop()
		cancel()
	}
}

// call invokes inv and gives up once inv.Timeout has passed or ctx ends.
// The invocation is cancelled then; an invoker that ignores its context is
// left behind and its result dropped.
func (r *run) call(ctx context.Context, inv tools.Invocation) (*tools.Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	type outcome struct {
		res *tools.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.m.deps.Invoker.Invoke(ctx, inv)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		r.m.deps.Invoker.Cancel(inv.ID)
		r.m.logger.Warn(ctx, "abandoning invocation",
			zap.String("invocation_id", inv.ID),
			zap.Duration("timeout", inv.Timeout),
			zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}

// invoke runs step's tool with retries and settles the step.
func (r *run) invoke(ctx context.Context, step *plan.Step) bool {
	r.mu.Lock()
	if r.manifest.Status.Terminal() {
		r.mu.Unlock()
		return true
	}
	if r.stopRequested {
		r.mu.Unlock()
		r.skipInterrupted(ctx, step)
		return true
	}
	if err := r.setStepLocked(step.ID, plan.StepRunning); err != nil {
		r.mu.Unlock()
		r.m.logger.Error(ctx, "starting step", zap.Error(err))
		return true
	}
	if err := r.saveLocked(); err != nil {
		r.mu.Unlock()
		return r.failAndPause(ctx, step, &StepError{Kind: KindManifestStore, StepID: step.ID, Err: err}, PausePersistenceFailure)
	}
	r.mu.Unlock()

	if err := r.recordStep(ctx, step, audit.StepStarted, audit.Info, "step started", map[string]any{
		"risk_level": string(step.RiskLevel),
	}); err != nil {
		return r.failAndPause(ctx, step, &StepError{Kind: KindAuditTrail, StepID: step.ID, Err: err}, PausePersistenceFailure)
	}
	r.m.logger.Info(ctx, "step started", zap.String("tool", step.ToolName))
	r.m.emit(Event{Type: EventStepStarted, RunID: r.id, PlanID: r.plan.ID, StepID: step.ID, Status: RunRunning})

	ictx, cancel := r.invocationContext(ctx)
	defer cancel()

	policy := r.m.cfg.Retry
	var last *StepError
	for attempt := 1; ; attempt++ {
		res, serr, discarded := r.attempt(ictx, step, attempt)
		if discarded {
			return true
		}
		if serr == nil {
			return r.complete(ctx, step, res, attempt)
		}
		switch serr.Kind {
		case KindArtifactStore, KindAuditTrail, KindManifestStore:
			return r.failAndPause(ctx, step, serr, PausePersistenceFailure)
		}
		last = serr
		r.m.logger.Warn(ctx, "step attempt failed",
			zap.Int("attempt", attempt),
			zap.String("kind", string(serr.Kind)),
			zap.Error(serr.Err))

		if !serr.Retryable() || attempt >= policy.MaxAttempts || r.stopping() {
			break
		}
		if !r.backoff(ctx, step, attempt, serr) {
			break
		}
	}

	if r.stopping() {
		r.failStep(ctx, step, last)
		return true
	}
	if err := r.writeError(); err != nil {
		return r.failAndPause(ctx, step, &StepError{Kind: KindManifestStore, StepID: step.ID, Err: err}, PausePersistenceFailure)
	}
	if step.RollbackAction != nil {
		r.rollback(ctx, step)
		r.failStep(ctx, step, last)
		return true
	}
	return r.failAndPause(ctx, step, last, PauseStepFailed)
}

func (r *run) writeError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveErr
}

// attempt makes one invocation. discarded reports that a forced stop
// sealed the run and the result was dropped.
func (r *run) attempt(ctx context.Context, step *plan.Step, n int) (*tools.Result, *StepError, bool) {
	input, err := json.Marshal(stepInput{
		Tool:       step.ToolName,
		Parameters: step.Parameters,
		Attempt:    n,
		Timeout:    step.Timeout().String(),
	})
	if err != nil {
		return nil, &StepError{Kind: KindArtifactStore, StepID: step.ID, Attempt: n, Err: err}, false
	}
	if err := r.storeArtifact(ctx, step, artifact.KindInput, input); err != nil {
		return nil, storeFailure(step, n, err), false
	}

	invID := uuid.NewString()
	r.mu.Lock()
	if r.forced {
		r.mu.Unlock()
		return nil, nil, true
	}
	r.inflight = invID
	r.mu.Unlock()

	started := time.Now()
	res, invErr := r.call(ctx, tools.Invocation{
		ID:      invID,
		Tool:    step.ToolName,
		Params:  step.Parameters,
		Timeout: step.Timeout(),
	})
	invocationDuration.WithLabelValues(step.ToolName).Observe(time.Since(started).Seconds())

	r.mu.Lock()
	r.inflight = ""
	if r.forced {
		r.mu.Unlock()
		r.m.logger.Info(ctx, "discarding result of cancelled invocation", zap.String("invocation_id", invID))
		return nil, nil, true
	}
	if res != nil {
		r.manifest.CostEstimate += res.Cost
	}
	r.mu.Unlock()

	serr := classify(step, n, res, invErr)
	out := stepOutput{Attempt: n}
	if res != nil {
		out.Success, out.Output, out.Error, out.Cost = res.Success, res.Output, res.Error, res.Cost
	}
	if serr != nil {
		out.Success = false
		out.Error = serr.Err.Error()
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, &StepError{Kind: KindArtifactStore, StepID: step.ID, Attempt: n, Err: err}, false
	}
	if err := r.storeArtifact(ctx, step, artifact.KindOutput, payload); err != nil {
		return nil, storeFailure(step, n, err), false
	}
	return res, serr, false
}

func storeFailure(step *plan.Step, attempt int, err error) *StepError {
	kind := KindArtifactStore
	if errors.Is(err, errManifestWrite) {
		kind = KindManifestStore
	}
	return &StepError{Kind: kind, StepID: step.ID, Attempt: attempt, Err: err}
}

// classify turns an invocation outcome into a StepError, or nil on success.
func classify(step *plan.Step, attempt int, res *tools.Result, err error) *StepError {
	fail := func(kind Kind, err error) *StepError {
		return &StepError{Kind: kind, StepID: step.ID, Attempt: attempt, Err: err}
	}
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return fail(KindTimeout, fmt.Errorf("no result within %s: %w", step.Timeout(), err))
	case err != nil:
		return fail(KindToolExecution, err)
	case res == nil:
		return fail(KindToolExecution, tools.ErrNoResult)
	case !res.Success:
		msg := res.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return fail(KindToolExecution, errors.New(msg))
	}
	if step.ExpectedOutput != nil {
		if err := step.ExpectedOutput.Check(res.Output); err != nil {
			return fail(KindExpectationMismatch, err)
		}
	}
	return nil
}

var errManifestWrite = errors.New("recording artifact in manifest")

func (r *run) storeArtifact(ctx context.Context, step *plan.Step, kind artifact.Kind, payload []byte) error {
	id, err := r.m.deps.Artifacts.Store(ctx, r.id, step.ID, kind, payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manifest.Status.Terminal() {
		return nil
	}
	r.manifest.ArtifactIDs = append(r.manifest.ArtifactIDs, id)
	if err := r.saveLocked(); err != nil {
		return fmt.Errorf("%w %s: %w", errManifestWrite, id, err)
	}
	return nil
}

// backoff sleeps before retry number n and counts it. It returns false if
// a stop interrupted the wait.
func (r *run) backoff(ctx context.Context, step *plan.Step, n int, cause *StepError) bool {
	wait := r.m.cfg.Retry.Backoff(n)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return false
	}

	r.mu.Lock()
	if r.stopRequested || r.manifest.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.manifest.RetryCounts[step.ID]++
	r.manifest.StepErrors[step.ID] = cause.info()
	retries := r.manifest.RetryCounts[step.ID]
	if err := r.saveLocked(); err != nil {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	stepRetries.Inc()
	_ = r.recordStep(ctx, step, audit.StepRetried, audit.Warning,
		fmt.Sprintf("retrying after %s", cause.Kind), map[string]any{
			"attempt": n + 1,
			"retries": retries,
			"backoff": wait.String(),
			"error":   cause.Err.Error(),
		})
	return true
}

func (r *run) complete(ctx context.Context, step *plan.Step, res *tools.Result, attempts int) bool {
	if err := r.recordStep(ctx, step, audit.StepCompleted, audit.Info, "step completed", map[string]any{
		"attempts": attempts,
		"cost":     res.Cost,
	}); err != nil {
		return r.failAndPause(ctx, step, &StepError{Kind: KindAuditTrail, StepID: step.ID, Attempt: attempts, Err: err}, PausePersistenceFailure)
	}

	r.mu.Lock()
	if r.manifest.Status.Terminal() {
		r.mu.Unlock()
		return true
	}
	if err := r.setStepLocked(step.ID, plan.StepCompleted); err == nil {
		r.satisfied[step.ID] = true
		delete(r.manifest.StepErrors, step.ID)
		_ = r.saveLocked()
	}
	r.mu.Unlock()

	stepsTotal.WithLabelValues(string(plan.StepCompleted)).Inc()
	r.m.logger.Info(ctx, "step completed", zap.Int("attempts", attempts))
	r.m.emit(Event{Type: EventStepCompleted, RunID: r.id, PlanID: r.plan.ID, StepID: step.ID, Status: RunRunning})
	return true
}

// failStep marks step failed for good.
func (r *run) failStep(ctx context.Context, step *plan.Step, serr *StepError) {
	r.mu.Lock()
	if r.manifest.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	if err := r.setStepLocked(step.ID, plan.StepFailed); err != nil {
		r.mu.Unlock()
		r.m.logger.Error(ctx, "failing step", zap.Error(err))
		return
	}
	r.manifest.StepErrors[step.ID] = serr.info()
	_ = r.saveLocked()
	r.mu.Unlock()

	trace.SpanFromContext(ctx).SetStatus(codes.Error, serr.Error())
	stepsTotal.WithLabelValues(string(plan.StepFailed)).Inc()
	_ = r.recordStep(ctx, step, audit.StepFailed, audit.Error, serr.Error(), map[string]any{
		"kind":    string(serr.Kind),
		"attempt": serr.Attempt,
	})
	r.m.logger.Warn(ctx, "step failed", zap.String("kind", string(serr.Kind)), zap.Error(serr.Err))
	r.m.emit(Event{Type: EventStepFailed, RunID: r.id, PlanID: r.plan.ID, StepID: step.ID, Status: RunRunning, Err: serr})
}

// failAndPause fails step and pauses the run so an operator can resume or
// stop it. It returns true when the run goroutine should keep going, which
// is only the case when a stop is already pending or the run was sealed.
func (r *run) failAndPause(ctx context.Context, step *plan.Step, serr *StepError, reason string) bool {
	r.failStep(ctx, step, serr)

	r.mu.Lock()
	if r.manifest.Status.Terminal() || r.stopRequested {
		r.mu.Unlock()
		return true
	}
	r.resumable[step.ID] = true
	if r.manifest.Status == RunRunning && r.setStatusLocked(RunPaused, reason) == nil {
		r.active = false
		r.mu.Unlock()
		r.paused(ctx, reason)
		return false
	}
	r.haltAndUnlock(ctx, PausePersistenceFailure)
	return false
}

// rollback invokes step's rollback action. Failures become manifest
// warnings.
func (r *run) rollback(ctx context.Context, step *plan.Step) {
	ra := step.RollbackAction
	_ = r.recordStep(ctx, step, audit.RollbackStarted, audit.Warning,
		fmt.Sprintf("rolling back with %s", ra.ToolName), nil)

	invID := uuid.NewString()
	r.mu.Lock()
	r.inflight = invID
	r.mu.Unlock()
	res, err := r.call(ctx, tools.Invocation{
		ID:      invID,
		Tool:    ra.ToolName,
		Params:  ra.Parameters,
		Timeout: step.Timeout(),
	})
	r.mu.Lock()
	r.inflight = ""
	r.mu.Unlock()

	if err == nil && res != nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "rollback tool reported failure"
		}
		err = errors.New(msg)
	} else if err == nil && res == nil {
		err = tools.ErrNoResult
	}

	out := stepOutput{}
	if res != nil {
		out.Success, out.Output, out.Error, out.Cost = res.Success, res.Output, res.Error, res.Cost
	}
	if err != nil {
		out.Success, out.Error = false, err.Error()
	}
	if payload, merr := json.Marshal(out); merr == nil {
		if serr := r.storeArtifact(ctx, step, artifact.KindRollback, payload); serr != nil {
			r.m.logger.Warn(ctx, "storing rollback artifact", zap.Error(serr))
		}
	}

	if err == nil {
		_ = r.recordStep(ctx, step, audit.RollbackCompleted, audit.Info, "rollback completed", nil)
		r.m.logger.Info(ctx, "rollback completed", zap.String("tool", ra.ToolName))
		return
	}

	rerr := &StepError{Kind: KindRollback, StepID: step.ID, Err: err}
	r.mu.Lock()
	if !r.manifest.Status.Terminal() {
		r.manifest.Warnings = append(r.manifest.Warnings, rerr.Error())
		_ = r.saveLocked()
	}
	r.mu.Unlock()
	_ = r.recordStep(ctx, step, audit.RollbackFailed, audit.Error, rerr.Error(), map[string]any{"kind": string(KindRollback)})
	r.m.logger.Warn(ctx, "rollback failed", zap.String("tool", ra.ToolName), zap.Error(err))
}
