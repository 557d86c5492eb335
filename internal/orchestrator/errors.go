package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a run or step cannot move to the
	// requested state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrManifestSealed is returned when writing over a terminal manifest.
	ErrManifestSealed = errors.New("manifest is sealed")

	// ErrTooManyRuns is returned by Start when the concurrency limit is reached.
	ErrTooManyRuns = errors.New("too many concurrent runs")

	// ErrApprovalPending is returned by Resume while the run waits on an
	// approval decision.
	ErrApprovalPending = errors.New("run is waiting for approval")

	// ErrPlanNotRunnable is returned by Start for archived plans.
	ErrPlanNotRunnable = errors.New("plan is not runnable")

	// ErrInvalidOptions is returned by Start for bad RunOptions.
	ErrInvalidOptions = errors.New("invalid run options")

	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("run manager is shut down")
)

// Kind classifies step failures.
type Kind string

const (
	KindToolExecution       Kind = "tool_execution"
	KindTimeout             Kind = "timeout"
	KindApprovalDenied      Kind = "approval_denied"
	KindExpectationMismatch Kind = "expectation_mismatch"
	KindRollback            Kind = "rollback"
	KindArtifactStore       Kind = "artifact_store"
	KindAuditTrail          Kind = "audit_trail"
	KindManifestStore       Kind = "manifest_store"
)

// StepError is a failure of one attempt of one step.
type StepError struct {
	Kind    Kind
	StepID  string
	Attempt int
	Err     error
}

func (e *StepError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("step %s attempt %d: %s: %v", e.StepID, e.Attempt, e.Kind, e.Err)
	}
	return fmt.Sprintf("step %s: %s: %v", e.StepID, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *StepError) Retryable() bool {
	switch e.Kind {
	case KindToolExecution, KindTimeout, KindExpectationMismatch:
		return true
	}
	return false
}

func (e *StepError) info() StepErrorInfo {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return StepErrorInfo{Kind: e.Kind, Message: msg, Attempt: e.Attempt}
}
