package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/taskrun/internal/plan"
)

var runTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunCreated: {
		RunRunning: {},
		RunAborted: {},
	},
	RunRunning: {
		RunPaused:  {},
		RunSuccess: {},
		RunFailed:  {},
		RunAborted: {},
	},
	RunPaused: {
		RunRunning: {},
		RunAborted: {},
	},
	RunSuccess: {},
	RunFailed:  {},
	RunAborted: {},
}

var stepTransitions = map[plan.StepStatus]map[plan.StepStatus]struct{}{
	plan.StepPending: {
		plan.StepRequiresApproval: {},
		plan.StepRunning:          {},
		plan.StepSkipped:          {},
	},
	plan.StepRequiresApproval: {
		plan.StepRunning: {},
		plan.StepFailed:  {},
		plan.StepSkipped: {},
	},
	plan.StepRunning: {
		plan.StepCompleted: {},
		plan.StepFailed:    {},
		plan.StepSkipped:   {},
	},
	plan.StepFailed: {
		plan.StepPending: {},
	},
	plan.StepCompleted: {},
	plan.StepSkipped:   {},
}

// ValidateRunTransition returns ErrInvalidTransition unless a run may move
// from one status to the other.
func ValidateRunTransition(from, to RunStatus) error {
	next, ok := runTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown run status %q", ErrInvalidTransition, from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidateStepTransition is ValidateRunTransition for step statuses.
func ValidateStepTransition(from, to plan.StepStatus) error {
	next, ok := stepTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown step status %q", ErrInvalidTransition, from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: step %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
