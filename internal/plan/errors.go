package plan

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPlanNotFound is returned for unknown plan ids.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInvalidTransition is returned when a plan status change is not allowed.
	ErrInvalidTransition = errors.New("invalid plan status transition")
)

// ValidationError lists every problem found in a proposal.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid plan: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid plan: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// DependencyCycleError reports a cycle in the step graph. Cycle starts and
// ends with the same step id.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}
