// Package audit records an append-only trail of everything the engine does.
//
// Events are stored in SQLite. Each run has its own monotonically increasing
// sequence, so the trail of a run can be replayed in order even when many runs
// write concurrently.
package audit

import (
	"fmt"
	"strings"
	"time"
)

// EventType names what happened.
type EventType string

const (
	PlanCreated  EventType = "plan_created"
	PlanRevised  EventType = "plan_revised"
	PlanArchived EventType = "plan_archived"

	RunStarted   EventType = "run_started"
	RunPaused    EventType = "run_paused"
	RunResumed   EventType = "run_resumed"
	RunCompleted EventType = "run_completed"
	RunFailed    EventType = "run_failed"
	RunAborted   EventType = "run_aborted"
	RunDeleted   EventType = "run_deleted"

	StepStarted   EventType = "step_started"
	StepCompleted EventType = "step_completed"
	StepFailed    EventType = "step_failed"
	StepRetried   EventType = "step_retried"
	StepSkipped   EventType = "step_skipped"

	ApprovalRequested EventType = "approval_requested"
	ApprovalResolved  EventType = "approval_resolved"

	RollbackStarted   EventType = "rollback_started"
	RollbackCompleted EventType = "rollback_completed"
	RollbackFailed    EventType = "rollback_failed"

	ArtifactStored  EventType = "artifact_stored"
	ArtifactCleaned EventType = "artifact_cleaned"
)

// Severity grades an event.
type Severity string

const (
	Debug    Severity = "debug"
	Info     Severity = "info"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case Debug:
		return 1
	case Info:
		return 2
	case Warning:
		return 3
	case Error:
		return 4
	case Critical:
		return 5
	default:
		return 0
	}
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// Event is one audit record. ID, Seq and Timestamp are assigned by Append.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id,omitempty"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Actor     string         `json:"actor,omitempty"`
	PlanID    string         `json:"plan_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	RunID       string
	StepID      string
	Types       []EventType
	MinSeverity Severity
	Since       time.Time
	Until       time.Time
	Limit       int
}
