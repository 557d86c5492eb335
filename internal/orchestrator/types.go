package orchestrator

import (
	"maps"
	"slices"
	"time"

	"github.com/fyrsmithlabs/taskrun/internal/plan"
	"github.com/fyrsmithlabs/taskrun/internal/risk"
)

// RunStatus is the state of a run.
type RunStatus string

const (
	RunCreated RunStatus = "created"
	RunRunning RunStatus = "running"
	RunPaused  RunStatus = "paused"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunAborted RunStatus = "aborted"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunCreated, RunRunning, RunPaused, RunSuccess, RunFailed, RunAborted:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is final.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunAborted
}

// Reasons a run is paused.
const (
	PauseAwaitingApproval   = "awaiting_approval"
	PauseStepFailed         = "step_failed"
	PausePersistenceFailure = "persistence_failure"
	PauseOperator           = "operator"
)

// RunOptions tailor one run of a plan.
type RunOptions struct {
	// DryRun walks the plan in order, recording every step as skipped
	// without invoking tools or requesting approvals.
	DryRun bool `json:"dry_run,omitempty"`

	// StepIDs restricts the run to a subset of steps. Steps outside it are
	// skipped. Every dependency of a selected step must be selected too.
	StepIDs []string `json:"step_ids,omitempty"`

	// AutoApproveCeiling approves requests at or below this level without
	// waiting for a person. Critical steps always wait.
	AutoApproveCeiling risk.Level `json:"auto_approve_ceiling,omitempty"`
}

// DefaultRunListLimit caps ListRuns when RunFilter leaves Limit unset.
const DefaultRunListLimit = 50

// RunFilter selects manifests for ListRuns. Zero fields match everything.
type RunFilter struct {
	PlanID string
	Status RunStatus
	Limit  int
}

// StepErrorInfo is the persisted form of a StepError.
type StepErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Attempt int    `json:"attempt,omitempty"`
}

// Manifest is the durable record of one run.
type Manifest struct {
	RunID             string                     `json:"run_id"`
	PlanID            string                     `json:"plan_id"`
	StartedAt         time.Time                  `json:"started_at"`
	EndedAt           *time.Time                 `json:"ended_at,omitempty"`
	UpdatedAt         time.Time                  `json:"updated_at"`
	Status            RunStatus                  `json:"status"`
	CurrentStepID     string                     `json:"current_step_id"`
	CompletedStepIDs  []string                   `json:"completed_step_ids"`
	FailedStepIDs     []string                   `json:"failed_step_ids"`
	SkippedStepIDs    []string                   `json:"skipped_step_ids"`
	ArtifactIDs       []string                   `json:"artifact_ids"`
	RetryCounts       map[string]int             `json:"retry_counts"`
	CostEstimate      float64                    `json:"cost_estimate"`
	StepStates        map[string]plan.StepStatus `json:"step_states"`
	StepErrors        map[string]StepErrorInfo   `json:"step_errors,omitempty"`
	PendingApprovalID string                     `json:"pending_approval_id,omitempty"`
	PauseReason       string                     `json:"pause_reason,omitempty"`
	Warnings          []string                   `json:"warnings,omitempty"`
	Options           RunOptions                 `json:"options"`
}

func newManifest(runID string, p *plan.Plan, opts RunOptions, now time.Time) *Manifest {
	m := &Manifest{
		RunID:            runID,
		PlanID:           p.ID,
		StartedAt:        now,
		UpdatedAt:        now,
		Status:           RunCreated,
		CompletedStepIDs: []string{},
		FailedStepIDs:    []string{},
		SkippedStepIDs:   []string{},
		ArtifactIDs:      []string{},
		RetryCounts:      make(map[string]int),
		StepStates:       make(map[string]plan.StepStatus, len(p.Steps)),
		StepErrors:       make(map[string]StepErrorInfo),
		Options:          opts,
	}
	for _, s := range p.Steps {
		m.StepStates[s.ID] = plan.StepPending
	}
	return m
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	if m.EndedAt != nil {
		t := *m.EndedAt
		c.EndedAt = &t
	}
	c.CompletedStepIDs = slices.Clone(m.CompletedStepIDs)
	c.FailedStepIDs = slices.Clone(m.FailedStepIDs)
	c.SkippedStepIDs = slices.Clone(m.SkippedStepIDs)
	c.ArtifactIDs = slices.Clone(m.ArtifactIDs)
	c.Warnings = slices.Clone(m.Warnings)
	c.RetryCounts = maps.Clone(m.RetryCounts)
	c.StepStates = maps.Clone(m.StepStates)
	c.StepErrors = maps.Clone(m.StepErrors)
	c.Options.StepIDs = slices.Clone(m.Options.StepIDs)
	return &c
}

// EventType names a run lifecycle notification.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventRunPaused     EventType = "run_paused"
	EventRunCompleted  EventType = "run_completed"
	EventRunFailed     EventType = "run_failed"
	EventRunAborted    EventType = "run_aborted"
)

// Event is delivered to OnEvent observers.
type Event struct {
	Type   EventType
	RunID  string
	PlanID string
	StepID string
	Status RunStatus
	Err    error
	Time   time.Time
}
