// Package plan turns a proposed list of tool steps into a validated,
// risk-annotated Plan and persists it.
//
// A Plan is immutable once validated. Editing means creating a new Plan that
// points back to the one it replaces.
package plan

import (
	"time"

	"github.com/fyrsmithlabs/taskrun/internal/risk"
	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

// Status is the lifecycle state of a Plan.
type Status string

const (
	StatusCreated   Status = "created"
	StatusValidated Status = "validated"
	StatusArchived  Status = "archived"
)

// StepStatus is the execution state of a Step.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepRequiresApproval StepStatus = "requires_approval"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
)

// DefaultStepTimeout applies when a proposed step sets no timeout.
const DefaultStepTimeout = 300

// RollbackAction is a compensating tool call run when a step fails for good.
type RollbackAction struct {
	ToolName   string        `json:"tool_name" yaml:"tool"`
	Parameters *tools.Params `json:"parameters" yaml:"params"`
}

// Step is one tool invocation of a Plan.
type Step struct {
	ID               string          `json:"id"`
	ToolName         string          `json:"tool_name"`
	Description      string          `json:"description,omitempty"`
	Parameters       *tools.Params   `json:"parameters"`
	ExpectedOutput   *Expectation    `json:"expected_output,omitempty"`
	RollbackAction   *RollbackAction `json:"rollback_action,omitempty"`
	RiskLevel        risk.Level      `json:"risk_level"`
	RiskReasons      []string        `json:"risk_reasons,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	TimeoutSeconds   int             `json:"timeout_seconds"`
	Dependencies     []string        `json:"dependencies"`
	Status           StepStatus      `json:"status"`
}

// Timeout returns the step deadline as a duration.
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RiskSummary is derived from the steps of a Plan.
type RiskSummary struct {
	Counts            map[risk.Level]int `json:"counts"`
	Highest           risk.Level         `json:"highest"`
	ApprovalsRequired int                `json:"approvals_required"`
}

// Plan is a validated DAG of steps for one objective.
type Plan struct {
	ID                       string      `json:"id"`
	Objective                string      `json:"objective"`
	Steps                    []*Step     `json:"steps"`
	CreatedAt                time.Time   `json:"created_at"`
	Status                   Status      `json:"status"`
	RiskSummary              RiskSummary `json:"risk_summary"`
	ParentID                 string      `json:"parent_id,omitempty"`
	EstimatedDurationSeconds int         `json:"estimated_duration_seconds"`
}

// Step returns the step with id, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Index returns the declaration index of step id, or -1.
func (p *Plan) Index(id string) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Filter selects plans in ListPlans.
type Filter struct {
	Status    Status
	Objective string
	Limit     int
}

func summarize(steps []*Step) (RiskSummary, int) {
	sum := RiskSummary{Counts: make(map[risk.Level]int)}
	total := 0
	for _, s := range steps {
		sum.Counts[s.RiskLevel]++
		if sum.Highest == "" || s.RiskLevel.Rank() > sum.Highest.Rank() {
			sum.Highest = s.RiskLevel
		}
		if s.RequiresApproval {
			sum.ApprovalsRequired++
		}
		total += s.TimeoutSeconds
	}
	return sum, total
}
