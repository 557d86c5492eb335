// Package approval gates risky steps behind an explicit human decision.
//
// A Gate holds pending requests in memory, persists each one as JSON so
// operator tooling in another process can list them, and resolves them from
// direct calls, from decision files dropped into an inbox directory, or from
// a timeout armed when the request is created.
package approval

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/taskrun/internal/risk"
)

// Decision is the state of a request.
type Decision string

const (
	Pending   Decision = "pending"
	Approved  Decision = "approved"
	Denied    Decision = "denied"
	TimedOut  Decision = "timed_out"
	Cancelled Decision = "cancelled"
)

// Resolved reports whether d is final.
func (d Decision) Resolved() bool {
	switch d {
	case Approved, Denied, TimedOut, Cancelled:
		return true
	default:
		return false
	}
}

// DefaultTimeout applies when neither the ticket nor the gate sets one.
const DefaultTimeout = 5 * time.Minute

// Actors recorded for decisions not made by a person.
const (
	ActorSystem = "system"
	ActorPolicy = "policy"
)

var (
	// ErrRequestNotFound is returned for unknown request ids.
	ErrRequestNotFound = errors.New("approval request not found")

	// ErrInvalidDecision is returned when resolving with anything but
	// approved or denied.
	ErrInvalidDecision = errors.New("invalid approval decision")

	// ErrInvalidTicket is returned for tickets missing a run or step.
	ErrInvalidTicket = errors.New("invalid approval ticket")
)

// Ticket describes the step that needs a decision.
type Ticket struct {
	RunID             string
	PlanID            string
	StepID            string
	ToolName          string
	RiskLevel         risk.Level
	Description       string
	Consequences      []string
	RollbackAvailable bool

	// Operation describes what the step will do, for example its encoded
	// parameters. Rule operation patterns match against it.
	Operation string

	// Timeout of zero means the gate default.
	Timeout time.Duration
}

// Request is one approval request and its outcome.
type Request struct {
	ID                string     `json:"id"`
	RunID             string     `json:"run_id"`
	PlanID            string     `json:"plan_id,omitempty"`
	StepID            string     `json:"step_id"`
	ToolName          string     `json:"tool_name,omitempty"`
	RiskLevel         risk.Level `json:"risk_level"`
	Description       string     `json:"description,omitempty"`
	Consequences      []string   `json:"consequences,omitempty"`
	Operation         string     `json:"operation,omitempty"`
	RollbackAvailable bool       `json:"rollback_available"`
	CreatedAt         time.Time  `json:"created_at"`
	TimeoutSeconds    int        `json:"timeout_seconds"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Decision          Decision   `json:"decision"`
	DecidedBy         string     `json:"decided_by,omitempty"`
	DecidedAt         *time.Time `json:"decided_at,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

func (r *Request) clone() *Request {
	c := *r
	c.Consequences = append([]string(nil), r.Consequences...)
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}
