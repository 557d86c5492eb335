package plan

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

// ProposedStep is one step as suggested by a planner, before validation.
type ProposedStep struct {
	ID             string          `json:"id" yaml:"id"`
	ToolName       string          `json:"tool_name" yaml:"tool"`
	Description    string          `json:"description,omitempty" yaml:"description"`
	Parameters     *tools.Params   `json:"parameters,omitempty" yaml:"params"`
	ExpectedOutput *Expectation    `json:"expected_output,omitempty" yaml:"expect"`
	RollbackAction *RollbackAction `json:"rollback_action,omitempty" yaml:"rollback"`
	Dependencies   []string        `json:"dependencies,omitempty" yaml:"depends_on"`

	// TimeoutSeconds of zero means DefaultStepTimeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`

	// RequireApproval forces approval for a step the policy would let through.
	// It can only add a requirement, never remove one.
	RequireApproval bool `json:"require_approval,omitempty" yaml:"require_approval"`
}

// Proposal is a planner's suggestion for an objective.
type Proposal struct {
	Objective string         `yaml:"objective"`
	Steps     []ProposedStep `yaml:"steps"`
}

// LoadProposal decodes a YAML proposal. Parameter order is preserved.
func LoadProposal(r io.Reader) (*Proposal, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Proposal
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Problems: []string{"proposal is empty"}}
		}
		return nil, fmt.Errorf("decoding proposal: %w", err)
	}
	return &p, nil
}
