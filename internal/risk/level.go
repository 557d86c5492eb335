// Package risk maps a tool call to a coarse risk level.
//
// Classification is pure: the same tool name and parameters always produce
// the same level, so plan validation is reproducible.
package risk

import (
	"fmt"
	"strings"
)

// Level is a coarse risk classification.
type Level string

const (
	Low      Level = "low"
	Medium   Level = "medium"
	High     Level = "high"
	Critical Level = "critical"
)

// Levels lists every level from least to most risky.
var Levels = []Level{Low, Medium, High, Critical}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(raw string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(raw)))
	if l.Rank() == 0 {
		return "", fmt.Errorf("unknown risk level %q", raw)
	}
	return l, nil
}

// Rank orders levels from 1 (low) to 4 (critical); 0 means invalid.
func (l Level) Rank() int {
	switch l {
	case Low:
		return 1
	case Medium:
		return 2
	case High:
		return 3
	case Critical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool { return l.Rank() > 0 }

// AtMost reports whether l is at or below ceiling. An invalid ceiling admits
// nothing.
func (l Level) AtMost(ceiling Level) bool {
	if !ceiling.Valid() || !l.Valid() {
		return false
	}
	return l.Rank() <= ceiling.Rank()
}

// Max returns the riskier of two levels.
func Max(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ApprovalPolicy decides whether a level needs human approval.
// Critical always does.
type ApprovalPolicy map[Level]bool

// DefaultApprovalPolicy requires approval for everything above low.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{Low: false, Medium: true, High: true, Critical: true}
}

// PolicyFromOverrides applies per-level overrides on top of the default
// policy. Unknown level names are rejected.
func PolicyFromOverrides(overrides map[string]bool) (ApprovalPolicy, error) {
	p := DefaultApprovalPolicy()
	for name, required := range overrides {
		l, err := ParseLevel(name)
		if err != nil {
			return nil, err
		}
		p[l] = required
	}
	p[Critical] = true
	return p, nil
}

// Requires reports whether steps at level l need approval.
func (p ApprovalPolicy) Requires(l Level) bool {
	if l == Critical || !l.Valid() {
		return true
	}
	required, ok := p[l]
	if !ok {
		return DefaultApprovalPolicy()[l]
	}
	return required
}
