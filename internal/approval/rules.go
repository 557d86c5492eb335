package approval

import (
	"fmt"
	"regexp"
	"slices"
	"sort"

	"github.com/fyrsmithlabs/taskrun/internal/risk"
)

// RuleAction is what a matching rule does with a request.
type RuleAction string

const (
	// RuleApprove resolves the request as approved.
	RuleApprove RuleAction = "approve"
	// RuleDeny resolves the request as denied.
	RuleDeny RuleAction = "deny"
	// RuleManual stops rule evaluation and leaves the request to a person.
	RuleManual RuleAction = "manual"
)

// Rule decides approval requests without a person. A rule matches a ticket
// when every matcher it sets matches: one of Tools against the tool name,
// the risk level against RiskLevels and one of Operations against the
// ticket's operation. Patterns are unanchored and case-insensitive.
//
// Rules run by ascending Priority and the first match decides. Approve rules
// never match critical tickets.
type Rule struct {
	ID         string
	Tools      []string
	RiskLevels []risk.Level
	Operations []string
	Action     RuleAction
	Priority   int
	Disabled   bool
}

type compiledRule struct {
	Rule
	tools []*regexp.Regexp
	ops   []*regexp.Regexp
}

// DefaultRules returns the built-in rules: destructive critical operations
// are denied, shell execution always waits for a person and low-risk reads
// are approved.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:         "deny-destructive-operations",
			Operations: []string{`rm\s+-rf`, `\bformat\b`, `\bmkfs\b`, `\bdd\s+if=.*of=`},
			RiskLevels: []risk.Level{risk.Critical},
			Action:     RuleDeny,
			Priority:   1,
		},
		{
			ID:         "manual-shell-execution",
			Tools:      []string{`^(bash|shell|run_command|execute_command)$`},
			RiskLevels: []risk.Level{risk.Medium, risk.High, risk.Critical},
			Action:     RuleManual,
			Priority:   5,
		},
		{
			ID:         "approve-low-risk-reads",
			Tools:      []string{`^(read_file|list_files|find_in_files)$`},
			RiskLevels: []risk.Level{risk.Low},
			Action:     RuleApprove,
			Priority:   10,
		},
	}
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("approval rule %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("approval rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		switch r.Action {
		case RuleApprove, RuleDeny, RuleManual:
		default:
			return nil, fmt.Errorf("approval rule %s: unknown action %q", r.ID, r.Action)
		}
		for _, l := range r.RiskLevels {
			if !l.Valid() {
				return nil, fmt.Errorf("approval rule %s: unknown risk level %q", r.ID, l)
			}
		}
		c := compiledRule{Rule: r}
		c.RiskLevels = slices.Clone(r.RiskLevels)
		var err error
		if c.tools, err = compilePatterns(r.Tools); err != nil {
			return nil, fmt.Errorf("approval rule %s: tool pattern: %w", r.ID, err)
		}
		if c.ops, err = compilePatterns(r.Operations); err != nil {
			return nil, fmt.Errorf("approval rule %s: operation pattern: %w", r.ID, err)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (r *compiledRule) matches(t Ticket) bool {
	if r.Disabled {
		return false
	}
	if r.Action == RuleApprove && t.RiskLevel == risk.Critical {
		return false
	}
	if len(r.tools) > 0 && !anyMatch(r.tools, t.ToolName) {
		return false
	}
	if len(r.RiskLevels) > 0 && !slices.Contains(r.RiskLevels, t.RiskLevel) {
		return false
	}
	if len(r.ops) > 0 && !anyMatch(r.ops, t.Operation) {
		return false
	}
	return true
}

// decide returns the first rule matching t, or nil.
func decide(rules []compiledRule, t Ticket) *compiledRule {
	for i := range rules {
		if rules[i].matches(t) {
			return &rules[i]
		}
	}
	return nil
}
