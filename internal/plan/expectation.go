package plan

import (
	"fmt"
	"regexp"
	"strings"
)

// Expectation asserts on the output of a step. Every field that is set must
// hold.
type Expectation struct {
	Contains string `json:"contains,omitempty" yaml:"contains"`
	Equals   string `json:"equals,omitempty" yaml:"equals"`
	Pattern  string `json:"pattern,omitempty" yaml:"pattern"`
}

// IsZero reports whether no assertion is set.
func (e *Expectation) IsZero() bool {
	return e == nil || (e.Contains == "" && e.Equals == "" && e.Pattern == "")
}

func (e *Expectation) validate() error {
	if e == nil || e.Pattern == "" {
		return nil
	}
	if _, err := regexp.Compile(e.Pattern); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", e.Pattern, err)
	}
	return nil
}

// Check returns nil when output satisfies e, or an error describing the
// first assertion that failed.
func (e *Expectation) Check(output string) error {
	if e.IsZero() {
		return nil
	}
	if e.Equals != "" && strings.TrimSpace(output) != strings.TrimSpace(e.Equals) {
		return fmt.Errorf("output does not equal %q", e.Equals)
	}
	if e.Contains != "" && !strings.Contains(output, e.Contains) {
		return fmt.Errorf("output does not contain %q", e.Contains)
	}
	if e.Pattern != "" {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", e.Pattern, err)
		}
		if !re.MatchString(output) {
			return fmt.Errorf("output does not match %q", e.Pattern)
		}
	}
	return nil
}
