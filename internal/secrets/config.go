package secrets

import (
	"fmt"
	"regexp"
)

const defaultRedaction = "[REDACTED]"

// Config configures a Scrubber.
type Config struct {
	// Enabled turns scrubbing on. A disabled scrubber returns input unchanged.
	Enabled bool `koanf:"enabled"`

	Rules []Rule `koanf:"rules"`

	// Redaction replaces each detected secret (default "[REDACTED]").
	Redaction string `koanf:"redaction"`

	// AllowList holds patterns for matches that must never be redacted.
	AllowList []string `koanf:"allow_list"`
}

// Rule detects one kind of secret.
type Rule struct {
	ID       string   `koanf:"id"`
	Pattern  string   `koanf:"pattern"`
	Keywords []string `koanf:"keywords"`
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig enables scrubbing with DefaultRules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Rules:     DefaultRules(),
		Redaction: defaultRedaction,
	}
}

func (c *Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	rules := make([]compiledRule, 0, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			return nil, nil, fmt.Errorf("rule %s: invalid pattern %q", r.ID, r.Pattern)
		}
		cr := compiledRule{id: r.ID, pattern: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		rules = append(rules, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("allow_list %d: %w", i, err)
		}
		allow = append(allow, re)
	}
	return rules, allow, nil
}
