package risk

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/taskrun/internal/tools"
)

// Category groups tools by the kind of effect they have.
type Category string

const (
	ReadOnly       Category = "read_only"
	WorkspaceWrite Category = "workspace_write"
	External       Category = "external"
	SystemWide     Category = "system"
	Destructive    Category = "destructive"
)

var categoryLevels = map[Category]Level{
	ReadOnly:       Low,
	WorkspaceWrite: Medium,
	External:       High,
	SystemWide:     High,
	Destructive:    Critical,
}

// ParseCategory parses a category name.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := categoryLevels[c]; !ok {
		return "", fmt.Errorf("unknown tool category %q", raw)
	}
	return c, nil
}

// DefaultCategories covers the common tool names of the assistant's catalog.
func DefaultCategories() map[string]Category {
	return map[string]Category{
		"read_file":    ReadOnly,
		"list_files":   ReadOnly,
		"find_files":   ReadOnly,
		"search":       ReadOnly,
		"grep":         ReadOnly,
		"git_status":   ReadOnly,
		"git_diff":     ReadOnly,
		"git_log":      ReadOnly,
		"write_file":   WorkspaceWrite,
		"edit_file":    WorkspaceWrite,
		"create_dir":   WorkspaceWrite,
		"git_add":      WorkspaceWrite,
		"git_commit":   WorkspaceWrite,
		"git_branch":   WorkspaceWrite,
		"git_push":     External,
		"git_pull":     External,
		"git_clone":    External,
		"http_request": External,
		"web_fetch":    External,
		"bash":         SystemWide,
		"shell":        SystemWide,
		"install":      SystemWide,
		"delete_file":  Destructive,
		"remove_dir":   Destructive,
	}
}

// destructivePatterns flag shell-like arguments that can destroy data or the
// host, whatever tool carries them.
var destructivePatterns = []string{
	`rm\s+(-\w+\s+)*-\w*[rf]\w*\s+/`,
	`rm\s+.*-rf\s*/`,
	`\bmkfs(\.\w+)?\b`,
	`\bdd\s+.*of=/dev/`,
	`\bfdisk\b`,
	`\bformat\s+[c-zC-Z]:`,
	`\bdel\s+.*\*\.\*`,
	`\b(shutdown|reboot|poweroff|halt)\b`,
	`\binit\s+0\b`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`\b(curl|wget)\b.*\|\s*(ba)?sh\b`,
	`chmod\s+(-R\s+)?777\s+/`,
	`chown\s+.*\s+/\s*$`,
	`git\s+push\s+.*--force`,
	`>\s*/dev/sd[a-z]`,
}

// Assessment explains a classification.
type Assessment struct {
	Level    Level
	Category Category
	Reasons  []string
}

// Classifier maps tool calls to risk levels.
type Classifier struct {
	categories map[string]Category
	patterns   []*regexp.Regexp
}

// Option configures a Classifier.
type Option func(*Classifier) error

// WithCategory assigns a category to a tool name, overriding the defaults.
func WithCategory(tool string, c Category) Option {
	return func(cl *Classifier) error {
		if _, ok := categoryLevels[c]; !ok {
			return fmt.Errorf("unknown tool category %q", c)
		}
		cl.categories[tool] = c
		return nil
	}
}

// WithCategories assigns categories from name pairs, as found in config.
func WithCategories(m map[string]string) Option {
	return func(cl *Classifier) error {
		for tool, raw := range m {
			c, err := ParseCategory(raw)
			if err != nil {
				return fmt.Errorf("tool %s: %w", tool, err)
			}
			cl.categories[tool] = c
		}
		return nil
	}
}

// WithDestructivePattern adds a pattern that escalates any matching
// argument to critical.
func WithDestructivePattern(pattern string) Option {
	return func(cl *Classifier) error {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid destructive pattern %q: %w", pattern, err)
		}
		cl.patterns = append(cl.patterns, re)
		return nil
	}
}

// NewClassifier creates a classifier with the default tool table and
// destructive patterns, then applies opts.
func NewClassifier(opts ...Option) (*Classifier, error) {
	cl := &Classifier{categories: DefaultCategories()}
	for _, p := range destructivePatterns {
		cl.patterns = append(cl.patterns, regexp.MustCompile(p))
	}
	for _, opt := range opts {
		if err := opt(cl); err != nil {
			return nil, err
		}
	}
	return cl, nil
}

// Classify returns the risk level of invoking tool with params.
func (c *Classifier) Classify(tool string, params *tools.Params) Level {
	return c.Assess(tool, params).Level
}

// Assess classifies a tool call and records why.
//
// Unknown tools are high. Arguments matching a destructive pattern, or an
// `irreversible: true` parameter, make the call critical. A workspace write
// whose path leaves the workspace is raised to high.
func (c *Classifier) Assess(tool string, params *tools.Params) Assessment {
	category, known := c.categories[tool]
	var a Assessment
	if known {
		a = Assessment{
			Level:    categoryLevels[category],
			Category: category,
			Reasons:  []string{fmt.Sprintf("tool %s is %s", tool, category)},
		}
	} else {
		a = Assessment{
			Level:   High,
			Reasons: []string{fmt.Sprintf("tool %s has no risk rule", tool)},
		}
	}

	if irreversible, ok := params.GetBool("irreversible"); ok && irreversible {
		a.raise(Critical, "call is marked irreversible")
	}

	if category == WorkspaceWrite {
		if p, ok := params.GetString("path"); ok && escapesWorkspace(p) {
			a.raise(High, fmt.Sprintf("path %q is outside the workspace", p))
		}
	}

	for _, arg := range stringArgs(params) {
		for _, re := range c.patterns {
			if re.MatchString(arg.value) {
				a.raise(Critical, fmt.Sprintf("parameter %s matches destructive pattern %s", arg.path, re.String()))
				break
			}
		}
	}

	return a
}

func (a *Assessment) raise(l Level, reason string) {
	a.Level = Max(a.Level, l)
	a.Reasons = append(a.Reasons, reason)
}

func escapesWorkspace(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") || strings.HasPrefix(p, `\`) {
		return true
	}
	if len(p) >= 2 && p[1] == ':' {
		return true
	}
	clean := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	return clean == ".." || strings.HasPrefix(clean, "../")
}

// maxArgDepth bounds how far stringArgs descends into nested values.
const maxArgDepth = 16

type stringArg struct {
	path  string
	value string
}

// stringArgs returns every string found in params, descending into lists,
// maps and nested parameter sets. Paths look like cmd, argv[1] or env.HOME
// and come out in key order so the reasons list is stable.
func stringArgs(params *tools.Params) []stringArg {
	var out []stringArg
	keys := params.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := params.Get(k)
		out = collectStrings(out, k, v, 0)
	}
	return out
}

func collectStrings(out []stringArg, path string, v any, depth int) []stringArg {
	if depth > maxArgDepth {
		return out
	}
	switch val := v.(type) {
	case string:
		out = append(out, stringArg{path: path, value: val})
	case []string:
		for i, s := range val {
			out = append(out, stringArg{path: fmt.Sprintf("%s[%d]", path, i), value: s})
		}
	case []any:
		for i, item := range val {
			out = collectStrings(out, fmt.Sprintf("%s[%d]", path, i), item, depth+1)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = collectStrings(out, path+"."+k, val[k], depth+1)
		}
	case map[any]any:
		byName := make(map[string]any, len(val))
		for k, item := range val {
			byName[fmt.Sprint(k)] = item
		}
		out = collectStrings(out, path, byName, depth)
	case *tools.Params:
		keys := val.Keys()
		sort.Strings(keys)
		for _, k := range keys {
			item, _ := val.Get(k)
			out = collectStrings(out, path+"."+k, item, depth+1)
		}
	}
	return out
}
