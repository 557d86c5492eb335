// Package tools defines the invocation contract between the orchestrator and
// the tools it drives, plus a name-indexed registry implementing it.
package tools

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownTool is returned when no tool is registered under a name.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrNoResult is returned when a tool returns neither a result nor an error.
	ErrNoResult = errors.New("tool returned no result")
)

// Result is what a tool reports back for one invocation.
type Result struct {
	Success bool    `json:"success"`
	Output  string  `json:"output,omitempty"`
	Error   string  `json:"error,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
}

// Tool is a single capability the orchestrator can invoke. Implementations
// should honor ctx cancellation.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, params *Params) (*Result, error)
}

// Invocation identifies one call of a tool.
type Invocation struct {
	ID      string
	Tool    string
	Params  *Params
	Timeout time.Duration
}

// Invoker runs tool invocations. Cancel stops an in-flight invocation and
// reports whether one was found.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
	Cancel(invocationID string) bool
}

// Catalog answers whether a tool name is known. Plan validation only needs
// this much of the registry.
type Catalog interface {
	Has(name string) bool
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, params *Params) (*Result, error)
}

// NewFunc returns a Tool named name that calls fn.
func NewFunc(name string, fn func(ctx context.Context, params *Params) (*Result, error)) *Func {
	return &Func{ToolName: name, Fn: fn}
}

func (f *Func) Name() string { return f.ToolName }

func (f *Func) Invoke(ctx context.Context, params *Params) (*Result, error) {
	return f.Fn(ctx, params)
}

// NameSet is a static Catalog.
type NameSet map[string]struct{}

// NewCatalog returns a Catalog containing names.
func NewCatalog(names ...string) NameSet {
	set := make(NameSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Has implements Catalog.
func (s NameSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}
