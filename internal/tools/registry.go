package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// Registry is a name-indexed lookup table of tools. It implements Invoker
// and Catalog.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	inflight map[string]context.CancelFunc
	limiter  *rate.Limiter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRateLimit bounds how many invocations start per second across all
// tools. A limit of zero disables limiting.
func WithRateLimit(perSecond float64, burst int) RegistryOption {
	return func(r *Registry) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool under its name.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has implements Catalog.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type outcome struct {
	result *Result
	err    error
}

// Invoke runs the named tool with the invocation's timeout. The deadline is
// enforced even if the tool ignores its context: Invoke returns
// context.DeadlineExceeded and the tool's eventual result is dropped.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	tool, ok := r.Get(inv.Tool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, inv.Tool)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if inv.ID != "" {
		r.track(inv.ID, cancel)
		defer r.untrack(inv.ID)
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", inv.Tool, p)}
			}
		}()
		res, err := tool.Invoke(ctx, inv.Params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return o.result, o.err
		}
		if o.result == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoResult, inv.Tool)
		}
		return o.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the in-flight invocation with the given id.
func (r *Registry) Cancel(invocationID string) bool {
	r.mu.RLock()
	cancel, ok := r.inflight[invocationID]
	r.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Registry) track(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.inflight[id] = cancel
	r.mu.Unlock()
}

func (r *Registry) untrack(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

var (
	_ Invoker = (*Registry)(nil)
	_ Catalog = (*Registry)(nil)
	_ Catalog = NameSet(nil)
)
