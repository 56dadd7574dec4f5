// Package tools implements the tool registry the kernel depends on (spec
// §6.2) and the engine-provided soe_* built-in tools (§4.10).
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchestrax/soe/pkg/models"
)

// Func is a tool's callable body: given an argument mapping, return a raw
// JSON-compatible result or an error.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Entry is a tool-registry entry (spec §6.2): a callable plus retry and
// failure-routing configuration consulted by the tool-node handler.
type Entry struct {
	Function           Func
	MaxRetries         int
	FailureSignal      string
	ProcessAccumulated bool
}

// Registry is a process-wide mapping from tool name to Entry. Embedders
// register their own tool functions here; the dispatcher additionally
// layers a per-execution set of engine-provided soe_* tools on top (see
// Builtins) which always take precedence over a same-named embedder tool.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Entry
}

// NewRegistry builds an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Entry)}
}

// Register installs a tool under name, overwriting any previous entry.
func (r *Registry) Register(name string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.MaxRetries <= 0 {
		entry.MaxRetries = 1
	}
	r.tools[name] = entry
}

// RegisterFunc is a convenience for registering a bare callable with
// max_retries=1 and no failure_signal.
func (r *Registry) RegisterFunc(name string, fn Func) {
	r.Register(name, Entry{Function: fn, MaxRetries: 1})
}

// RegisterAll installs every entry of m, overwriting same-named entries.
// Used by the dispatcher to layer soe_* built-ins on top of a cloned
// embedder registry for one execution.
func (r *Registry) RegisterAll(m map[string]Entry) {
	for name, entry := range m {
		r.Register(name, entry)
	}
}

// Clone returns a copy whose entries can be layered with RegisterAll
// without mutating the source registry.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for name, entry := range r.tools {
		out.tools[name] = entry
	}
	return out
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Names returns every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Call resolves and invokes a tool by name with no retry handling of its
// own — the tool-node and agent-node handlers own retries (§4.6, §4.7).
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	entry, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tools: call %q: %w", name, models.ErrToolNotFound)
	}
	return entry.Function(ctx, args)
}
