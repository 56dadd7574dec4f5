package models

// Workflow is a named, ordered collection of nodes. Declaration order is
// preserved because it is the tiebreak the dispatcher uses when more than
// one node in a workflow triggers on the same signal (§4.3 step 3).
type Workflow struct {
	Name  string
	Nodes []*Node

	byName map[string]*Node
}

// NewWorkflow builds a Workflow from an ordered node list, indexing nodes by
// name for O(1) lookups while keeping Nodes as the order of record.
func NewWorkflow(name string, nodes []*Node) *Workflow {
	w := &Workflow{Name: name, Nodes: nodes, byName: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		w.byName[n.Name] = n
	}
	return w
}

// Node looks up a node by name within this workflow.
func (w *Workflow) Node(name string) (*Node, bool) {
	n, ok := w.byName[name]
	return n, ok
}

// Triggered returns the nodes, in declared order, whose event_triggers
// contains the given signal.
func (w *Workflow) Triggered(signal string) []*Node {
	var out []*Node
	for _, n := range w.Nodes {
		if n.TriggeredBy(signal) {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep-enough copy of the workflow suitable for a
// per-execution registry snapshot: the node slice and index are new, but
// node configs (treated as immutable once loaded) are shared.
func (w *Workflow) Clone() *Workflow {
	nodes := make([]*Node, len(w.Nodes))
	copy(nodes, w.Nodes)
	return NewWorkflow(w.Name, nodes)
}

// Registry maps workflow name to workflow definition. Each execution freezes
// its own Registry at start or inheritance time (§3.3); in-flight edits via
// the injection tools mutate only that execution's copy.
type Registry struct {
	Workflows map[string]*Workflow
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{Workflows: make(map[string]*Workflow)}
}

// Clone produces a per-execution snapshot: every workflow is cloned so that
// later injections against the snapshot never leak back into the source
// registry.
func (r *Registry) Clone() *Registry {
	out := NewRegistry()
	for name, wf := range r.Workflows {
		out.Workflows[name] = wf.Clone()
	}
	return out
}

// Get returns the named workflow, if present.
func (r *Registry) Get(name string) (*Workflow, bool) {
	wf, ok := r.Workflows[name]
	return wf, ok
}

// Put installs or replaces a workflow in the registry.
func (r *Registry) Put(wf *Workflow) {
	r.Workflows[wf.Name] = wf
}

// Remove deletes a workflow from the registry.
func (r *Registry) Remove(name string) {
	delete(r.Workflows, name)
}

// FieldSchemaEntry describes a context field's declared shape (§3.5).
// Type is one of string, integer, number, boolean, object, list.
type FieldSchemaEntry struct {
	Type        string                      `yaml:"type" json:"type"`
	Description string                      `yaml:"description,omitempty" json:"description,omitempty"`
	Properties  map[string]FieldSchemaEntry `yaml:"properties,omitempty" json:"properties,omitempty"`
	Items       *FieldSchemaEntry           `yaml:"items,omitempty" json:"items,omitempty"`
}

// FieldSchema maps field name to its schema entry.
type FieldSchema map[string]FieldSchemaEntry

// Clone returns a copy safe to mutate independently of the source.
func (s FieldSchema) Clone() FieldSchema {
	out := make(FieldSchema, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Identities maps identity name to system-prompt string (§3.5).
type Identities map[string]string

// Clone returns a copy safe to mutate independently of the source.
func (id Identities) Clone() Identities {
	out := make(Identities, len(id))
	for k, v := range id {
		out[k] = v
	}
	return out
}
