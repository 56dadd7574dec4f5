// Package ctxstore implements the per-execution context store (spec §4.2):
// a history-preserving map from field name to the list of values ever
// written to it, with two engine-managed reserved namespaces layered on
// top.
package ctxstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/orchestrax/soe/pkg/models"
)

// Store holds one execution's context. All mutation goes through SetField
// (or the reserved-namespace helpers); reads never block a concurrent
// writer for longer than the copy of the slice being read, matching the
// single-threaded-per-execution model described in spec §5 while still
// being safe to snapshot from a handler that blocks on I/O.
type Store struct {
	mu         sync.RWMutex
	fields     map[string][]any
	operational *models.OperationalState
	parent      *models.ParentState
}

// New builds an empty store for a fresh execution.
func New(mainExecutionID string) *Store {
	return &Store{
		fields:      make(map[string][]any),
		operational: models.NewOperationalState(mainExecutionID),
	}
}

// FromSnapshot rehydrates a store from a previously persisted field map,
// used by backends restoring an execution for broadcast_signals re-entry.
func FromSnapshot(fields map[string][]any, operational *models.OperationalState, parent *models.ParentState) *Store {
	if fields == nil {
		fields = make(map[string][]any)
	}
	if operational == nil {
		operational = models.NewOperationalState("")
	}
	return &Store{fields: fields, operational: operational, parent: parent}
}

// SetParent installs the __parent__ state for a child execution. Called once
// at child creation time, not through the general SetField path.
func (s *Store) SetParent(p *models.ParentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = p
}

// Parent returns the child's __parent__ state, or nil for a root execution.
func (s *Store) Parent() *models.ParentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parent
}

// Operational returns a snapshot of the engine-managed operational counters.
func (s *Store) Operational() *models.OperationalState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operational.Clone()
}

func isReserved(field string) bool {
	return field == models.NamespaceOperational || field == models.NamespaceParent
}

// SetField appends v to the field's history, creating the history list on
// first write (§3.2 invariant: every write appends, history is never
// truncated). Writes to the two reserved namespaces from workflow code are
// rejected.
func (s *Store) SetField(field string, v any) error {
	if isReserved(field) {
		return fmt.Errorf("ctxstore: set %q: %w", field, models.ErrReservedNamespace)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[field] = append(s.fields[field], v)
	return nil
}

// GetField returns the field's latest value. ok is false if the field has
// never been written (the template evaluator renders this as "undefined").
func (s *Store) GetField(field string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if field == models.NamespaceOperational {
		return s.operationalView(), true
	}
	hist := s.fields[field]
	if len(hist) == 0 {
		return nil, false
	}
	return hist[len(hist)-1], true
}

// GetAccumulated returns the field's full history, oldest first. Absent
// fields return an empty (non-nil) slice.
func (s *Store) GetAccumulated(field string) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if field == models.NamespaceOperational {
		return []any{s.operationalView()}
	}
	hist := s.fields[field]
	out := make([]any, len(hist))
	copy(out, hist)
	return out
}

// operationalView renders the operational counters as a plain map, the form
// in which templates and backends see __operational__. Must be called with
// s.mu held (read or write).
func (s *Store) operationalView() map[string]any {
	nodes := make(map[string]any, len(s.operational.Nodes))
	for k, v := range s.operational.Nodes {
		nodes[k] = v
	}
	signals := make([]any, len(s.operational.Signals))
	for i, sig := range s.operational.Signals {
		signals[i] = sig
	}
	return map[string]any{
		"signals":           signals,
		"nodes":             nodes,
		"llm_calls":         s.operational.LLMCalls,
		"tool_calls":        s.operational.ToolCalls,
		"errors":            s.operational.Errors,
		"main_execution_id": s.operational.MainExecutionID,
	}
}

// RecordSignal appends a dispatched signal to __operational__.signals. Called
// once per dequeued signal, independent of whether it matched any node.
func (s *Store) RecordSignal(signal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operational.Signals = append(s.operational.Signals, signal)
}

// RecordNodeActivation increments __operational__.nodes[name].
func (s *Store) RecordNodeActivation(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operational.Nodes[name]++
}

// IncrementLLMCalls increments __operational__.llm_calls by one.
func (s *Store) IncrementLLMCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operational.LLMCalls++
}

// IncrementToolCalls increments __operational__.tool_calls by one.
func (s *Store) IncrementToolCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operational.ToolCalls++
}

// IncrementErrors increments __operational__.errors by one.
func (s *Store) IncrementErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operational.Errors++
}

// TotalActivations returns the sum of every node's activation count, used by
// the activation-ceiling guard.
func (s *Store) TotalActivations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, v := range s.operational.Nodes {
		total += v
	}
	return total
}

// FieldView is the current-value/history pair the template evaluator sees
// for one context field (pkg/template.Evaluator consumes these directly).
type FieldView struct {
	Current any
	History []any
}

// Snapshot returns a read-only view keyed by field name, suitable for
// template rendering (§4.1, §4.2 snapshot()). __operational__ is included so
// that guard routers can read it like any other field.
func (s *Store) Snapshot() map[string]FieldView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]FieldView, len(s.fields)+1)
	for k, hist := range s.fields {
		cp := make([]any, len(hist))
		copy(cp, hist)
		var cur any
		if len(cp) > 0 {
			cur = cp[len(cp)-1]
		}
		out[k] = FieldView{Current: cur, History: cp}
	}
	opView := s.operationalView()
	out[models.NamespaceOperational] = FieldView{Current: opView, History: []any{opView}}
	if s.parent != nil {
		pv := map[string]any{
			"parent_execution_id":        s.parent.ParentExecutionID,
			"main_execution_id":          s.parent.MainExecutionID,
			"signals_to_parent":          s.parent.SignalsToParent,
			"context_updates_to_parent":  s.parent.ContextUpdatesToParent,
		}
		out[models.NamespaceParent] = FieldView{Current: pv, History: []any{pv}}
	}
	return out
}

// FieldsSnapshot returns the raw field-history map, the representation
// persisted by context backends.
func (s *Store) FieldsSnapshot() map[string][]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]any, len(s.fields))
	for k, hist := range s.fields {
		cp := make([]any, len(hist))
		copy(cp, hist)
		out[k] = cp
	}
	return out
}

// Clone returns a deep copy of the whole store, used when the child-node
// handler seeds a child's initial context from selected parent fields and
// when orchestrate inherits context from a prior execution.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields := make(map[string][]any, len(s.fields))
	for k, hist := range s.fields {
		cp := make([]any, len(hist))
		copy(cp, hist)
		fields[k] = cp
	}
	var parent *models.ParentState
	if s.parent != nil {
		p := *s.parent
		parent = &p
	}
	return &Store{fields: fields, operational: s.operational.Clone(), parent: parent}
}

// ResetOperational replaces the store's operational counters with freshly
// zeroed ones stamped with mainExecutionID, used when a new execution
// inherits context from a prior one: history and field values carry over,
// but llm_calls/tool_calls/errors/nodes/signals start over under the new
// main_execution_id (§4.9).
func (s *Store) ResetOperational(mainExecutionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operational = models.NewOperationalState(mainExecutionID)
}

// MarshalOperational is a convenience used by backends that persist
// __operational__ as its own JSON column rather than folding it into the
// generic field map.
func (s *Store) MarshalOperational() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.operational)
}
