package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/ctxstore"
	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/node"
	"github.com/orchestrax/soe/pkg/tools"
)

// Execution is the dispatcher's live, in-process view of one running
// execution: its frozen-but-mutable registry/identities/schema snapshot,
// its context store, its per-execution tool registry (embedder tools plus
// engine built-ins), and its FIFO signal queue. It implements
// tools.ExecutionAccessor and node.ChildSpawner so pkg/tools and pkg/node
// never need to import this package.
type Execution struct {
	d *Dispatcher

	id, mainID, parentID string
	currentWorkflow      string

	store *ctxstore.Store

	mu         sync.Mutex
	registry   *models.Registry
	identities models.Identities
	schema     models.FieldSchema
	toolsReg   *tools.Registry
	queue      []string

	// propagatedLen tracks, per context_updates_to_parent field, how much
	// of this execution's history has already been pushed to the parent,
	// so re-runs of the propagation check only forward the new tail.
	propagatedLen map[string]int
}

var (
	_ tools.ExecutionAccessor = (*Execution)(nil)
	_ node.ChildSpawner       = (*Execution)(nil)
)

// CreateExecution builds a new in-process execution bound to this
// dispatcher: registry/identities/schema are the caller's to own (clone
// before passing in if isolation from a source execution is required), and
// store is either freshly built (ctxstore.New) or restored
// (ctxstore.FromSnapshot). The execution's tool registry layers the
// dispatcher's embedder tools with the engine-provided soe_* built-ins
// bound to this execution.
func (d *Dispatcher) CreateExecution(id, mainID, parentID, workflow string, registry *models.Registry, identities models.Identities, schema models.FieldSchema, store *ctxstore.Store) *Execution {
	exec := &Execution{
		d:              d,
		id:             id,
		mainID:         mainID,
		parentID:       parentID,
		currentWorkflow: workflow,
		store:          store,
		registry:       registry,
		identities:     identities,
		schema:         schema,
		propagatedLen:  make(map[string]int),
	}
	exec.toolsReg = d.baseTools.Clone()
	exec.toolsReg.RegisterAll(tools.Builtins(exec, d.contexts))
	d.register(exec)
	return exec
}

// LoadExecution returns the in-process execution if live, else restores it
// from the context/workflow backends (broadcast_signals re-entry after a
// process restart).
func (d *Dispatcher) LoadExecution(ctx context.Context, executionID string) (*Execution, error) {
	if exec, ok := d.Get(executionID); ok {
		return exec, nil
	}
	if d.workflows == nil || d.contexts == nil {
		return nil, fmt.Errorf("dispatch: load execution %s: %w", executionID, models.ErrExecutionNotFound)
	}
	registry, err := d.workflows.GetWorkflowsRegistry(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load execution %s: %w", executionID, err)
	}
	workflow, err := d.workflows.GetCurrentWorkflowName(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load execution %s: %w", executionID, err)
	}
	snap, err := d.contexts.GetContext(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load execution %s: %w", executionID, err)
	}
	store := ctxstore.FromSnapshot(snap.Fields, snap.Operational, snap.Parent)

	mainID := executionID
	if snap.Operational != nil && snap.Operational.MainExecutionID != "" {
		mainID = snap.Operational.MainExecutionID
	}
	parentID := ""
	if snap.Parent != nil {
		parentID = snap.Parent.ParentExecutionID
	}

	identities := models.Identities{}
	if d.identityBack != nil {
		if got, err := d.identityBack.GetIdentities(ctx, mainID); err == nil {
			identities = got
		}
	}
	schema := models.FieldSchema{}
	if d.schemas != nil {
		if got, err := d.schemas.GetContextSchema(ctx, mainID); err == nil {
			schema = got
		}
	}

	return d.CreateExecution(executionID, mainID, parentID, workflow, registry, identities, schema, store), nil
}

// PersistNew writes every piece of an execution's initial state to the
// configured backends: its workflow registry and current workflow name,
// its field schema and identities (if those optional backends are
// configured), and its initial context snapshot.
func (d *Dispatcher) PersistNew(ctx context.Context, exec *Execution) error {
	if d.workflows != nil {
		if err := d.workflows.SaveWorkflowsRegistry(ctx, exec.id, exec.Registry()); err != nil {
			return fmt.Errorf("dispatch: persist registry: %w", err)
		}
		if err := d.workflows.SaveCurrentWorkflowName(ctx, exec.id, exec.currentWorkflow); err != nil {
			return fmt.Errorf("dispatch: persist current workflow name: %w", err)
		}
	}
	if d.schemas != nil {
		if err := d.schemas.SaveContextSchema(ctx, exec.mainID, exec.Schema()); err != nil {
			return fmt.Errorf("dispatch: persist schema: %w", err)
		}
	}
	if d.identityBack != nil {
		if err := d.identityBack.SaveIdentities(ctx, exec.mainID, exec.Identities()); err != nil {
			return fmt.Errorf("dispatch: persist identities: %w", err)
		}
	}
	return d.persistContext(ctx, exec)
}

func (d *Dispatcher) persistContext(ctx context.Context, exec *Execution) error {
	if d.contexts == nil {
		return nil
	}
	snap := backend.ContextSnapshot{
		Fields:      exec.store.FieldsSnapshot(),
		Operational: exec.store.Operational(),
		Parent:      exec.store.Parent(),
	}
	if err := d.contexts.SaveContext(ctx, exec.id, snap); err != nil {
		return fmt.Errorf("dispatch: save context %s: %w", exec.id, err)
	}
	return nil
}

// Run drains exec's signal queue to quiescence, seeding it with
// initialSignals first (spec §4.3). It returns a *models.FatalExecutionError
// when a node handler raises without a configured failure signal, or when
// the activation ceiling is exceeded; context already committed up to that
// point remains persisted.
func (d *Dispatcher) Run(ctx context.Context, exec *Execution, initialSignals []string) error {
	exec.enqueue(initialSignals...)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		signal, ok := exec.dequeue()
		if !ok {
			return nil
		}

		exec.store.RecordSignal(signal)

		workflow, ok := exec.registry.Get(exec.currentWorkflow)
		if !ok {
			continue
		}

		for _, n := range workflow.Triggered(signal) {
			if d.maxNodeActivations > 0 && exec.store.TotalActivations() >= d.maxNodeActivations {
				return &models.FatalExecutionError{ExecutionID: exec.id, Node: n.Name, Cause: models.ErrActivationCeiling}
			}

			handler, err := d.handlers.For(n.Type)
			if err != nil {
				return &models.FatalExecutionError{ExecutionID: exec.id, Node: n.Name, Cause: err}
			}

			d.notify(ctx, exec.id, "node_started", map[string]any{"node": n.Name, "signal": signal})

			hc := &node.Context{
				Execution: &models.Execution{
					ExecutionID:       exec.id,
					MainExecutionID:   exec.mainID,
					ParentExecutionID: exec.parentID,
					CurrentWorkflow:   exec.currentWorkflow,
				},
				Node:         n,
				Signal:       signal,
				Store:        exec.store,
				Evaluator:    d.evaluator,
				Tools:        exec.toolsReg,
				Caller:       d.caller,
				Identities:   exec.Identities(),
				Schema:       exec.Schema(),
				Conversation: d.conversation,
				Spawner:      exec,
			}

			result, err := handler.Handle(ctx, hc)
			if err != nil {
				d.notify(ctx, exec.id, "node_failed", map[string]any{"node": n.Name, "error": err.Error()})
				return &models.FatalExecutionError{ExecutionID: exec.id, Node: n.Name, Cause: err}
			}

			exec.store.RecordNodeActivation(n.Name)
			if err := d.persistContext(ctx, exec); err != nil {
				return err
			}
			d.notify(ctx, exec.id, "node_completed", map[string]any{"node": n.Name, "emitted": result.EmittedSignals})

			exec.enqueue(result.EmittedSignals...)
			d.propagateToParent(ctx, exec, result.EmittedSignals)
		}
	}
}

// propagateToParent forwards signals_to_parent and appends
// context_updates_to_parent deltas onto the parent execution, per spec
// §4.8 step 4. A root execution (no __parent__ state) or an execution
// whose parent is no longer live is a silent no-op for the latter — the
// parent's own backend-persisted context is unaffected either way.
func (d *Dispatcher) propagateToParent(ctx context.Context, exec *Execution, emitted []string) {
	parentState := exec.store.Parent()
	if parentState == nil {
		return
	}
	parent, ok := d.Get(exec.parentID)
	if !ok {
		return
	}

	for _, signal := range emitted {
		if containsString(parentState.SignalsToParent, signal) {
			parent.EnqueueSignal(signal)
		}
	}

	for _, field := range parentState.ContextUpdatesToParent {
		hist := exec.store.GetAccumulated(field)
		exec.mu.Lock()
		already := exec.propagatedLen[field]
		exec.mu.Unlock()
		if len(hist) <= already {
			continue
		}
		for _, v := range hist[already:] {
			_ = parent.store.SetField(field, v)
		}
		exec.mu.Lock()
		exec.propagatedLen[field] = len(hist)
		exec.mu.Unlock()
		if err := d.persistContext(ctx, parent); err != nil {
			d.notify(ctx, parent.id, "context_propagation_failed", map[string]any{"field": field, "error": err.Error()})
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (e *Execution) enqueue(signals ...string) {
	if len(signals) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, signals...)
}

func (e *Execution) dequeue() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}
	s := e.queue[0]
	e.queue = e.queue[1:]
	return s, true
}

// ExecutionID implements tools.ExecutionAccessor.
func (e *Execution) ExecutionID() string { return e.id }

// MainExecutionID implements tools.ExecutionAccessor.
func (e *Execution) MainExecutionID() string { return e.mainID }

// Registry implements tools.ExecutionAccessor.
func (e *Execution) Registry() *models.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry
}

// SetRegistry implements tools.ExecutionAccessor.
func (e *Execution) SetRegistry(r *models.Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry = r
}

// PersistRegistry implements tools.ExecutionAccessor.
func (e *Execution) PersistRegistry(ctx context.Context) error {
	if e.d.workflows == nil {
		return nil
	}
	return e.d.workflows.SaveWorkflowsRegistry(ctx, e.id, e.Registry())
}

// Identities implements tools.ExecutionAccessor.
func (e *Execution) Identities() models.Identities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identities
}

// SetIdentities implements tools.ExecutionAccessor.
func (e *Execution) SetIdentities(id models.Identities) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identities = id
}

// PersistIdentities implements tools.ExecutionAccessor.
func (e *Execution) PersistIdentities(ctx context.Context) error {
	if e.d.identityBack == nil {
		return nil
	}
	return e.d.identityBack.SaveIdentities(ctx, e.mainID, e.Identities())
}

// Schema implements tools.ExecutionAccessor.
func (e *Execution) Schema() models.FieldSchema {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.schema
}

// SetSchema implements tools.ExecutionAccessor.
func (e *Execution) SetSchema(s models.FieldSchema) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schema = s
}

// PersistSchema implements tools.ExecutionAccessor.
func (e *Execution) PersistSchema(ctx context.Context) error {
	if e.d.schemas == nil {
		return nil
	}
	return e.d.schemas.SaveContextSchema(ctx, e.mainID, e.Schema())
}

// Context implements tools.ExecutionAccessor.
func (e *Execution) Context() *ctxstore.Store { return e.store }

// EnqueueSignal implements tools.ExecutionAccessor.
func (e *Execution) EnqueueSignal(signal string) { e.enqueue(signal) }

// KnownExecutionIDs implements tools.ExecutionAccessor: every live
// execution sharing this one's main_execution_id.
func (e *Execution) KnownExecutionIDs() []string {
	e.d.mu.RLock()
	defer e.d.mu.RUnlock()
	var out []string
	for id, other := range e.d.executions {
		if other.mainID == e.mainID {
			out = append(out, id)
		}
	}
	return out
}

// Tools implements tools.ExecutionAccessor.
func (e *Execution) Tools() *tools.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toolsReg
}

// CallTool implements tools.ExecutionAccessor, accounting tool_calls on
// behalf of the dynamically dispatched call (soe_call_tool).
func (e *Execution) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	e.store.IncrementToolCalls()
	return e.Tools().Call(ctx, name, args)
}
