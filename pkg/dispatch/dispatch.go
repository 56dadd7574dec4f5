// Package dispatch implements the FIFO signal dispatcher that drives an
// execution to quiescence: dequeue a signal, enumerate the nodes it
// triggers in declared order, invoke each node's handler, persist the
// resulting context, and enqueue whatever the handler emitted. It owns the
// per-execution bookkeeping (the live registry/identities/schema snapshot,
// the tool registry layered with engine built-ins, and parent/child signal
// and field propagation) that pkg/node's handlers depend on through the
// ExecutionAccessor and ChildSpawner interfaces.
package dispatch

import (
	"context"
	"sync"

	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/llmcaller"
	"github.com/orchestrax/soe/pkg/node"
	"github.com/orchestrax/soe/pkg/template"
	"github.com/orchestrax/soe/pkg/tools"
)

// Config wires every pluggable dependency the dispatcher needs. Only
// Contexts, Workflows and Caller are required; the rest are optional and
// fall back to no-ops, matching the optional backend contracts.
type Config struct {
	Contexts     backend.ContextBackend
	Workflows    backend.WorkflowBackend
	Schemas      backend.ContextSchemaBackend
	Identities   backend.IdentityBackend
	Conversation backend.ConversationHistoryBackend
	Telemetry    backend.TelemetryBackend

	Tools     *tools.Registry
	Caller    llmcaller.ModelCaller
	Evaluator *template.Evaluator
	Handlers  node.Handlers

	// MaxNodeActivations caps the total number of node activations an
	// execution may accumulate before the dispatcher raises a fatal
	// activation-ceiling error. Zero means unlimited; workflows are then
	// expected to self-bound via guard routers over __operational__.
	MaxNodeActivations int
}

// Dispatcher runs one or more executions sharing the same backends, tool
// registry and model caller. It keeps an in-process cache of live
// executions so that parent/child signal and context propagation and
// soe_list_contexts can resolve other executions in the same
// orchestration tree without a backend round trip.
type Dispatcher struct {
	contexts     backend.ContextBackend
	workflows    backend.WorkflowBackend
	schemas      backend.ContextSchemaBackend
	identityBack backend.IdentityBackend
	conversation backend.ConversationHistoryBackend
	telemetry    backend.TelemetryBackend

	baseTools *tools.Registry
	caller    llmcaller.ModelCaller
	evaluator *template.Evaluator
	handlers  node.Handlers

	maxNodeActivations int

	mu         sync.RWMutex
	executions map[string]*Execution
}

// New builds a Dispatcher from cfg, filling in defaults for optional
// fields.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		contexts:           cfg.Contexts,
		workflows:          cfg.Workflows,
		schemas:            cfg.Schemas,
		identityBack:       cfg.Identities,
		conversation:       cfg.Conversation,
		telemetry:          cfg.Telemetry,
		baseTools:          cfg.Tools,
		caller:             cfg.Caller,
		evaluator:          cfg.Evaluator,
		handlers:           cfg.Handlers,
		maxNodeActivations: cfg.MaxNodeActivations,
		executions:         make(map[string]*Execution),
	}
	if d.telemetry == nil {
		d.telemetry = backend.NoopTelemetryBackend{}
	}
	if d.baseTools == nil {
		d.baseTools = tools.NewRegistry()
	}
	if d.evaluator == nil {
		d.evaluator = template.NewEvaluator()
	}
	if d.handlers == nil {
		d.handlers = node.NewHandlers()
	}
	return d
}

// Tools returns the dispatcher-wide embedder tool registry (distinct from
// any one execution's per-execution registry, which additionally layers
// the soe_* built-ins on top). Embedders register tools here before
// starting executions.
func (d *Dispatcher) Tools() *tools.Registry { return d.baseTools }

// Get returns the in-process execution if it is still live.
func (d *Dispatcher) Get(executionID string) (*Execution, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	exec, ok := d.executions[executionID]
	return exec, ok
}

func (d *Dispatcher) register(exec *Execution) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executions[exec.id] = exec
}

// notify reports a lifecycle event, recovering from a panicking telemetry
// backend so a misbehaving observer can never take down the dispatcher
// (mirrors the safeNotify guard around the teacher's ExecutionNotifier).
func (d *Dispatcher) notify(ctx context.Context, executionID, eventType string, kv map[string]any) {
	defer func() { recover() }()
	d.telemetry.LogEvent(ctx, executionID, eventType, kv)
}
