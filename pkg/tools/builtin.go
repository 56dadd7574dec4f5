package tools

import (
	"context"
	"fmt"

	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/ctxstore"
	"github.com/orchestrax/soe/pkg/models"
)

// ExecutionAccessor is the narrow slice of dispatcher-owned execution state
// the engine-provided soe_* tools need (spec §4.10). The dispatcher package
// implements this; tools never imports dispatch, so the dependency only
// runs one way.
type ExecutionAccessor interface {
	ExecutionID() string
	MainExecutionID() string

	Registry() *models.Registry
	SetRegistry(*models.Registry)
	PersistRegistry(ctx context.Context) error

	Identities() models.Identities
	SetIdentities(models.Identities)
	PersistIdentities(ctx context.Context) error

	Schema() models.FieldSchema
	SetSchema(models.FieldSchema)
	PersistSchema(ctx context.Context) error

	Context() *ctxstore.Store

	// EnqueueSignal pushes a signal onto the live dispatch queue, as if a
	// node had emitted it (soe_add_signal).
	EnqueueSignal(signal string)

	// KnownExecutionIDs lists every live execution id in this orchestration
	// tree (every execution sharing this one's main_execution_id), for
	// soe_list_contexts.
	KnownExecutionIDs() []string

	// Tools returns the tool registry this execution resolves names
	// against, for soe_get_available_tools/soe_call_tool.
	Tools() *Registry

	// CallTool invokes a named tool (builtin or embedder-registered),
	// accounting tool_calls on the caller's behalf.
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Docs is the static reference text returned by soe_explore_docs: a short
// description of every node type and built-in tool, meant to let an llm or
// agent node discover available capabilities without embedding the full
// reference in every prompt.
const Docs = `SOE workflow reference.

Node types: router (pure conditional emission, no side effects), tool
(calls a registered function with templated parameters), llm (one model
call producing text or a structured field), agent (a bounded model+tool
loop), child (spawns a sub-orchestration, optionally once per element of
an accumulated field for fan-out).

Context: fields are append-only histories. get_field returns the latest
entry; get_accumulated returns the full history. __operational__ and
__parent__ are reserved namespaces maintained by the engine.

Built-in tools: soe_get_workflows, soe_inject_workflow, soe_inject_node,
soe_remove_workflow, soe_remove_node, soe_add_signal, soe_get_context,
soe_update_context, soe_copy_context, soe_list_contexts,
soe_get_identities, soe_inject_identity, soe_remove_identity,
soe_get_context_schema, soe_inject_context_schema_field,
soe_remove_context_schema_field, soe_get_available_tools, soe_call_tool.`

// Builtins constructs the engine-provided soe_* tool set bound to one
// execution's accessor. The dispatcher layers these over the embedder's
// Registry for the lifetime of that execution; built-in names always win
// on collision.
func Builtins(accessor ExecutionAccessor, contexts backend.ContextBackend) map[string]Entry {
	return map[string]Entry{
		"soe_explore_docs":                {Function: toolExploreDocs(), MaxRetries: 1},
		"soe_get_workflows":                {Function: toolGetWorkflows(accessor), MaxRetries: 1},
		"soe_inject_workflow":              {Function: toolInjectWorkflow(accessor), MaxRetries: 1},
		"soe_inject_node":                  {Function: toolInjectNode(accessor), MaxRetries: 1},
		"soe_remove_workflow":              {Function: toolRemoveWorkflow(accessor), MaxRetries: 1},
		"soe_remove_node":                  {Function: toolRemoveNode(accessor), MaxRetries: 1},
		"soe_add_signal":                   {Function: toolAddSignal(accessor), MaxRetries: 1},
		"soe_get_context":                  {Function: toolGetContext(accessor, contexts), MaxRetries: 1},
		"soe_update_context":               {Function: toolUpdateContext(accessor, contexts), MaxRetries: 1},
		"soe_copy_context":                 {Function: toolCopyContext(accessor, contexts), MaxRetries: 1},
		"soe_list_contexts":                {Function: toolListContexts(accessor, contexts), MaxRetries: 1},
		"soe_get_identities":               {Function: toolGetIdentities(accessor), MaxRetries: 1},
		"soe_inject_identity":              {Function: toolInjectIdentity(accessor), MaxRetries: 1},
		"soe_remove_identity":              {Function: toolRemoveIdentity(accessor), MaxRetries: 1},
		"soe_get_context_schema":           {Function: toolGetContextSchema(accessor), MaxRetries: 1},
		"soe_inject_context_schema_field":  {Function: toolInjectContextSchemaField(accessor), MaxRetries: 1},
		"soe_remove_context_schema_field":  {Function: toolRemoveContextSchemaField(accessor), MaxRetries: 1},
		"soe_get_available_tools":          {Function: toolGetAvailableTools(accessor), MaxRetries: 1},
		"soe_call_tool":                    {Function: toolCallTool(accessor), MaxRetries: 1},
	}
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("tools: missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("tools: argument %q must be a string", key)
	}
	return s, nil
}

func argMap(args map[string]any, key string) (map[string]any, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("tools: missing argument %q", key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tools: argument %q must be an object", key)
	}
	return m, nil
}

func toolExploreDocs() Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return Docs, nil
	}
}

func toolGetWorkflows(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		reg := a.Registry()
		out := make(map[string][]string, len(reg.Workflows))
		for name, wf := range reg.Workflows {
			names := make([]string, 0, len(wf.Nodes))
			for _, n := range wf.Nodes {
				names = append(names, n.Name)
			}
			out[name] = names
		}
		return out, nil
	}
}

func toolInjectWorkflow(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		name, err := argString(args, "workflow_name")
		if err != nil {
			return nil, err
		}
		nodesRaw, ok := args["nodes"].([]any)
		if !ok {
			return nil, fmt.Errorf("tools: soe_inject_workflow: argument %q must be a list", "nodes")
		}
		nodes := make([]*models.Node, 0, len(nodesRaw))
		for _, raw := range nodesRaw {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("tools: soe_inject_workflow: each node must be an object")
			}
			node, err := nodeFromMap(m)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}

		reg := a.Registry()
		reg.Put(models.NewWorkflow(name, nodes))
		a.SetRegistry(reg)
		if err := a.PersistRegistry(ctx); err != nil {
			return nil, fmt.Errorf("tools: soe_inject_workflow: persist: %w", err)
		}
		return map[string]any{"workflow_name": name, "node_count": len(nodes)}, nil
	}
}

func toolInjectNode(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		workflowName, err := argString(args, "workflow_name")
		if err != nil {
			return nil, err
		}
		nodeMap, err := argMap(args, "node")
		if err != nil {
			return nil, err
		}
		node, err := nodeFromMap(nodeMap)
		if err != nil {
			return nil, err
		}

		reg := a.Registry()
		wf, ok := reg.Get(workflowName)
		if !ok {
			return nil, fmt.Errorf("tools: soe_inject_node: workflow %q: %w", workflowName, models.ErrWorkflowNotFound)
		}
		replaced := false
		for i, existing := range wf.Nodes {
			if existing.Name == node.Name {
				wf.Nodes[i] = node
				replaced = true
				break
			}
		}
		if !replaced {
			wf.Nodes = append(wf.Nodes, node)
		}
		reg.Put(models.NewWorkflow(wf.Name, wf.Nodes))
		a.SetRegistry(reg)
		if err := a.PersistRegistry(ctx); err != nil {
			return nil, fmt.Errorf("tools: soe_inject_node: persist: %w", err)
		}
		return map[string]any{"workflow_name": workflowName, "node_name": node.Name, "replaced": replaced}, nil
	}
}

func toolRemoveWorkflow(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		name, err := argString(args, "workflow_name")
		if err != nil {
			return nil, err
		}
		reg := a.Registry()
		reg.Remove(name)
		a.SetRegistry(reg)
		if err := a.PersistRegistry(ctx); err != nil {
			return nil, fmt.Errorf("tools: soe_remove_workflow: persist: %w", err)
		}
		return map[string]any{"workflow_name": name, "removed": true}, nil
	}
}

func toolRemoveNode(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		workflowName, err := argString(args, "workflow_name")
		if err != nil {
			return nil, err
		}
		nodeName, err := argString(args, "node_name")
		if err != nil {
			return nil, err
		}
		reg := a.Registry()
		wf, ok := reg.Get(workflowName)
		if !ok {
			return nil, fmt.Errorf("tools: soe_remove_node: workflow %q: %w", workflowName, models.ErrWorkflowNotFound)
		}
		kept := make([]*models.Node, 0, len(wf.Nodes))
		for _, n := range wf.Nodes {
			if n.Name != nodeName {
				kept = append(kept, n)
			}
		}
		reg.Put(models.NewWorkflow(wf.Name, kept))
		a.SetRegistry(reg)
		if err := a.PersistRegistry(ctx); err != nil {
			return nil, fmt.Errorf("tools: soe_remove_node: persist: %w", err)
		}
		return map[string]any{"workflow_name": workflowName, "node_name": nodeName, "removed": true}, nil
	}
}

func toolAddSignal(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		signal, err := argString(args, "signal")
		if err != nil {
			return nil, err
		}
		a.EnqueueSignal(signal)
		return map[string]any{"signal": signal, "enqueued": true}, nil
	}
}

func toolGetContext(a ExecutionAccessor, contexts backend.ContextBackend) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		executionID := a.ExecutionID()
		if v, ok := args["execution_id"]; ok {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("tools: soe_get_context: argument %q must be a string", "execution_id")
			}
			executionID = s
		}
		if executionID == a.ExecutionID() {
			return a.Context().Snapshot(), nil
		}
		snap, err := contexts.GetContext(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("tools: soe_get_context: %w", err)
		}
		return snap.Fields, nil
	}
}

func toolUpdateContext(a ExecutionAccessor, contexts backend.ContextBackend) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		field, err := argString(args, "field")
		if err != nil {
			return nil, err
		}
		value := args["value"]

		executionID := a.ExecutionID()
		if v, ok := args["execution_id"]; ok {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("tools: soe_update_context: argument %q must be a string", "execution_id")
			}
			executionID = s
		}

		if executionID == a.ExecutionID() {
			if err := a.Context().SetField(field, value); err != nil {
				return nil, fmt.Errorf("tools: soe_update_context: %w", err)
			}
			return map[string]any{"field": field, "updated": true}, nil
		}

		snap, err := contexts.GetContext(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("tools: soe_update_context: %w", err)
		}
		store := ctxstore.FromSnapshot(snap.Fields, snap.Operational, snap.Parent)
		if err := store.SetField(field, value); err != nil {
			return nil, fmt.Errorf("tools: soe_update_context: %w", err)
		}
		if err := contexts.SaveContext(ctx, executionID, backend.ContextSnapshot{
			Fields:      store.FieldsSnapshot(),
			Operational: store.Operational(),
			Parent:      store.Parent(),
		}); err != nil {
			return nil, fmt.Errorf("tools: soe_update_context: save: %w", err)
		}
		return map[string]any{"field": field, "updated": true}, nil
	}
}

func toolCopyContext(a ExecutionAccessor, contexts backend.ContextBackend) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		sourceID, err := argString(args, "source_execution_id")
		if err != nil {
			return nil, err
		}
		field, err := argString(args, "field")
		if err != nil {
			return nil, err
		}

		var src *ctxstore.Store
		if sourceID == a.ExecutionID() {
			src = a.Context()
		} else {
			snap, err := contexts.GetContext(ctx, sourceID)
			if err != nil {
				return nil, fmt.Errorf("tools: soe_copy_context: %w", err)
			}
			src = ctxstore.FromSnapshot(snap.Fields, snap.Operational, snap.Parent)
		}

		values := src.GetAccumulated(field)
		for _, v := range values {
			if err := a.Context().SetField(field, v); err != nil {
				return nil, fmt.Errorf("tools: soe_copy_context: %w", err)
			}
		}
		return map[string]any{"field": field, "copied": len(values)}, nil
	}
}

func toolListContexts(a ExecutionAccessor, contexts backend.ContextBackend) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		ids := a.KnownExecutionIDs()
		out := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			snap, err := contexts.GetContext(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, map[string]any{"execution_id": id, "fields": snap.Fields})
		}
		return out, nil
	}
}

func toolGetIdentities(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return a.Identities(), nil
	}
}

func toolInjectIdentity(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		name, err := argString(args, "identity_name")
		if err != nil {
			return nil, err
		}
		prompt, err := argString(args, "system_prompt")
		if err != nil {
			return nil, err
		}
		identities := a.Identities()
		if identities == nil {
			identities = models.Identities{}
		}
		identities[name] = prompt
		a.SetIdentities(identities)
		if err := a.PersistIdentities(ctx); err != nil {
			return nil, fmt.Errorf("tools: soe_inject_identity: persist: %w", err)
		}
		return map[string]any{"identity_name": name, "injected": true}, nil
	}
}

func toolRemoveIdentity(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		name, err := argString(args, "identity_name")
		if err != nil {
			return nil, err
		}
		identities := a.Identities()
		delete(identities, name)
		a.SetIdentities(identities)
		if err := a.PersistIdentities(ctx); err != nil {
			return nil, fmt.Errorf("tools: soe_remove_identity: persist: %w", err)
		}
		return map[string]any{"identity_name": name, "removed": true}, nil
	}
}

func toolGetContextSchema(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return a.Schema(), nil
	}
}

func toolInjectContextSchemaField(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		field, err := argString(args, "field")
		if err != nil {
			return nil, err
		}
		fieldType, err := argString(args, "type")
		if err != nil {
			return nil, err
		}
		description, _ := argString(args, "description")

		schema := a.Schema()
		if schema == nil {
			schema = models.FieldSchema{}
		}
		schema[field] = models.FieldSchemaEntry{Type: fieldType, Description: description}
		a.SetSchema(schema)
		if err := a.PersistSchema(ctx); err != nil {
			return nil, fmt.Errorf("tools: soe_inject_context_schema_field: persist: %w", err)
		}
		return map[string]any{"field": field, "injected": true}, nil
	}
}

func toolRemoveContextSchemaField(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		field, err := argString(args, "field")
		if err != nil {
			return nil, err
		}
		schema := a.Schema()
		delete(schema, field)
		a.SetSchema(schema)
		if err := a.PersistSchema(ctx); err != nil {
			return nil, fmt.Errorf("tools: soe_remove_context_schema_field: persist: %w", err)
		}
		return map[string]any{"field": field, "removed": true}, nil
	}
}

func toolGetAvailableTools(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return a.Tools().Names(), nil
	}
}

func toolCallTool(a ExecutionAccessor) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		name, err := argString(args, "tool_name")
		if err != nil {
			return nil, err
		}
		toolArgs, _ := argMap(args, "arguments")
		return a.CallTool(ctx, name, toolArgs)
	}
}

// nodeFromMap builds a *models.Node from a loosely-typed argument mapping:
// "name" and "type" are required, "description", "event_triggers" and
// "event_emissions" are optional, and type-specific settings go under a
// nested "config" mapping. This differs from the YAML workflow format,
// which uses "node_type" and puts type-specific fields at the top level.
func nodeFromMap(m map[string]any) (*models.Node, error) {
	name, _ := m["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("tools: node is missing required field %q", "name")
	}
	typeStr, _ := m["type"].(string)
	if typeStr == "" {
		return nil, fmt.Errorf("tools: node %q is missing required field %q", name, "type")
	}
	description, _ := m["description"].(string)

	var triggers []string
	if raw, ok := m["event_triggers"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				triggers = append(triggers, s)
			}
		}
	}

	var emissions []models.Emission
	if raw, ok := m["event_emissions"].([]any); ok {
		for _, e := range raw {
			em, ok := e.(map[string]any)
			if !ok {
				continue
			}
			signal, _ := em["signal_name"].(string)
			condition, _ := em["condition"].(string)
			emissions = append(emissions, models.Emission{SignalName: signal, Condition: condition})
		}
	}

	config, _ := m["config"].(map[string]any)

	return &models.Node{
		Name:           name,
		Type:           models.NodeType(typeStr),
		Description:    description,
		EventTriggers:  triggers,
		EventEmissions: emissions,
		Config:         config,
	}, nil
}
