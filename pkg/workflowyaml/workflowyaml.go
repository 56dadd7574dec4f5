// Package workflowyaml loads the YAML workflow-definition format (spec
// §6.5) into pkg/models types: a Registry of workflows, an optional
// identities map, and an optional field schema. Unknown node fields and a
// router emission carrying a non-template condition are both rejected here,
// before any execution ever dispatches against the result (spec §9's "do
// not guess" principle, applied by failing fast at load rather than
// guessing at runtime).
package workflowyaml

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/template"
)

// document is the top-level YAML shape. workflows is required; the other
// two sections are optional.
type document struct {
	Workflows     map[string][]map[string]any      `yaml:"workflows"`
	ContextSchema map[string]models.FieldSchemaEntry `yaml:"context_schema"`
	Identities    map[string]string                `yaml:"identities"`
}

// universal fields every node carries regardless of type.
var universalFields = map[string]bool{
	"name":            true,
	"node_type":       true,
	"description":     true,
	"event_triggers":  true,
	"event_emissions": true,
}

// typeFields lists the additional fields each node_type accepts, grounded
// on the typed config views in pkg/models/node.go.
var typeFields = map[models.NodeType]map[string]bool{
	models.NodeTypeRouter: {},
	models.NodeTypeTool: {
		"tool_name": true, "parameters": true,
		"context_parameter_field": true, "output_field": true,
	},
	models.NodeTypeLLM: {
		"prompt": true, "identity": true, "output_field": true,
		"retries": true, "llm_failure_signal": true,
	},
	models.NodeTypeAgent: {
		"prompt": true, "identity": true, "output_field": true,
		"retries": true, "llm_failure_signal": true,
		"tools": true, "available_tools": true,
	},
	models.NodeTypeChild: {
		"child_workflow_name": true, "child_initial_signals": true,
		"input_fields": true, "signals_to_parent": true,
		"context_updates_to_parent": true, "fan_out_field": true,
		"child_input_field": true, "spawn_interval": true,
	},
}

// Load parses data (spec §6.5) into a registry, identities and field
// schema. It returns a *models.ValidationError for a structurally invalid
// document (unknown field, missing required field, unknown node_type,
// reference to an absent child workflow, a tool node setting both
// parameters and context_parameter_field) and a *models.ConfigurationError
// for a router emission whose condition is neither empty nor template-style.
func Load(data []byte) (*models.Registry, models.Identities, models.FieldSchema, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, nil, fmt.Errorf("workflowyaml: parse: %w", err)
	}
	if len(doc.Workflows) == 0 {
		return nil, nil, nil, &models.ValidationError{Reason: "workflows: at least one workflow is required"}
	}

	registry := models.NewRegistry()
	for name, rawNodes := range doc.Workflows {
		nodes := make([]*models.Node, 0, len(rawNodes))
		seen := make(map[string]bool, len(rawNodes))
		for idx, raw := range rawNodes {
			n, err := parseNode(name, idx, raw)
			if err != nil {
				return nil, nil, nil, err
			}
			if seen[n.Name] {
				return nil, nil, nil, &models.ValidationError{Workflow: name, Node: n.Name, Reason: "duplicate node name"}
			}
			seen[n.Name] = true
			nodes = append(nodes, n)
		}
		registry.Put(models.NewWorkflow(name, nodes))
	}

	for wfName, wf := range registry.Workflows {
		for _, n := range wf.Nodes {
			if n.Type != models.NodeTypeChild {
				continue
			}
			child := n.ChildConfig().ChildWorkflowName
			if child == "" {
				return nil, nil, nil, &models.ValidationError{Workflow: wfName, Node: n.Name, Field: "child_workflow_name", Reason: "required"}
			}
			if _, ok := registry.Get(child); !ok {
				return nil, nil, nil, &models.ValidationError{Workflow: wfName, Node: n.Name, Field: "child_workflow_name", Reason: "references unknown workflow " + child}
			}
		}
	}

	schema := models.FieldSchema(doc.ContextSchema)
	if schema == nil {
		schema = models.FieldSchema{}
	}
	identities := models.Identities(doc.Identities)
	if identities == nil {
		identities = models.Identities{}
	}
	return registry, identities, schema, nil
}

func parseNode(workflow string, idx int, raw map[string]any) (*models.Node, error) {
	name, _ := raw["name"].(string)
	if name == "" {
		return nil, &models.ValidationError{Workflow: workflow, Field: fmt.Sprintf("nodes[%d].name", idx), Reason: "required"}
	}
	typeStr, _ := raw["node_type"].(string)
	nodeType := models.NodeType(typeStr)
	allowed, ok := typeFields[nodeType]
	if !ok {
		return nil, &models.ValidationError{Workflow: workflow, Node: name, Field: "node_type", Reason: "unknown node_type " + typeStr}
	}

	n := &models.Node{
		Name:   name,
		Type:   nodeType,
		Config: make(map[string]any),
	}
	if desc, ok := raw["description"].(string); ok {
		n.Description = desc
	}
	n.EventTriggers = toStringSlice(raw["event_triggers"])

	if rawEmissions, ok := raw["event_emissions"]; ok {
		emissions, err := parseEmissions(workflow, name, nodeType, rawEmissions)
		if err != nil {
			return nil, err
		}
		n.EventEmissions = emissions
	}

	for key, v := range raw {
		if universalFields[key] {
			continue
		}
		if !allowed[key] {
			return nil, &models.ValidationError{Workflow: workflow, Node: name, Field: key, Reason: "unknown field for node_type " + typeStr}
		}
		n.Config[key] = v
	}

	if nodeType == models.NodeTypeTool {
		toolCfg := n.ToolConfig()
		if toolCfg.ToolName == "" {
			return nil, &models.ValidationError{Workflow: workflow, Node: name, Field: "tool_name", Reason: "required"}
		}
		if toolCfg.Parameters != nil && toolCfg.ContextParameterField != "" {
			return nil, &models.ValidationError{Workflow: workflow, Node: name, Field: "parameters", Reason: "contradicts context_parameter_field: at most one may be set"}
		}
	}
	switch nodeType {
	case models.NodeTypeLLM:
		if n.LLMConfig().Prompt == "" {
			return nil, &models.ValidationError{Workflow: workflow, Node: name, Field: "prompt", Reason: "required"}
		}
	case models.NodeTypeAgent:
		if n.AgentConfig().Prompt == "" {
			return nil, &models.ValidationError{Workflow: workflow, Node: name, Field: "prompt", Reason: "required"}
		}
	}

	return n, nil
}

// parseEmissions converts the raw event_emissions sequence, rejecting a
// router emission whose condition is neither empty nor template-style
// (spec §13's load-time decision on plain-text router conditions: router
// nodes have no model to resolve a semantic condition against, so guessing
// at dispatch time is refused in favor of failing here).
func parseEmissions(workflow, node string, nodeType models.NodeType, raw any) ([]models.Emission, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, &models.ValidationError{Workflow: workflow, Node: node, Field: "event_emissions", Reason: "must be a list"}
	}
	out := make([]models.Emission, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &models.ValidationError{Workflow: workflow, Node: node, Field: fmt.Sprintf("event_emissions[%d]", i), Reason: "must be a mapping"}
		}
		signal, _ := m["signal_name"].(string)
		if signal == "" {
			return nil, &models.ValidationError{Workflow: workflow, Node: node, Field: fmt.Sprintf("event_emissions[%d].signal_name", i), Reason: "required"}
		}
		condition, _ := m["condition"].(string)

		if nodeType == models.NodeTypeRouter && condition != "" && !template.IsTemplateStyle(condition) {
			return nil, &models.ConfigurationError{Reason: fmt.Sprintf("workflow %s node %s emission %s: router condition %q is not template-style", workflow, node, signal, condition)}
		}

		out = append(out, models.Emission{SignalName: signal, Condition: condition})
	}
	return out, nil
}

// toStringSlice converts a YAML-decoded []any of scalars to []string,
// skipping non-string entries.
func toStringSlice(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
