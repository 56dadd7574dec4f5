package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orchestrax/soe/pkg/models"
)

func TestNode_TriggeredBy(t *testing.T) {
	n := &models.Node{Name: "call", EventTriggers: []string{"GO", "RETRY"}}

	assert.True(t, n.TriggeredBy("GO"))
	assert.True(t, n.TriggeredBy("RETRY"))
	assert.False(t, n.TriggeredBy("STOP"))
}

func TestNode_ToolConfig_ReadsTypedFields(t *testing.T) {
	n := &models.Node{
		Type: models.NodeTypeTool,
		Config: map[string]any{
			"tool_name":               "double",
			"parameters":              map[string]any{"x": 1},
			"context_parameter_field": "input",
			"output_field":            "doubled",
		},
	}

	cfg := n.ToolConfig()
	assert.Equal(t, "double", cfg.ToolName)
	assert.Equal(t, "input", cfg.ContextParameterField)
	assert.Equal(t, "doubled", cfg.OutputField)
	assert.Equal(t, 1, cfg.Parameters["x"])
}

func TestNode_LLMConfig_DefaultsRetries(t *testing.T) {
	n := &models.Node{
		Type:   models.NodeTypeLLM,
		Config: map[string]any{"prompt": "summarize"},
	}

	cfg := n.LLMConfig()
	assert.Equal(t, "summarize", cfg.Prompt)
	assert.Equal(t, 3, cfg.Retries)
}

func TestNode_LLMConfig_HonorsExplicitRetries(t *testing.T) {
	n := &models.Node{
		Type:   models.NodeTypeLLM,
		Config: map[string]any{"prompt": "summarize", "retries": float64(5)},
	}

	assert.Equal(t, 5, n.LLMConfig().Retries)
}

func TestNode_AgentConfig_FallsBackToAvailableTools(t *testing.T) {
	n := &models.Node{
		Type:   models.NodeTypeAgent,
		Config: map[string]any{"prompt": "act", "available_tools": []any{"search", "double"}},
	}

	cfg := n.AgentConfig()
	assert.Equal(t, []string{"search", "double"}, cfg.Tools)
}

func TestNode_ChildConfig_ParsesSpawnInterval(t *testing.T) {
	n := &models.Node{
		Type: models.NodeTypeChild,
		Config: map[string]any{
			"child_workflow_name": "sub",
			"spawn_interval":      float64(2.5),
		},
	}

	cfg := n.ChildConfig()
	assert.Equal(t, "sub", cfg.ChildWorkflowName)
	assert.Equal(t, 2.5, cfg.SpawnIntervalSeconds)
}

func TestWorkflow_TriggeredPreservesDeclarationOrder(t *testing.T) {
	a := &models.Node{Name: "a", EventTriggers: []string{"GO"}}
	b := &models.Node{Name: "b", EventTriggers: []string{"GO"}}
	c := &models.Node{Name: "c", EventTriggers: []string{"OTHER"}}
	wf := models.NewWorkflow("main", []*models.Node{a, b, c})

	triggered := wf.Triggered("GO")
	assert.Equal(t, []*models.Node{a, b}, triggered)
}

func TestWorkflow_CloneIsIndependentOfSource(t *testing.T) {
	a := &models.Node{Name: "a"}
	wf := models.NewWorkflow("main", []*models.Node{a})
	clone := wf.Clone()

	clone.Nodes = append(clone.Nodes, &models.Node{Name: "b"})

	assert.Len(t, wf.Nodes, 1)
	assert.Len(t, clone.Nodes, 2)
}

func TestRegistry_CloneDeepCopiesWorkflows(t *testing.T) {
	reg := models.NewRegistry()
	reg.Put(models.NewWorkflow("main", []*models.Node{{Name: "a"}}))

	clone := reg.Clone()
	clone.Remove("main")

	_, stillThere := reg.Get("main")
	_, removedFromClone := clone.Get("main")
	assert.True(t, stillThere)
	assert.False(t, removedFromClone)
}

func TestFieldSchema_CloneIsIndependent(t *testing.T) {
	schema := models.FieldSchema{"x": {Type: "string"}}
	clone := schema.Clone()
	clone["y"] = models.FieldSchemaEntry{Type: "integer"}

	_, ok := schema["y"]
	assert.False(t, ok)
}

func TestIdentities_CloneIsIndependent(t *testing.T) {
	ids := models.Identities{"default": "be helpful"}
	clone := ids.Clone()
	clone["default"] = "be terse"

	assert.Equal(t, "be helpful", ids["default"])
	assert.Equal(t, "be terse", clone["default"])
}
