package workflowyaml_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/workflowyaml"
)

func TestLoad_ParsesWorkflowsIdentitiesAndSchema(t *testing.T) {
	doc := `
workflows:
  main:
    - name: start
      node_type: router
      event_triggers: ["BEGIN"]
      event_emissions:
        - signal_name: GO
          condition: "{{ context.ready }}"
    - name: call
      node_type: tool
      event_triggers: ["GO"]
      tool_name: double
      output_field: doubled
identities:
  default: "You are a helpful assistant."
context_schema:
  doubled:
    type: object
`
	registry, identities, schema, err := workflowyaml.Load([]byte(doc))
	require.NoError(t, err)

	wf, ok := registry.Get("main")
	require.True(t, ok)
	require.Len(t, wf.Nodes, 2)
	assert.Equal(t, models.NodeTypeRouter, wf.Nodes[0].Type)
	assert.Equal(t, "double", wf.Nodes[1].ToolConfig().ToolName)
	assert.Equal(t, "doubled", wf.Nodes[1].ToolConfig().OutputField)

	assert.Equal(t, "You are a helpful assistant.", identities["default"])
	assert.Equal(t, "object", schema["doubled"].Type)
}

func TestLoad_RejectsUnknownFieldForNodeType(t *testing.T) {
	doc := `
workflows:
  main:
    - name: start
      node_type: router
      event_triggers: ["BEGIN"]
      tool_name: not_allowed_here
`
	_, _, _, err := workflowyaml.Load([]byte(doc))
	require.Error(t, err)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tool_name", verr.Field)
}

func TestLoad_RejectsPlainTextRouterCondition(t *testing.T) {
	doc := `
workflows:
  main:
    - name: start
      node_type: router
      event_triggers: ["BEGIN"]
      event_emissions:
        - signal_name: GO
          condition: "the order looks ready"
`
	_, _, _, err := workflowyaml.Load([]byte(doc))
	require.Error(t, err)
	var cerr *models.ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestLoad_AllowsPlainTextConditionOnLLMNode(t *testing.T) {
	doc := `
workflows:
  main:
    - name: classify
      node_type: llm
      event_triggers: ["BEGIN"]
      prompt: "Classify the ticket."
      event_emissions:
        - signal_name: URGENT
          condition: "the ticket describes an outage"
        - signal_name: NORMAL
`
	registry, _, _, err := workflowyaml.Load([]byte(doc))
	require.NoError(t, err)
	wf, ok := registry.Get("main")
	require.True(t, ok)
	assert.Len(t, wf.Nodes[0].EventEmissions, 2)
}

func TestLoad_RejectsChildWorkflowReferenceToUnknownWorkflow(t *testing.T) {
	doc := `
workflows:
  main:
    - name: fanout
      node_type: child
      event_triggers: ["SPLIT"]
      child_workflow_name: missing
`
	_, _, _, err := workflowyaml.Load([]byte(doc))
	require.Error(t, err)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "child_workflow_name", verr.Field)
}

func TestLoad_RejectsContradictoryToolParametersAndContextField(t *testing.T) {
	doc := `
workflows:
  main:
    - name: call
      node_type: tool
      event_triggers: ["GO"]
      tool_name: double
      parameters:
        x: 1
      context_parameter_field: input
`
	_, _, _, err := workflowyaml.Load([]byte(doc))
	require.Error(t, err)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "parameters", verr.Field)
}

func TestLoad_RejectsMissingToolName(t *testing.T) {
	doc := `
workflows:
  main:
    - name: call
      node_type: tool
      event_triggers: ["GO"]
`
	_, _, _, err := workflowyaml.Load([]byte(doc))
	require.Error(t, err)
}

func TestLoad_RejectsEmptyDocument(t *testing.T) {
	_, _, _, err := workflowyaml.Load([]byte(`workflows: {}`))
	require.Error(t, err)
}

func TestLoad_RejectsDuplicateNodeNames(t *testing.T) {
	doc := `
workflows:
  main:
    - name: start
      node_type: router
      event_triggers: ["BEGIN"]
    - name: start
      node_type: router
      event_triggers: ["OTHER"]
`
	_, _, _, err := workflowyaml.Load([]byte(doc))
	require.Error(t, err)
}
