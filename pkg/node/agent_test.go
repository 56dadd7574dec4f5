package node

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrax/soe/pkg/llmcaller"
	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/tools"
)

func TestAgentHandler_CallsToolThenFinishes(t *testing.T) {
	node := &models.Node{
		Name: "assistant",
		Type: models.NodeTypeAgent,
		Config: map[string]any{
			"prompt":       "help the user",
			"tools":        []any{"lookup"},
			"output_field": "answer",
		},
	}
	hc := newTestContext(t, node)
	hc.Tools = tools.NewRegistry()
	hc.Tools.RegisterFunc("lookup", func(ctx context.Context, args map[string]any) (any, error) {
		return "42", nil
	})

	turns := 0
	hc.Caller = llmcaller.Func(func(ctx context.Context, prompt string, cfg llmcaller.NodeConfiguration) (string, error) {
		turns++
		if turns == 1 {
			return `{"action":"tool","tool_name":"lookup","arguments":{}}`, nil
		}
		return `{"action":"final","output":"the answer is 42"}`, nil
	})

	res, err := AgentHandler{}.Handle(context.Background(), hc)
	require.NoError(t, err)
	assert.Empty(t, res.EmittedSignals)
	assert.Equal(t, 2, turns)
	assert.Equal(t, 2, hc.Store.Operational().LLMCalls)
	assert.Equal(t, 1, hc.Store.Operational().ToolCalls)

	out, ok := hc.Store.GetField("answer")
	require.True(t, ok)
	assert.Equal(t, "the answer is 42", out)
}

func TestAgentHandler_RetriesToolWithDefaultMaxRetriesBeforeFinishing(t *testing.T) {
	node := &models.Node{
		Name: "assistant",
		Type: models.NodeTypeAgent,
		Config: map[string]any{
			"prompt":       "help the user",
			"tools":        []any{"flaky"},
			"output_field": "answer",
		},
	}
	hc := newTestContext(t, node)
	hc.Tools = tools.NewRegistry()
	toolAttempts := 0
	hc.Tools.RegisterFunc("flaky", func(ctx context.Context, args map[string]any) (any, error) {
		toolAttempts++
		if toolAttempts == 1 {
			return nil, errors.New("transient failure")
		}
		return "42", nil
	})

	turns := 0
	hc.Caller = llmcaller.Func(func(ctx context.Context, prompt string, cfg llmcaller.NodeConfiguration) (string, error) {
		turns++
		if turns == 1 {
			return `{"action":"tool","tool_name":"flaky","arguments":{}}`, nil
		}
		return `{"action":"final","output":"the answer is 42"}`, nil
	})

	res, err := AgentHandler{}.Handle(context.Background(), hc)
	require.NoError(t, err)
	assert.Empty(t, res.EmittedSignals)
	// the tool's own default max_retries (1 additional attempt) lets a single
	// transient failure succeed on the second call within the same agent turn.
	assert.Equal(t, 2, toolAttempts)
	assert.Equal(t, 2, hc.Store.Operational().ToolCalls)

	out, ok := hc.Store.GetField("answer")
	require.True(t, ok)
	assert.Equal(t, "the answer is 42", out)
}

func TestAgentHandler_FailureSignalOnUnparseableOutput(t *testing.T) {
	node := &models.Node{
		Name: "assistant",
		Type: models.NodeTypeAgent,
		Config: map[string]any{
			"prompt":             "help",
			"retries":            1,
			"llm_failure_signal": "AGENT_FAILED",
		},
	}
	hc := newTestContext(t, node)
	hc.Caller = llmcaller.Func(func(ctx context.Context, prompt string, cfg llmcaller.NodeConfiguration) (string, error) {
		return "not json", nil
	})

	res, err := AgentHandler{}.Handle(context.Background(), hc)
	require.NoError(t, err)
	assert.Equal(t, []string{"AGENT_FAILED"}, res.EmittedSignals)
	assert.Equal(t, 1, hc.Store.Operational().Errors)
}
