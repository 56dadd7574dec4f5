package node

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/backend/memory"
	"github.com/orchestrax/soe/pkg/llmcaller"
	"github.com/orchestrax/soe/pkg/models"
)

func TestLLMHandler_SemanticSignalSelection(t *testing.T) {
	node := &models.Node{
		Name: "classify",
		Type: models.NodeTypeLLM,
		Config: map[string]any{
			"prompt": "classify this",
		},
		EventEmissions: []models.Emission{
			{SignalName: "POS", Condition: "the sentiment is positive"},
			{SignalName: "NEG", Condition: "the sentiment is negative"},
			{SignalName: "NEU", Condition: "the sentiment is neutral"},
		},
	}
	hc := newTestContext(t, node)
	hc.Caller = llmcaller.Func(func(ctx context.Context, prompt string, cfg llmcaller.NodeConfiguration) (string, error) {
		return `{"selected_signals": ["POS", "NEU"]}`, nil
	})

	res, err := LLMHandler{}.Handle(context.Background(), hc)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"POS", "NEU"}, res.EmittedSignals)
	assert.Equal(t, 1, hc.Store.Operational().LLMCalls)
}

func TestLLMHandler_OutputFieldStoresResponse(t *testing.T) {
	node := &models.Node{
		Name: "summarize",
		Type: models.NodeTypeLLM,
		Config: map[string]any{
			"prompt":       "summarize this",
			"output_field": "summary",
		},
	}
	hc := newTestContext(t, node)
	hc.Caller = llmcaller.Func(func(ctx context.Context, prompt string, cfg llmcaller.NodeConfiguration) (string, error) {
		return "a short summary", nil
	})

	_, err := LLMHandler{}.Handle(context.Background(), hc)
	require.NoError(t, err)
	val, ok := hc.Store.GetField("summary")
	require.True(t, ok)
	assert.Equal(t, "a short summary", val)
}

func TestLLMHandler_FailureSignalOnExhaustedRetries(t *testing.T) {
	node := &models.Node{
		Name: "flaky",
		Type: models.NodeTypeLLM,
		Config: map[string]any{
			"prompt":             "do it",
			"retries":            1,
			"llm_failure_signal": "LLM_FAILED",
		},
	}
	hc := newTestContext(t, node)
	hc.Caller = llmcaller.Func(func(ctx context.Context, prompt string, cfg llmcaller.NodeConfiguration) (string, error) {
		return "", errors.New("upstream down")
	})

	res, err := LLMHandler{}.Handle(context.Background(), hc)
	require.NoError(t, err)
	assert.Equal(t, []string{"LLM_FAILED"}, res.EmittedSignals)
	assert.Equal(t, 2, hc.Store.Operational().LLMCalls)
	assert.Equal(t, 1, hc.Store.Operational().Errors)
}

func TestLLMHandler_ThreadsPriorConversationIntoCallWhenIdentitySet(t *testing.T) {
	node := &models.Node{
		Name: "chat",
		Type: models.NodeTypeLLM,
		Config: map[string]any{
			"prompt":   "continue the conversation",
			"identity": "assistant",
		},
	}
	hc := newTestContext(t, node)
	hc.Identities = models.Identities{"assistant": "You are a helpful assistant."}
	hc.Conversation = memory.New()
	require.NoError(t, hc.Conversation.AppendConversation(context.Background(), hc.Execution.MainExecutionID,
		backend.ConversationTurn{Role: "user", Content: "hi"},
		backend.ConversationTurn{Role: "assistant", Content: "hello"},
	))

	var seen llmcaller.NodeConfiguration
	hc.Caller = llmcaller.Func(func(ctx context.Context, prompt string, cfg llmcaller.NodeConfiguration) (string, error) {
		seen = cfg
		return "sure, continuing", nil
	})

	_, err := LLMHandler{}.Handle(context.Background(), hc)
	require.NoError(t, err)
	require.Len(t, seen.History, 2)
	assert.Equal(t, llmcaller.ConversationMessage{Role: "user", Content: "hi"}, seen.History[0])
	assert.Equal(t, llmcaller.ConversationMessage{Role: "assistant", Content: "hello"}, seen.History[1])

	turns, err := hc.Conversation.GetConversation(context.Background(), hc.Execution.MainExecutionID)
	require.NoError(t, err)
	require.Len(t, turns, 4)
}

func TestLLMHandler_NoConversationBackendLeavesHistoryEmpty(t *testing.T) {
	node := &models.Node{
		Name: "chat",
		Type: models.NodeTypeLLM,
		Config: map[string]any{
			"prompt":   "continue the conversation",
			"identity": "assistant",
		},
	}
	hc := newTestContext(t, node)
	hc.Identities = models.Identities{"assistant": "You are a helpful assistant."}

	var seen llmcaller.NodeConfiguration
	hc.Caller = llmcaller.Func(func(ctx context.Context, prompt string, cfg llmcaller.NodeConfiguration) (string, error) {
		seen = cfg
		return "ok", nil
	})

	_, err := LLMHandler{}.Handle(context.Background(), hc)
	require.NoError(t, err)
	assert.Empty(t, seen.History)
}

func TestLLMHandler_TemplateConditionsPreemptSemanticSelection(t *testing.T) {
	node := &models.Node{
		Name: "decide",
		Type: models.NodeTypeLLM,
		Config: map[string]any{
			"prompt":       "decide",
			"output_field": "decision",
		},
		EventEmissions: []models.Emission{
			{SignalName: "YES", Condition: "{{ context.decision == 'yes' }}"},
			{SignalName: "NO", Condition: "{{ context.decision != 'yes' }}"},
		},
	}
	hc := newTestContext(t, node)
	hc.Caller = llmcaller.Func(func(ctx context.Context, prompt string, cfg llmcaller.NodeConfiguration) (string, error) {
		return "yes", nil
	})

	res, err := LLMHandler{}.Handle(context.Background(), hc)
	require.NoError(t, err)
	assert.Equal(t, []string{"YES"}, res.EmittedSignals)
}
