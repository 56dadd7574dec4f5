package node

import (
	"context"
	"fmt"

	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/llmcaller"
	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/template"
)

// LLMHandler implements §4.5: render one prompt, call the model, store the
// result, then select emissions.
type LLMHandler struct{}

// Handle renders the prompt, calls the model up to 1+retries times, and
// resolves emissions.
func (LLMHandler) Handle(ctx context.Context, hc *Context) (Result, error) {
	cfg := hc.Node.LLMConfig()

	v := view(hc, "", nil)
	rendered, err := hc.Evaluator.Render(cfg.Prompt, v)
	if err != nil {
		return Result{}, fmt.Errorf("node: llm %q: render prompt: %w", hc.Node.Name, err)
	}

	var schemaEntry *models.FieldSchemaEntry
	if cfg.OutputField != "" {
		if entry, ok := hc.Schema[cfg.OutputField]; ok {
			schemaEntry = &entry
		}
	}
	needSignals := needsSemanticSelection(hc.Node.EventEmissions)
	contractPrompt := buildContractPrompt(rendered, cfg.OutputField, schemaEntry, needSignals, hc.Node.EventEmissions)

	systemPrompt := ""
	if cfg.Identity != "" {
		systemPrompt = hc.Identities[cfg.Identity]
	}
	history, err := loadConversationHistory(ctx, hc, cfg.Identity)
	if err != nil {
		return Result{}, fmt.Errorf("node: llm %q: %w", hc.Node.Name, err)
	}
	callerCfg := llmcaller.NodeConfiguration{NodeName: hc.Node.Name, Identity: cfg.Identity, SystemPrompt: systemPrompt, History: history}

	policy := newRetryPolicy(cfg.Retries + 1)
	var env modelEnvelope
	var rawResponse string
	callErr := policy.run(ctx, func(attempt int, err error) {
		hc.Store.IncrementLLMCalls()
	}, func() error {
		resp, err := hc.Caller.Call(ctx, contractPrompt, callerCfg)
		if err != nil {
			return err
		}
		rawResponse = resp
		if schemaEntry == nil && !needSignals {
			return nil
		}
		parsed, err := parseModelEnvelope(resp)
		if err != nil {
			return err
		}
		env = parsed
		return nil
	})

	if callErr != nil {
		if cfg.LLMFailureSignal != "" {
			hc.Store.IncrementErrors()
			return Result{EmittedSignals: []string{cfg.LLMFailureSignal}}, nil
		}
		return Result{}, fmt.Errorf("node: llm %q exhausted retries: %w", hc.Node.Name, callErr)
	}

	if err := recordConversation(ctx, hc, cfg.Identity, rendered, rawResponse); err != nil {
		return Result{}, fmt.Errorf("node: llm %q: %w", hc.Node.Name, err)
	}

	if cfg.OutputField != "" {
		var out any = rawResponse
		if needSignals || schemaEntry != nil {
			out = env.Output
		}
		if err := hc.Store.SetField(cfg.OutputField, out); err != nil {
			return Result{}, fmt.Errorf("node: llm %q: %w", hc.Node.Name, err)
		}
	}

	emitted, err := resolveEmissions(ctx, hc.Evaluator, template.View{Context: hc.Store.Snapshot()}, hc.Node.EventEmissions, env.SelectedSignals)
	if err != nil {
		return Result{}, fmt.Errorf("node: llm %q: %w", hc.Node.Name, err)
	}
	return Result{EmittedSignals: emitted}, nil
}

// loadConversationHistory returns the prior turns shared across every node
// in the same main_execution_id that also sets an identity (§4.5
// "Conversation history"), so they can be threaded into the next model
// call ahead of its new prompt. A nil backend or unset identity is a
// no-op, returning no history rather than an error.
func loadConversationHistory(ctx context.Context, hc *Context, identity string) ([]llmcaller.ConversationMessage, error) {
	if identity == "" || hc.Conversation == nil {
		return nil, nil
	}
	turns, err := hc.Conversation.GetConversation(ctx, hc.Execution.MainExecutionID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	history := make([]llmcaller.ConversationMessage, len(turns))
	for i, t := range turns {
		history[i] = llmcaller.ConversationMessage{Role: t.Role, Content: t.Content}
	}
	return history, nil
}

// recordConversation appends the user/assistant turn to the shared
// main_execution_id conversation when identity is set and truthy (§4.5
// "Conversation history"). A nil backend (conversation history not wired)
// is a silent no-op, matching the optional-backend design of §6.1.
func recordConversation(ctx context.Context, hc *Context, identity, userTurn, assistantTurn string) error {
	if identity == "" || hc.Conversation == nil {
		return nil
	}
	turns := []backend.ConversationTurn{
		{Role: "user", Content: userTurn},
		{Role: "assistant", Content: assistantTurn},
	}
	if err := hc.Conversation.AppendConversation(ctx, hc.Execution.MainExecutionID, turns...); err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}
