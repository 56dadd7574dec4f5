package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestrax/soe/pkg/llmcaller"
	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/template"
)

// maxAgentTurns bounds an agent node's internal model+tool loop. Not named
// by §4.7 — the model is expected to decide when to finish, bounded only by
// its own retries budget and an external tool_calls guard router — but a
// workflow's guard router can only interrupt the dispatcher between signal
// deliveries, never an in-flight node activation, so a hard ceiling here is
// the only thing standing between a misbehaving model and a process that
// never returns. Recorded as an implementation decision in the design
// notes, not a spec-mandated number.
const maxAgentTurns = 64

// agentTurn is the structured-output shape one agent turn is asked to
// return: either a tool selection or a final response.
type agentTurn struct {
	Action          string         `json:"action"` // "tool" or "final"
	ToolName        string         `json:"tool_name"`
	Arguments       map[string]any `json:"arguments"`
	Output          any            `json:"output"`
	SelectedSignals []string       `json:"selected_signals"`
}

// AgentHandler implements §4.7: a bounded loop of model calls that may
// invoke tools before producing a final response.
type AgentHandler struct{}

// Handle runs the agent's model+tool loop to a final response or a failure.
func (AgentHandler) Handle(ctx context.Context, hc *Context) (Result, error) {
	cfg := hc.Node.AgentConfig()

	v := view(hc, "", nil)
	basePrompt, err := hc.Evaluator.Render(cfg.Prompt, v)
	if err != nil {
		return Result{}, fmt.Errorf("node: agent %q: render prompt: %w", hc.Node.Name, err)
	}

	var schemaEntry *models.FieldSchemaEntry
	if cfg.OutputField != "" {
		if entry, ok := hc.Schema[cfg.OutputField]; ok {
			schemaEntry = &entry
		}
	}
	needSignals := needsSemanticSelection(hc.Node.EventEmissions)

	systemPrompt := ""
	if cfg.Identity != "" {
		systemPrompt = hc.Identities[cfg.Identity]
	}
	history, err := loadConversationHistory(ctx, hc, cfg.Identity)
	if err != nil {
		return Result{}, fmt.Errorf("node: agent %q: %w", hc.Node.Name, err)
	}
	callerCfg := llmcaller.NodeConfiguration{NodeName: hc.Node.Name, Identity: cfg.Identity, SystemPrompt: systemPrompt, History: history}

	var transcript strings.Builder
	transcript.WriteString(basePrompt)

	for turnNum := 0; turnNum < maxAgentTurns; turnNum++ {
		prompt := buildAgentTurnPrompt(transcript.String(), cfg.Tools, cfg.OutputField, schemaEntry, needSignals, hc.Node.EventEmissions)

		policy := newRetryPolicy(cfg.Retries + 1)
		var turn agentTurn
		var rawResponse string
		callErr := policy.run(ctx, func(attempt int, err error) {
			hc.Store.IncrementLLMCalls()
		}, func() error {
			resp, err := hc.Caller.Call(ctx, prompt, callerCfg)
			if err != nil {
				return err
			}
			rawResponse = resp
			parsed, err := parseAgentTurn(resp)
			if err != nil {
				return err
			}
			turn = parsed
			return nil
		})

		if callErr != nil {
			if cfg.LLMFailureSignal != "" {
				hc.Store.IncrementErrors()
				return Result{EmittedSignals: []string{cfg.LLMFailureSignal}}, nil
			}
			return Result{}, fmt.Errorf("node: agent %q exhausted retries: %w", hc.Node.Name, callErr)
		}

		if err := recordConversation(ctx, hc, cfg.Identity, prompt, rawResponse); err != nil {
			return Result{}, fmt.Errorf("node: agent %q: %w", hc.Node.Name, err)
		}

		if turn.Action == "tool" {
			result, toolErr := runAgentTool(ctx, hc, turn.ToolName, turn.Arguments)
			if toolErr != nil {
				if entry, ok := hc.Tools.Get(turn.ToolName); ok && entry.FailureSignal != "" {
					hc.Store.IncrementErrors()
					return Result{EmittedSignals: []string{entry.FailureSignal}}, nil
				}
				if cfg.Retries <= 0 {
					return Result{}, fmt.Errorf("node: agent %q: tool %q: %w", hc.Node.Name, turn.ToolName, toolErr)
				}
				cfg.Retries--
				transcript.WriteString(fmt.Sprintf("\n\nTool %q failed: %s", turn.ToolName, toolErr.Error()))
				continue
			}
			encoded, _ := json.Marshal(result)
			transcript.WriteString(fmt.Sprintf("\n\nCalled tool %q with %v, result: %s", turn.ToolName, turn.Arguments, encoded))
			continue
		}

		if cfg.OutputField != "" {
			if err := hc.Store.SetField(cfg.OutputField, turn.Output); err != nil {
				return Result{}, fmt.Errorf("node: agent %q: %w", hc.Node.Name, err)
			}
		}
		emitted, err := resolveEmissions(ctx, hc.Evaluator, template.View{Context: hc.Store.Snapshot()}, hc.Node.EventEmissions, turn.SelectedSignals)
		if err != nil {
			return Result{}, fmt.Errorf("node: agent %q: %w", hc.Node.Name, err)
		}
		return Result{EmittedSignals: emitted}, nil
	}

	return Result{}, fmt.Errorf("node: agent %q: %w", hc.Node.Name, models.ErrAgentTurnCeiling)
}

func buildAgentTurnPrompt(transcript string, toolNames []string, outputField string, schemaEntry *models.FieldSchemaEntry, needSignals bool, emissions []models.Emission) string {
	var b strings.Builder
	b.WriteString(transcript)
	b.WriteString("\n\nRespond with a single JSON object only, no surrounding text.")
	b.WriteString("\nSet \"action\" to either \"tool\" or \"final\".")
	if len(toolNames) > 0 {
		b.WriteString(fmt.Sprintf("\nIf \"tool\", also set \"tool_name\" to one of %v and \"arguments\" to a JSON object of arguments.", toolNames))
	}
	b.WriteString("\nIf \"final\", this is your last turn.")
	if outputField != "" {
		fieldType := "string"
		if schemaEntry != nil {
			fieldType = schemaEntry.Type
		}
		b.WriteString(fmt.Sprintf(" Also set \"output\" to a value of type %q.", fieldType))
	}
	if needSignals {
		b.WriteString(" Also set \"selected_signals\" to a JSON array of zero or more of the following signal names, chosen by the following criteria:")
		for _, e := range emissions {
			b.WriteString(fmt.Sprintf("\n- %q: %s", e.SignalName, e.Condition))
		}
	}
	return b.String()
}

func parseAgentTurn(raw string) (agentTurn, error) {
	var turn agentTurn
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if err := json.Unmarshal([]byte(trimmed), &turn); err != nil {
		return agentTurn{}, fmt.Errorf("node: unparseable agent turn: %w", err)
	}
	if turn.Action != "tool" && turn.Action != "final" {
		return agentTurn{}, fmt.Errorf("node: agent turn has invalid action %q", turn.Action)
	}
	return turn, nil
}

// runAgentTool invokes one agent-selected tool with the tool registry's own
// max_retries/failure_signal configuration (§4.7 step 3). A tool failure
// past its own retries and with no failure_signal surfaces as an agent
// error consumed by the agent's own retries budget in Handle.
func runAgentTool(ctx context.Context, hc *Context, toolName string, args map[string]any) (any, error) {
	entry, ok := hc.Tools.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrToolNotFound, toolName)
	}
	maxRetries := entry.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	// max_retries (§4.6/§4.7) counts additional attempts beyond the first call.
	policy := newRetryPolicy(maxRetries + 1)

	var result any
	err := policy.run(ctx, func(attempt int, err error) {
		hc.Store.IncrementToolCalls()
	}, func() error {
		out, err := entry.Function(ctx, args)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
