package node

import (
	"context"
	"fmt"

	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/template"
	"github.com/orchestrax/soe/pkg/tools"
)

// ToolHandler implements §4.6: resolve a registered tool, call it with
// templated or accumulated-field arguments, retry on failure, then route on
// the tool's raw result.
type ToolHandler struct{}

// Handle executes the node's configured tool call.
func (ToolHandler) Handle(ctx context.Context, hc *Context) (Result, error) {
	cfg := hc.Node.ToolConfig()
	if cfg.ToolName == "" {
		return Result{}, fmt.Errorf("node: tool %q: %w", hc.Node.Name, models.ErrToolNotFound)
	}
	entry, ok := hc.Tools.Get(cfg.ToolName)
	if !ok {
		return Result{}, fmt.Errorf("node: tool %q references %q: %w", hc.Node.Name, cfg.ToolName, models.ErrToolNotFound)
	}

	args, err := buildToolArgs(hc, cfg, entry)
	if err != nil {
		return Result{}, fmt.Errorf("node: tool %q: %w", hc.Node.Name, err)
	}

	maxRetries := entry.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	// max_retries (§4.6) counts additional attempts beyond the first call.
	policy := newRetryPolicy(maxRetries + 1)

	var result any
	callErr := policy.run(ctx, func(attempt int, err error) {
		hc.Store.IncrementToolCalls()
	}, func() error {
		out, err := entry.Function(ctx, args)
		if err != nil {
			return err
		}
		result = out
		return nil
	})

	if callErr != nil {
		if entry.FailureSignal != "" {
			hc.Store.IncrementErrors()
			return Result{EmittedSignals: []string{entry.FailureSignal}}, nil
		}
		return Result{}, fmt.Errorf("node: tool %q exhausted retries: %w", hc.Node.Name, callErr)
	}

	if cfg.OutputField != "" {
		if err := hc.Store.SetField(cfg.OutputField, result); err != nil {
			return Result{}, fmt.Errorf("node: tool %q: %w", hc.Node.Name, err)
		}
	}

	v := template.View{Context: hc.Store.Snapshot(), Result: result, HasResult: true}
	emitted, err := evaluateTemplateEmissions(ctx, hc.Evaluator, v, hc.Node.EventEmissions)
	if err != nil {
		return Result{}, fmt.Errorf("node: tool %q: %w", hc.Node.Name, err)
	}
	return Result{EmittedSignals: emitted}, nil
}

// buildToolArgs implements §4.6 step 2: exactly one of parameters /
// context_parameter_field may be set; neither means a no-argument call.
// process_accumulated is a tool-registry property (§6.2), not a per-node
// one: it is looked up from entry, not cfg.
func buildToolArgs(hc *Context, cfg models.ToolConfig, entry tools.Entry) (map[string]any, error) {
	hasParams := cfg.Parameters != nil
	hasField := cfg.ContextParameterField != ""
	if hasParams && hasField {
		return nil, fmt.Errorf("%w: tool node has both parameters and context_parameter_field", models.ErrFieldNotFound)
	}

	if hasField {
		if entry.ProcessAccumulated {
			history := hc.Store.GetAccumulated(cfg.ContextParameterField)
			return map[string]any{"items": history}, nil
		}
		current, _ := hc.Store.GetField(cfg.ContextParameterField)
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("node: context_parameter_field %q is not a mapping", cfg.ContextParameterField)
		}
		return m, nil
	}

	if hasParams {
		rendered := make(map[string]any, len(cfg.Parameters))
		v := template.View{Context: hc.Store.Snapshot()}
		for key, raw := range cfg.Parameters {
			s, ok := raw.(string)
			if !ok {
				rendered[key] = raw
				continue
			}
			out, err := hc.Evaluator.Render(s, v)
			if err != nil {
				return nil, fmt.Errorf("node: render parameter %q: %w", key, err)
			}
			rendered[key] = out
		}
		return rendered, nil
	}

	return map[string]any{}, nil
}
