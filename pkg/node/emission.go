package node

import (
	"context"
	"fmt"

	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/template"
)

// anyTemplateStyle reports whether at least one emission's condition uses
// template delimiters (§4.5 step 5, §4.6 step 4).
func anyTemplateStyle(emissions []models.Emission) bool {
	for _, e := range emissions {
		if e.Condition != "" && template.IsTemplateStyle(e.Condition) {
			return true
		}
	}
	return false
}

// evaluateRouterEmissions implements §4.4: no condition or a plain-text
// condition always emits (routers never consult a model, so a plain-text
// condition has no semantic meaning to ignore); a template-style condition
// is evaluated and must be truthy.
func evaluateRouterEmissions(ev *template.Evaluator, v template.View, emissions []models.Emission) ([]string, error) {
	var out []string
	for _, e := range emissions {
		if e.Condition == "" || !template.IsTemplateStyle(e.Condition) {
			out = append(out, e.SignalName)
			continue
		}
		ok, err := ev.TruthyEvaluate(e.Condition, v)
		if err != nil {
			return nil, fmt.Errorf("node: emission %q: %w", e.SignalName, err)
		}
		if ok {
			out = append(out, e.SignalName)
		}
	}
	return out, nil
}

// evaluateTemplateEmissions evaluates every emission programmatically
// (§4.5 step 5 first branch, §4.6 step 4): emissions without a
// condition always fire; template-style conditions are evaluated; plain
// text conditions are treated as always-false in this mode.
func evaluateTemplateEmissions(ctx context.Context, ev *template.Evaluator, v template.View, emissions []models.Emission) ([]string, error) {
	var out []string
	for _, e := range emissions {
		if e.Condition == "" {
			out = append(out, e.SignalName)
			continue
		}
		if !template.IsTemplateStyle(e.Condition) {
			continue
		}
		ok, err := ev.TruthyEvaluate(e.Condition, v)
		if err != nil {
			return nil, fmt.Errorf("node: emission %q: %w", e.SignalName, err)
		}
		if ok {
			out = append(out, e.SignalName)
		}
	}
	return out, nil
}

// selectEmissionsSemantic applies the model's selected_signals list against
// the emission set for a node where all conditions are plain text or
// absent (§4.5 step 5 second branch). An absent-condition emission in this
// mode still requires explicit selection when more than one emission is
// declared, matching "otherwise... emit exactly the signals the model
// returned" — only a lone zero/one-emission node is unconditional (handled
// by the caller before reaching here).
func selectEmissionsSemantic(emissions []models.Emission, selected []string) []string {
	set := make(map[string]bool, len(selected))
	for _, s := range selected {
		set[s] = true
	}
	var out []string
	for _, e := range emissions {
		if set[e.SignalName] {
			out = append(out, e.SignalName)
		}
	}
	return out
}

// resolveEmissions implements the shared §4.5 step 5 / §4.7 step 4 decision
// tree used by both llm and agent nodes: template conditions pre-empt
// semantic selection; a lone emission (zero or one declared) fires
// unconditionally; otherwise the model's selected_signals list decides.
func resolveEmissions(ctx context.Context, ev *template.Evaluator, v template.View, emissions []models.Emission, selectedSignals []string) ([]string, error) {
	if anyTemplateStyle(emissions) {
		return evaluateTemplateEmissions(ctx, ev, v, emissions)
	}
	if len(emissions) <= 1 {
		var out []string
		for _, e := range emissions {
			out = append(out, e.SignalName)
		}
		return out, nil
	}
	return selectEmissionsSemantic(emissions, selectedSignals), nil
}
