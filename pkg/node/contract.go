package node

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestrax/soe/pkg/models"
)

// modelEnvelope is the structured-output shape every contract-bearing model
// call is asked to return: a single JSON object with an "output" value (when
// an output_field schema applies) and/or a "selected_signals" list (when
// semantic emission selection applies). At least one of the two is present
// in the response; both may be, for a node with both an output_field and
// semantic emissions.
type modelEnvelope struct {
	Output          any      `json:"output"`
	SelectedSignals []string `json:"selected_signals"`
}

// buildContractPrompt appends structured-output instructions to a rendered
// prompt whenever a structured contract is required: the output_field has
// a field-schema entry (so the primary response must be pulled out of a
// typed "output" key) and/or any emission requires semantic (model-driven)
// signal selection (§4.5 step 2, §4.7 step 1). With neither condition, the
// model's raw response text IS the primary response — no JSON wrapping is
// asked for. The model caller is a raw-text function (§6.3); the kernel
// owns the contract, so the instructions and the parsing both live here.
func buildContractPrompt(rendered string, outputField string, schemaEntry *models.FieldSchemaEntry, needSignals bool, emissions []models.Emission) string {
	if schemaEntry == nil && !needSignals {
		return rendered
	}

	var b strings.Builder
	b.WriteString(rendered)
	b.WriteString("\n\nRespond with a single JSON object only, no surrounding text.")
	if outputField != "" {
		fieldType := "string"
		description := ""
		if schemaEntry != nil {
			fieldType = schemaEntry.Type
			description = schemaEntry.Description
		}
		b.WriteString(fmt.Sprintf("\nInclude an \"output\" key holding a value of type %q", fieldType))
		if description != "" {
			b.WriteString(fmt.Sprintf(" (%s)", description))
		}
		b.WriteString(".")
	}
	if needSignals {
		b.WriteString("\nInclude a \"selected_signals\" key holding a JSON array of zero or more of the following signal names, chosen by the following criteria:")
		for _, e := range emissions {
			b.WriteString(fmt.Sprintf("\n- %q: %s", e.SignalName, e.Condition))
		}
	}
	return b.String()
}

// needsSemanticSelection reports whether a node's emission set requires the
// model to choose signals itself (§4.5 step 2): more than one emission
// declared and none of them use template syntax.
func needsSemanticSelection(emissions []models.Emission) bool {
	if len(emissions) <= 1 {
		return false
	}
	return !anyTemplateStyle(emissions)
}

// parseModelEnvelope parses a raw model response as a modelEnvelope. A
// response that isn't valid JSON is an unparseable-output failure (§4.5
// step 3, §7 "Model-call failure").
func parseModelEnvelope(raw string) (modelEnvelope, error) {
	var env modelEnvelope
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return modelEnvelope{}, fmt.Errorf("node: unparseable model output: %w", err)
	}
	return env, nil
}
