// Package llmcaller defines the model-caller contract the kernel's llm/agent
// node handlers depend on (spec §6.3) and a default go-openai-backed
// implementation.
package llmcaller

import "context"

// ConversationMessage is one turn of shared conversation history, threaded
// through so the caller can reconstruct a multi-turn chat request when an
// identity is set (spec §4.5 "Conversation history").
type ConversationMessage struct {
	Role    string
	Content string
}

// NodeConfiguration is the subset of a model-call/agent node's
// configuration the caller may need (e.g. to pick a model override); the
// kernel passes it through opaquely. History carries the prior turns
// shared across every node in the same main_execution_id that also sets
// an identity (spec §4.5); it is empty when no identity is set or no
// conversation backend is configured.
type NodeConfiguration struct {
	NodeName     string
	Identity     string
	SystemPrompt string
	Temperature  float64
	History      []ConversationMessage
}

// ModelCaller is a single function: render the prompt, call the model,
// return raw text. The kernel owns structured-output parsing around this
// (§6.3); the caller never sees the contract schema.
type ModelCaller interface {
	Call(ctx context.Context, renderedPrompt string, cfg NodeConfiguration) (string, error)
}

// Func adapts a plain function to the ModelCaller interface.
type Func func(ctx context.Context, renderedPrompt string, cfg NodeConfiguration) (string, error)

// Call implements ModelCaller.
func (f Func) Call(ctx context.Context, renderedPrompt string, cfg NodeConfiguration) (string, error) {
	return f(ctx, renderedPrompt, cfg)
}
