// Package node implements the five node-type handlers the dispatcher
// invokes for each activated node (router, tool, llm, agent, child).
package node

import (
	"context"

	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/ctxstore"
	"github.com/orchestrax/soe/pkg/llmcaller"
	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/template"
	"github.com/orchestrax/soe/pkg/tools"
)

// ChildSpawnRequest describes one child execution a child node asks the
// dispatcher to start.
type ChildSpawnRequest struct {
	ChildWorkflowName      string
	InitialSignals         []string
	SeedFields             map[string]any
	SignalsToParent        []string
	ContextUpdatesToParent []string
}

// ChildSpawner starts a child execution and runs its dispatcher to
// quiescence, propagating signals/fields back to the parent per its
// configuration. Implemented by the dispatcher package; node never imports
// it, so the dependency runs one way.
type ChildSpawner interface {
	SpawnChild(ctx context.Context, req ChildSpawnRequest) (executionID string, err error)
}

// Context is everything a handler needs to process one node activation.
// The dispatcher builds one Context per activation.
type Context struct {
	Execution *models.Execution
	Node      *models.Node
	Signal    string

	Store      *ctxstore.Store
	Evaluator  *template.Evaluator
	Tools      *tools.Registry
	Caller     llmcaller.ModelCaller
	Identities models.Identities
	Schema     models.FieldSchema

	Conversation backend.ConversationHistoryBackend
	Spawner      ChildSpawner
}

// Result is what a handler hands back to the dispatcher: the signals to
// enqueue, in emission order. Context mutations and operational deltas are
// applied directly to hc.Store during Handle, per the atomic-per-handler
// commit model — the dispatcher persists the store after Handle returns.
type Result struct {
	EmittedSignals []string
}

// Handler processes one node activation.
type Handler interface {
	Handle(ctx context.Context, hc *Context) (Result, error)
}

// view builds the template.View for the current context snapshot, with an
// optional extra top-level name (e.g. "result" for tool nodes).
func view(hc *Context, extraName string, extraValue any) template.View {
	v := template.View{Context: hc.Store.Snapshot()}
	if extraName == "result" {
		v.Result = extraValue
		v.HasResult = true
	}
	return v
}
