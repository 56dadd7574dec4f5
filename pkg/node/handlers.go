package node

import (
	"fmt"

	"github.com/orchestrax/soe/pkg/models"
)

// Handlers maps each node type to its handler. NewHandlers builds the
// standard set; dispatch.New uses it unless the embedder overrides specific
// entries (e.g. to swap in a mock child spawner for tests).
type Handlers map[models.NodeType]Handler

// NewHandlers builds the standard router/tool/llm/agent/child handler set.
func NewHandlers() Handlers {
	return Handlers{
		models.NodeTypeRouter: RouterHandler{},
		models.NodeTypeTool:   ToolHandler{},
		models.NodeTypeLLM:    LLMHandler{},
		models.NodeTypeAgent:  AgentHandler{},
		models.NodeTypeChild:  ChildHandler{},
	}
}

// For looks up the handler for a node's type.
func (h Handlers) For(nodeType models.NodeType) (Handler, error) {
	handler, ok := h[nodeType]
	if !ok {
		return nil, fmt.Errorf("node: unknown node type %q", nodeType)
	}
	return handler, nil
}
