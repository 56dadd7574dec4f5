package models

// NodeType identifies which handler a node's configuration is interpreted
// by. It is the only required field besides a name and triggers.
type NodeType string

const (
	NodeTypeRouter NodeType = "router"
	NodeTypeTool   NodeType = "tool"
	NodeTypeLLM    NodeType = "llm"
	NodeTypeAgent  NodeType = "agent"
	NodeTypeChild  NodeType = "child"
)

// Emission is one entry of a node's event_emissions list: a signal name and
// an optional condition. An absent condition always fires.
type Emission struct {
	SignalName string `yaml:"signal_name" json:"signal_name"`
	Condition  string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Node is a single declarative unit inside a workflow. Nodes carry no
// persisted state of their own — everything they read or write lives in the
// context store. Type-specific fields are held in Config and accessed
// through the typed views below rather than by direct map access, so that
// handlers fail fast on a malformed node rather than panicking on a type
// assertion deep inside a render call.
type Node struct {
	Name          string         `yaml:"name" json:"name"`
	Type          NodeType       `yaml:"node_type" json:"node_type"`
	Description   string         `yaml:"description,omitempty" json:"description,omitempty"`
	EventTriggers []string       `yaml:"event_triggers,omitempty" json:"event_triggers,omitempty"`
	EventEmissions []Emission    `yaml:"event_emissions,omitempty" json:"event_emissions,omitempty"`
	Config        map[string]any `yaml:"-" json:"-"`
}

// TriggeredBy reports whether the node listens for the given signal.
func (n *Node) TriggeredBy(signal string) bool {
	for _, t := range n.EventTriggers {
		if t == signal {
			return true
		}
	}
	return false
}

func (n *Node) str(key string) string {
	v, _ := n.Config[key].(string)
	return v
}

func (n *Node) strSlice(key string) []string {
	raw, ok := n.Config[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (n *Node) intWithDefault(key string, def int) int {
	raw, ok := n.Config[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func (n *Node) boolWithDefault(key string, def bool) bool {
	raw, ok := n.Config[key]
	if !ok {
		return def
	}
	if b, ok := raw.(bool); ok {
		return b
	}
	return def
}

func (n *Node) mapping(key string) (map[string]any, bool) {
	raw, ok := n.Config[key]
	if !ok || raw == nil {
		return nil, false
	}
	m, ok := raw.(map[string]any)
	return m, ok
}

// RouterConfig is the view over a router node's fields: routers have no
// fields beyond the universal name/triggers/emissions.
type RouterConfig struct{}

// ToolConfig is the view over a tool node's type-specific fields (§4.6).
// max_retries, failure_signal and process_accumulated are tool-registry
// properties (§6.2), not node fields, so they are not modeled here.
type ToolConfig struct {
	ToolName              string
	Parameters            map[string]any
	ContextParameterField string
	OutputField           string
}

func (n *Node) ToolConfig() ToolConfig {
	params, _ := n.mapping("parameters")
	return ToolConfig{
		ToolName:              n.str("tool_name"),
		Parameters:            params,
		ContextParameterField: n.str("context_parameter_field"),
		OutputField:           n.str("output_field"),
	}
}

// LLMConfig is the view over a model-call node's type-specific fields (§4.5).
type LLMConfig struct {
	Prompt           string
	Identity         string
	OutputField      string
	Retries          int
	LLMFailureSignal string
}

func (n *Node) LLMConfig() LLMConfig {
	return LLMConfig{
		Prompt:           n.str("prompt"),
		Identity:         n.str("identity"),
		OutputField:      n.str("output_field"),
		Retries:          n.intWithDefault("retries", 3),
		LLMFailureSignal: n.str("llm_failure_signal"),
	}
}

// AgentConfig is the view over an agent node's type-specific fields (§4.7).
type AgentConfig struct {
	Prompt           string
	Identity         string
	Tools            []string
	OutputField      string
	Retries          int
	LLMFailureSignal string
}

func (n *Node) AgentConfig() AgentConfig {
	tools := n.strSlice("tools")
	if tools == nil {
		tools = n.strSlice("available_tools")
	}
	return AgentConfig{
		Prompt:           n.str("prompt"),
		Identity:         n.str("identity"),
		Tools:            tools,
		OutputField:      n.str("output_field"),
		Retries:          n.intWithDefault("retries", 3),
		LLMFailureSignal: n.str("llm_failure_signal"),
	}
}

// ChildConfig is the view over a child (sub-orchestration) node's
// type-specific fields (§4.8).
type ChildConfig struct {
	ChildWorkflowName      string
	ChildInitialSignals    []string
	InputFields            []string
	SignalsToParent        []string
	ContextUpdatesToParent []string
	FanOutField            string
	ChildInputField        string
	SpawnIntervalSeconds   float64
}

func (n *Node) ChildConfig() ChildConfig {
	interval := 0.0
	if raw, ok := n.Config["spawn_interval"]; ok {
		switch v := raw.(type) {
		case float64:
			interval = v
		case int:
			interval = float64(v)
		}
	}
	return ChildConfig{
		ChildWorkflowName:      n.str("child_workflow_name"),
		ChildInitialSignals:    n.strSlice("child_initial_signals"),
		InputFields:            n.strSlice("input_fields"),
		SignalsToParent:        n.strSlice("signals_to_parent"),
		ContextUpdatesToParent: n.strSlice("context_updates_to_parent"),
		FanOutField:            n.str("fan_out_field"),
		ChildInputField:        n.str("child_input_field"),
		SpawnIntervalSeconds:   interval,
	}
}
