package node

import (
	"context"
	"fmt"
)

// RouterHandler implements §4.4: pure conditional emission, no side effects
// on context or external services.
type RouterHandler struct{}

// Handle evaluates every emission and returns the signals that fire.
func (RouterHandler) Handle(ctx context.Context, hc *Context) (Result, error) {
	v := view(hc, "", nil)
	emitted, err := evaluateRouterEmissions(hc.Evaluator, v, hc.Node.EventEmissions)
	if err != nil {
		return Result{}, fmt.Errorf("node: router %q: %w", hc.Node.Name, err)
	}
	return Result{EmittedSignals: emitted}, nil
}
