package node

import (
	"context"
	"fmt"
	"time"
)

// ChildHandler implements §4.8: spawn one or more sub-orchestrations,
// optionally fanning out one child per element of an accumulated field.
type ChildHandler struct{}

// Handle spawns the node's configured child execution(s) via hc.Spawner,
// which owns the actual child dispatcher invocation and parent-propagation
// wiring (dispatch package).
func (ChildHandler) Handle(ctx context.Context, hc *Context) (Result, error) {
	cfg := hc.Node.ChildConfig()
	if cfg.ChildWorkflowName == "" {
		return Result{}, fmt.Errorf("node: child %q: missing child_workflow_name", hc.Node.Name)
	}
	if hc.Spawner == nil {
		return Result{}, fmt.Errorf("node: child %q: no child spawner configured", hc.Node.Name)
	}

	baseSeed := make(map[string]any, len(cfg.InputFields))
	for _, field := range cfg.InputFields {
		if v, ok := hc.Store.GetField(field); ok {
			baseSeed[field] = v
		}
	}

	if cfg.FanOutField == "" {
		req := ChildSpawnRequest{
			ChildWorkflowName:      cfg.ChildWorkflowName,
			InitialSignals:         cfg.ChildInitialSignals,
			SeedFields:             baseSeed,
			SignalsToParent:        cfg.SignalsToParent,
			ContextUpdatesToParent: cfg.ContextUpdatesToParent,
		}
		if _, err := hc.Spawner.SpawnChild(ctx, req); err != nil {
			return Result{}, fmt.Errorf("node: child %q: spawn: %w", hc.Node.Name, err)
		}
		return Result{}, nil
	}

	elements := hc.Store.GetAccumulated(cfg.FanOutField)
	for i, element := range elements {
		seed := make(map[string]any, len(baseSeed)+1)
		for k, v := range baseSeed {
			seed[k] = v
		}
		if cfg.ChildInputField != "" {
			seed[cfg.ChildInputField] = element
		}
		req := ChildSpawnRequest{
			ChildWorkflowName:      cfg.ChildWorkflowName,
			InitialSignals:         cfg.ChildInitialSignals,
			SeedFields:             seed,
			SignalsToParent:        cfg.SignalsToParent,
			ContextUpdatesToParent: cfg.ContextUpdatesToParent,
		}
		if _, err := hc.Spawner.SpawnChild(ctx, req); err != nil {
			return Result{}, fmt.Errorf("node: child %q: spawn fan-out child %d: %w", hc.Node.Name, i, err)
		}
		if cfg.SpawnIntervalSeconds > 0 && i < len(elements)-1 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(cfg.SpawnIntervalSeconds * float64(time.Second))):
			}
		}
	}
	return Result{}, nil
}
