// Package orchestrator implements the two entry points embedders call to
// drive the kernel: Orchestrate starts a new execution, resolving the
// config/context inheritance rules of spec §4.9, and BroadcastSignals
// resumes an existing one (spec §6.4).
package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/orchestrax/soe/pkg/ctxstore"
	"github.com/orchestrax/soe/pkg/dispatch"
	"github.com/orchestrax/soe/pkg/models"
)

// Config is the workflow definition a fresh (non-inheriting, or
// inheritance-overriding) execution starts from.
type Config struct {
	Registry   *models.Registry
	Identities models.Identities
	Schema     models.FieldSchema
}

// Request carries every argument Orchestrate accepts (spec §4.9). Exactly
// one of Config or InheritConfigFromID must be set; if both are set,
// Config overrides the inherited copy field by field.
type Request struct {
	Config              *Config
	InitialWorkflowName string
	InitialSignals      []string
	InitialContext      map[string]any

	InheritConfigFromID  string
	InheritContextFromID string
}

// Orchestrate starts a new execution per req and runs its dispatcher to
// quiescence, returning the new execution id. The returned id is valid
// (and the execution's state persisted up to its last committed node) even
// when the dispatcher returns a non-nil error.
func Orchestrate(ctx context.Context, d *dispatch.Dispatcher, req Request) (string, error) {
	if req.Config == nil && req.InheritConfigFromID == "" {
		return "", fmt.Errorf("orchestrator: one of Config or InheritConfigFromID is required")
	}

	registry, identities, schema, err := resolveConfig(ctx, d, req)
	if err != nil {
		return "", err
	}

	executionID := uuid.NewString()
	mainID, store, err := resolveContext(ctx, d, req, executionID)
	if err != nil {
		return "", err
	}

	for field, v := range req.InitialContext {
		if err := store.SetField(field, v); err != nil {
			return "", fmt.Errorf("orchestrator: seed initial context field %q: %w", field, err)
		}
	}

	exec := d.CreateExecution(executionID, mainID, "", req.InitialWorkflowName, registry, identities, schema, store)
	if err := d.PersistNew(ctx, exec); err != nil {
		return "", fmt.Errorf("orchestrator: persist new execution: %w", err)
	}

	if err := d.Run(ctx, exec, req.InitialSignals); err != nil {
		return executionID, err
	}
	return executionID, nil
}

func resolveConfig(ctx context.Context, d *dispatch.Dispatcher, req Request) (*models.Registry, models.Identities, models.FieldSchema, error) {
	var registry *models.Registry
	var identities models.Identities
	var schema models.FieldSchema

	if req.InheritConfigFromID != "" {
		src, err := d.LoadExecution(ctx, req.InheritConfigFromID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("orchestrator: inherit config from %s: %w", req.InheritConfigFromID, err)
		}
		registry = src.Registry().Clone()
		identities = src.Identities().Clone()
		schema = src.Schema().Clone()
	}
	if req.Config != nil {
		if req.Config.Registry != nil {
			registry = req.Config.Registry
		}
		if req.Config.Identities != nil {
			identities = req.Config.Identities
		}
		if req.Config.Schema != nil {
			schema = req.Config.Schema
		}
	}
	if registry == nil {
		registry = models.NewRegistry()
	}
	if identities == nil {
		identities = models.Identities{}
	}
	if schema == nil {
		schema = models.FieldSchema{}
	}
	return registry, identities, schema, nil
}

func resolveContext(ctx context.Context, d *dispatch.Dispatcher, req Request, executionID string) (string, *ctxstore.Store, error) {
	if req.InheritContextFromID == "" {
		return executionID, ctxstore.New(executionID), nil
	}

	src, err := d.LoadExecution(ctx, req.InheritContextFromID)
	if err != nil {
		return "", nil, fmt.Errorf("orchestrator: inherit context from %s: %w", req.InheritContextFromID, err)
	}
	store := src.Context().Clone()
	store.ResetOperational(executionID)
	return executionID, store, nil
}

// BroadcastSignals resumes an existing execution's dispatcher with
// additional signals (spec §6.4), restoring it from the backends first if
// it is no longer live in this process.
func BroadcastSignals(ctx context.Context, d *dispatch.Dispatcher, executionID string, signals []string) error {
	exec, err := d.LoadExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: broadcast to %s: %w", executionID, err)
	}
	return d.Run(ctx, exec, signals)
}
