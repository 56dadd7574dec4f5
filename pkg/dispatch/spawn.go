package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/orchestrax/soe/pkg/ctxstore"
	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/node"
)

// SpawnChild implements node.ChildSpawner (spec §4.8). The child inherits
// this execution's main_execution_id, its own clone of the workflow
// registry/identities/schema (so in-flight injections in one execution
// never leak into a sibling), and a fresh context seeded with copies of the
// requested fields. The child dispatcher runs synchronously to quiescence
// before SpawnChild returns: the default scheduling model is single-threaded
// cooperative dispatch (§5), and fan-out throttling between spawns is
// already handled by the child node handler that calls this method in a
// loop.
func (e *Execution) SpawnChild(ctx context.Context, req node.ChildSpawnRequest) (string, error) {
	childID := uuid.NewString()

	childStore := ctxstore.New(e.mainID)
	for field, v := range req.SeedFields {
		if err := childStore.SetField(field, v); err != nil {
			return "", fmt.Errorf("dispatch: seed child field %q: %w", field, err)
		}
	}
	childStore.SetParent(&models.ParentState{
		ParentExecutionID:      e.id,
		MainExecutionID:        e.mainID,
		SignalsToParent:        req.SignalsToParent,
		ContextUpdatesToParent: req.ContextUpdatesToParent,
	})

	child := e.d.CreateExecution(childID, e.mainID, e.id, req.ChildWorkflowName, e.Registry().Clone(), e.Identities().Clone(), e.Schema().Clone(), childStore)

	if err := e.d.PersistNew(ctx, child); err != nil {
		return "", fmt.Errorf("dispatch: persist child execution %s: %w", childID, err)
	}
	if err := e.d.Run(ctx, child, req.InitialSignals); err != nil {
		return childID, err
	}
	return childID, nil
}
