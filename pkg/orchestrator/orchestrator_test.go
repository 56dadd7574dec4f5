package orchestrator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrax/soe/pkg/backend/memory"
	"github.com/orchestrax/soe/pkg/dispatch"
	"github.com/orchestrax/soe/pkg/models"
	"github.com/orchestrax/soe/pkg/orchestrator"
)

func routerWorkflow() *models.Registry {
	registry := models.NewRegistry()
	registry.Put(models.NewWorkflow("main", []*models.Node{
		{
			Name:          "start",
			Type:          models.NodeTypeRouter,
			EventTriggers: []string{"BEGIN"},
			EventEmissions: []models.Emission{
				{SignalName: "DONE"},
			},
		},
	}))
	return registry
}

func TestOrchestrate_FreshExecutionRequiresConfig(t *testing.T) {
	store := memory.New()
	d := dispatch.New(dispatch.Config{Contexts: store, Workflows: store, Schemas: store, Identities: store})

	_, err := orchestrator.Orchestrate(context.Background(), d, orchestrator.Request{
		InitialWorkflowName: "main",
		InitialSignals:      []string{"BEGIN"},
	})
	assert.Error(t, err)
}

func TestOrchestrate_FreshExecutionSeedsContextAndRuns(t *testing.T) {
	store := memory.New()
	d := dispatch.New(dispatch.Config{Contexts: store, Workflows: store, Schemas: store, Identities: store})

	id, err := orchestrator.Orchestrate(context.Background(), d, orchestrator.Request{
		Config:              &orchestrator.Config{Registry: routerWorkflow()},
		InitialWorkflowName: "main",
		InitialSignals:      []string{"BEGIN"},
		InitialContext:      map[string]any{"account_id": "acct-1"},
	})
	require.NoError(t, err)

	exec, ok := d.Get(id)
	require.True(t, ok)
	val, ok := exec.Context().GetField("account_id")
	require.True(t, ok)
	assert.Equal(t, "acct-1", val)
	assert.Equal(t, []string{"BEGIN", "DONE"}, exec.Context().Operational().Signals)
}

func TestOrchestrate_InheritConfigAndContextResetsOperational(t *testing.T) {
	store := memory.New()
	d := dispatch.New(dispatch.Config{Contexts: store, Workflows: store, Schemas: store, Identities: store})

	firstID, err := orchestrator.Orchestrate(context.Background(), d, orchestrator.Request{
		Config:              &orchestrator.Config{Registry: routerWorkflow()},
		InitialWorkflowName: "main",
		InitialSignals:      []string{"BEGIN"},
		InitialContext:      map[string]any{"seen": "yes"},
	})
	require.NoError(t, err)

	secondID, err := orchestrator.Orchestrate(context.Background(), d, orchestrator.Request{
		InheritConfigFromID:   firstID,
		InheritContextFromID:  firstID,
		InitialWorkflowName:   "main",
	})
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)

	exec, ok := d.Get(secondID)
	require.True(t, ok)
	val, ok := exec.Context().GetField("seen")
	require.True(t, ok)
	assert.Equal(t, "yes", val)

	op := exec.Context().Operational()
	assert.Empty(t, op.Signals)
	assert.Equal(t, secondID, op.MainExecutionID)
}

func TestBroadcastSignals_ResumesExistingExecution(t *testing.T) {
	store := memory.New()
	d := dispatch.New(dispatch.Config{Contexts: store, Workflows: store, Schemas: store, Identities: store})

	registry := models.NewRegistry()
	registry.Put(models.NewWorkflow("main", []*models.Node{
		{
			Name:          "first",
			Type:          models.NodeTypeRouter,
			EventTriggers: []string{"BEGIN"},
		},
		{
			Name:          "second",
			Type:          models.NodeTypeRouter,
			EventTriggers: []string{"RESUME"},
			EventEmissions: []models.Emission{
				{SignalName: "DONE"},
			},
		},
	}))

	id, err := orchestrator.Orchestrate(context.Background(), d, orchestrator.Request{
		Config:              &orchestrator.Config{Registry: registry},
		InitialWorkflowName: "main",
		InitialSignals:      []string{"BEGIN"},
	})
	require.NoError(t, err)

	require.NoError(t, orchestrator.BroadcastSignals(context.Background(), d, id, []string{"RESUME"}))

	exec, ok := d.Get(id)
	require.True(t, ok)
	assert.Equal(t, []string{"BEGIN", "RESUME", "DONE"}, exec.Context().Operational().Signals)
}
