package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/models"
)

func TestStore_ContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetContext(ctx, "missing")
	require.ErrorIs(t, err, models.ErrExecutionNotFound)

	snap := backend.ContextSnapshot{
		Fields:      map[string][]any{"data": {1}},
		Operational: models.NewOperationalState("exec-1"),
	}
	require.NoError(t, s.SaveContext(ctx, "exec-1", snap))

	got, err := s.GetContext(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []any{1}, got.Fields["data"])

	// Mutating the returned snapshot must not affect the stored copy.
	got.Fields["data"][0] = 2
	got2, err := s.GetContext(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []any{1}, got2.Fields["data"])
}

func TestStore_WorkflowRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()
	reg := models.NewRegistry()
	reg.Put(models.NewWorkflow("main", []*models.Node{{Name: "A", Type: models.NodeTypeRouter}}))

	require.NoError(t, s.SaveWorkflowsRegistry(ctx, "exec-1", reg))
	got, err := s.GetWorkflowsRegistry(ctx, "exec-1")
	require.NoError(t, err)
	wf, ok := got.Get("main")
	require.True(t, ok)
	assert.Len(t, wf.Nodes, 1)

	require.NoError(t, s.SaveCurrentWorkflowName(ctx, "exec-1", "main"))
	name, err := s.GetCurrentWorkflowName(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "main", name)
}

func TestStore_ConversationAppendIsOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AppendConversation(ctx, "main-1", backend.ConversationTurn{Role: "user", Content: "hi"}))
	require.NoError(t, s.AppendConversation(ctx, "main-1", backend.ConversationTurn{Role: "assistant", Content: "hello"}))

	turns, err := s.GetConversation(ctx, "main-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "assistant", turns[1].Role)
}

func TestStore_LogEvent(t *testing.T) {
	s := New()
	s.LogEvent(context.Background(), "exec-1", "node.completed", map[string]any{"node": "A"})
	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "node.completed", events[0].EventType)
}
