package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrax/soe/pkg/backend/memory"
	"github.com/orchestrax/soe/pkg/ctxstore"
	"github.com/orchestrax/soe/pkg/models"
)

// fakeAccessor is a minimal ExecutionAccessor for exercising the built-in
// tools in isolation, without a real dispatcher.
type fakeAccessor struct {
	executionID string
	mainID      string
	registry    *models.Registry
	identities  models.Identities
	schema      models.FieldSchema
	store       *ctxstore.Store
	signals     []string
	known       []string
	tools       *Registry
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{
		executionID: "exec-1",
		mainID:      "exec-1",
		registry:    models.NewRegistry(),
		identities:  models.Identities{},
		schema:      models.FieldSchema{},
		store:       ctxstore.New("exec-1"),
		known:       []string{"exec-1"},
		tools:       NewRegistry(),
	}
}

func (f *fakeAccessor) ExecutionID() string               { return f.executionID }
func (f *fakeAccessor) MainExecutionID() string           { return f.mainID }
func (f *fakeAccessor) Registry() *models.Registry         { return f.registry }
func (f *fakeAccessor) SetRegistry(r *models.Registry)     { f.registry = r }
func (f *fakeAccessor) PersistRegistry(context.Context) error { return nil }
func (f *fakeAccessor) Identities() models.Identities         { return f.identities }
func (f *fakeAccessor) SetIdentities(i models.Identities)     { f.identities = i }
func (f *fakeAccessor) PersistIdentities(context.Context) error { return nil }
func (f *fakeAccessor) Schema() models.FieldSchema            { return f.schema }
func (f *fakeAccessor) SetSchema(s models.FieldSchema)        { f.schema = s }
func (f *fakeAccessor) PersistSchema(context.Context) error   { return nil }
func (f *fakeAccessor) Context() *ctxstore.Store              { return f.store }
func (f *fakeAccessor) EnqueueSignal(signal string)           { f.signals = append(f.signals, signal) }
func (f *fakeAccessor) KnownExecutionIDs() []string            { return f.known }
func (f *fakeAccessor) Tools() *Registry                       { return f.tools }
func (f *fakeAccessor) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return f.tools.Call(ctx, name, args)
}

func TestBuiltins_InjectAndGetWorkflow(t *testing.T) {
	a := newFakeAccessor()
	store := memory.New()
	builtins := Builtins(a, store)

	inject := builtins["soe_inject_workflow"]
	_, err := inject.Function(context.Background(), map[string]any{
		"workflow_name": "wf1",
		"nodes": []any{
			map[string]any{"name": "n1", "type": "router"},
		},
	})
	require.NoError(t, err)

	get := builtins["soe_get_workflows"]
	out, err := get.Function(context.Background(), nil)
	require.NoError(t, err)
	names := out.(map[string][]string)
	assert.Equal(t, []string{"n1"}, names["wf1"])
}

func TestBuiltins_AddSignalEnqueues(t *testing.T) {
	a := newFakeAccessor()
	store := memory.New()
	builtins := Builtins(a, store)

	_, err := builtins["soe_add_signal"].Function(context.Background(), map[string]any{"signal": "go"})
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, a.signals)
}

func TestBuiltins_UpdateContextAndGetContext(t *testing.T) {
	a := newFakeAccessor()
	store := memory.New()
	builtins := Builtins(a, store)

	_, err := builtins["soe_update_context"].Function(context.Background(), map[string]any{
		"field": "counter",
		"value": float64(1),
	})
	require.NoError(t, err)

	out, err := builtins["soe_get_context"].Function(context.Background(), nil)
	require.NoError(t, err)
	snapshot := out.(map[string]ctxstore.FieldView)
	assert.Equal(t, float64(1), snapshot["counter"].Current)
}

func TestBuiltins_IdentityInjectAndRemove(t *testing.T) {
	a := newFakeAccessor()
	store := memory.New()
	builtins := Builtins(a, store)

	_, err := builtins["soe_inject_identity"].Function(context.Background(), map[string]any{
		"identity_name": "reviewer",
		"system_prompt": "You are a reviewer.",
	})
	require.NoError(t, err)
	assert.Equal(t, "You are a reviewer.", a.Identities()["reviewer"])

	_, err = builtins["soe_remove_identity"].Function(context.Background(), map[string]any{"identity_name": "reviewer"})
	require.NoError(t, err)
	_, ok := a.Identities()["reviewer"]
	assert.False(t, ok)
}

func TestBuiltins_CallToolDynamicDispatch(t *testing.T) {
	a := newFakeAccessor()
	a.tools.RegisterFunc("echo", func(ctx context.Context, args map[string]any) (any, error) {
		return args["value"], nil
	})
	store := memory.New()
	builtins := Builtins(a, store)

	out, err := builtins["soe_call_tool"].Function(context.Background(), map[string]any{
		"tool_name": "echo",
		"arguments": map[string]any{"value": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestBuiltins_ExploreDocsReturnsReference(t *testing.T) {
	a := newFakeAccessor()
	store := memory.New()
	builtins := Builtins(a, store)

	out, err := builtins["soe_explore_docs"].Function(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out.(string), "soe_call_tool")
}
