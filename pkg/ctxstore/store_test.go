package ctxstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrax/soe/pkg/ctxstore"
	"github.com/orchestrax/soe/pkg/models"
)

func TestSetField_AppendsToHistoryRatherThanOverwriting(t *testing.T) {
	s := ctxstore.New("exec-1")
	require.NoError(t, s.SetField("counter", 1))
	require.NoError(t, s.SetField("counter", 2))

	cur, ok := s.GetField("counter")
	require.True(t, ok)
	assert.Equal(t, 2, cur)
	assert.Equal(t, []any{1, 2}, s.GetAccumulated("counter"))
}

func TestSetField_RejectsReservedNamespaces(t *testing.T) {
	s := ctxstore.New("exec-1")

	err := s.SetField(models.NamespaceOperational, map[string]any{})
	assert.ErrorIs(t, err, models.ErrReservedNamespace)

	err = s.SetField(models.NamespaceParent, map[string]any{})
	assert.ErrorIs(t, err, models.ErrReservedNamespace)
}

func TestGetField_AbsentFieldReturnsNotOK(t *testing.T) {
	s := ctxstore.New("exec-1")
	_, ok := s.GetField("never_written")
	assert.False(t, ok)
}

func TestGetAccumulated_AbsentFieldReturnsEmptyNonNilSlice(t *testing.T) {
	s := ctxstore.New("exec-1")
	hist := s.GetAccumulated("never_written")
	assert.NotNil(t, hist)
	assert.Empty(t, hist)
}

func TestOperationalCounters_TrackActivationsAndCalls(t *testing.T) {
	s := ctxstore.New("exec-1")
	s.RecordSignal("BEGIN")
	s.RecordNodeActivation("start")
	s.RecordNodeActivation("start")
	s.IncrementLLMCalls()
	s.IncrementToolCalls()
	s.IncrementErrors()

	op := s.Operational()
	assert.Equal(t, []string{"BEGIN"}, op.Signals)
	assert.Equal(t, 2, op.Nodes["start"])
	assert.Equal(t, 2, s.TotalActivations())
	assert.Equal(t, 1, op.LLMCalls)
	assert.Equal(t, 1, op.ToolCalls)
	assert.Equal(t, 1, op.Errors)
}

func TestGetField_OperationalNamespaceIsAlwaysPresent(t *testing.T) {
	s := ctxstore.New("exec-1")
	v, ok := s.GetField(models.NamespaceOperational)
	require.True(t, ok)
	view, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "exec-1", view["main_execution_id"])
}

func TestSnapshot_IncludesFieldsAndOperationalAndParent(t *testing.T) {
	s := ctxstore.New("exec-1")
	require.NoError(t, s.SetField("x", 42))
	s.SetParent(&models.ParentState{
		ParentExecutionID: "exec-0",
		MainExecutionID:   "exec-1",
		SignalsToParent:   []string{"CHILD_DONE"},
	})

	snap := s.Snapshot()
	assert.Equal(t, 42, snap["x"].Current)
	assert.Equal(t, []any{42}, snap["x"].History)
	assert.Contains(t, snap, models.NamespaceOperational)
	assert.Contains(t, snap, models.NamespaceParent)
}

func TestClone_IsIndependentOfSource(t *testing.T) {
	s := ctxstore.New("exec-1")
	require.NoError(t, s.SetField("x", 1))

	clone := s.Clone()
	require.NoError(t, clone.SetField("x", 2))

	assert.Equal(t, []any{1}, s.GetAccumulated("x"))
	assert.Equal(t, []any{1, 2}, clone.GetAccumulated("x"))
}

func TestResetOperational_ClearsCountersButKeepsNewMainExecutionID(t *testing.T) {
	s := ctxstore.New("exec-1")
	s.IncrementLLMCalls()
	s.RecordNodeActivation("start")

	s.ResetOperational("exec-2")

	op := s.Operational()
	assert.Equal(t, "exec-2", op.MainExecutionID)
	assert.Equal(t, 0, op.LLMCalls)
	assert.Equal(t, 0, s.TotalActivations())
}

func TestFromSnapshot_RehydratesFieldsAndOperational(t *testing.T) {
	fields := map[string][]any{"x": {1, 2}}
	op := models.NewOperationalState("exec-1")
	op.LLMCalls = 3

	s := ctxstore.FromSnapshot(fields, op, nil)

	assert.Equal(t, []any{1, 2}, s.GetAccumulated("x"))
	assert.Equal(t, 3, s.Operational().LLMCalls)
	assert.Nil(t, s.Parent())
}

func TestFieldsSnapshot_ReturnsIndependentCopy(t *testing.T) {
	s := ctxstore.New("exec-1")
	require.NoError(t, s.SetField("x", 1))

	snap := s.FieldsSnapshot()
	snap["x"] = append(snap["x"], 2)

	assert.Equal(t, []any{1}, s.GetAccumulated("x"))
}
