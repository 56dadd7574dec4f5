package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrax/soe/pkg/ctxstore"
)

func viewFromStore(s *ctxstore.Store, result any, hasResult bool) View {
	return View{Context: s.Snapshot(), Result: result, HasResult: hasResult}
}

func TestIsTemplateStyle(t *testing.T) {
	assert.True(t, IsTemplateStyle("{{ context.data is defined }}"))
	assert.False(t, IsTemplateStyle("looks like a plain description"))
	assert.False(t, IsTemplateStyle(""))
}

func TestRender_Basic(t *testing.T) {
	s := ctxstore.New("exec-1")
	require.NoError(t, s.SetField("name", "ava"))

	ev := NewEvaluator()
	out, err := ev.Render("hello {{ context.name }}", viewFromStore(s, nil, false))
	require.NoError(t, err)
	assert.Equal(t, "hello ava", out)
}

func TestRender_Undefined(t *testing.T) {
	s := ctxstore.New("exec-1")
	ev := NewEvaluator()
	out, err := ev.Render("value={{ context.missing }}", viewFromStore(s, nil, false))
	require.NoError(t, err)
	assert.Equal(t, "value=undefined", out)
}

func TestTruthyEvaluate_IsDefined(t *testing.T) {
	s := ctxstore.New("exec-1")
	ev := NewEvaluator()

	ok, err := ev.TruthyEvaluate("{{ context.data is defined }}", viewFromStore(s, nil, false))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetField("data", 1))
	ok, err = ev.TruthyEvaluate("{{ context.data is defined }}", viewFromStore(s, nil, false))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.TruthyEvaluate("{{ context.data is not defined }}", viewFromStore(s, nil, false))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTruthyEvaluate_AccumulatedLength(t *testing.T) {
	s := ctxstore.New("exec-1")
	require.NoError(t, s.SetField("items", "a"))
	require.NoError(t, s.SetField("items", "b"))
	require.NoError(t, s.SetField("result", "a"))
	require.NoError(t, s.SetField("result", "b"))

	ev := NewEvaluator()
	ok, err := ev.TruthyEvaluate(
		"{{ context.result|accumulated|length == context.items|accumulated|length }}",
		viewFromStore(s, nil, false),
	)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTruthyEvaluate_ToolResult(t *testing.T) {
	s := ctxstore.New("exec-1")
	ev := NewEvaluator()
	view := viewFromStore(s, map[string]any{"status": "approved"}, true)

	ok, err := ev.TruthyEvaluate("{{ result.status == 'approved' }}", view)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.TruthyEvaluate("{{ result.status == 'declined' }}", view)
	require.NoError(t, err)
	assert.False(t, ok)
}
