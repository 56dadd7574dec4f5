// Package template implements the render/truthy-evaluate evaluator the
// kernel depends on (spec §4.1, §9): a thin, purpose-built Jinja-ish layer
// over github.com/expr-lang/expr, caching compiled programs the way the
// teacher's condition cache does for its own (non-delimited) expressions.
package template

import (
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/orchestrax/soe/pkg/ctxstore"
)

// Delimiters bracket a Jinja-style interpolation or expression.
const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// IsTemplateStyle reports whether s contains the template delimiter pair
// (§6.6). Anything else non-empty is a semantic condition meant for
// model-based signal selection and is never evaluated here.
func IsTemplateStyle(s string) bool {
	return strings.Contains(s, openDelim) && strings.Contains(s, closeDelim)
}

// View is the read-only template/condition view: context field snapshots
// plus, for tool-node emissions, the tool's raw result (§4.1).
type View struct {
	Context map[string]ctxstore.FieldView
	Result  any
	HasResult bool
}

// Evaluator renders templates and evaluates conditions against a View. It
// owns a small LRU cache of compiled expr-lang programs, mirroring the
// teacher's ConditionCache but keyed on the post-rewrite expression text.
type Evaluator struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key     string
	program *vm.Program
}

// NewEvaluator builds an evaluator with a bounded compiled-program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		capacity: 256,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (e *Evaluator) compile(rewritten string) (*vm.Program, error) {
	e.mu.Lock()
	if el, ok := e.entries[rewritten]; ok {
		e.order.MoveToFront(el)
		prog := el.Value.(*cacheEntry).program
		e.mu.Unlock()
		return prog, nil
	}
	e.mu.Unlock()

	program, err := expr.Compile(rewritten, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	el := e.order.PushFront(&cacheEntry{key: rewritten, program: program})
	e.entries[rewritten] = el
	if e.order.Len() > e.capacity {
		oldest := e.order.Back()
		if oldest != nil {
			e.order.Remove(oldest)
			delete(e.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	e.mu.Unlock()

	return program, nil
}

func (e *Evaluator) env(view View) map[string]any {
	ctx := make(map[string]fieldEnv, len(view.Context))
	for name, fv := range view.Context {
		ctx[name] = fieldEnv{Current: fv.Current, History: fv.History}
	}
	env := map[string]any{"context": ctx}
	if view.HasResult {
		env["result"] = view.Result
	} else {
		env["result"] = nil
	}
	return env
}

// fieldEnv is the struct exposed to expr-lang for `context.NAME`; exported
// fields so expr's reflection-based field access can reach them after the
// rewrite below targets .Current / .History explicitly.
type fieldEnv struct {
	Current any
	History []any
}

// eval compiles (or reuses) and runs one raw {{ ... }} expression body
// against view, returning the raw result value.
func (e *Evaluator) eval(body string, view View) (any, error) {
	rewritten, err := rewrite(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	program, err := e.compile(rewritten)
	if err != nil {
		return nil, fmt.Errorf("template: compile %q: %w", rewritten, err)
	}
	out, err := expr.Run(program, e.env(view))
	if err != nil {
		return nil, fmt.Errorf("template: eval %q: %w", rewritten, err)
	}
	return out, nil
}

// Render substitutes every {{ ... }} block in tmpl with the stringified
// result of evaluating its body against view (§4.1 render). Plain text
// outside delimiters passes through unchanged.
func (e *Evaluator) Render(tmpl string, view View) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], closeDelim)
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		body := rest[start+len(openDelim) : end]
		val, err := e.eval(body, view)
		if err != nil {
			return "", err
		}
		b.WriteString(stringify(val))
		rest = rest[end+len(closeDelim):]
	}
	return b.String(), nil
}

// TruthyEvaluate evaluates a template-style condition as a boolean (§4.1,
// §4.4, §4.5, §4.6). If the whole trimmed condition is a single {{ ... }}
// block, its body is evaluated directly; otherwise the condition is
// rendered to a string first and parsed as a boolean (a degraded path for
// mixed literal/expression conditions, not used by the common cases in the
// concrete scenarios).
func (e *Evaluator) TruthyEvaluate(condition string, view View) (bool, error) {
	trimmed := strings.TrimSpace(condition)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) &&
		strings.Count(trimmed, openDelim) == 1 {
		body := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]
		val, err := e.eval(body, view)
		if err != nil {
			return false, err
		}
		return truthy(val), nil
	}
	rendered, err := e.Render(condition, view)
	if err != nil {
		return false, err
	}
	return rendered == "true", nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func stringify(v any) string {
	if v == nil {
		return "undefined"
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
