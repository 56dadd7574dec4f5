package template

import (
	"regexp"
	"strings"
)

var (
	reIsNotDefined = regexp.MustCompile(`context\.(\w+)\s+is\s+not\s+defined`)
	reIsDefined    = regexp.MustCompile(`context\.(\w+)\s+is\s+defined`)
	reContextRef   = regexp.MustCompile(`context\.(\w+)`)
	rePipeFilter   = regexp.MustCompile(`^\s*\|\s*(accumulated|length)\b`)
)

// rewrite translates the Jinja-ish surface the kernel exposes (dotted
// context references, `| accumulated`, `| length`, `is defined` /
// `is not defined`) into a plain expr-lang expression operating on the
// fieldEnv{Current, History} struct built by env(). It is deliberately
// small: the set of operators documented in spec §4.1/§9 is the whole
// feature surface, not a general Jinja implementation.
func rewrite(e string) (string, error) {
	e = reIsNotDefined.ReplaceAllString(e, `(context.$1 == nil)`)
	e = reIsDefined.ReplaceAllString(e, `(context.$1 != nil)`)
	return rewriteContextRefs(e), nil
}

func rewriteContextRefs(e string) string {
	var b strings.Builder
	i := 0
	for i < len(e) {
		loc := reContextRef.FindStringSubmatchIndex(e[i:])
		if loc == nil {
			b.WriteString(e[i:])
			break
		}
		// Write everything before the match.
		b.WriteString(e[i : i+loc[0]])
		name := e[i+loc[2] : i+loc[3]]
		cursor := i + loc[1]

		filters := []string{}
		for {
			rest := e[cursor:]
			m := rePipeFilter.FindStringSubmatchIndex(rest)
			if m == nil {
				break
			}
			filters = append(filters, rest[m[2]:m[3]])
			cursor += m[1]
		}

		b.WriteString(applyFilters(name, filters))
		i = cursor
	}
	return b.String()
}

func applyFilters(name string, filters []string) string {
	base := "context." + name + ".Current"
	accumulated := false
	length := false
	for _, f := range filters {
		switch f {
		case "accumulated":
			accumulated = true
		case "length":
			length = true
		}
	}
	if accumulated {
		base = "context." + name + ".History"
	}
	if length {
		base = "len(" + base + ")"
	}
	return base
}
