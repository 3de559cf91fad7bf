package query

import (
	"fmt"
	"strings"
)

// TemporalClause is the raw start/end pair of a window(...) or cohort(...)
// clause. Bounds stay unresolved strings here; the window resolver turns
// them into absolute dates against an injected today.
type TemporalClause struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ContextClause is one context(key:value) constraint.
type ContextClause struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Constraints is the parsed form of a query DSL string. The planner
// consumes only the temporal clause; the rest is carried for downstream
// consumers.
type Constraints struct {
	Window  *TemporalClause `json:"window,omitempty"`
	Cohort  *TemporalClause `json:"cohort,omitempty"`
	Context []ContextClause `json:"context,omitempty"`
	Visited []string        `json:"visited,omitempty"`
}

// Temporal returns the active temporal clause, window taking precedence
// over cohort, or nil when the query has none.
func (c Constraints) Temporal() *TemporalClause {
	if c.Window != nil {
		return c.Window
	}
	return c.Cohort
}

// Parse scans a DSL string into clauses. Clauses are name(body) groups
// separated by whitespace or '&'. Unknown clause names are ignored rather
// than rejected; a malformed clause body is an error.
func Parse(dsl string) (Constraints, error) {
	var c Constraints
	rest := strings.TrimSpace(dsl)
	for rest != "" {
		open := strings.IndexByte(rest, '(')
		if open <= 0 {
			return c, fmt.Errorf("malformed query near %q", rest)
		}
		name := strings.TrimLeft(strings.TrimSpace(rest[:open]), "& ")
		close := matchParen(rest, open)
		if close < 0 {
			return c, fmt.Errorf("unclosed clause %q", name)
		}
		body := rest[open+1 : close]
		rest = strings.TrimLeft(strings.TrimSpace(rest[close+1:]), "& ")
		rest = strings.TrimSpace(rest)

		switch name {
		case "window":
			tc, err := parseTemporal(body)
			if err != nil {
				return c, fmt.Errorf("window: %w", err)
			}
			c.Window = &tc
		case "cohort":
			tc, err := parseTemporal(body)
			if err != nil {
				return c, fmt.Errorf("cohort: %w", err)
			}
			c.Cohort = &tc
		case "context":
			key, value, ok := strings.Cut(body, ":")
			if !ok || strings.TrimSpace(key) == "" {
				return c, fmt.Errorf("context clause needs key:value, got %q", body)
			}
			c.Context = append(c.Context, ContextClause{
				Key:   strings.TrimSpace(key),
				Value: strings.TrimSpace(value),
			})
		case "visited":
			for _, v := range strings.Split(body, ",") {
				if v = strings.TrimSpace(v); v != "" {
					c.Visited = append(c.Visited, v)
				}
			}
		default:
			// Unknown clauses pass through untouched; coverage only cares
			// about the temporal clause.
		}
	}
	return c, nil
}

func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseTemporal(body string) (TemporalClause, error) {
	start, end, ok := strings.Cut(body, ":")
	if !ok {
		// A single bound means start only; end defaults downstream.
		start, end = body, ""
	}
	tc := TemporalClause{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
	if tc.Start == "" && tc.End != "" {
		return tc, fmt.Errorf("open-ended start not supported")
	}
	return tc, nil
}
