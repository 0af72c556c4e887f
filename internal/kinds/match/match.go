// Package match implements the match filter kind of spec §4.11: one or more
// field/operator/value conditions, combined with either "all must hold" or
// "any may hold" semantics.
//
// postlicyd/match.c parses this same condition grammar but its
// match_condition function is a stub that always returns true -- the
// original never finished this filter. This port resolves that gap by
// implementing the full operator set the comment above match_filter_constructor
// documents: ==/=i (equal), !=/ !i (differ), >=/>i (contains), <=/<i
// (contained), #=/#i (field empty/non-empty).
package match

import (
	"context"
	"strings"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/roadrunner-server/errors"
)

func init() {
	filter.Register(&filter.KindSpec{
		Name:      "match",
		Construct: construct,
		Run:       run,
		Params:    []string{"match_all", "condition"},
		Hooks:     []filter.Outcome{filter.OutcomeAbort, filter.OutcomeError, filter.OutcomeTrue, filter.OutcomeFalse},
		MinState:  smtpstate.Connect,
	})
}

type operator int

const (
	opEqual operator = iota
	opDiffer
	opContains
	opContained
	opEmpty
	opNotEmpty
)

type condition struct {
	field         query.Token
	op            operator
	caseSensitive bool
	value         string
}

type config struct {
	conditions []condition
	matchAll   bool
}

// condition syntax: "field OP value", e.g. "sender =i user@example.com".
// OP is one of == =i != !i >= >i <= <i #= #i; the last two take no value.
func construct(_ *filter.Env, params map[string]string) (any, []resource.Key, error) {
	const op = errors.Op("match_construct")

	cfg := &config{}
	if v, ok := params["match_all"]; ok {
		cfg.matchAll = parseBool(v)
	}

	raws, ok := params["condition"]
	if !ok || raws == "" {
		return nil, nil, errors.E(op, errors.Str("no condition defined"))
	}
	for _, raw := range splitConditions(raws) {
		c, err := parseCondition(raw)
		if err != nil {
			return nil, nil, errors.E(op, err)
		}
		cfg.conditions = append(cfg.conditions, c)
	}
	if len(cfg.conditions) == 0 {
		return nil, nil, errors.E(op, errors.Str("no condition defined"))
	}

	return cfg, nil, nil
}

// splitConditions allows the config DSL's repeated-param convention
// ("condition" may appear more than once in a filter block, collapsed here
// into one newline-joined value by the loader) as well as a single
// semicolon-separated value.
func splitConditions(raw string) []string {
	raw = strings.ReplaceAll(raw, "\n", ";")
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseCondition(raw string) (condition, error) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return condition{}, errors.Str("invalid condition: " + raw)
	}
	fieldName, opStr := fields[0], fields[1]

	tok, ok := query.LookupToken(fieldName)
	if !ok {
		return condition{}, errors.Str("invalid field name " + fieldName)
	}
	if len(opStr) != 2 {
		return condition{}, errors.Str("invalid operator " + opStr)
	}

	c := condition{field: tok}
	switch opStr[0] {
	case '=':
		c.op = opEqual
	case '!':
		c.op = opDiffer
	case '>':
		c.op = opContains
	case '<':
		c.op = opContained
	case '#':
		switch opStr[1] {
		case '=':
			c.op = opEmpty
		case 'i':
			c.op = opNotEmpty
		default:
			return condition{}, errors.Str("invalid operator modifier " + string(opStr[1]))
		}
		return c, nil
	default:
		return condition{}, errors.Str("invalid operator " + opStr)
	}

	switch opStr[1] {
	case '=':
		c.caseSensitive = true
	case 'i':
		c.caseSensitive = false
	default:
		return condition{}, errors.Str("invalid operator modifier " + string(opStr[1]))
	}

	if len(fields) < 3 {
		return condition{}, errors.Str("no value defined to check the condition: " + raw)
	}
	c.value = strings.Join(fields[2:], " ")
	return c, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func run(_ context.Context, f *filter.Filter, q *query.Query, _ *filter.Context, _ *filter.Env) (filter.Outcome, error) {
	cfg := f.Data.(*config)

	for _, c := range cfg.conditions {
		r := evalCondition(c, q)
		if !r && cfg.matchAll {
			return filter.OutcomeFalse, nil
		}
		if r && !cfg.matchAll {
			return filter.OutcomeTrue, nil
		}
	}
	if cfg.matchAll {
		return filter.OutcomeTrue, nil
	}
	return filter.OutcomeFalse, nil
}

func evalCondition(c condition, q *query.Query) bool {
	field := q.Get(c.field)

	switch c.op {
	case opEmpty:
		return field == ""
	case opNotEmpty:
		return field != ""
	}

	value := c.value
	if !c.caseSensitive {
		field = strings.ToLower(field)
		value = strings.ToLower(value)
	}

	switch c.op {
	case opEqual:
		return field == value
	case opDiffer:
		return field != value
	case opContains:
		return strings.Contains(field, value)
	case opContained:
		return strings.Contains(value, field)
	default:
		return false
	}
}
