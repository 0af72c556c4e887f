// Package counter implements the counter filter kind of spec §4.6: it
// compares one slot of the per-query Context counter array (as bumped by
// other filters' hard_match_start/cost attributes) against a pair of
// thresholds. Ported from postlicyd/counter.c's counter_filter.
package counter

import (
	"context"
	"strconv"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/roadrunner-server/errors"
)

func init() {
	filter.Register(&filter.KindSpec{
		Name:      "counter",
		Construct: construct,
		Run:       run,
		Params:    []string{"counter", "hard_threshold", "soft_threshold"},
		Hooks:     []filter.Outcome{filter.OutcomeFail, filter.OutcomeHardMatch, filter.OutcomeSoftMatch},
		Forwarding: map[filter.Outcome]filter.Outcome{
			filter.OutcomeSoftMatch: filter.OutcomeHardMatch,
		},
		MinState: smtpstate.Connect,
	})
}

type config struct {
	counter       int
	hardThreshold int32
	softThreshold int32
}

func construct(_ *filter.Env, params map[string]string) (any, []resource.Key, error) {
	const op = errors.Op("counter_construct")

	cfg := &config{counter: -1, hardThreshold: 1, softThreshold: 1}

	raw, ok := params["counter"]
	if !ok {
		return nil, nil, errors.E(op, errors.Str("counter filter requires counter="))
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n >= filter.NumCounters {
		return nil, nil, errors.E(op, errors.Str("invalid counter number: "+raw))
	}
	cfg.counter = n

	var perr error
	parseInt32(params, "hard_threshold", &cfg.hardThreshold, &perr)
	parseInt32(params, "soft_threshold", &cfg.softThreshold, &perr)
	if perr != nil {
		return nil, nil, errors.E(op, perr)
	}

	return cfg, nil, nil
}

func run(_ context.Context, f *filter.Filter, _ *query.Query, fc *filter.Context, _ *filter.Env) (filter.Outcome, error) {
	cfg := f.Data.(*config)
	val := fc.Counters[cfg.counter]

	switch {
	case val >= cfg.hardThreshold:
		return filter.OutcomeHardMatch, nil
	case val >= cfg.softThreshold:
		return filter.OutcomeSoftMatch, nil
	default:
		return filter.OutcomeFail, nil
	}
}

func parseInt32(params map[string]string, key string, dst *int32, perr *error) {
	v, ok := params[key]
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*perr = errors.Str("bad integer for " + key + ": " + v)
		return
	}
	*dst = int32(n)
}
