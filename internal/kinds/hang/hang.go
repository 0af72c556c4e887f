// Package hang implements the hang filter kind of spec §4.10: a tarpit that
// blocks for a configured duration before continuing, used to slow down
// connections matched by an earlier filter. Ported from postlicyd/hang.c's
// hang_filter, whose start_timer/filter_post_async_result dance the
// goroutine-per-connection design (internal/server) replaces with a plain
// blocking sleep on the query's own goroutine -- see internal/filter.Context
// doc comment for why no separate continuation needs saving.
package hang

import (
	"context"
	"strconv"
	"time"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/roadrunner-server/errors"
)

func init() {
	filter.Register(&filter.KindSpec{
		Name:      "hang",
		Construct: construct,
		Run:       run,
		Params:    []string{"timeout_ms"},
		Hooks:     []filter.Outcome{filter.OutcomeTimeout},
		MinState:  smtpstate.Connect,
	})
}

type config struct {
	timeout time.Duration
}

func construct(_ *filter.Env, params map[string]string) (any, []resource.Key, error) {
	const op = errors.Op("hang_construct")

	raw, ok := params["timeout_ms"]
	if !ok {
		return nil, nil, errors.E(op, errors.Str("hang filter requires timeout_ms"))
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return nil, nil, errors.E(op, errors.Str("invalid timeout given: "+raw+", must be a strictly positive integer"))
	}

	return &config{timeout: time.Duration(ms) * time.Millisecond}, nil, nil
}

func run(ctx context.Context, f *filter.Filter, _ *query.Query, _ *filter.Context, _ *filter.Env) (filter.Outcome, error) {
	cfg := f.Data.(*config)

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return filter.OutcomeTimeout, nil
	case <-ctx.Done():
		return filter.OutcomeTimeout, ctx.Err()
	}
}
