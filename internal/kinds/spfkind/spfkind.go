// Package spfkind wires internal/spf into the filter graph as the "spf"
// kind of spec §4.6. Ported from postlicyd/spf.c's spf_filter; the
// original's async callback becomes a direct blocking call to spf.Check on
// the connection's own goroutine (see internal/server and SPEC_FULL.md §4
// REDESIGN).
package spfkind

import (
	"context"
	"net"
	"strings"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/pfixtools/policyd/internal/spf"
	"github.com/roadrunner-server/errors"
)

func init() {
	filter.Register(&filter.KindSpec{
		Name:      "spf",
		Construct: construct,
		Run:       run,
		Params:    []string{"use_spf_record", "use_explanation", "check_helo"},
		Hooks: []filter.Outcome{
			filter.OutcomeNone, filter.OutcomeNeutral, filter.OutcomePass,
			filter.OutcomeFail, filter.OutcomeSoftFail, filter.OutcomeTempError,
			filter.OutcomePermError,
		},
		Forwarding: map[filter.Outcome]filter.Outcome{
			filter.OutcomeNeutral:   filter.OutcomeNone,
			filter.OutcomeTempError: filter.OutcomeNone,
			filter.OutcomePermError: filter.OutcomeNone,
			filter.OutcomeSoftFail:  filter.OutcomeFail,
		},
		MinState: smtpstate.Mail,
	})
}

type config struct {
	useSPFRecord   bool
	useExplanation bool
	checkHelo      bool
}

func construct(_ *filter.Env, params map[string]string) (any, []resource.Key, error) {
	cfg := &config{}
	if v, ok := params["use_spf_record"]; ok {
		cfg.useSPFRecord = parseBool(v)
	}
	if v, ok := params["use_explanation"]; ok {
		cfg.useExplanation = parseBool(v)
	}
	if v, ok := params["check_helo"]; ok {
		cfg.checkHelo = parseBool(v)
	}
	return cfg, nil, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func run(ctx context.Context, f *filter.Filter, q *query.Query, fc *filter.Context, env *filter.Env) (filter.Outcome, error) {
	const op = errors.Op("spf_run")
	cfg := f.Data.(*config)

	if env == nil || env.DNS == nil {
		return filter.OutcomeNone, errors.E(op, errors.Str("spf filter requires a DNS gateway"))
	}

	var domain, sender string
	if cfg.checkHelo || q.Get(query.TokSenderDomain) == "" {
		domain = q.Get(query.TokHeloName)
		sender = "postmaster@" + domain
	} else {
		domain = q.Get(query.TokSenderDomain)
		sender = q.Get(query.TokSender)
	}

	req := spf.Request{
		IP:                 net.ParseIP(q.Get(query.TokClientAddress)),
		Helo:               q.Get(query.TokHeloName),
		Sender:             sender,
		Domain:             domain,
		NoSPFLookup:        !cfg.useSPFRecord,
		IncludeExplanation: cfg.useExplanation,
		Limits:             spf.DefaultLimits(),
	}

	resp, err := spf.Check(ctx, env.DNS, req)
	if err != nil {
		return filter.OutcomeNone, errors.E(op, err)
	}
	if resp.Explanation != "" {
		fc.SetExplanation(resp.Explanation)
	}
	return outcomeForResult(resp.Result), nil
}

func outcomeForResult(r spf.Result) filter.Outcome {
	switch r {
	case spf.ResultNone:
		return filter.OutcomeNone
	case spf.ResultNeutral:
		return filter.OutcomeNeutral
	case spf.ResultPass:
		return filter.OutcomePass
	case spf.ResultFail:
		return filter.OutcomeFail
	case spf.ResultSoftFail:
		return filter.OutcomeSoftFail
	case spf.ResultTempError:
		return filter.OutcomeTempError
	case spf.ResultPermError:
		return filter.OutcomePermError
	default:
		return filter.OutcomeNone
	}
}
