// Package srskind wires internal/srs into the filter graph as the "srs"
// kind of spec §4.12, ported from postlicyd/srs.c's srs_filter: reverse an
// incoming bounce recipient addressed to the configured bounce domain,
// matching it if reversal succeeds.
package srskind

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/pfixtools/policyd/internal/srs"
	"github.com/roadrunner-server/errors"
)

func init() {
	filter.Register(&filter.KindSpec{
		Name:      "srs",
		Construct: construct,
		Run:       run,
		Params:    []string{"bounce_domain", "secret_file", "max_age"},
		Hooks:     []filter.Outcome{filter.OutcomeMatch, filter.OutcomeFail, filter.OutcomeNone, filter.OutcomeAbort},
		MinState:  smtpstate.Rcpt,
	})
}

type config struct {
	bounceDomain string
	codec        *srs.Codec
}

func construct(_ *filter.Env, params map[string]string) (any, []resource.Key, error) {
	const op = errors.Op("srs_construct")

	bounceDomain := params["bounce_domain"]
	if bounceDomain == "" {
		return nil, nil, errors.E(op, errors.Str("bounce domain not given"))
	}
	secretFile := params["secret_file"]
	if secretFile == "" {
		return nil, nil, errors.E(op, errors.Str("secret file not given"))
	}

	raw, err := os.ReadFile(secretFile)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	secrets, err := srs.ReadSecretsFile(strings.Split(string(raw), "\n"))
	if err != nil {
		return nil, nil, errors.E(op, errors.Str("cannot read srs configuration: "+err.Error()))
	}

	maxAge := 21 * 24 * time.Hour
	if v, ok := params["max_age"]; ok {
		n, perr := parseDays(v)
		if perr != nil {
			return nil, nil, errors.E(op, perr)
		}
		maxAge = time.Duration(n) * 24 * time.Hour
	}

	codec, err := srs.New(secrets, maxAge)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}

	return &config{bounceDomain: bounceDomain, codec: codec}, nil, nil
}

func parseDays(v string) (int, error) {
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0, errors.Str("invalid max_age: " + v)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func run(_ context.Context, f *filter.Filter, q *query.Query, _ *filter.Context, _ *filter.Env) (filter.Outcome, error) {
	cfg := f.Data.(*config)

	if q.State() != smtpstate.Rcpt {
		return filter.OutcomeAbort, errors.Str("srs only works as smtpd_recipient_restrictions")
	}

	if !strings.EqualFold(q.Get(query.TokRecipientDomain), cfg.bounceDomain) {
		return filter.OutcomeNone, nil
	}

	recipient := q.Get(query.TokRecipient)
	at := strings.IndexByte(recipient, '@')
	if at < 0 {
		return filter.OutcomeFail, nil
	}

	if _, err := cfg.codec.Reverse(recipient[:at]); err != nil {
		return filter.OutcomeFail, nil
	}
	return filter.OutcomeMatch, nil
}
