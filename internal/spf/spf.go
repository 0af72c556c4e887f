// Package spf implements the SPF evaluator of spec §4.6: record fetch,
// parsing, mechanism evaluation, macro expansion, explanation fetching,
// and the mechanism/DNS-lookup limits RFC 4408 (and the original
// postlicyd/common/spf.c this is ported from) impose.
package spf

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/pfixtools/policyd/internal/dnsgw"
	"github.com/pfixtools/policyd/internal/netutil"
	"github.com/roadrunner-server/errors"
)

// Result is the SPF verdict (spec §4.6).
type Result string

const (
	ResultNone      Result = "none"
	ResultNeutral   Result = "neutral"
	ResultPass      Result = "pass"
	ResultFail      Result = "fail"
	ResultSoftFail  Result = "softfail"
	ResultTempError Result = "temperror"
	ResultPermError Result = "permerror"
)

// Limits bounds one evaluation, including all of its recursive
// include/redirect sub-evaluations (spec §4.6 "Limits").
type Limits struct {
	MaxDNSMechanisms int // total include/a/mx/ptr/exists/redirect, default 10
	MaxRecursion     int // include/redirect nesting, default 15
	MaxMXEntries     int // default 10
	MaxPTRNames      int // default 10
}

// DefaultLimits returns the RFC 4408 defaults.
func DefaultLimits() Limits {
	return Limits{MaxDNSMechanisms: 10, MaxRecursion: 15, MaxMXEntries: 10, MaxPTRNames: 10}
}

// Request is the input to one top-level SPF check.
type Request struct {
	IP     net.IP
	Helo   string
	Sender string // envelope MAIL FROM; empty means "synthesize postmaster@helo"
	Domain string // domain to check (usually the sender domain)

	NoSPFLookup        bool // skip the RR-type-99 SPF query, TXT only
	IncludeExplanation bool
	Limits             Limits
}

// Response is the outcome of one top-level check.
type Response struct {
	Result      Result
	Explanation string
}

// evaluator carries the state shared across one top-level check and all of
// its recursive include/redirect children: the DNS gateway, the query IP
// and sender/helo (fixed for the whole evaluation), the shared DNS-lookup
// counter, and the limits. The domain/record/depth that vary per recursion
// level are passed as arguments, and each level builds its own macroCtx.
type evaluator struct {
	dns    *dnsgw.Gateway
	ip     net.IP
	is6    bool
	sender string
	helo   string
	limits Limits

	dnsMechanisms int // mechanisms that caused a DNS lookup, across the whole evaluation
	canceled      bool

	lastDomain string // domain of the record frame that produced the final verdict, for %{d} in exp=
}

// Check runs one complete SPF evaluation, including macro expansion,
// recursive include/redirect, and (if requested and the result is Fail)
// explanation fetching.
func Check(ctx context.Context, gw *dnsgw.Gateway, req Request) (Response, error) {
	const op = errors.Op("spf_check")

	limits := req.Limits
	if limits.MaxDNSMechanisms == 0 {
		limits = DefaultLimits()
	}

	if !validDomainSyntax(req.Domain) {
		return Response{Result: ResultNone}, nil
	}

	ip := netutil.NormalizeIP(req.IP)
	if ip == nil {
		return Response{Result: ResultNone}, nil
	}
	is6 := netutil.Is6(ip)
	if !is6 && ip.To4() == nil {
		return Response{Result: ResultNone}, nil
	}

	sender := req.Sender
	if sender == "" {
		sender = "postmaster@" + req.Helo
	}

	ctx, cancel := context.WithTimeout(ctx, dnsTimeout())
	defer cancel()

	ev := &evaluator{dns: gw, ip: ip, is6: is6, sender: sender, helo: req.Helo, limits: limits}

	text, terminal, err := ev.fetchRecord(ctx, req.Domain, req.NoSPFLookup)
	if err != nil {
		return Response{}, errors.E(op, err)
	}
	if terminal != "" {
		return Response{Result: terminal}, nil
	}
	rec := parseRecord(text)

	verdict, matchedRec, matchedIdx := ev.evaluateRecord(ctx, req.Domain, rec, 0)

	resp := Response{Result: verdict}
	if verdict == ResultFail && req.IncludeExplanation {
		resp.Explanation = ev.fetchExplanation(ctx, matchedRec, matchedIdx)
	}
	return resp, nil
}

// validDomainSyntax enforces spec §4.6: labels 1..63 chars, alphanumerics
// with '-'/'_', at least two labels.
func validDomainSyntax(domain string) bool {
	if domain == "" {
		return false
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if len(l) < 1 || len(l) > 63 {
			return false
		}
		for i := 0; i < len(l); i++ {
			c := l[i]
			ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
				(c >= '0' && c <= '9') || c == '-' || c == '_'
			if !ok {
				return false
			}
		}
	}
	return true
}

func dnsTimeout() time.Duration { return 10 * time.Second }
