package spf

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pfixtools/policyd/internal/dnsgw"
	"github.com/pfixtools/policyd/internal/netutil"
)

type mechStatus int

const (
	stNoMatch mechStatus = iota
	stMatch
	stTempTentative // a/mx DNS error: final only if no later mechanism matches
	stTempImmediate // include propagation, exists non-NXDOMAIN error
	stPermError
)

// evaluateRecord walks rec's terms in order (spec §4.6 "Mechanism
// evaluation"), returning the verdict and the record + term index an
// explanation fetch should use (the record that actually produced a Fail,
// which may belong to a redirect target rather than rec itself).
func (ev *evaluator) evaluateRecord(ctx context.Context, domain string, rec *record, depth int) (Result, *record, int) {
	if depth > ev.limits.MaxRecursion {
		ev.lastDomain = domain
		return ResultPermError, rec, -1
	}
	if rec.duplicateModifier {
		ev.lastDomain = domain
		return ResultPermError, rec, -1
	}

	mc := &macroCtx{sender: ev.sender, helo: ev.helo, domain: domain, ip: ev.ip, is6: ev.is6, checkTime: time.Now()}
	mc.resolvePTR = func(ctx context.Context) { ev.resolveValidatedNames(ctx, mc) }
	tempErrorPending := false

	for i, t := range rec.terms {
		if t.isModifier {
			continue
		}
		if t.parseErr != nil {
			ev.lastDomain = domain
			return ResultPermError, rec, i
		}

		status, _, _ := ev.evalMechanism(ctx, mc, t, depth)
		switch status {
		case stPermError:
			ev.lastDomain = domain
			return ResultPermError, rec, i
		case stTempImmediate:
			ev.lastDomain = domain
			return ResultTempError, rec, i
		case stTempTentative:
			tempErrorPending = true
		case stMatch:
			ev.lastDomain = domain
			return qualifierResult(t.qualifier), rec, i
		case stNoMatch:
			// continue
		}
	}

	if rec.redirectIdx >= 0 {
		return ev.evaluateRedirect(ctx, mc, rec, depth)
	}
	ev.lastDomain = domain
	if tempErrorPending {
		return ResultTempError, rec, -1
	}
	return ResultNeutral, rec, -1
}

func (ev *evaluator) evaluateRedirect(ctx context.Context, mc *macroCtx, rec *record, depth int) (Result, *record, int) {
	rd := rec.terms[rec.redirectIdx]
	if ev.dnsMechanisms >= ev.limits.MaxDNSMechanisms {
		ev.lastDomain = mc.domain
		return ResultPermError, rec, rec.redirectIdx
	}
	ev.dnsMechanisms++

	target, err := expandMacro(ctx, mc, rd.domainSpec, true)
	if err != nil {
		ev.lastDomain = mc.domain
		return ResultPermError, rec, rec.redirectIdx
	}

	text, terminal, fetchErr := ev.fetchRecord(ctx, target, false)
	if fetchErr != nil {
		ev.lastDomain = target
		return ResultPermError, rec, rec.redirectIdx
	}
	if terminal != "" {
		ev.lastDomain = target
		if terminal == ResultNone {
			return ResultPermError, rec, rec.redirectIdx
		}
		return terminal, rec, rec.redirectIdx
	}

	childRec := parseRecord(text)
	return ev.evaluateRecord(ctx, target, childRec, depth+1)
}

func qualifierResult(q byte) Result {
	switch q {
	case '-':
		return ResultFail
	case '~':
		return ResultSoftFail
	case '?':
		return ResultNeutral
	default:
		return ResultPass
	}
}

// evalMechanism evaluates one non-modifier term, returning its status and
// (for include) the child record/domain it recursed into, used only for
// diagnostics.
func (ev *evaluator) evalMechanism(ctx context.Context, mc *macroCtx, t term, depth int) (mechStatus, *record, string) {
	switch t.name {
	case "all":
		return stMatch, nil, ""

	case "ip4":
		return ev.evalIP(t, false), nil, ""
	case "ip6":
		return ev.evalIP(t, true), nil, ""

	case "a":
		return ev.evalA(ctx, mc, t), nil, ""
	case "mx":
		return ev.evalMX(ctx, mc, t), nil, ""
	case "ptr":
		return ev.evalPTR(ctx, mc, t), nil, ""

	case "exists":
		return ev.evalExists(ctx, mc, t), nil, ""

	case "include":
		return ev.evalInclude(ctx, mc, t, depth)

	default:
		return stPermError, nil, ""
	}
}

func (ev *evaluator) evalIP(t term, is6 bool) mechStatus {
	if ev.is6 != is6 {
		return stNoMatch
	}
	ip := net.ParseIP(t.domainSpec)
	if ip == nil {
		return stPermError
	}
	n := t.cidr4
	a, b := ev.ip.To4(), ip.To4()
	if is6 {
		n = t.cidr6
		a, b = ev.ip.To16(), ip.To16()
	}
	if netutil.CompareCIDR(a, b, n) {
		return stMatch
	}
	return stNoMatch
}

func (ev *evaluator) targetDomain(ctx context.Context, mc *macroCtx, domainSpec string) (string, bool) {
	if domainSpec == "" {
		return mc.domain, true
	}
	d, err := expandMacro(ctx, mc, domainSpec, true)
	if err != nil {
		return "", false
	}
	return d, true
}

func (ev *evaluator) chargeDNSMechanism() bool {
	if ev.dnsMechanisms >= ev.limits.MaxDNSMechanisms {
		return false
	}
	ev.dnsMechanisms++
	return true
}

func (ev *evaluator) evalA(ctx context.Context, mc *macroCtx, t term) mechStatus {
	domain, ok := ev.targetDomain(ctx, mc, t.domainSpec)
	if !ok {
		return stPermError
	}
	if !ev.chargeDNSMechanism() {
		return stPermError
	}

	var ips []net.IP
	var res dnsgw.Result
	var err error
	if ev.is6 {
		ips, res, err = ev.dns.LookupAAAA(ctx, domain)
	} else {
		ips, res, err = ev.dns.LookupA(ctx, domain)
	}
	if err != nil || res == dnsgw.Error {
		return stTempTentative
	}

	n := cidrFor(t, ev.is6)
	for _, ip := range ips {
		if matchIP(ev.ip, ip, n, ev.is6) {
			return stMatch
		}
	}
	return stNoMatch
}

func (ev *evaluator) evalMX(ctx context.Context, mc *macroCtx, t term) mechStatus {
	domain, ok := ev.targetDomain(ctx, mc, t.domainSpec)
	if !ok {
		return stPermError
	}
	if !ev.chargeDNSMechanism() {
		return stPermError
	}

	mxs, res, err := ev.dns.LookupMX(ctx, domain)
	if err != nil || res == dnsgw.Error {
		return stTempTentative
	}
	if len(mxs) > ev.limits.MaxMXEntries {
		mxs = mxs[:ev.limits.MaxMXEntries]
	}

	n := cidrFor(t, ev.is6)
	anyErr := false
	for _, mx := range mxs {
		var ips []net.IP
		var r dnsgw.Result
		var e error
		if ev.is6 {
			ips, r, e = ev.dns.LookupAAAA(ctx, mx.Host)
		} else {
			ips, r, e = ev.dns.LookupA(ctx, mx.Host)
		}
		if e != nil || r == dnsgw.Error {
			anyErr = true
			continue
		}
		for _, ip := range ips {
			if matchIP(ev.ip, ip, n, ev.is6) {
				return stMatch
			}
		}
	}
	if anyErr {
		return stTempTentative
	}
	return stNoMatch
}

func (ev *evaluator) evalPTR(ctx context.Context, mc *macroCtx, t term) mechStatus {
	domain, ok := ev.targetDomain(ctx, mc, t.domainSpec)
	if !ok {
		return stPermError
	}
	if !ev.chargeDNSMechanism() {
		return stPermError
	}

	for _, name := range ev.resolveValidatedNames(ctx, mc) {
		if hostMatchesSuffix(name, domain) {
			return stMatch
		}
	}
	return stNoMatch
}

// resolveValidatedNames runs the PTR walk of spec §4.6: PTR-resolve ev.ip,
// then forward-confirm each candidate name via A/AAAA, keeping only names
// that resolve back to ev.ip. It caches the first validated name into
// mc.validated for %{p} macro expansion (common/spf.c's
// spf_run_ptr_resolution) and memoizes the full list so a ptr mechanism
// run after %{p} already triggered the walk doesn't repeat the lookups.
func (ev *evaluator) resolveValidatedNames(ctx context.Context, mc *macroCtx) []string {
	if mc.ptrResolved {
		return mc.validatedNames
	}
	mc.ptrResolved = true

	names, res, err := ev.dns.LookupPTR(ctx, ev.ip)
	if err != nil || res == dnsgw.Error {
		return nil
	}
	if len(names) > ev.limits.MaxPTRNames {
		names = names[:ev.limits.MaxPTRNames]
	}

	var validated []string
	for _, name := range names {
		var ips []net.IP
		if ev.is6 {
			ips, _, _ = ev.dns.LookupAAAA(ctx, name)
		} else {
			ips, _, _ = ev.dns.LookupA(ctx, name)
		}
		for _, ip := range ips {
			if matchIP(ev.ip, ip, maxBits(ev.is6), ev.is6) {
				validated = append(validated, name)
				break
			}
		}
	}
	mc.validatedNames = validated
	if len(validated) > 0 {
		mc.validated = validated[0]
	}
	return validated
}

func (ev *evaluator) evalExists(ctx context.Context, mc *macroCtx, t term) mechStatus {
	domain, ok := ev.targetDomain(ctx, mc, t.domainSpec)
	if !ok {
		return stPermError
	}
	if !ev.chargeDNSMechanism() {
		return stPermError
	}

	res, err := ev.dns.Check(ctx, domain, dns.TypeA)
	if err != nil {
		return stTempImmediate
	}
	switch res {
	case dnsgw.Found:
		return stMatch
	case dnsgw.NotFound:
		return stNoMatch
	default:
		return stTempImmediate
	}
}

func (ev *evaluator) evalInclude(ctx context.Context, mc *macroCtx, t term, depth int) (mechStatus, *record, string) {
	domain, ok := ev.targetDomain(ctx, mc, t.domainSpec)
	if !ok {
		return stPermError, nil, ""
	}
	if !ev.chargeDNSMechanism() {
		return stPermError, nil, ""
	}
	if depth+1 > ev.limits.MaxRecursion {
		return stPermError, nil, ""
	}

	text, terminal, err := ev.fetchRecord(ctx, domain, false)
	if err != nil {
		return stPermError, nil, domain
	}
	if terminal != "" {
		switch terminal {
		case ResultTempError:
			return stTempImmediate, nil, domain
		default: // None or PermError both map to PermError per spec §4.6
			return stPermError, nil, domain
		}
	}

	childRec := parseRecord(text)
	verdict, _, _ := ev.evaluateRecord(ctx, domain, childRec, depth+1)
	switch verdict {
	case ResultPass:
		return stMatch, childRec, domain
	case ResultFail, ResultSoftFail, ResultNeutral:
		return stNoMatch, childRec, domain
	case ResultTempError:
		return stTempImmediate, childRec, domain
	default: // PermError or None
		return stPermError, childRec, domain
	}
}

func cidrFor(t term, is6 bool) int {
	if is6 {
		if t.cidr6 >= 0 {
			return t.cidr6
		}
		return 128
	}
	if t.cidr4 >= 0 {
		return t.cidr4
	}
	return 32
}

func maxBits(is6 bool) int {
	if is6 {
		return 128
	}
	return 32
}

func matchIP(query, candidate net.IP, n int, is6 bool) bool {
	if is6 {
		a, b := query.To16(), candidate.To16()
		if a == nil || b == nil {
			return false
		}
		return netutil.CompareCIDR(a, b, n)
	}
	a, b := query.To4(), candidate.To4()
	if a == nil || b == nil {
		return false
	}
	return netutil.CompareCIDR(a, b, n)
}

// hostMatchesSuffix reports whether name equals, or is a subdomain of,
// domain, case-insensitively (spec §4.6 ptr mechanism).
func hostMatchesSuffix(name, domain string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if name == domain {
		return true
	}
	return strings.HasSuffix(name, "."+domain)
}
