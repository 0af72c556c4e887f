package spf

import (
	"context"
	"strings"
	"time"

	"github.com/pfixtools/policyd/internal/dnsgw"
)

// fetchExplanation implements the exp= modifier of spec §4.6: macro-expand
// its domain argument, fetch TXT there, concatenate character-strings,
// ASCII-check, macro-expand the resulting text, and return it. Any error
// along the way leaves the explanation empty; the overall Fail verdict is
// unaffected.
func (ev *evaluator) fetchExplanation(ctx context.Context, rec *record, _ int) string {
	if rec == nil || rec.explanationIdx < 0 {
		return ""
	}
	expTerm := rec.terms[rec.explanationIdx]

	mc := &macroCtx{
		sender: ev.sender, helo: ev.helo, domain: ev.lastDomain,
		ip: ev.ip, is6: ev.is6, checkTime: time.Now(),
	}
	mc.resolvePTR = func(ctx context.Context) { ev.resolveValidatedNames(ctx, mc) }

	target, err := expandMacro(ctx, mc, expTerm.domainSpec, true)
	if err != nil {
		return ""
	}

	txts, res, err := ev.dns.LookupTXT(ctx, target)
	if err != nil || res != dnsgw.Found || len(txts) == 0 {
		return ""
	}

	joined := strings.Join(txts, "")
	if !isASCII(joined) {
		return ""
	}

	mc.inExp = true
	expanded, err := expandMacro(ctx, mc, joined, false)
	if err != nil {
		return ""
	}
	return expanded
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
