package spf

import (
	"context"
	"strings"
)

// fetchRecord implements spec §4.6 "Entry": fire TXT (always) and RR type
// 99 SPF (unless noSPFLookup) queries, keep only "v=spf1" records, prefer
// the SPF-type record over TXT when both exist, and require exactly one
// candidate record.
//
// On success it returns the one matching "v=spf1 ..." text with an empty
// Result; otherwise it returns a decided terminal Result (None, TempError
// or PermError) and an empty string.
func (ev *evaluator) fetchRecord(ctx context.Context, domain string, noSPFLookup bool) (string, Result, error) {
	txts, _, txtErr := ev.dns.LookupTXT(ctx, domain)
	var spfType []string
	if !noSPFLookup {
		var err error
		spfType, _, err = ev.dns.LookupSPFRecords(ctx, domain)
		if err != nil {
			return "", ResultTempError, nil
		}
	}
	if txtErr != nil {
		return "", ResultTempError, nil
	}

	spfCandidates := filterSPF1(spfType)
	txtCandidates := filterSPF1(txts)

	var candidates []string
	switch {
	case len(spfCandidates) > 0:
		// TXT is discarded when an SPF-type record is also present.
		candidates = spfCandidates
	default:
		candidates = txtCandidates
	}

	switch len(candidates) {
	case 0:
		return "", ResultNone, nil
	case 1:
		return candidates[0], "", nil
	default:
		return "", ResultPermError, nil
	}
}

func filterSPF1(records []string) []string {
	var out []string
	for _, r := range records {
		if strings.HasPrefix(strings.ToLower(r), "v=spf1") {
			out = append(out, r)
		}
	}
	return out
}
