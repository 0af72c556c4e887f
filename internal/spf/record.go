package spf

import (
	"strconv"
	"strings"

	"github.com/roadrunner-server/errors"
)

var errTermUnparsable = errors.Str("unparsable SPF directive")

// mechanismNames is the closed set of SPF mechanism names (spec §4.6).
var mechanismNames = map[string]bool{
	"all": true, "include": true, "a": true, "mx": true,
	"ptr": true, "ip4": true, "ip6": true, "exists": true,
}

// term is one parsed directive (mechanism or modifier) of an SPF record.
// A parse failure is recorded on the term itself rather than aborting the
// whole record: spec §4.6 "Any parse failure anywhere in the record yields
// PermError at evaluation time of that directive, not at parse time
// (directives before an error may still match)".
type term struct {
	raw string

	isModifier bool
	qualifier  byte // mechanisms only: '+' '-' '~' '?'
	name       string

	domainSpec string // macro-string argument (mechanisms' domain-spec, or a modifier's value)
	cidr4      int    // -1 if unspecified; 0..32
	cidr6      int    // -1 if unspecified; 0..128

	parseErr error
}

// record is a parsed "v=spf1 ..." string: its terms in order, plus quick
// indices to the redirect/exp modifiers (spec §3 Spf state object).
type record struct {
	terms          []term
	redirectIdx    int // -1 if absent
	explanationIdx int // -1 if absent

	// duplicateModifier is set once a second redirect= or exp= is seen: a
	// record carrying either twice is entirely invalid (spec §8 scenario 3),
	// matching common/spf.c's spf_check_rule returning false the moment
	// redirect_pos/explanation_pos is already set.
	duplicateModifier bool
}

// parseRecord tokenizes an SPF record (including its leading "v=spf1")
// into directives. It never itself returns an error: per-directive parse
// failures are recorded on the term and surface during evaluation.
func parseRecord(text string) *record {
	fields := strings.Fields(text)
	if len(fields) > 0 && strings.EqualFold(fields[0], "v=spf1") {
		fields = fields[1:]
	}

	rec := &record{redirectIdx: -1, explanationIdx: -1}
	for _, f := range fields {
		t := parseTerm(f)
		rec.terms = append(rec.terms, t)
		if t.isModifier && t.parseErr == nil {
			switch t.name {
			case "redirect":
				if rec.redirectIdx != -1 {
					rec.duplicateModifier = true
					continue
				}
				rec.redirectIdx = len(rec.terms) - 1
				rec.explanationIdx = -1 // a later redirect drops any prior exp (spec §4.6)
			case "exp":
				if rec.explanationIdx != -1 {
					rec.duplicateModifier = true
					continue
				}
				if rec.redirectIdx == -1 {
					rec.explanationIdx = len(rec.terms) - 1
				}
			}
		}
	}
	return rec
}

func parseTerm(raw string) term {
	t := term{raw: raw, cidr4: -1, cidr6: -1}

	qualifier := byte('+')
	rest := raw
	if len(rest) > 0 {
		switch rest[0] {
		case '+', '-', '~', '?':
			qualifier = rest[0]
			rest = rest[1:]
		}
	}

	name, after := splitMechanismName(rest)
	if mechanismNames[name] {
		t.qualifier = qualifier
		t.name = name
		parseMechanismArgs(&t, name, after)
		return t
	}

	// Not a recognized mechanism: must be "name=value" (modifier), using
	// the un-stripped raw text since modifiers carry no qualifier.
	eq := strings.IndexByte(raw, '=')
	if eq <= 0 {
		t.parseErr = errTermUnparsable
		return t
	}
	t.isModifier = true
	t.name = strings.ToLower(raw[:eq])
	t.domainSpec = raw[eq+1:]
	if !validMacroSyntax(t.domainSpec) {
		t.parseErr = errTermUnparsable
	}
	return t
}

// splitMechanismName extracts the alphabetic mechanism name (up to ':' or
// '/' or end of string) and returns the remainder.
func splitMechanismName(s string) (name, rest string) {
	i := 0
	for i < len(s) && s[i] != ':' && s[i] != '/' {
		i++
	}
	return strings.ToLower(s[:i]), s[i:]
}

// parseMechanismArgs fills in domainSpec/cidr4/cidr6 for a mechanism given
// the text following its name (still containing any leading ':' or '/').
func parseMechanismArgs(t *term, name, rest string) {
	switch name {
	case "all":
		if rest != "" {
			t.parseErr = errTermUnparsable
		}
		return
	case "ip4", "ip6":
		if !strings.HasPrefix(rest, ":") {
			t.parseErr = errTermUnparsable
			return
		}
		rest = rest[1:]
		addr := rest
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			addr = rest[:slash]
			cidrStr := rest[slash+1:]
			n, err := parseCIDRNumber(cidrStr, boolTernary(name == "ip4", 32, 128))
			if err != nil {
				t.parseErr = err
				return
			}
			if name == "ip4" {
				t.cidr4 = n
			} else {
				t.cidr6 = n
			}
		} else if name == "ip4" {
			t.cidr4 = 32
		} else {
			t.cidr6 = 128
		}
		t.domainSpec = addr
		return
	default: // include, a, mx, ptr, exists
		if strings.HasPrefix(rest, ":") {
			rest = rest[1:]
			spec := rest
			if slash := strings.IndexByte(rest, '/'); slash >= 0 {
				spec = rest[:slash]
				rest = rest[slash:]
			} else {
				rest = ""
			}
			t.domainSpec = spec
			if !validMacroSyntax(spec) {
				t.parseErr = errTermUnparsable
				return
			}
		}
		if rest != "" {
			if name != "a" && name != "mx" {
				t.parseErr = errTermUnparsable
				return
			}
			if err := parseDualCIDR(t, rest); err != nil {
				t.parseErr = err
				return
			}
		}
	}
}

// parseDualCIDR parses "/n", "//m", or "/n//m" cidr-length suffixes for
// the a/mx mechanisms (spec §4.6).
func parseDualCIDR(t *term, s string) error {
	if strings.HasPrefix(s, "//") {
		n, err := parseCIDRNumber(s[2:], 128)
		if err != nil {
			return err
		}
		t.cidr6 = n
		return nil
	}
	if !strings.HasPrefix(s, "/") {
		return errTermUnparsable
	}
	s = s[1:]
	if dd := strings.Index(s, "//"); dd >= 0 {
		n4, err := parseCIDRNumber(s[:dd], 32)
		if err != nil {
			return err
		}
		n6, err := parseCIDRNumber(s[dd+2:], 128)
		if err != nil {
			return err
		}
		t.cidr4, t.cidr6 = n4, n6
		return nil
	}
	n4, err := parseCIDRNumber(s, 32)
	if err != nil {
		return err
	}
	t.cidr4 = n4
	return nil
}

// parseCIDRNumber rejects leading zeros and out-of-range values (spec
// §4.6).
func parseCIDRNumber(s string, max int) (int, error) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, errTermUnparsable
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		return 0, errTermUnparsable
	}
	return n, nil
}

func boolTernary(cond bool, a, b int) int {
	if cond {
		return a
	}
	return b
}
