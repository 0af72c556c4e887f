package query

import (
	"strconv"
	"strings"

	"github.com/roadrunner-server/errors"
)

func unknownFieldError(field string) error {
	return errors.E(errors.Op("query_format_validate"), errors.Str("unknown field: "+field))
}

// Format expands a query-format template against q (or, in dry-run mode,
// against a nil Query, for config-time validation). The grammar is
// text ( "${" field ("[" signed_int "]")? "}" text )* (spec §4.3).
//
// An unknown field name expands to "(null)"; an out-of-range [n] selector,
// or any selector on an empty value, expands to "(none)". A selector that
// is not an integer is ignored and the field's whole value is used. The
// selector splits the field's value on '.' and picks the n-th part
// (0-based from the left; -1 is rightmost).
func Format(q *Query, tmpl string) string {
	var b strings.Builder
	b.Grow(len(tmpl) + 16)

	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "${")
		if start < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		b.WriteString(tmpl[i : i+start])
		i += start

		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			// Unterminated placeholder: emit the rest literally.
			b.WriteString(tmpl[i:])
			break
		}
		inner := tmpl[i+2 : i+end]
		i += end + 1

		field, selector, hasSelector := splitSelector(inner)
		b.WriteString(expandField(q, field, selector, hasSelector))
	}

	return b.String()
}

// splitSelector splits "field[n]" into its field name and optional integer
// selector.
func splitSelector(inner string) (field string, selector int, has bool) {
	lb := strings.IndexByte(inner, '[')
	if lb < 0 || !strings.HasSuffix(inner, "]") {
		return inner, 0, false
	}
	field = inner[:lb]
	numStr := inner[lb+1 : len(inner)-1]
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return field, 0, false
	}
	return field, n, true
}

// ValidateFormat performs the "dry-run" validation spec §4.3 describes: it
// walks the same grammar as Format but only checks that every referenced
// field name is recognized, returning the first unknown field found. Go's
// strings.Builder makes the C original's two-pass grow-and-retry buffer
// dance unnecessary (Format always renders in one pass), so this is a
// distinct, cheaper entry point for config-load-time validation rather than
// a length-only variant of Format itself.
func ValidateFormat(tmpl string) error {
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "${")
		if start < 0 {
			break
		}
		i += start
		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			break
		}
		inner := tmpl[i+2 : i+end]
		i += end + 1

		field, _, _ := splitSelector(inner)
		if _, ok := LookupToken(field); !ok {
			return unknownFieldError(field)
		}
	}
	return nil
}

func expandField(q *Query, field string, selector int, hasSelector bool) string {
	tok, ok := LookupToken(field)
	if !ok {
		return "(null)"
	}

	var value string
	if q == nil {
		// Dry-run mode: validate the format string without real data.
		value = ""
	} else {
		value = q.Get(tok)
	}

	if !hasSelector {
		return value
	}
	if value == "" {
		return "(none)"
	}

	parts := strings.Split(value, ".")
	idx := selector
	if idx < 0 {
		idx = len(parts) + idx
	}
	if idx < 0 || idx >= len(parts) {
		return "(none)"
	}
	return parts[idx]
}
