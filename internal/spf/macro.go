package spf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// validMacroSyntax checks a domain-spec/modifier-value against the macro
// grammar of spec §4.6 without expanding it: every '%' must begin '%%',
// '%_', '%-', or a well-formed '%{c[n][r][delim]*}'.
func validMacroSyntax(s string) bool {
	i := 0
	for i < len(s) {
		if s[i] != '%' {
			i++
			continue
		}
		if i+1 >= len(s) {
			return false
		}
		switch s[i+1] {
		case '%', '_', '-':
			i += 2
			continue
		case '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return false
			}
			if !validMacroBody(s[i+2 : i+end]) {
				return false
			}
			i += end + 1
			continue
		default:
			return false
		}
	}
	return true
}

var macroLetters = "slodipvhcrt"

func validMacroBody(body string) bool {
	if body == "" {
		return false
	}
	if !strings.ContainsRune(macroLetters, lowerByte(body[0])) {
		return false
	}
	rest := body[1:]
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	rest = rest[i:]
	if strings.HasPrefix(rest, "r") || strings.HasPrefix(rest, "R") {
		rest = rest[1:]
	}
	for _, c := range rest {
		switch c {
		case '.', '-', '+', ',', '/', '_', '=':
		default:
			return false
		}
	}
	return true
}

func lowerByte(b byte) rune {
	if b >= 'A' && b <= 'Z' {
		return rune(b + ('a' - 'A'))
	}
	return rune(b)
}

// macroCtx carries what %{..} can reference: fixed per top-level check
// (spec §4.6 state object), plus in-exp-only fields.
type macroCtx struct {
	sender    string
	helo      string
	domain    string
	ip        net.IP
	is6       bool
	validated      string   // %{p}, populated lazily by a PTR walk
	validatedNames []string // full forward-confirmed PTR list, memoized alongside validated
	ptrResolved    bool
	inExp          bool
	checkTime      time.Time

	// resolvePTR runs the validated-PTR walk of spec §4.6 on first use of
	// %{p} and caches the result into validated, mirroring
	// common/spf.c's spf_run_ptr_resolution.
	resolvePTR func(ctx context.Context)
}

// expandMacro expands spec, returning an error if expansion yields a
// result that is not itself domain-valid (spec §4.6 "After expansion, the
// result must again be a valid domain").
func expandMacro(ctx context.Context, m *macroCtx, spec string, domainSyntaxRequired bool) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(spec) {
		c := spec[i]
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}
		switch spec[i+1] {
		case '%':
			b.WriteByte('%')
			i += 2
		case '_':
			b.WriteByte(' ')
			i += 2
		case '-':
			b.WriteString("%20")
			i += 2
		case '{':
			end := strings.IndexByte(spec[i:], '}')
			body := spec[i+2 : i+end]
			expanded, err := expandMacroLetter(ctx, m, body)
			if err != nil {
				return "", err
			}
			b.WriteString(expanded)
			i += end + 1
		}
	}
	result := b.String()
	if domainSyntaxRequired && !validDomainSyntax(result) {
		return "", errTermUnparsable
	}
	return result, nil
}

func expandMacroLetter(ctx context.Context, m *macroCtx, body string) (string, error) {
	letter := body[0]
	upper := letter >= 'A' && letter <= 'Z'
	low := byte(lowerByte(letter))

	rest := body[1:]
	digits := 0
	j := 0
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j > 0 {
		digits, _ = strconv.Atoi(rest[:j])
	}
	rest = rest[j:]
	reverse := false
	if strings.HasPrefix(rest, "r") || strings.HasPrefix(rest, "R") {
		reverse = true
		rest = rest[1:]
	}
	delim := rest
	if delim == "" {
		delim = "."
	}

	var value string
	switch low {
	case 's':
		value = m.sender
	case 'l':
		value = localPart(m.sender)
	case 'o':
		value = domainPart(m.sender)
	case 'd':
		value = m.domain
	case 'i':
		value = ipMacro(m.ip, m.is6)
	case 'p':
		if m.validated == "" && m.resolvePTR != nil {
			m.resolvePTR(ctx)
		}
		value = m.validated
		if value == "" {
			value = "unknown"
		}
	case 'v':
		if m.is6 {
			value = "ip6"
		} else {
			value = "in-addr"
		}
	case 'h':
		value = m.helo
	case 'c':
		if !m.inExp {
			return "", errTermUnparsable
		}
		value = m.ip.String()
	case 'r':
		if !m.inExp {
			return "", errTermUnparsable
		}
		hn, err := os.Hostname()
		if err != nil {
			hn = "unknown"
		}
		value = hn
	case 't':
		if !m.inExp {
			return "", errTermUnparsable
		}
		value = strconv.FormatInt(m.checkTime.Unix(), 10)
	default:
		return "", errTermUnparsable
	}

	value = splitJoin(value, delim, digits, reverse)
	if upper {
		value = url.QueryEscape(value)
	}
	return value, nil
}

func splitJoin(value, delim string, n int, reverse bool) string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return strings.ContainsRune(delim, r)
	})
	if reverse {
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
	}
	if n > 0 && n < len(parts) {
		parts = parts[len(parts)-n:]
	}
	return strings.Join(parts, ".")
}

func localPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func domainPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 && i+1 < len(addr) {
		return addr[i+1:]
	}
	return ""
}

// ipMacro renders %{i}: dotted-decimal for v4, nibble-expanded
// "x.x.x...x" hex for v6 (spec §4.6).
func ipMacro(ip net.IP, is6 bool) string {
	if !is6 {
		return ip.String()
	}
	v6 := ip.To16()
	var nibbles []string
	for _, b := range v6 {
		nibbles = append(nibbles, fmt.Sprintf("%x", b>>4), fmt.Sprintf("%x", b&0xf))
	}
	return strings.Join(nibbles, ".")
}
