package query

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeSender implements the sender normalization of spec §3: the
// local-part has every run of digits replaced by a single '#', any VERP
// "+ext" suffix stripped first, and the result is rejoined with '#' and the
// domain. Replacing a digit run with digits of the same length never
// changes the output (spec §8 invariant), since runs collapse to one '#'
// regardless of their length or value.
func NormalizeSender(sender string) string {
	if sender == "" {
		return ""
	}
	local, domain, hasDomain := cutAt(sender)

	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}

	var b strings.Builder
	b.Grow(len(local))
	inRun := false
	for i := 0; i < len(local); i++ {
		c := local[i]
		if c >= '0' && c <= '9' {
			if !inRun {
				b.WriteByte('#')
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteByte(c)
	}

	if hasDomain {
		return b.String() + "#" + domain
	}
	return b.String()
}

func cutAt(addr string) (local, domain string, hasDomain bool) {
	i := strings.IndexByte(addr, '@')
	if i < 0 {
		return addr, "", false
	}
	return addr[:i], addr[i+1:], true
}

// NormalizeClient implements the client normalization of spec §3: the
// first three octets of an IPv4 client address, unless the client's
// (reverse-resolved) hostname already embeds the last two octets --
// defeating dial-up pool greylist evasion where the hostname changes but
// encodes the same /24-adjacent address. Non-IPv4 addresses (including
// IPv6 and "unknown") are returned unchanged: the /24 heuristic only
// applies to IPv4 dial-up pools.
func NormalizeClient(addr, clientName string) string {
	ip := net.ParseIP(addr)
	v4 := ip.To4()
	if v4 == nil {
		return addr
	}

	o := [4]int{int(v4[0]), int(v4[1]), int(v4[2]), int(v4[3])}

	if hostnameEmbedsLastTwoOctets(clientName, o[2], o[3]) {
		return addr
	}

	return strconv.Itoa(o[0]) + "." + strconv.Itoa(o[1]) + "." + strconv.Itoa(o[2])
}

// hostnameEmbedsLastTwoOctets reports whether the decimal forms of both
// octets occur as substrings anywhere in the hostname -- aimed at the
// common dial-up pool naming convention (e.g. "pool-24-5.isp.example").
// Label boundaries are not checked.
func hostnameEmbedsLastTwoOctets(name string, o2, o3 int) bool {
	if name == "" || name == "unknown" {
		return false
	}
	s2, s3 := strconv.Itoa(o2), strconv.Itoa(o3)
	return strings.Contains(name, s2) && strings.Contains(name, s3)
}
