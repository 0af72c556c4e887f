package dnsgw

import (
	"context"
	"net"
	"sort"

	"github.com/miekg/dns"
)

// TypeSPF is RR type 99, the dedicated (and now deprecated, but still
// queried per spec §4.6) SPF record type.
const TypeSPF = 99

// MX is one resolved mail-exchanger: its hostname and preference, used to
// keep the SPF "mx" mechanism's ordering deterministic across a
// preference tie.
type MX struct {
	Host string
	Pref uint16
}

// LookupA resolves A records to a list of net.IP.
func (g *Gateway) LookupA(ctx context.Context, name string) ([]net.IP, Result, error) {
	ans, err := g.Resolve(ctx, name, dns.TypeA)
	if err != nil {
		return nil, Error, err
	}
	var ips []net.IP
	for _, rr := range ans.Records {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	return ips, ans.Result, nil
}

// LookupAAAA resolves AAAA records to a list of net.IP.
func (g *Gateway) LookupAAAA(ctx context.Context, name string) ([]net.IP, Result, error) {
	ans, err := g.Resolve(ctx, name, dns.TypeAAAA)
	if err != nil {
		return nil, Error, err
	}
	var ips []net.IP
	for _, rr := range ans.Records {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			ips = append(ips, aaaa.AAAA)
		}
	}
	return ips, ans.Result, nil
}

// LookupMX resolves MX records, sorted by ascending preference, then by
// host name among equal preferences.
func (g *Gateway) LookupMX(ctx context.Context, name string) ([]MX, Result, error) {
	ans, err := g.Resolve(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, Error, err
	}
	var mxs []MX
	for _, rr := range ans.Records {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	sort.Slice(mxs, func(i, j int) bool {
		if mxs[i].Pref != mxs[j].Pref {
			return mxs[i].Pref < mxs[j].Pref
		}
		return mxs[i].Host < mxs[j].Host
	})
	return mxs, ans.Result, nil
}

// LookupTXT resolves TXT records, concatenating each record's
// character-strings into one string.
func (g *Gateway) LookupTXT(ctx context.Context, name string) ([]string, Result, error) {
	ans, err := g.Resolve(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, Error, err
	}
	var txts []string
	for _, rr := range ans.Records {
		if txt, ok := rr.(*dns.TXT); ok {
			concat := ""
			for _, s := range txt.Txt {
				concat += s
			}
			txts = append(txts, concat)
		}
	}
	return txts, ans.Result, nil
}

// LookupSPFRecords resolves the dedicated RR type 99 the same way as TXT.
func (g *Gateway) LookupSPFRecords(ctx context.Context, name string) ([]string, Result, error) {
	ans, err := g.Resolve(ctx, name, TypeSPF)
	if err != nil {
		return nil, Error, err
	}
	var txts []string
	for _, rr := range ans.Records {
		if spf, ok := rr.(*dns.SPF); ok {
			concat := ""
			for _, s := range spf.Txt {
				concat += s
			}
			txts = append(txts, concat)
		}
	}
	return txts, ans.Result, nil
}

// LookupPTR resolves the reverse-DNS name(s) for ip.
func (g *Gateway) LookupPTR(ctx context.Context, ip net.IP) ([]string, Result, error) {
	rev, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, Error, err
	}
	ans, resolveErr := g.Resolve(ctx, rev, dns.TypePTR)
	if resolveErr != nil {
		return nil, Error, resolveErr
	}
	var names []string
	for _, rr := range ans.Records {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}
	return names, ans.Result, nil
}
