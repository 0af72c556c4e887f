package spf

import (
	"net"
	"testing"
)

func TestValidDomainSyntax(t *testing.T) {
	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"mail.example.co.uk", true},
		{"", false},
		{"nodot", false},
		{"bad..example.com", false},
		{"exa mple.com", false},
	}
	for _, tt := range tests {
		if got := validDomainSyntax(tt.domain); got != tt.want {
			t.Errorf("validDomainSyntax(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}
}

func TestQualifierResultMapping(t *testing.T) {
	tests := []struct {
		q    byte
		want Result
	}{
		{'-', ResultFail},
		{'~', ResultSoftFail},
		{'?', ResultNeutral},
		{'+', ResultPass},
	}
	for _, tt := range tests {
		if got := qualifierResult(tt.q); got != tt.want {
			t.Errorf("qualifierResult(%q) = %v, want %v", tt.q, got, tt.want)
		}
	}
}

func TestHostMatchesSuffix(t *testing.T) {
	tests := []struct {
		name, domain string
		want         bool
	}{
		{"example.com", "example.com", true},
		{"mail.example.com", "example.com", true},
		{"notexample.com", "example.com", false},
		{"EXAMPLE.COM.", "example.com", true},
	}
	for _, tt := range tests {
		if got := hostMatchesSuffix(tt.name, tt.domain); got != tt.want {
			t.Errorf("hostMatchesSuffix(%q, %q) = %v, want %v", tt.name, tt.domain, got, tt.want)
		}
	}
}

func TestCidrForDefaults(t *testing.T) {
	tm := term{cidr4: -1, cidr6: -1}
	if got := cidrFor(tm, false); got != 32 {
		t.Errorf("cidrFor(v4, unset) = %d, want 32", got)
	}
	if got := cidrFor(tm, true); got != 128 {
		t.Errorf("cidrFor(v6, unset) = %d, want 128", got)
	}
	tm = term{cidr4: 24, cidr6: 64}
	if got := cidrFor(tm, false); got != 24 {
		t.Errorf("cidrFor(v4, set) = %d, want 24", got)
	}
}

func TestEvalIPMatchesWithinCIDR(t *testing.T) {
	ev := &evaluator{}
	ev.ip = parseIP(t, "192.0.2.55")
	ev.is6 = false

	tm := term{name: "ip4", domainSpec: "192.0.2.0", cidr4: 24, cidr6: -1}
	if status := ev.evalIP(tm, false); status != stMatch {
		t.Errorf("evalIP() = %v, want stMatch", status)
	}
}

func TestEvalIPNoMatchOutsideCIDR(t *testing.T) {
	ev := &evaluator{}
	ev.ip = parseIP(t, "192.0.3.55")
	ev.is6 = false

	tm := term{name: "ip4", domainSpec: "192.0.2.0", cidr4: 24, cidr6: -1}
	if status := ev.evalIP(tm, false); status != stNoMatch {
		t.Errorf("evalIP() = %v, want stNoMatch", status)
	}
}

func TestEvalIPFamilyMismatch(t *testing.T) {
	ev := &evaluator{}
	ev.ip = parseIP(t, "192.0.2.55")
	ev.is6 = false

	tm := term{name: "ip6", domainSpec: "2001:db8::", cidr4: -1, cidr6: 32}
	if status := ev.evalIP(tm, true); status != stNoMatch {
		t.Errorf("evalIP() across address families = %v, want stNoMatch", status)
	}
}

func parseIP(t *testing.T, s string) (ip net.IP) {
	t.Helper()
	ip = net.ParseIP(s)
	if ip == nil {
		t.Fatalf("net.ParseIP(%q) failed", s)
	}
	return ip
}
