package netutil

import (
	"net"
	"testing"
)

func TestCompareCIDR(t *testing.T) {
	a := net.ParseIP("192.0.2.10").To4()
	b := net.ParseIP("192.0.2.200").To4()
	c := net.ParseIP("192.0.3.10").To4()

	tests := []struct {
		name string
		a, b net.IP
		n    int
		want bool
	}{
		{"zero bits always matches", a, c, 0, true},
		{"/24 matches within same /24", a, b, 24, true},
		{"/24 differs across /24 boundary", a, c, 24, false},
		{"/32 requires exact equality", a, b, 32, false},
		{"/32 equal addresses match", a, a, 32, true},
		{"mismatched lengths never match", a, net.ParseIP("::1"), 8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareCIDR(tt.a, tt.b, tt.n); got != tt.want {
				t.Errorf("CompareCIDR(%v, %v, %d) = %v, want %v", tt.a, tt.b, tt.n, got, tt.want)
			}
		})
	}
}

func TestNormalizeIPCollapsesV4MappedV6(t *testing.T) {
	v4mapped := net.ParseIP("::ffff:192.0.2.1")
	got := NormalizeIP(v4mapped)
	if got.To4() == nil {
		t.Errorf("NormalizeIP(%v) did not collapse to v4", v4mapped)
	}
}

func TestIs6(t *testing.T) {
	if Is6(net.ParseIP("192.0.2.1")) {
		t.Error("Is6() true for a plain v4 address")
	}
	if !Is6(net.ParseIP("2001:db8::1")) {
		t.Error("Is6() false for a genuine v6 address")
	}
}
