package spf

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestValidMacroSyntax(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want bool
	}{
		{"literal text", "plain.example.com", true},
		{"percent literal", "%%foo", true},
		{"space escapes", "%_%-foo", true},
		{"simple letter macro", "%{d}", true},
		{"macro with digits and reverse", "%{d2r}", true},
		{"macro with delimiter", "%{l-}", true},
		{"unknown letter", "%{z}", false},
		{"unterminated macro", "%{d", false},
		{"dangling percent", "foo%", false},
		{"bad escape char", "%q", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validMacroSyntax(tt.s); got != tt.want {
				t.Errorf("validMacroSyntax(%q) = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}

func TestExpandMacroBasicFields(t *testing.T) {
	m := &macroCtx{
		sender: "user@example.com",
		domain: "example.com",
		helo:   "mail.example.com",
		ip:     net.ParseIP("192.0.2.1"),
	}
	got, err := expandMacro(context.Background(), m, "%{l}.%{d}", false)
	if err != nil {
		t.Fatalf("expandMacro() error = %v", err)
	}
	if got != "user.example.com" {
		t.Errorf("expandMacro() = %q, want %q", got, "user.example.com")
	}
}

func TestExpandMacroRejectsExpOnlyLettersOutsideExp(t *testing.T) {
	m := &macroCtx{ip: net.ParseIP("192.0.2.1"), checkTime: time.Unix(0, 0)}
	if _, err := expandMacro(context.Background(), m, "%{c}", false); err == nil {
		t.Error("expected an error using %{c} outside exp evaluation")
	}
}

func TestExpandMacroAllowsExpOnlyLettersInsideExp(t *testing.T) {
	m := &macroCtx{ip: net.ParseIP("192.0.2.1"), inExp: true}
	got, err := expandMacro(context.Background(), m, "%{c}", false)
	if err != nil {
		t.Fatalf("expandMacro() error = %v", err)
	}
	if got != "192.0.2.1" {
		t.Errorf("expandMacro(%%{c}) = %q, want the client IP", got)
	}
}

func TestExpandMacroPTriggersPTRResolutionOnce(t *testing.T) {
	calls := 0
	m := &macroCtx{
		resolvePTR: func(ctx context.Context) {
			calls++
			m.validated = "mail.example.com"
		},
	}
	got, err := expandMacro(context.Background(), m, "%{p}", false)
	if err != nil {
		t.Fatalf("expandMacro() error = %v", err)
	}
	if got != "mail.example.com" {
		t.Errorf("expandMacro(%%{p}) = %q, want the resolved PTR name", got)
	}
	if calls != 1 {
		t.Fatalf("resolvePTR call count = %d, want 1", calls)
	}

	if _, err := expandMacro(context.Background(), m, "%{p}", false); err != nil {
		t.Fatalf("expandMacro() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("resolvePTR call count after a second %%{p} = %d, want still 1 (already validated)", calls)
	}
}

func TestExpandMacroPWithoutResolverFallsBackToUnknown(t *testing.T) {
	m := &macroCtx{}
	got, err := expandMacro(context.Background(), m, "%{p}", false)
	if err != nil {
		t.Fatalf("expandMacro() error = %v", err)
	}
	if got != "unknown" {
		t.Errorf("expandMacro(%%{p}) = %q, want %q", got, "unknown")
	}
}

func TestIPMacroExpandsV6Nibbles(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	got := ipMacro(ip, true)
	if got == "" {
		t.Fatal("ipMacro() returned empty string for a v6 address")
	}
	// Nibble form is 32 hex digits joined by '.', so 63 characters total.
	if len(got) != 63 {
		t.Errorf("ipMacro() length = %d, want 63", len(got))
	}
}
