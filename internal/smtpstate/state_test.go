package smtpstate

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want State
		ok   bool
	}{
		{"RCPT", Rcpt, true},
		{"  mail  ", Mail, true},
		{"ehlo", Helo, true},
		{"helo", Helo, true},
		{"bogus", Unknown, false},
		{"", Unknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := Parse(tt.in)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("Parse(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAtLeast(t *testing.T) {
	if !Rcpt.AtLeast(Mail) {
		t.Error("Rcpt should be AtLeast Mail")
	}
	if Mail.AtLeast(Rcpt) {
		t.Error("Mail should not be AtLeast Rcpt")
	}
	if !Connect.AtLeast(Connect) {
		t.Error("a state should be AtLeast itself")
	}
}

func TestStringPrefersHeloOverEhlo(t *testing.T) {
	if got := Helo.String(); got != "HELO" {
		t.Errorf("Helo.String() = %q, want HELO", got)
	}
}
