package query

import "testing"

func sampleBlock(extra string) []byte {
	return []byte("request=smtpd_access_policy\n" +
		"protocol_state=RCPT\n" +
		"protocol_name=SMTP\n" +
		"helo_name=mail.example.com\n" +
		"sender=alice+tag@example.com\n" +
		"recipient=bob@example.org\n" +
		"client_address=192.0.2.10\n" +
		"client_name=client.example.com\n" +
		"instance=abc123\n" +
		extra)
}

func TestParseDerivesDomains(t *testing.T) {
	q, err := Parse(sampleBlock(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := q.Get(TokSenderDomain); got != "example.com" {
		t.Errorf("sender_domain = %q, want example.com", got)
	}
	if got := q.Get(TokRecipientDomain); got != "example.org" {
		t.Errorf("recipient_domain = %q, want example.org", got)
	}
	if got := q.State().String(); got != "RCPT" {
		t.Errorf("state = %q, want RCPT", got)
	}
	if got := q.Instance(); got != "abc123" {
		t.Errorf("instance = %q, want abc123", got)
	}
}

func TestParseUnknownKeysAreSkippedNotFatal(t *testing.T) {
	q, err := Parse(sampleBlock("some_future_attribute=whatever\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil (unknown keys tolerated)", err)
	}
	if q.Get(TokHeloName) != "mail.example.com" {
		t.Errorf("helo_name lost after an unknown key")
	}
}

func TestParseMissingProtocolStateIsMalformed(t *testing.T) {
	_, err := Parse([]byte("sender=a@b.com\n"))
	if err == nil {
		t.Fatal("expected an error for a missing protocol_state")
	}
}

func TestParseRejectsNonKeyValueLine(t *testing.T) {
	_, err := Parse([]byte("protocol_state=RCPT\nnot a kv line\n"))
	if err == nil {
		t.Fatal("expected an error for a non key=value line")
	}
}

func TestGetDefaultsProtocolName(t *testing.T) {
	q, err := Parse([]byte("protocol_state=CONNECT\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := q.Get(TokProtocolName); got != "SMTP" {
		t.Errorf("protocol_name default = %q, want SMTP", got)
	}
}

func TestNormalizedSenderIsCached(t *testing.T) {
	q, err := Parse(sampleBlock(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	first := q.NormalizedSender()
	second := q.NormalizedSender()
	if first != second {
		t.Errorf("NormalizedSender() not stable across calls: %q vs %q", first, second)
	}
	if first == "" {
		t.Error("NormalizedSender() returned empty for a present sender")
	}
}
