package srskind

import (
	"context"
	"testing"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/srs"
)

func buildQuery(t *testing.T, recipient string) *query.Query {
	t.Helper()
	block := []byte("protocol_state=RCPT\nrecipient=" + recipient + "\n")
	q, err := query.Parse(block)
	if err != nil {
		t.Fatalf("query.Parse() error = %v", err)
	}
	return q
}

func TestRunMatchesValidBounce(t *testing.T) {
	codec, err := srs.New([]string{"s3cr3t"}, 0)
	if err != nil {
		t.Fatalf("srs.New() error = %v", err)
	}
	rewritten := codec.Forward("alice", "example.com", "bounce.example.net")

	f := &filter.Filter{Data: &config{bounceDomain: "bounce.example.net", codec: codec}}
	q := buildQuery(t, rewritten)

	outcome, err := run(context.Background(), f, q, nil, nil)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if outcome != filter.OutcomeMatch {
		t.Errorf("run() = %v, want OutcomeMatch", outcome)
	}
}

func TestRunNoneOnUnrelatedDomain(t *testing.T) {
	codec, _ := srs.New([]string{"s3cr3t"}, 0)
	f := &filter.Filter{Data: &config{bounceDomain: "bounce.example.net", codec: codec}}
	q := buildQuery(t, "someone@other.example.com")

	outcome, err := run(context.Background(), f, q, nil, nil)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if outcome != filter.OutcomeNone {
		t.Errorf("run() = %v, want OutcomeNone for a recipient outside the bounce domain", outcome)
	}
}

func TestRunFailsOnForgedAddress(t *testing.T) {
	codec, _ := srs.New([]string{"s3cr3t"}, 0)
	f := &filter.Filter{Data: &config{bounceDomain: "bounce.example.net", codec: codec}}
	q := buildQuery(t, "SRS0=AAAA=XX=example.com=alice@bounce.example.net")

	outcome, err := run(context.Background(), f, q, nil, nil)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if outcome != filter.OutcomeFail {
		t.Errorf("run() = %v, want OutcomeFail for a forged hash", outcome)
	}
}

func TestRunAbortsOutsideRcptState(t *testing.T) {
	codec, _ := srs.New([]string{"s3cr3t"}, 0)
	f := &filter.Filter{Data: &config{bounceDomain: "bounce.example.net", codec: codec}}
	block := []byte("protocol_state=MAIL\nsender=a@example.com\n")
	q, err := query.Parse(block)
	if err != nil {
		t.Fatalf("query.Parse() error = %v", err)
	}

	outcome, err := run(context.Background(), f, q, nil, nil)
	if err == nil {
		t.Error("expected an error when running outside RCPT state")
	}
	if outcome != filter.OutcomeAbort {
		t.Errorf("run() = %v, want OutcomeAbort", outcome)
	}
}

func TestParseDaysRejectsNonDigits(t *testing.T) {
	if _, err := parseDays("12x"); err == nil {
		t.Error("expected an error for a non-numeric max_age")
	}
	n, err := parseDays("21")
	if err != nil || n != 21 {
		t.Errorf("parseDays(21) = (%d, %v), want (21, nil)", n, err)
	}
}
