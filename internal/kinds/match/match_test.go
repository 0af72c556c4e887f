package match

import (
	"context"
	"testing"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
)

func buildQuery(t *testing.T, sender, recipient string) *query.Query {
	t.Helper()
	block := []byte("protocol_state=RCPT\nsender=" + sender + "\nrecipient=" + recipient + "\n")
	q, err := query.Parse(block)
	if err != nil {
		t.Fatalf("query.Parse() error = %v", err)
	}
	return q
}

func TestConstructParsesConditions(t *testing.T) {
	cfg, _, err := construct(nil, map[string]string{
		"condition": "sender =i alice@example.com",
	})
	if err != nil {
		t.Fatalf("construct() error = %v", err)
	}
	c := cfg.(*config)
	if len(c.conditions) != 1 || c.conditions[0].op != opEqual || c.conditions[0].caseSensitive {
		t.Errorf("parsed condition = %+v, want a case-insensitive equal", c.conditions[0])
	}
}

func TestConstructRejectsMissingCondition(t *testing.T) {
	if _, _, err := construct(nil, map[string]string{}); err == nil {
		t.Error("expected an error when no condition is configured")
	}
}

func TestRunAnyMatchSemantics(t *testing.T) {
	cfg := &config{
		matchAll: false,
		conditions: []condition{
			{field: query.TokSender, op: opEqual, caseSensitive: true, value: "bob@example.com"},
			{field: query.TokRecipient, op: opEqual, caseSensitive: true, value: "carol@example.org"},
		},
	}
	f := &filter.Filter{Data: cfg}
	q := buildQuery(t, "alice@example.com", "carol@example.org")

	outcome, err := run(context.Background(), f, q, nil, nil)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if outcome != filter.OutcomeTrue {
		t.Errorf("run() = %v, want True (one condition matched, match_all=false)", outcome)
	}
}

func TestRunAllMatchSemantics(t *testing.T) {
	cfg := &config{
		matchAll: true,
		conditions: []condition{
			{field: query.TokSender, op: opEqual, caseSensitive: true, value: "alice@example.com"},
			{field: query.TokRecipient, op: opEqual, caseSensitive: true, value: "carol@example.org"},
		},
	}
	f := &filter.Filter{Data: cfg}
	q := buildQuery(t, "alice@example.com", "someone-else@example.org")

	outcome, err := run(context.Background(), f, q, nil, nil)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if outcome != filter.OutcomeFalse {
		t.Errorf("run() = %v, want False (one condition failed, match_all=true)", outcome)
	}
}

func TestEvalConditionOperators(t *testing.T) {
	q := buildQuery(t, "alice@example.com", "bob@example.org")

	tests := []struct {
		name string
		cond condition
		want bool
	}{
		{"contains", condition{field: query.TokSender, op: opContains, value: "example"}, true},
		{"contained", condition{field: query.TokSender, op: opContained, value: "alice@example.com.suffix"}, true},
		{"differ", condition{field: query.TokSender, op: opDiffer, caseSensitive: true, value: "nope@example.com"}, true},
		{"empty-on-present-field", condition{field: query.TokSender, op: opEmpty}, false},
		{"not-empty-on-present-field", condition{field: query.TokSender, op: opNotEmpty}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evalCondition(tt.cond, q); got != tt.want {
				t.Errorf("evalCondition(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}
