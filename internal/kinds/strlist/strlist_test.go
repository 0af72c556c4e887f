package strlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/resource"
)

func writeListFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "list.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestConstructRejectsMixedEmailAndHostnameFields(t *testing.T) {
	listPath := writeListFile(t, "bad.example.com")
	env := &filter.Env{Resources: resource.NewRegistry()}
	_, _, err := construct(env, map[string]string{
		"fields": "sender,helo_name",
		"file":   "nolock:suffix:10:" + listPath,
	})
	if err == nil {
		t.Error("expected an error for mixing email and hostname fields")
	}
}

func TestConstructRejectsMissingSource(t *testing.T) {
	env := &filter.Env{Resources: resource.NewRegistry()}
	_, _, err := construct(env, map[string]string{"fields": "sender"})
	if err == nil {
		t.Error("expected an error when neither file= nor dns= is configured")
	}
}

func TestConstructLoadsStaticFile(t *testing.T) {
	listPath := writeListFile(t, "spammer.example.com")
	env := &filter.Env{Resources: resource.NewRegistry()}
	data, _, err := construct(env, map[string]string{
		"fields": "sender_domain",
		"file":   "nolock:prefix:10:" + listPath,
	})
	if err != nil {
		t.Fatalf("construct() error = %v", err)
	}
	cfg := data.(*config)
	if len(cfg.locals) != 1 || cfg.locals[0].weight != 10 {
		t.Errorf("locals = %+v, want one entry weighing 10", cfg.locals)
	}
	if !cfg.matchSender || cfg.isEmail {
		t.Errorf("config = %+v, want matchSender and hostname matching", cfg)
	}
}

func TestRunHardMatchesAgainstStaticList(t *testing.T) {
	listPath := writeListFile(t, "spammer.example.com")
	env := &filter.Env{Resources: resource.NewRegistry()}
	data, _, err := construct(env, map[string]string{
		"fields":         "sender_domain",
		"file":           "nolock:prefix:10:" + listPath,
		"hard_threshold": "10",
	})
	if err != nil {
		t.Fatalf("construct() error = %v", err)
	}
	f := &filter.Filter{Data: data}

	block := []byte("protocol_state=RCPT\nsender=user@spammer.example.com\nrecipient=bob@example.org\n")
	q, err := query.Parse(block)
	if err != nil {
		t.Fatalf("query.Parse() error = %v", err)
	}

	outcome, err := run(context.Background(), f, q, nil, env)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if outcome != filter.OutcomeHardMatch {
		t.Errorf("run() = %v, want OutcomeHardMatch", outcome)
	}
}

func TestRunFailsWhenNothingMatches(t *testing.T) {
	listPath := writeListFile(t, "spammer.example.com")
	env := &filter.Env{Resources: resource.NewRegistry()}
	data, _, err := construct(env, map[string]string{
		"fields": "sender_domain",
		"file":   "nolock:prefix:10:" + listPath,
	})
	if err != nil {
		t.Fatalf("construct() error = %v", err)
	}
	f := &filter.Filter{Data: data}

	block := []byte("protocol_state=RCPT\nsender=user@good.example.com\nrecipient=bob@example.org\n")
	q, err := query.Parse(block)
	if err != nil {
		t.Fatalf("query.Parse() error = %v", err)
	}

	outcome, err := run(context.Background(), f, q, nil, env)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if outcome != filter.OutcomeFail {
		t.Errorf("run() = %v, want OutcomeFail", outcome)
	}
}

func TestRunAbortsWhenRecipientFieldNotYetAvailable(t *testing.T) {
	env := &filter.Env{Resources: resource.NewRegistry()}
	data := &config{isEmail: true, matchRecipient: true, hardThreshold: 1, softThreshold: 1}
	f := &filter.Filter{Data: data}

	block := []byte("protocol_state=MAIL\nsender=user@example.com\n")
	q, err := query.Parse(block)
	if err != nil {
		t.Fatalf("query.Parse() error = %v", err)
	}

	outcome, err := run(context.Background(), f, q, nil, env)
	if err == nil {
		t.Error("expected an error running a recipient-matching strlist before RCPT")
	}
	if outcome != filter.OutcomeAbort {
		t.Errorf("run() = %v, want OutcomeAbort", outcome)
	}
}
