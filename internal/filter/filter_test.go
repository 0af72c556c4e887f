package filter

import "testing"

func TestHookForDirectMatch(t *testing.T) {
	f := &Filter{
		Name: "f",
		Spec: &KindSpec{},
		Hooks: []Hook{
			{Outcome: OutcomeFail, Terminal: true, Reply: "REJECT"},
			{Outcome: OutcomePass, Terminal: true, Reply: "DUNNO"},
		},
	}
	h, ok := f.HookFor(OutcomePass)
	if !ok || h.Reply != "DUNNO" {
		t.Fatalf("HookFor(Pass) = (%+v, %v), want DUNNO hook", h, ok)
	}
}

func TestHookForFallsThroughForwarding(t *testing.T) {
	f := &Filter{
		Name: "rate1",
		Spec: &KindSpec{
			Forwarding: map[Outcome]Outcome{
				OutcomeSoftMatchStart: OutcomeSoftMatch,
				OutcomeSoftMatch:      OutcomeHardMatch,
			},
		},
		Hooks: []Hook{
			{Outcome: OutcomeHardMatch, Terminal: true, Reply: "REJECT rate limited"},
		},
	}
	h, ok := f.HookFor(OutcomeSoftMatchStart)
	if !ok || h.Reply != "REJECT rate limited" {
		t.Fatalf("HookFor(SoftMatchStart) = (%+v, %v), want forwarded hard_match hook", h, ok)
	}
}

func TestHookForNoMatchNoForwarding(t *testing.T) {
	f := &Filter{Name: "f", Spec: &KindSpec{}}
	_, ok := f.HookFor(OutcomeFail)
	if ok {
		t.Fatal("HookFor on an empty hook table should report no match")
	}
}

func TestHookForForwardingCycleTerminates(t *testing.T) {
	f := &Filter{
		Name: "loopy",
		Spec: &KindSpec{
			Forwarding: map[Outcome]Outcome{
				OutcomeSoftMatch: OutcomeHardMatch,
				OutcomeHardMatch: OutcomeSoftMatch,
			},
		},
	}
	// Neither outcome has a direct hook, and the forwarding table cycles;
	// HookFor must terminate rather than loop forever.
	_, ok := f.HookFor(OutcomeSoftMatch)
	if ok {
		t.Fatal("expected no hook for a pure forwarding cycle")
	}
}

func TestOutcomeAliasRoundTrip(t *testing.T) {
	o := RegisterAlias("greylist_test_alias")
	if got, ok := OutcomeByName("greylist_test_alias"); !ok || got != o {
		t.Fatalf("OutcomeByName() = (%v, %v), want (%v, true)", got, ok, o)
	}
	if o.String() != "greylist_test_alias" {
		t.Errorf("String() = %q, want greylist_test_alias", o.String())
	}
	// Re-registering the same name must return the same token, not a
	// fresh one, so repeated config loads stay idempotent.
	if again := RegisterAlias("greylist_test_alias"); again != o {
		t.Errorf("RegisterAlias() not idempotent: got %v, want %v", again, o)
	}
}
