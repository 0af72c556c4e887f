package config

import (
	"testing"

	"github.com/pfixtools/policyd/internal/filter"
)

func terminalHook() filter.Hook {
	return filter.Hook{Terminal: true, Reply: "DUNNO"}
}

func nextHook(idx int) filter.Hook {
	return filter.Hook{Terminal: false, Next: idx}
}

func TestCheckCyclesAcceptsAcyclicGraph(t *testing.T) {
	filters := []*filter.Filter{
		{Name: "a", Hooks: []filter.Hook{nextHook(1)}},
		{Name: "b", Hooks: []filter.Hook{nextHook(2)}},
		{Name: "c", Hooks: []filter.Hook{terminalHook()}},
	}
	if err := checkCycles(filters); err != nil {
		t.Errorf("checkCycles() on an acyclic graph = %v, want nil", err)
	}
}

func TestCheckCyclesAcceptsDiamond(t *testing.T) {
	// a -> b, a -> c (via two hooks), b -> d, c -> d: a DAG, not a cycle.
	filters := []*filter.Filter{
		{Name: "a", Hooks: []filter.Hook{nextHook(1), nextHook(2)}},
		{Name: "b", Hooks: []filter.Hook{nextHook(3)}},
		{Name: "c", Hooks: []filter.Hook{nextHook(3)}},
		{Name: "d", Hooks: []filter.Hook{terminalHook()}},
	}
	if err := checkCycles(filters); err != nil {
		t.Errorf("checkCycles() on a diamond DAG = %v, want nil", err)
	}
}

func TestCheckCyclesRejectsSelfLoop(t *testing.T) {
	filters := []*filter.Filter{
		{Name: "a", Hooks: []filter.Hook{nextHook(0)}},
	}
	if err := checkCycles(filters); err == nil {
		t.Error("expected an error for a filter that points back to itself")
	}
}

func TestCheckCyclesRejectsIndirectLoop(t *testing.T) {
	filters := []*filter.Filter{
		{Name: "a", Hooks: []filter.Hook{nextHook(1)}},
		{Name: "b", Hooks: []filter.Hook{nextHook(2)}},
		{Name: "c", Hooks: []filter.Hook{nextHook(0)}},
	}
	if err := checkCycles(filters); err == nil {
		t.Error("expected an error for an a->b->c->a loop")
	}
}
