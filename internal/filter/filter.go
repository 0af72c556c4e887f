package filter

import (
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/smtpstate"
)

// Hook maps one outcome token to either a terminal MTA reply or the next
// filter to run (spec §3/§4.4).
type Hook struct {
	Outcome Outcome

	Terminal bool
	Reply    string // e.g. "DUNNO", "REJECT too many recipients"

	Next int // filter index, meaningful when !Terminal

	CounterIdx int // -1 if this hook does not bump a counter
	Cost       int32
	Warn       string // query-format template, empty if no warn
}

// Filter is one node of the filter graph: a named kind instance with its
// parsed data and a hook table sorted by outcome token (spec §3).
type Filter struct {
	Name     string
	Kind     string
	Spec     *KindSpec
	Data     any
	MinState smtpstate.State

	// Hooks is sorted by Outcome ascending at construction time so
	// dispatch can binary-search it, per spec §4.4.
	Hooks []Hook

	// Resources lists the shared-resource keys this filter's constructor
	// acquired (spec §3 Resource), so a config reload can release the
	// previous generation's acquisitions once the new one has taken over.
	Resources []resource.Key
}

// HookFor looks up the hook for outcome, falling back through the kind's
// forwarding table (e.g. soft_match -> hard_match) when there is no direct
// entry, per spec §4.4. ok is false only when neither the direct outcome
// nor any forwarded outcome has a hook, in which case the engine applies
// the default DUNNO reply.
func (f *Filter) HookFor(outcome Outcome) (Hook, bool) {
	seen := map[Outcome]bool{}
	for {
		if seen[outcome] {
			break // forwarding cycle guard for a kind's Forwarding table
		}
		seen[outcome] = true

		if h, ok := binarySearchHook(f.Hooks, outcome); ok {
			return h, true
		}
		next, ok := f.Spec.Forwarding[outcome]
		if !ok {
			break
		}
		outcome = next
	}
	return Hook{}, false
}

func binarySearchHook(hooks []Hook, outcome Outcome) (Hook, bool) {
	lo, hi := 0, len(hooks)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case hooks[mid].Outcome == outcome:
			return hooks[mid], true
		case hooks[mid].Outcome < outcome:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return Hook{}, false
}

// Config is a fully loaded, immutable filter graph plus the global
// listener/log settings (spec §3 Configuration). A *Config is swapped
// atomically by Engine.Swap; once built it is never mutated.
type Config struct {
	Filters            []*Filter
	EntryPoint         map[smtpstate.State]int
	LogFormat          string
	IncludeExplanation bool
	Port               string
	SocketFile         string
}

// FilterByName returns the index of the named filter, or -1.
func (c *Config) FilterByName(name string) int {
	for i, f := range c.Filters {
		if f.Name == name {
			return i
		}
	}
	return -1
}
