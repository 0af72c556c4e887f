package filter

import (
	"context"
	"sync"

	"github.com/pfixtools/policyd/internal/dnsgw"
	"github.com/pfixtools/policyd/internal/metrics"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/roadrunner-server/errors"
)

// Env bundles the process-wide services a filter kind's runner may need:
// the DNS gateway, the shared resource registry, and the metrics sink.
// Passing these explicitly (rather than through package-level globals)
// follows the "global state -> explicit services" redesign note.
type Env struct {
	DNS       *dnsgw.Gateway
	Resources *resource.Registry
	Metrics   *metrics.Registry
}

// ConstructFunc builds a kind's opaque Data blob from its declared
// parameters, validating them. It is called once at config load (and again
// on every hot reload). resources lists any shared-resource keys acquired
// from env.Resources along the way, so the loader can release the
// previous generation's acquisitions once a reload has taken over.
type ConstructFunc func(env *Env, params map[string]string) (data any, resources []resource.Key, err error)

// RunFunc executes one filter invocation. It may block the calling
// goroutine (DNS lookup, timer) -- see internal/server for why that is the
// idiomatic replacement for the original engine-level suspend/resume.
type RunFunc func(ctx context.Context, f *Filter, q *query.Query, fc *Context, env *Env) (Outcome, error)

// KindSpec is what a filter kind registers at process start (spec §4.4).
type KindSpec struct {
	Name string

	Construct ConstructFunc
	Run       RunFunc

	// Params this kind's constructor accepts; used to reject typos in the
	// config DSL before the constructor even runs.
	Params []string
	// Hooks this kind's runner may emit.
	Hooks []Outcome
	// MinState is the minimum SMTP state a query must have reached before
	// this kind may run; running it earlier is a hard config error.
	MinState smtpstate.State
	// Forwarding lets a kind declare that an unhandled outcome should be
	// looked up again under a coarser one (spec §4.4), e.g.
	// soft_match -> hard_match.
	Forwarding map[Outcome]Outcome
}

var (
	registryMu sync.RWMutex
	registry   = map[string]*KindSpec{}
)

// Register adds a kind to the process-global registry. Intended to be
// called from each kind package's init(); registration is process-global
// and permanent, matching spec §4.4 ("Registration is process-global").
func Register(spec *KindSpec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[spec.Name]; exists {
		panic("filter: kind already registered: " + spec.Name)
	}
	registry[spec.Name] = spec
}

// Lookup resolves a kind by name, as referenced by a `type = kind;` line in
// the config DSL.
func Lookup(name string) (*KindSpec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	spec, ok := registry[name]
	if !ok {
		return nil, errors.E(errors.Op("filter_registry_lookup"), errors.Str("unknown filter kind: "+name))
	}
	return spec, nil
}

// Kinds returns every registered kind name, used by --check-conf
// diagnostics and tests.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}
