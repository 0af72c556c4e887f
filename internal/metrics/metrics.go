// Package metrics exposes per-filter, per-outcome counters over
// prometheus/client_golang, purely additive observability the distilled
// spec's Non-goals do not exclude (see SPEC_FULL.md §5).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry wraps the prometheus collectors this daemon exports.
type Registry struct {
	Queries      *prometheus.CounterVec
	FilterRuns   *prometheus.CounterVec
	DNSQueries   *prometheus.CounterVec
	Reg          *prometheus.Registry
}

// NewRegistry builds and registers all collectors against a fresh
// prometheus registry (not the global default, so tests and multiple
// daemon instances in one process never collide).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	queries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "policyd",
		Name:      "queries_total",
		Help:      "Policy queries processed, by SMTP protocol state.",
	}, []string{"state"})

	filterRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "policyd",
		Name:      "filter_runs_total",
		Help:      "Filter invocations, by filter name and resulting outcome.",
	}, []string{"filter", "outcome"})

	dnsQueries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "policyd",
		Name:      "dns_queries_total",
		Help:      "DNS queries issued by the async gateway, by record type and result.",
	}, []string{"rrtype", "result"})

	reg.MustRegister(queries, filterRuns, dnsQueries)

	return &Registry{
		Queries:    queries,
		FilterRuns: filterRuns,
		DNSQueries: dnsQueries,
		Reg:        reg,
	}
}

// RecordFilterRun increments the per-filter/per-outcome counter. Safe to
// call with a nil Registry (tests and --check-conf wire no metrics sink).
func (r *Registry) RecordFilterRun(filterName, outcome string) {
	if r == nil {
		return
	}
	r.FilterRuns.WithLabelValues(filterName, outcome).Inc()
}

// RecordQuery increments the per-state query counter.
func (r *Registry) RecordQuery(state string) {
	if r == nil {
		return
	}
	r.Queries.WithLabelValues(state).Inc()
}
