package filter

import (
	"context"
	"sync/atomic"

	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// DefaultReply is emitted whenever no hook matches an outcome and no
// kind-specific fallback applies (spec §7: "DUNNO is the defensive
// default").
const DefaultReply = "DUNNO"

// Engine runs queries through the currently loaded filter graph. A single
// Engine is shared by every connection goroutine; the only mutable state
// it holds is the atomically-swapped *Config, so no locking is needed
// around a query's traversal (spec §5).
type Engine struct {
	cfg atomic.Pointer[Config]
	env *Env
	log *zap.Logger
}

// NewEngine creates an engine around an initial configuration.
func NewEngine(cfg *Config, env *Env, log *zap.Logger) *Engine {
	e := &Engine{env: env, log: log}
	e.cfg.Store(cfg)
	return e
}

// Swap atomically installs a new configuration, used by SIGHUP reload.
func (e *Engine) Swap(cfg *Config) { e.cfg.Store(cfg) }

// Config returns the currently active configuration.
func (e *Engine) Config() *Config { return e.cfg.Load() }

// Run drives q through the filter graph starting at the entry point for
// its SMTP state, returning the postfix reply text to send (without the
// leading "action=" and trailing blank line -- the caller, internal/server,
// owns wire framing).
func (e *Engine) Run(ctx context.Context, q *query.Query, fc *Context) (string, error) {
	const op = errors.Op("filter_engine_run")

	cfg := e.cfg.Load()
	idx, ok := cfg.EntryPoint[q.State()]
	if !ok {
		return "", errors.E(op, errors.Str("no entry point for state "+q.State().String()))
	}

	visited := 0
	for {
		visited++
		if visited > len(cfg.Filters)+1 {
			// The load-time cycle check (spec §3 invariant b) makes this
			// unreachable for non-async jumps; it remains as a defensive
			// backstop against a future bug in that check.
			return "", errors.E(op, errors.Str("filter graph traversal exceeded node count"))
		}

		f := cfg.Filters[idx]
		if !q.State().AtLeast(f.MinState) {
			return "", errors.E(op, errors.Str("filter "+f.Name+" requires state >= "+f.MinState.String()))
		}

		outcome, runErr := f.Spec.Run(ctx, f, q, fc, e.env)
		if runErr != nil {
			e.log.Warn("filter run error", zap.String("filter", f.Name), zap.Error(runErr))
			outcome = OutcomeError
		}

		if e.env != nil {
			e.env.Metrics.RecordFilterRun(f.Name, outcome.String())
		}

		hook, ok := f.HookFor(outcome)
		if !ok {
			e.log.Warn("no hook for outcome, defaulting to DUNNO",
				zap.String("filter", f.Name), zap.String("outcome", outcome.String()))
			return DefaultReply, nil
		}

		if hook.Warn != "" {
			e.log.Warn(query.Format(q, hook.Warn), zap.String("filter", f.Name))
		}
		if hook.CounterIdx >= 0 && hook.CounterIdx < NumCounters {
			fc.Counters[hook.CounterIdx] += hook.Cost
		}

		if hook.Terminal {
			return hook.Reply, nil
		}
		idx = hook.Next
	}
}

// EntryFilter returns the configured entry filter index for state, used by
// diagnostics and tests.
func (c *Config) EntryFilter(state smtpstate.State) (int, bool) {
	idx, ok := c.EntryPoint[state]
	return idx, ok
}
