package filter

import "strings"

// NumCounters is the fixed per-query counter array size (spec §3).
const NumCounters = 32

// Context is the per-query mutable state carried alongside a Query: a
// small counter array the counter/rate kinds bump and compare, an
// explanation buffer the SPF kind fills in, and a small per-kind value bag
// for anything else a kind needs to remember for the lifetime of one
// transaction.
//
// In the original C design a FilterContext also held a pointer to the
// currently suspended filter and per-kind slots for in-flight DNS fan-out,
// because the engine itself could suspend between hook dispatches. This
// Go port drives filter dispatch from one goroutine per connection (see
// internal/server), so a suspension is just that goroutine blocking inside
// a kind's Run call; there is no separate continuation to save, and no
// partial-result slot survives across dispatches. See DESIGN.md.
type Context struct {
	Instance    string
	Counters    [NumCounters]int32
	explanation strings.Builder
	values      map[string]any
}

// NewContext creates a context for a freshly accepted connection's first
// transaction.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// ResetForInstance clears per-transaction state when the MTA's instance
// attribute changes on an otherwise reused connection (spec §3 lifecycle).
func (c *Context) ResetForInstance(instance string) {
	if c.Instance == instance && c.Instance != "" {
		return
	}
	c.Instance = instance
	c.Counters = [NumCounters]int32{}
	c.explanation.Reset()
	c.values = make(map[string]any)
}

// Explanation returns the SPF explanation buffered so far, if any.
func (c *Context) Explanation() string { return c.explanation.String() }

// SetExplanation overwrites the buffered explanation (the SPF kind calls
// this once it has fetched and macro-expanded an exp= record).
func (c *Context) SetExplanation(s string) {
	c.explanation.Reset()
	c.explanation.WriteString(s)
}

// Value returns a kind-scoped value previously stored with SetValue, for
// state a kind needs to keep across multiple invocations within the same
// transaction (e.g. a client auto-whitelist hit already looked up).
func (c *Context) Value(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// SetValue stores a kind-scoped value.
func (c *Context) SetValue(key string, v any) {
	c.values[key] = v
}
