package config

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"
)

// rawFilter is a filter block after the structural parse, before its kind's
// constructor has run.
type rawFilter struct {
	name   string
	kind   string
	line   int
	params map[string]string
	hooks  map[filter.Outcome]rawHook
}

type rawHook struct {
	target  string // "postfix:TEXT" stripped to TEXT, or another filter's name
	postfix bool
	counter int
	cost    int32
	warn    string
}

// build turns a structurally-parsed statement list into a *filter.Config,
// invoking each referenced kind's constructor and running both loader
// invariants of spec §3: every non-terminal hook resolves to an existing
// filter, and the graph contains no directed cycle.
func build(stmts []stmt, env *filter.Env) (*filter.Config, error) {
	const op = errors.Op("config_build")

	cfg := &filter.Config{EntryPoint: map[smtpstate.State]int{}}
	var raws []*rawFilter
	byName := map[string]int{}
	entryTargets := map[smtpstate.State]string{}

	var errs error
	for _, s := range stmts {
		switch {
		case s.key == "name" && s.block != nil:
			rf, err := parseFilterBlock(s)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if _, dup := byName[rf.name]; dup {
				errs = multierr.Append(errs, errors.Str("line "+itoa(s.line)+": duplicate filter name "+rf.name))
				continue
			}
			byName[rf.name] = len(raws)
			raws = append(raws, rf)

		case s.key == "entry_point":
			st, target, err := parseEntryPoint(s.value)
			if err != nil {
				errs = multierr.Append(errs, errors.Str("line "+itoa(s.line)+": "+err.Error()))
				continue
			}
			// target is resolved against byName below, once every filter is known.
			entryTargets[st] = target

		case s.key == "port":
			cfg.Port = s.value
		case s.key == "socketfile":
			cfg.SocketFile = s.value
		case s.key == "log_format":
			cfg.LogFormat = s.value
		case s.key == "include_explanation":
			cfg.IncludeExplanation = parseBool(s.value)

		default:
			errs = multierr.Append(errs, errors.Str("line "+itoa(s.line)+": unrecognized global assignment "+s.key))
		}
	}
	if errs != nil {
		return nil, errors.E(op, errs)
	}

	cfg.Filters = make([]*filter.Filter, len(raws))
	for i, rf := range raws {
		spec, err := filter.Lookup(rf.kind)
		if err != nil {
			errs = multierr.Append(errs, errors.Str("line "+itoa(rf.line)+": filter "+rf.name+": "+err.Error()))
			continue
		}
		unknown := ""
		for k := range rf.params {
			known := false
			for _, p := range spec.Params {
				known = known || p == k
			}
			if !known {
				unknown = k
				break
			}
		}
		if unknown != "" {
			errs = multierr.Append(errs, errors.Str("line "+itoa(rf.line)+": filter "+rf.name+": unknown parameter "+unknown))
			continue
		}
		data, resources, err := spec.Construct(env, rf.params)
		if err != nil {
			errs = multierr.Append(errs, errors.Str("line "+itoa(rf.line)+": filter "+rf.name+": "+err.Error()))
			continue
		}
		hooks, err := buildHooks(rf, byName)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cfg.Filters[i] = &filter.Filter{
			Name:      rf.name,
			Kind:      rf.kind,
			Spec:      spec,
			Data:      data,
			MinState:  spec.MinState,
			Hooks:     hooks,
			Resources: resources,
		}
	}
	if errs != nil {
		return nil, errors.E(op, errs)
	}

	for st, name := range entryTargets {
		idx, ok := byName[name]
		if !ok {
			errs = multierr.Append(errs, errors.Str("entry_point "+st.String()+": unknown filter "+name))
			continue
		}
		cfg.EntryPoint[st] = idx
	}
	if errs != nil {
		return nil, errors.E(op, errs)
	}

	if err := checkCycles(cfg.Filters); err != nil {
		return nil, errors.E(op, err)
	}

	return cfg, nil
}

func parseEntryPoint(value string) (smtpstate.State, string, error) {
	colon := strings.IndexByte(value, ':')
	if colon < 0 {
		return 0, "", errors.Str("entry_point must be STATE:FILTER, got " + value)
	}
	stateName := strings.TrimSpace(value[:colon])
	target := strings.TrimSpace(value[colon+1:])
	st, ok := smtpstate.Parse(stateName)
	if !ok {
		return 0, "", errors.Str("entry_point: unrecognized state " + stateName)
	}
	return st, target, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseFilterBlock(s stmt) (*rawFilter, error) {
	rf := &rawFilter{
		name:   s.value,
		line:   s.line,
		params: map[string]string{},
		hooks:  map[filter.Outcome]rawHook{},
	}
	if rf.name == "" {
		return nil, errors.Str("line " + itoa(s.line) + ": filter declaration missing a name")
	}

	hookExtra := map[filter.Outcome]*rawHook{}
	for _, inner := range s.block {
		if inner.block != nil {
			return nil, errors.Str("line " + itoa(inner.line) + ": unexpected nested block in filter " + rf.name)
		}
		switch {
		case inner.key == "type":
			rf.kind = inner.value
		case strings.Contains(inner.key, "."):
			dot := strings.IndexByte(inner.key, '.')
			hookName, attr := inner.key[:dot], inner.key[dot+1:]
			o, ok := filter.OutcomeByName(hookName)
			if !ok {
				return nil, errors.Str("line " + itoa(inner.line) + ": unknown hook " + hookName + " in filter " + rf.name)
			}
			h, ok := hookExtra[o]
			if !ok {
				base := rawHook{}
				if existing, present := rf.hooks[o]; present {
					base = existing
				}
				h = &base
				hookExtra[o] = h
			}
			switch attr {
			case "counter":
				n, err := strconv.Atoi(inner.value)
				if err != nil {
					return nil, errors.Str("line " + itoa(inner.line) + ": bad counter index " + inner.value)
				}
				h.counter = n
			case "cost":
				n, err := strconv.Atoi(inner.value)
				if err != nil {
					return nil, errors.Str("line " + itoa(inner.line) + ": bad cost " + inner.value)
				}
				h.cost = int32(n)
			case "warn":
				h.warn = inner.value
			default:
				return nil, errors.Str("line " + itoa(inner.line) + ": unknown hook attribute " + attr)
			}
			rf.hooks[o] = *h
		default:
			if o, ok := filter.OutcomeByName(inner.key); ok {
				target := inner.value
				postfix := strings.HasPrefix(target, "postfix:")
				if postfix {
					target = target[len("postfix:"):]
				}
				h := rf.hooks[o]
				h.target, h.postfix = target, postfix
				rf.hooks[o] = h
				continue
			}
			if prev, ok := rf.params[inner.key]; ok {
				rf.params[inner.key] = prev + "\n" + inner.value
				continue
			}
			rf.params[inner.key] = inner.value
		}
	}
	if rf.kind == "" {
		return nil, errors.Str("line " + itoa(s.line) + ": filter " + rf.name + " missing type=")
	}
	return rf, nil
}

func buildHooks(rf *rawFilter, byName map[string]int) ([]filter.Hook, error) {
	hooks := make([]filter.Hook, 0, len(rf.hooks))
	for outcome, rh := range rf.hooks {
		h := filter.Hook{
			Outcome:    outcome,
			Terminal:   rh.postfix,
			Reply:      rh.target,
			CounterIdx: rh.counter - 1, // config is 1-based; -1 sentinel means "no counter"
			Cost:       rh.cost,
			Warn:       rh.warn,
		}
		if rh.counter == 0 {
			h.CounterIdx = -1
		}
		if !rh.postfix {
			idx, ok := byName[rh.target]
			if !ok {
				return nil, errors.Str("filter " + rf.name + ": hook " + outcome.String() + " references unknown filter " + rh.target)
			}
			h.Next = idx
		}
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Outcome < hooks[j].Outcome })
	return hooks, nil
}
