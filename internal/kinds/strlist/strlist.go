// Package strlist implements the strlist filter kind of spec §4.9: a
// weighted combination of compiled static string sets (internal/trie) and
// live RHSBL-style DNS zone lookups, matched against one or more query
// fields and scored against soft/hard thresholds. Ported from
// postlicyd/strlist.c's strlist_filter/strlist_filter_async.
//
// The original suspends the engine and resumes it from a DNS callback
// (HTK_ASYNC / filter_post_async_result); this port fans the DNS checks out
// over goroutines and blocks the calling connection goroutine on an
// errgroup.Wait, which is the direct goroutine-per-connection analogue (see
// internal/server and SPEC_FULL.md §4 REDESIGN).
package strlist

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/pfixtools/policyd/internal/dnsgw"
	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/pfixtools/policyd/internal/trie"
	"github.com/roadrunner-server/errors"
	"golang.org/x/sync/errgroup"
)

func init() {
	filter.Register(&filter.KindSpec{
		Name:      "strlist",
		Construct: construct,
		Run:       run,
		Params:    []string{"file", "rbldns", "dns", "hard_threshold", "soft_threshold", "fields"},
		Hooks: []filter.Outcome{
			filter.OutcomeAbort, filter.OutcomeError, filter.OutcomeFail,
			filter.OutcomeHardMatch, filter.OutcomeSoftMatch,
		},
		Forwarding: map[filter.Outcome]filter.Outcome{
			filter.OutcomeSoftMatch: filter.OutcomeHardMatch,
		},
		MinState: smtpstate.Connect,
	})
}

type staticEntry struct {
	t      *trie.Trie
	weight int32
}

type rblEntry struct {
	host   string
	weight int32
}

type config struct {
	locals []staticEntry
	rbls   []rblEntry

	hardThreshold int32
	softThreshold int32

	isEmail    bool
	isHostname bool

	matchSender    bool
	matchRecipient bool
	matchHelo      bool
	matchClient    bool
	matchReverse   bool
}

type matchField struct {
	isEmail bool
}

var fieldTable = map[string]matchField{
	"helo_name":           {isEmail: false},
	"client_name":         {isEmail: false},
	"reverse_client_name": {isEmail: false},
	"sender_domain":       {isEmail: false},
	"recipient_domain":    {isEmail: false},
	"sender":              {isEmail: true},
	"recipient":           {isEmail: true},
}

func construct(env *filter.Env, params map[string]string) (any, []resource.Key, error) {
	const op = errors.Op("strlist_construct")

	cfg := &config{hardThreshold: 1, softThreshold: 1}
	var resources []resource.Key

	if v, ok := params["hard_threshold"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, errors.E(op, errors.Str("invalid hard_threshold"))
		}
		cfg.hardThreshold = int32(n)
	}
	if v, ok := params["soft_threshold"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, errors.E(op, errors.Str("invalid soft_threshold"))
		}
		cfg.softThreshold = int32(n)
	}

	if v, ok := params["fields"]; ok {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			mf, ok := fieldTable[name]
			if !ok {
				return nil, nil, errors.E(op, errors.Str("unknown field "+name))
			}
			switch name {
			case "helo_name":
				cfg.matchHelo = true
			case "client_name":
				cfg.matchClient = true
			case "reverse_client_name":
				cfg.matchReverse = true
			case "sender_domain", "sender":
				cfg.matchSender = true
			case "recipient_domain", "recipient":
				cfg.matchRecipient = true
			}
			if mf.isEmail {
				cfg.isEmail = true
			} else {
				cfg.isHostname = true
			}
		}
	}
	if cfg.isEmail == cfg.isHostname {
		return nil, nil, errors.E(op, errors.Str("matched field MUST be emails XOR hostnames"))
	}

	if raw, ok := params["file"]; ok {
		for _, spec := range strings.Split(raw, "\n") {
			spec = strings.TrimSpace(spec)
			if spec == "" {
				continue
			}
			entry, key, err := loadFileEntry(env, spec)
			if err != nil {
				return nil, nil, errors.E(op, err)
			}
			cfg.locals = append(cfg.locals, entry)
			resources = append(resources, key)
		}
	}

	if raw, ok := params["dns"]; ok {
		for _, spec := range strings.Split(raw, "\n") {
			spec = strings.TrimSpace(spec)
			if spec == "" {
				continue
			}
			colon := strings.IndexByte(spec, ':')
			if colon < 0 {
				return nil, nil, errors.E(op, errors.Str("invalid dns parameter "+spec))
			}
			weight, err := strconv.Atoi(spec[:colon])
			if err != nil || weight < 0 || weight > 1024 {
				return nil, nil, errors.E(op, errors.Str("illegal weight value in "+spec))
			}
			cfg.rbls = append(cfg.rbls, rblEntry{host: spec[colon+1:], weight: int32(weight)})
		}
	}

	if len(cfg.locals) == 0 && len(cfg.rbls) == 0 {
		return nil, nil, errors.E(op, errors.Str("no file or dns parameter in the strlist filter"))
	}

	return cfg, resources, nil
}

// loadFileEntry parses one "[no]lock:(partial-)(prefix|suffix):weight:filename"
// file= parameter and compiles (or re-acquires, if shared) its trie.
func loadFileEntry(env *filter.Env, spec string) (staticEntry, resource.Key, error) {
	const op = errors.Op("strlist_load_file")

	parts := strings.SplitN(spec, ":", 4)
	if len(parts) != 4 {
		return staticEntry{}, resource.Key{}, errors.E(op, errors.Str("file parameter must contain a locking state, an order, a weight and a filename: "+spec))
	}

	var lock bool
	switch parts[0] {
	case "lock":
		lock = true
	case "nolock":
		lock = false
	default:
		return staticEntry{}, resource.Key{}, errors.E(op, errors.Str("illegal locking state "+parts[0]))
	}

	orderSpec := parts[1]
	partial := strings.HasPrefix(orderSpec, "partial-")
	if partial {
		orderSpec = strings.TrimPrefix(orderSpec, "partial-")
	}
	var orientation trie.Orientation
	switch orderSpec {
	case "suffix":
		orientation = trie.Suffix
	case "prefix":
		orientation = trie.Prefix
	default:
		return staticEntry{}, resource.Key{}, errors.E(op, errors.Str("illegal character order value "+orderSpec))
	}
	mode := trie.Full
	if partial {
		mode = trie.Partial
	}

	weight, err := strconv.Atoi(parts[2])
	if err != nil || weight < 0 || weight > 1024 {
		return staticEntry{}, resource.Key{}, errors.E(op, errors.Str("illegal weight value "+parts[2]))
	}

	filename := parts[3]
	key := resource.Key{Namespace: "strlist", Path: filename}

	v, err := env.Resources.Acquire(key, func() (any, error) {
		b := trie.NewBuilder(orientation, mode)
		if ierr := b.InsertFile(filename); ierr != nil {
			return nil, ierr
		}
		return b.Compile(lock)
	}, func(v any) error { return v.(*trie.Trie).Close() })
	if err != nil {
		return staticEntry{}, resource.Key{}, errors.E(op, err)
	}

	return staticEntry{t: v.(*trie.Trie), weight: int32(weight)}, key, nil
}

func run(ctx context.Context, f *filter.Filter, q *query.Query, _ *filter.Context, env *filter.Env) (filter.Outcome, error) {
	cfg := f.Data.(*config)

	if cfg.isEmail {
		if cfg.matchSender && !q.State().AtLeast(smtpstate.Mail) {
			return filter.OutcomeAbort, errors.Str("trying to match an email against a field not yet available")
		}
		if cfg.matchRecipient && q.State() != smtpstate.Rcpt {
			return filter.OutcomeAbort, errors.Str("trying to match an email against a field not yet available")
		}
	} else if cfg.matchHelo && !q.State().AtLeast(smtpstate.Helo) {
		return filter.OutcomeAbort, errors.Str("trying to match hostname against helo before helo is received")
	}

	var sum int32
	var fields []query.Token

	if cfg.isEmail {
		if cfg.matchSender {
			fields = append(fields, query.TokSender)
		}
		if cfg.matchRecipient {
			fields = append(fields, query.TokRecipient)
		}
	} else {
		if cfg.matchHelo {
			fields = append(fields, query.TokHeloName)
		}
		if cfg.matchClient {
			fields = append(fields, query.TokClientName)
		}
		if cfg.matchReverse {
			fields = append(fields, query.TokReverseClientName)
		}
		if cfg.matchRecipient {
			fields = append(fields, query.TokRecipientDomain)
		}
		if cfg.matchSender {
			fields = append(fields, query.TokSenderDomain)
		}
	}

	for _, tok := range fields {
		value := strings.ToLower(strings.TrimSpace(q.Get(tok)))
		if value == "" {
			continue
		}
		for _, entry := range cfg.locals {
			if entry.t.Lookup(value) {
				sum += entry.weight
				if sum >= cfg.hardThreshold {
					return filter.OutcomeHardMatch, nil
				}
			}
		}
	}

	type dnsResult struct {
		found  bool
		err    error
		weight int32
	}
	var (
		results  []dnsResult
		resultsMu sync.Mutex
	)

	if len(cfg.rbls) > 0 && env != nil && env.DNS != nil {
		g, gctx := errgroup.WithContext(ctx)
		for _, tok := range fields {
			value := strings.ToLower(strings.TrimSpace(q.Get(tok)))
			if value == "" {
				continue
			}
			for _, rbl := range cfg.rbls {
				rbl := rbl
				name := value + "." + rbl.host
				g.Go(func() error {
					res, err := env.DNS.Check(gctx, name, dns.TypeA)
					resultsMu.Lock()
					results = append(results, dnsResult{found: res == dnsgw.Found && err == nil, err: err, weight: rbl.weight})
					resultsMu.Unlock()
					return nil
				})
			}
		}
		_ = g.Wait()
	}

	if len(results) > 0 {
		allErrored := true
		for _, r := range results {
			if r.err == nil {
				allErrored = false
			}
			if r.found {
				sum += r.weight
			}
		}
		if allErrored {
			return filter.OutcomeError, nil
		}
	}

	switch {
	case sum >= cfg.hardThreshold:
		return filter.OutcomeHardMatch, nil
	case sum >= cfg.softThreshold:
		return filter.OutcomeSoftMatch, nil
	default:
		return filter.OutcomeFail, nil
	}
}
