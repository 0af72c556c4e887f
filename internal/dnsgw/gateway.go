// Package dnsgw is the async DNS gateway (spec §4.2): one process-wide
// resolver, a bounded pool of concurrent in-flight queries, and a
// normalized three-state result (Found/NotFound/Error) for callers that
// only care whether a name exists, not its raw records.
//
// The original design parks a filter context and redelivers the answer
// through a registered callback when the gateway's socket becomes
// readable. This port expresses the same "one resolver, bounded
// concurrency, suspend the caller until the answer arrives" shape with
// golang.org/x/sync/semaphore bounding concurrent github.com/miekg/dns
// exchanges and plain goroutine blocking standing in for the callback
// (see internal/server and SPEC_FULL.md §4 REDESIGN).
package dnsgw

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Result is the normalized three-state outcome of a Check call (spec §4.2).
type Result int

const (
	Found Result = iota
	NotFound
	Error
)

func (r Result) String() string {
	switch r {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	default:
		return "error"
	}
}

// Answer is the result of a resolved query: the normalized Result, plus
// the raw answer records for callers (SPF mechanisms) that need them.
type Answer struct {
	Result  Result
	Records []dns.RR
	Err     error
}

// Config controls gateway construction.
type Config struct {
	// Servers is the list of "ip:port" resolver addresses to query, in
	// order, falling over to the next on transport failure. Empty means
	// "read /etc/resolv.conf", matching a typical recursive-resolver
	// deployment.
	Servers []string
	Timeout time.Duration
	// MaxConcurrent bounds the gateway's pool of in-flight exchanges
	// (spec §4.2 "bounded pool of context objects").
	MaxConcurrent int64
}

// Gateway is the process-wide async DNS resolver context.
type Gateway struct {
	client  *dns.Client
	servers []string
	sem     *semaphore.Weighted
	log     *zap.Logger
}

// New builds the gateway, reading /etc/resolv.conf when cfg.Servers is
// empty.
func New(cfg Config, log *zap.Logger) (*Gateway, error) {
	const op = errors.Op("dnsgw_new")

	servers := cfg.Servers
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, errors.E(op, err)
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.E(op, errors.Str("no DNS servers configured"))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 256
	}

	return &Gateway{
		client:  &dns.Client{Timeout: timeout},
		servers: servers,
		sem:     semaphore.NewWeighted(maxConcurrent),
		log:     log,
	}, nil
}

// Resolve issues one query of rrtype for name and blocks until an answer,
// transport error, or ctx cancellation. It acquires a slot in the bounded
// pool before touching the wire, waiting for a free slot (or ctx
// cancellation) rather than fanning out unbounded concurrent exchanges.
func (g *Gateway) Resolve(ctx context.Context, name string, rrtype uint16) (Answer, error) {
	const op = errors.Op("dnsgw_resolve")

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Answer{}, errors.E(op, err)
	}
	defer g.sem.Release(1)

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), rrtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range g.servers {
		resp, _, err := g.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return classify(resp), nil
	}
	return Answer{Result: Error, Err: lastErr}, nil
}

// Check is the higher-level wrapper of spec §4.2: it normalizes a
// resolution to Found/NotFound/Error and discards the raw records,
// convenient for mechanisms (exists:, a: existence probing) that only
// care about existence.
func (g *Gateway) Check(ctx context.Context, name string, rrtype uint16) (Result, error) {
	ans, err := g.Resolve(ctx, name, rrtype)
	if err != nil {
		return Error, err
	}
	return ans.Result, nil
}

func classify(resp *dns.Msg) Answer {
	switch resp.Rcode {
	case dns.RcodeSuccess:
		if len(resp.Answer) == 0 {
			return Answer{Result: NotFound}
		}
		return Answer{Result: Found, Records: resp.Answer}
	case dns.RcodeNameError:
		return Answer{Result: NotFound}
	default:
		return Answer{Result: Error, Err: fmt.Errorf("dns rcode %s", dns.RcodeToString[resp.Rcode])}
	}
}
