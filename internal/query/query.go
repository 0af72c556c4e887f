package query

import (
	"strings"

	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/roadrunner-server/errors"
)

// Query is one in-flight MTA request. Attribute values are copied out of
// the input block into Go strings at parse time; they do not alias the
// connection's input buffer.
type Query struct {
	raw   []byte
	attrs map[Token]string

	state   smtpstate.State
	hasState bool

	normSender string
	normSenderSet bool
	normClient string
	normClientSet bool
}

// ErrMalformed is returned when a line of the attribute block is not
// key=value. A missing or unrecognized protocol_state fails Parse with its
// own error instead. Per spec §7 either failure drops the connection.
var ErrMalformed = errors.Str("malformed policy query")

// Parse consumes a newline-terminated key=value block (trailing blank line
// already stripped by the caller) and builds a Query. buf is retained by
// reference: the caller must not mutate it until the reply has been sent.
func Parse(buf []byte) (*Query, error) {
	const op = errors.Op("query_parse")

	q := &Query{
		raw:   buf,
		attrs: make(map[Token]string, 24),
	}

	lines := strings.Split(string(buf), "\n")
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, errors.E(op, ErrMalformed)
		}
		key := line[:eq]
		val := strings.TrimSpace(line[eq+1:])

		tok, ok := LookupToken(key)
		if !ok {
			// Unknown keys are tolerated and skipped (spec §4.3/§6).
			continue
		}
		q.attrs[tok] = val
	}

	state, ok := smtpstate.Parse(q.attrs[TokProtocolState])
	if !ok {
		return nil, errors.E(op, errors.Str("missing or unrecognized protocol_state"))
	}
	q.state = state
	q.hasState = true

	q.attrs[TokSenderDomain] = domainOf(q.attrs[TokSender])
	q.attrs[TokRecipientDomain] = domainOf(q.attrs[TokRecipient])

	return q, nil
}

// domainOf returns the slice after the first '@', or "" if there is none,
// preserving the invariant that *_domain fields are interior slices of the
// owning address (spec §3).
func domainOf(addr string) string {
	if addr == "" {
		return ""
	}
	i := strings.IndexByte(addr, '@')
	if i < 0 || i+1 >= len(addr) {
		return ""
	}
	return addr[i+1:]
}

// State returns the parsed SMTP transaction state.
func (q *Query) State() smtpstate.State { return q.state }

// Get returns the raw (or already-derived) value for a token. Derived
// fields are computed lazily and cached, per spec §4.3.
func (q *Query) Get(t Token) string {
	switch t {
	case TokNormalizedSender:
		return q.NormalizedSender()
	case TokNormalizedClient:
		return q.NormalizedClient()
	case TokProtocolName:
		if v, ok := q.attrs[TokProtocolName]; ok {
			return v
		}
		return "SMTP"
	default:
		return q.attrs[t]
	}
}

// NormalizedSender computes (and caches) the sender normalization of
// spec §3: local-part with digit runs collapsed to '#', VERP '+ext'
// stripped, then '#' then domain.
func (q *Query) NormalizedSender() string {
	if q.normSenderSet {
		return q.normSender
	}
	q.normSenderSet = true
	q.normSender = NormalizeSender(q.attrs[TokSender])
	return q.normSender
}

// NormalizedClient computes (and caches) the client normalization of
// spec §3: first three octets of IPv4 unless the client hostname already
// embeds the last two octets.
func (q *Query) NormalizedClient() string {
	if q.normClientSet {
		return q.normClient
	}
	q.normClientSet = true
	q.normClient = NormalizeClient(q.attrs[TokClientAddress], q.attrs[TokClientName])
	return q.normClient
}

// Instance returns the MTA-assigned transaction id, used to detect a new
// transaction sharing a connection (spec §3 FilterContext lifecycle).
func (q *Query) Instance() string { return q.attrs[TokInstance] }
