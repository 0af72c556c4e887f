// Package smtpstate defines the Postfix SMTP transaction state enum that
// drives entry-point selection and per-filter minimum-state checks.
package smtpstate

import "strings"

// State is a point in the SMTP transaction the MTA may consult the policy
// daemon from. Ordering matters: filters that "require ≥Rcpt" compare with
// the ordinal below.
type State int

const (
	Unknown State = iota
	Connect
	Helo
	Mail
	Rcpt
	Data
	EndOfMessage
	Vrfy
	Etrn
)

var names = map[string]State{
	"CONNECT":         Connect,
	"EHLO":            Helo,
	"HELO":            Helo,
	"MAIL":            Mail,
	"RCPT":            Rcpt,
	"DATA":            Data,
	"END-OF-MESSAGE":  EndOfMessage,
	"VRFY":            Vrfy,
	"ETRN":            Etrn,
}

// Parse maps the wire protocol_state attribute to a State. A missing or
// unrecognized state is reported to the caller so the connection can be
// dropped, per spec: malformed protocol input is never guessed at.
func Parse(s string) (State, bool) {
	st, ok := names[strings.ToUpper(strings.TrimSpace(s))]
	return st, ok
}

func (s State) String() string {
	for name, v := range names {
		if v == s {
			// HELO and EHLO collide on Helo; prefer HELO for stable output.
			if v == Helo {
				return "HELO"
			}
			return name
		}
	}
	return "UNKNOWN"
}

// AtLeast reports whether s has progressed at least as far as min in the
// transaction. Running a filter outside its declared minimum state is a
// hard configuration error (spec §3).
func (s State) AtLeast(min State) bool {
	return s >= min
}
