// Package srs implements the Sender Rewriting Scheme codec spec §4.12
// needs: rewriting an envelope sender into a bounce-domain-local address
// that embeds an HMAC and a timestamp, and reversing it back, rejecting
// forgeries and addresses older than a configured validity window.
//
// postlicyd/srs.c and pfix-srsd/main-srsd.c both build on libsrs2, a C
// library outside this corpus's retrieved examples; no pack example wires
// an SRS (or generic reversible-HMAC-token) library either, so this is
// implemented directly against crypto/hmac and crypto/sha1 -- the same
// primitives libsrs2 itself uses -- rather than against a fabricated
// dependency (see DESIGN.md).
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"strings"
	"time"

	"github.com/roadrunner-server/errors"
)

const (
	tag0 = "SRS0"
	tag1 = "SRS1"

	hashLength = 4 // base32 characters of HMAC kept, matching libsrs2's default

	// epoch is the SRS timestamp base; day counts are taken relative to it
	// and encoded base32, matching libsrs2's 1-char-per-32-days rollover
	// granularity closely enough for a 2-character, ~1024-day cycle.
	dayLayout = "2006-01-02"
)

var epoch = mustParse(dayLayout, "1998-01-01")

func mustParse(layout, value string) time.Time {
	t, err := time.Parse(layout, value)
	if err != nil {
		panic(err)
	}
	return t
}

var b32 = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)

// Codec rewrites and reverses envelope senders for one SRS domain. The
// first secret is used to sign new addresses; every configured secret is
// tried when verifying one, supporting rotation (spec §4.12).
type Codec struct {
	secrets []string
	maxAge  time.Duration
}

// New builds a Codec. secrets must be non-empty, in rotation order (most
// recent first). maxAge <= 0 disables expiry checking.
func New(secrets []string, maxAge time.Duration) (*Codec, error) {
	const op = errors.Op("srs_new")
	if len(secrets) == 0 {
		return nil, errors.E(op, errors.Str("srs requires at least one secret"))
	}
	return &Codec{secrets: secrets, maxAge: maxAge}, nil
}

// Forward rewrites local@domain into an SRS0 address local to bounceDomain
// (spec §4.12 "rewrite the envelope sender for outbound mail").
func (c *Codec) Forward(local, domain, bounceDomain string) string {
	ts := timestamp(time.Now())
	hash := c.sign(c.secrets[0], ts, domain, local)
	return tag0 + "=" + hash + "=" + ts + "=" + domain + "=" + local + "@" + bounceDomain
}

// Reverse validates and unwraps a previously rewritten address (the
// "local" part only, domain already matched against the bounce domain by
// the caller), returning the original local@domain. Ported from
// postlicyd/srs.c's srs_filter, which calls srs_reverse on the recipient.
func (c *Codec) Reverse(local string) (string, error) {
	const op = errors.Op("srs_reverse")

	if !strings.HasPrefix(local, tag0+"=") && !strings.HasPrefix(local, tag1+"=") {
		return "", errors.E(op, errors.Str("not an SRS address"))
	}
	parts := strings.SplitN(local, "=", 5)
	if len(parts) != 5 {
		return "", errors.E(op, errors.Str("malformed SRS address"))
	}
	hash, ts, domain, origLocal := parts[1], parts[2], parts[3], parts[4]

	var valid bool
	for _, secret := range c.secrets {
		if hmac.Equal([]byte(hash), []byte(c.sign(secret, ts, domain, origLocal))) {
			valid = true
			break
		}
	}
	if !valid {
		return "", errors.E(op, errors.Str("SRS hash verification failed"))
	}

	if c.maxAge > 0 {
		age, err := age(ts)
		if err != nil || age > c.maxAge {
			return "", errors.E(op, errors.Str("SRS address expired"))
		}
	}

	return origLocal + "@" + domain, nil
}

func (c *Codec) sign(secret, ts, domain, local string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(domain))
	mac.Write([]byte(local))
	sum := b32.EncodeToString(mac.Sum(nil))
	if len(sum) > hashLength {
		sum = sum[:hashLength]
	}
	return sum
}

// timestamp encodes the number of days since epoch as 2 base32 characters,
// matching libsrs2's rolling, low-precision SRS timestamp.
func timestamp(t time.Time) string {
	days := int(t.Sub(epoch).Hours() / 24)
	days &= 1023 // 2 base32 chars, 5 bits each
	buf := []byte{'A', 'A'}
	buf[0] = b32Char((days >> 5) & 0x1f)
	buf[1] = b32Char(days & 0x1f)
	return string(buf)
}

func b32Char(v int) byte {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	return alphabet[v&0x1f]
}

// age computes an approximate elapsed duration since ts was minted,
// accounting for the rollover of the 1024-day cycle but not attempting to
// recover an exact original timestamp older than half that cycle.
func age(ts string) (time.Duration, error) {
	if len(ts) != 2 {
		return 0, errors.Str("malformed SRS timestamp")
	}
	hi := strings.IndexByte("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567", ts[0])
	lo := strings.IndexByte("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567", ts[1])
	if hi < 0 || lo < 0 {
		return 0, errors.Str("malformed SRS timestamp")
	}
	then := hi*32 + lo

	now := int(time.Now().Sub(epoch).Hours() / 24)
	delta := (now & 1023) - then
	if delta < 0 {
		delta += 1024
	}
	return time.Duration(delta) * 24 * time.Hour, nil
}

// ReadSecretsFile parses one secret per non-blank line, matching
// postlicyd/srs.c's srs_read_secrets (order preserved: first line signs,
// every line verifies).
func ReadSecretsFile(lines []string) ([]string, error) {
	var secrets []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		secrets = append(secrets, line)
	}
	if len(secrets) == 0 {
		return nil, errors.Str("empty secrets file")
	}
	return secrets, nil
}
