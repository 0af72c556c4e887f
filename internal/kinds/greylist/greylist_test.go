package greylist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/store"
)

func buildQuery(t *testing.T, client, sender, recipient string) *query.Query {
	t.Helper()
	block := []byte("protocol_state=RCPT\nclient_address=" + client +
		"\nsender=" + sender + "\nrecipient=" + recipient + "\n")
	q, err := query.Parse(block)
	if err != nil {
		t.Fatalf("query.Parse() error = %v", err)
	}
	return q
}

func openTestConfig(t *testing.T) *config {
	t.Helper()
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.delay = 300 * time.Second
	cfg.retryWindow = 2 * 24 * time.Hour
	cfg.clientAWL = 5

	needCleanup := func(last, now time.Time) bool { return false }

	objEntryCheck := func(v []byte, now time.Time) bool {
		e, ok := decodeObj(v)
		return ok && checkObjEntry(cfg, e, now)
	}
	obj, err := store.Open(filepath.Join(dir, "greylist.db"), cfg.maxAge > 0, needCleanup, objEntryCheck)
	if err != nil {
		t.Fatalf("opening obj store: %v", err)
	}
	cfg.obj = obj

	awlEntryCheck := func(v []byte, now time.Time) bool {
		e, ok := decodeAWL(v)
		return ok && checkAWLEntry(cfg, e, now)
	}
	awl, err := store.Open(filepath.Join(dir, "whitelist.db"), cfg.maxAge > 0, needCleanup, awlEntryCheck)
	if err != nil {
		t.Fatalf("opening awl store: %v", err)
	}
	cfg.awl = awl

	t.Cleanup(func() {
		cfg.obj.Close()
		cfg.awl.Close()
	})
	return cfg
}

func TestTryGreylistRejectsFirstAttempt(t *testing.T) {
	cfg := openTestConfig(t)
	q := buildQuery(t, "192.0.2.1", "alice@example.com", "bob@example.org")

	if tryGreylist(cfg, q) {
		t.Error("tryGreylist() whitelisted a brand new triplet on its first attempt")
	}
}

func TestTryGreylistPassesAfterDelay(t *testing.T) {
	cfg := openTestConfig(t)
	cfg.delay = 0 // retry immediately passes the delay check
	q := buildQuery(t, "192.0.2.1", "alice@example.com", "bob@example.org")

	tryGreylist(cfg, q) // seed the triplet
	if !tryGreylist(cfg, q) {
		t.Error("tryGreylist() did not whitelist a retried triplet once the delay had elapsed")
	}
}

func TestTryGreylistAutoWhitelistsRepeatClients(t *testing.T) {
	cfg := openTestConfig(t)
	cfg.delay = 0
	cfg.clientAWL = 2
	client := "192.0.2.1"

	// Two distinct triplets from the same client, each retried past delay=0,
	// should push the client over the auto-whitelist threshold.
	q1 := buildQuery(t, client, "a@example.com", "r1@example.org")
	tryGreylist(cfg, q1)
	tryGreylist(cfg, q1)

	q2 := buildQuery(t, client, "b@example.com", "r2@example.org")
	tryGreylist(cfg, q2)
	tryGreylist(cfg, q2)

	// A brand new triplet from the same, now-whitelisted client should pass
	// immediately without having to retry.
	q3 := buildQuery(t, client, "c@example.com", "r3@example.org")
	if !tryGreylist(cfg, q3) {
		t.Error("tryGreylist() did not honor the client auto-whitelist for a new triplet")
	}
}

func TestCheckObjEntryRejectsLateRetry(t *testing.T) {
	cfg := defaultConfig()
	cfg.delay = 300 * time.Second
	cfg.retryWindow = time.Second

	now := time.Now()
	e := objEntry{first: now.Add(-time.Hour).Unix(), last: now.Add(-time.Hour).Unix()}
	if checkObjEntry(cfg, e, now) {
		t.Error("checkObjEntry() accepted a triplet that retried well outside the retry window")
	}
}

func TestCheckObjEntryAcceptsWithinRetryWindow(t *testing.T) {
	cfg := defaultConfig()
	cfg.delay = 300 * time.Second
	cfg.retryWindow = time.Hour

	now := time.Now()
	e := objEntry{first: now.Add(-time.Minute).Unix(), last: now.Add(-time.Minute).Unix()}
	if !checkObjEntry(cfg, e, now) {
		t.Error("checkObjEntry() rejected a triplet still within its retry window")
	}
}

func TestEncodeDecodeAWLRoundTrip(t *testing.T) {
	e := awlEntry{count: 3, last: 1700000000}
	decoded, ok := decodeAWL(encodeAWL(e))
	if !ok || decoded != e {
		t.Errorf("decodeAWL(encodeAWL(%+v)) = %+v, %v", e, decoded, ok)
	}
}

func TestEncodeDecodeObjRoundTrip(t *testing.T) {
	e := objEntry{first: 1700000000, last: 1700000300}
	decoded, ok := decodeObj(encodeObj(e))
	if !ok || decoded != e {
		t.Errorf("decodeObj(encodeObj(%+v)) = %+v, %v", e, decoded, ok)
	}
}
