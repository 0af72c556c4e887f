// Package rate implements the sliding-window hit-rate filter kind of spec
// §4.8. A key (rendered from a query-format template) maps to a compact
// record of hit counts bucketed into as many as 128 time slots spanning the
// configured delay window; each query adds one hit to the current slot and
// compares the window's total against soft/hard thresholds. Ported from
// postlicyd/rate.c's rate_filter onto internal/store.
package rate

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/query"
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/smtpstate"
	"github.com/pfixtools/policyd/internal/store"
	"github.com/roadrunner-server/errors"
)

const maxSlots = 128

func init() {
	filter.Register(&filter.KindSpec{
		Name:      "rate",
		Construct: construct,
		Run:       run,
		Params:    []string{"key", "path", "prefix", "delay", "soft_threshold", "hard_threshold", "cleanup_period"},
		Hooks: []filter.Outcome{
			filter.OutcomeFail,
			filter.OutcomeSoftMatch, filter.OutcomeSoftMatchStart,
			filter.OutcomeHardMatch, filter.OutcomeHardMatchStart,
		},
		Forwarding: map[filter.Outcome]filter.Outcome{
			filter.OutcomeSoftMatchStart: filter.OutcomeSoftMatch,
			filter.OutcomeHardMatchStart: filter.OutcomeHardMatch,
			filter.OutcomeSoftMatch:      filter.OutcomeHardMatch,
		},
		MinState: smtpstate.Connect,
	})
}

type config struct {
	keyFormat      string
	delay          int32 // seconds
	softThreshold  int32
	hardThreshold  int32
	cleanupPeriod  time.Duration

	db *store.Store
}

func construct(env *filter.Env, params map[string]string) (any, []resource.Key, error) {
	const op = errors.Op("rate_construct")

	cfg := &config{softThreshold: 1, hardThreshold: 1, cleanupPeriod: 24 * time.Hour}

	path := params["path"]
	prefix := params["prefix"]
	cfg.keyFormat = params["key"]
	if path == "" {
		return nil, nil, errors.E(op, errors.Str("path to rate db not given"))
	}
	if cfg.keyFormat == "" {
		return nil, nil, errors.E(op, errors.Str("rate filter requires a key format"))
	}
	if err := query.ValidateFormat(cfg.keyFormat); err != nil {
		return nil, nil, errors.E(op, err)
	}

	var perr error
	parseInt32(params, "delay", &cfg.delay, &perr)
	parseInt32(params, "soft_threshold", &cfg.softThreshold, &perr)
	parseInt32(params, "hard_threshold", &cfg.hardThreshold, &perr)
	parseDuration(params, "cleanup_period", &cfg.cleanupPeriod, &perr)
	if perr != nil {
		return nil, nil, errors.E(op, perr)
	}
	if cfg.delay <= 0 {
		return nil, nil, errors.E(op, errors.Str("rate filter requires a positive delay"))
	}

	dbPath := filepath.Join(path, prefix+"rate.db")
	key := resource.Key{Namespace: "rate", Path: dbPath}

	needCleanup := func(last, now time.Time) bool { return now.Sub(last) >= cfg.cleanupPeriod }
	entryCheck := func(v []byte, now time.Time) bool {
		e, ok := decodeEntry(v)
		if !ok {
			return false
		}
		return e.delay == cfg.delay && time.Unix(e.ts, 0).Add(2*time.Duration(e.delay)*time.Second).After(now)
	}

	v, err := env.Resources.Acquire(key, func() (any, error) {
		return store.Open(dbPath, true, needCleanup, entryCheck)
	}, func(v any) error { return v.(*store.Store).Close() })
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	cfg.db = v.(*store.Store)

	return cfg, []resource.Key{key}, nil
}

// entry mirrors struct rate_entry_t: a window start timestamp, the delay it
// was built for (so a config change invalidates stale records), the total
// hit count as of the last query, and a variable-length slice of per-slot
// hit counts starting at slot 0.
type entry struct {
	ts       int64
	delay    int32
	lastTotal int32
	slots     []uint16
}

func run(_ context.Context, f *filter.Filter, q *query.Query, _ *filter.Context, _ *filter.Env) (filter.Outcome, error) {
	cfg := f.Data.(*config)
	now := time.Now().Unix()

	key := []byte(query.Format(q, cfg.keyFormat))

	e := entry{delay: cfg.delay}
	if v, ok, _ := cfg.db.Get(key); ok {
		if decoded, decOK := decodeEntry(v); decOK && decoded.delay == cfg.delay {
			e = decoded
			if len(e.slots) == 0 {
				e.slots = []uint16{1}
			}
		}
	}

	lastTotal := e.lastTotal
	newStart := now - int64(cfg.delay) + 1

	var startSlot int
	if newStart <= e.ts {
		startSlot = 0
	} else {
		startSlot = slotForDelay(newStart-e.ts, cfg.delay, true)
	}

	total := 1
	if startSlot < 0 {
		e.ts = now
		e.slots = []uint16{1}
	} else {
		foundActive := false
		activeStart := startSlot
		for i := startSlot; i < len(e.slots); i++ {
			if !foundActive && e.slots[i] != 0 {
				activeStart = i
				foundActive = true
			}
			total += int(e.slots[i])
		}

		if !foundActive {
			e.ts = now
			e.slots = []uint16{1}
		} else {
			if activeStart > 0 {
				e.ts += int64(delayForSlot(activeStart, cfg.delay))
				e.slots = append([]uint16(nil), e.slots[activeStart:]...)
			}

			currentSlot := slotForDelay(now-e.ts, cfg.delay, false)
			if currentSlot < 0 {
				currentSlot = 0
			}
			if currentSlot >= len(e.slots) {
				grown := make([]uint16, currentSlot+1)
				copy(grown, e.slots)
				grown[currentSlot] = 1
				e.slots = grown
			} else if e.slots[currentSlot] < ^uint16(0) {
				e.slots[currentSlot]++
			}
		}
	}

	e.lastTotal = int32(total)
	if len(e.slots) == 1 && e.slots[0] == 1 {
		e.slots = nil
	}
	_ = cfg.db.Put(key, encodeEntry(e))

	switch {
	case int32(total) >= cfg.hardThreshold:
		if lastTotal < cfg.hardThreshold {
			return filter.OutcomeHardMatchStart, nil
		}
		return filter.OutcomeHardMatch, nil
	case int32(total) >= cfg.softThreshold:
		if lastTotal < cfg.softThreshold {
			return filter.OutcomeSoftMatchStart, nil
		}
		return filter.OutcomeSoftMatch, nil
	default:
		return filter.OutcomeFail, nil
	}
}

// slotForDelay maps an offset t (seconds from the window start) onto one of
// maxSlots buckets spanning delay seconds, rounding up when up is true.
// Mirrors postlicyd/rate.c's rate_slot_for_delay.
func slotForDelay(t int64, delay int32, up bool) int {
	if t >= int64(delay) || t < 0 {
		return -1
	}
	if delay < maxSlots {
		return int(t)
	}
	if up {
		return int((t*maxSlots + int64(delay) - 1) / int64(delay))
	}
	return int(t * maxSlots / int64(delay))
}

// delayForSlot is slotForDelay's inverse, used to advance the window start
// timestamp when trimming expired leading slots.
func delayForSlot(slot int, delay int32) int64 {
	if slot >= maxSlots || slot < 0 {
		return -1
	}
	if delay < maxSlots {
		return int64(slot)
	}
	return int64(delay) * int64(slot) / maxSlots
}

func encodeEntry(e entry) []byte {
	buf := make([]byte, 16+2*len(e.slots))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.ts))
	binary.BigEndian.PutUint32(buf[8:12], uint32(e.delay))
	binary.BigEndian.PutUint32(buf[12:16], uint32(e.lastTotal))
	for i, s := range e.slots {
		binary.BigEndian.PutUint16(buf[16+2*i:16+2*i+2], s)
	}
	return buf
}

func decodeEntry(b []byte) (entry, bool) {
	if len(b) < 16 || (len(b)-16)%2 != 0 {
		return entry{}, false
	}
	e := entry{
		ts:        int64(binary.BigEndian.Uint64(b[0:8])),
		delay:     int32(binary.BigEndian.Uint32(b[8:12])),
		lastTotal: int32(binary.BigEndian.Uint32(b[12:16])),
	}
	n := (len(b) - 16) / 2
	if n > 0 {
		e.slots = make([]uint16, n)
		for i := range e.slots {
			e.slots[i] = binary.BigEndian.Uint16(b[16+2*i : 16+2*i+2])
		}
	}
	return e, true
}

func parseInt32(params map[string]string, key string, dst *int32, perr *error) {
	v, ok := params[key]
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*perr = errors.Str("bad integer for " + key + ": " + v)
		return
	}
	*dst = int32(n)
}

func parseDuration(params map[string]string, key string, dst *time.Duration, perr *error) {
	v, ok := params[key]
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*perr = errors.Str("bad integer for " + key + ": " + v)
		return
	}
	*dst = time.Duration(n) * time.Second
}
