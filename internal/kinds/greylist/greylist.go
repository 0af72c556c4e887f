// Package greylist implements the greylist filter kind of spec §4.7: a
// client/sender/recipient triplet store with retry-window semantics, plus
// an auto-whitelist store that exempts clients who have retried correctly
// enough times. Ported from postlicyd/greylist.c's try_greylist onto
// internal/store in place of Tokyo Cabinet.
package greylist

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

func init() {
	filter.Register(&filter.KindSpec{
		Name:      "greylist",
		Construct: construct,
		Run:       run,
		Params: []string{
			"path", "prefix", "lookup_by_host", "normalize_sender", "no_sender",
			"no_recipient", "delay", "retry_window", "client_awl", "max_age",
			"cleanup_period",
		},
		Hooks:    []filter.Outcome{filter.OutcomeAbort, filter.OutcomeGreylist, filter.OutcomeWhitelist},
		MinState: smtpstate.Mail,
	})
}

type config struct {
	lookupByHost    bool
	noSender        bool
	noRecipient     bool
	normalizeSender bool

	delay         time.Duration
	retryWindow   time.Duration
	clientAWL     int32
	maxAge        time.Duration
	cleanupPeriod time.Duration

	awl *store.Store // nil unless clientAWL > 0
	obj *store.Store
}

// defaults mirror postlicyd/greylist.c's GREYLIST_INIT.
func defaultConfig() *config {
	return &config{
		normalizeSender: true,
		delay:           300 * time.Second,
		retryWindow:     2 * 24 * time.Hour,
		clientAWL:       5,
		maxAge:          35 * time.Hour,
		cleanupPeriod:   24 * time.Hour,
	}
}

func construct(env *filter.Env, params map[string]string) (any, []resource.Key, error) {
	const op = errors.Op("greylist_construct")

	cfg := defaultConfig()
	path := params["path"]
	prefix := params["prefix"]
	if path == "" {
		return nil, nil, errors.E(op, errors.Str("path to greylist db not given"))
	}

	var perr error
	parseBool(params, "lookup_by_host", &cfg.lookupByHost)
	parseBool(params, "no_sender", &cfg.noSender)
	parseBool(params, "no_recipient", &cfg.noRecipient)
	parseBool(params, "normalize_sender", &cfg.normalizeSender)
	parseSeconds(params, "delay", &cfg.delay, &perr)
	parseSeconds(params, "retry_window", &cfg.retryWindow, &perr)
	parseInt32(params, "client_awl", &cfg.clientAWL, &perr)
	parseSeconds(params, "max_age", &cfg.maxAge, &perr)
	parseSeconds(params, "cleanup_period", &cfg.cleanupPeriod, &perr)
	if perr != nil {
		return nil, nil, errors.E(op, perr)
	}

	var resources []resource.Key
	canExpire := cfg.maxAge > 0

	needCleanup := func(last, now time.Time) bool { return now.Sub(last) >= cfg.cleanupPeriod }

	if cfg.clientAWL > 0 {
		awlPath := filepath.Join(path, prefix+"whitelist.db")
		key := resource.Key{Namespace: "greylist", Path: awlPath}
		entryCheck := func(v []byte, now time.Time) bool {
			e, ok := decodeAWL(v)
			return ok && checkAWLEntry(cfg, e, now)
		}
		v, err := env.Resources.Acquire(key, func() (any, error) {
			return store.Open(awlPath, canExpire, needCleanup, entryCheck)
		}, destroyStore)
		if err != nil {
			return nil, nil, errors.E(op, err)
		}
		cfg.awl = v.(*store.Store)
		resources = append(resources, key)
	}

	objPath := filepath.Join(path, prefix+"greylist.db")
	objKey := resource.Key{Namespace: "greylist", Path: objPath}
	objEntryCheck := func(v []byte, now time.Time) bool {
		e, ok := decodeObj(v)
		return ok && checkObjEntry(cfg, e, now)
	}
	v, err := env.Resources.Acquire(objKey, func() (any, error) {
		return store.Open(objPath, canExpire, needCleanup, objEntryCheck)
	}, destroyStore)
	if err != nil {
		if cfg.awl != nil {
			_ = env.Resources.Release(resources[0])
		}
		return nil, nil, errors.E(op, err)
	}
	cfg.obj = v.(*store.Store)
	resources = append(resources, objKey)

	return cfg, resources, nil
}

func destroyStore(v any) error {
	return v.(*store.Store).Close()
}

type awlEntry struct {
	count int32
	last  int64
}

type objEntry struct {
	first int64
	last  int64
}

func checkAWLEntry(cfg *config, e awlEntry, now time.Time) bool {
	return cfg.maxAge <= 0 || now.Sub(time.Unix(e.last, 0)) <= cfg.maxAge
}

func checkObjEntry(cfg *config, e objEntry, now time.Time) bool {
	last := time.Unix(e.last, 0)
	first := time.Unix(e.first, 0)
	tooOld := cfg.maxAge > 0 && now.Sub(last) > cfg.maxAge
	retriedTooLate := last.Sub(first) < cfg.delay && now.Sub(last) > cfg.retryWindow
	return !(tooOld || retriedTooLate)
}

func encodeAWL(e awlEntry) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.count))
	binary.BigEndian.PutUint64(buf[4:12], uint64(e.last))
	return buf
}

func decodeAWL(b []byte) (awlEntry, bool) {
	if len(b) != 12 {
		return awlEntry{}, false
	}
	return awlEntry{
		count: int32(binary.BigEndian.Uint32(b[0:4])),
		last:  int64(binary.BigEndian.Uint64(b[4:12])),
	}, true
}

func encodeObj(e objEntry) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.first))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.last))
	return buf
}

func decodeObj(b []byte) (objEntry, bool) {
	if len(b) != 16 {
		return objEntry{}, false
	}
	return objEntry{
		first: int64(binary.BigEndian.Uint64(b[0:8])),
		last:  int64(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

func run(_ context.Context, f *filter.Filter, q *query.Query, _ *filter.Context, _ *filter.Env) (filter.Outcome, error) {
	cfg := f.Data.(*config)

	if !cfg.noRecipient && q.State() != smtpstate.Rcpt {
		return filter.OutcomeAbort, errors.Str("greylisting on recipient only works as smtpd_recipient_restrictions")
	}
	if !cfg.noSender && !q.State().AtLeast(smtpstate.Mail) {
		return filter.OutcomeAbort, errors.Str("greylisting on sender must be performed after (or at) MAIL TO")
	}

	whitelisted := tryGreylist(cfg, q)
	if whitelisted {
		return filter.OutcomeWhitelist, nil
	}
	return filter.OutcomeGreylist, nil
}

// tryGreylist ports postlicyd/greylist.c's try_greylist: check (and update)
// the client auto-whitelist, then the triplet store, returning true once
// the triplet has satisfactorily retried past cfg.delay.
func tryGreylist(cfg *config, q *query.Query) bool {
	now := time.Now()
	client := q.Get(query.TokClientAddress)

	if cfg.clientAWL > 0 {
		aent := awlEntry{}
		if v, ok, _ := cfg.awl.Get([]byte(client)); ok {
			if decoded, decOK := decodeAWL(v); decOK {
				aent = decoded
			}
		}
		if !checkAWLEntry(cfg, aent, now) {
			aent = awlEntry{}
		}
		if aent.count >= cfg.clientAWL {
			if now.Unix() < aent.last+3600 {
				aent.count++
				aent.last = now.Unix()
				_ = cfg.awl.Put([]byte(client), encodeAWL(aent))
			}
			return true
		}
	}

	cnetField := query.TokNormalizedClient
	if cfg.lookupByHost {
		cnetField = query.TokClientAddress
	}
	cnet := q.Get(cnetField)

	sender := ""
	if !cfg.noSender {
		if cfg.normalizeSender {
			sender = q.Get(query.TokNormalizedSender)
		} else {
			sender = q.Get(query.TokSender)
		}
	}
	recipient := ""
	if !cfg.noRecipient {
		recipient = q.Get(query.TokRecipient)
	}
	key := cnet + "/" + sender + "/" + recipient

	oent := objEntry{first: now.Unix(), last: now.Unix()}
	if v, ok, _ := cfg.obj.Get([]byte(key)); ok {
		if decoded, decOK := decodeObj(v); decOK {
			oent = decoded
		}
	}

	if !checkObjEntry(cfg, oent, now) {
		oent.first = now.Unix()
	}

	oent.last = now.Unix()
	_ = cfg.obj.Put([]byte(key), encodeObj(oent))

	if time.Unix(oent.first, 0).Add(cfg.delay).Before(now) {
		if cfg.clientAWL > 0 {
			aent := awlEntry{}
			if v, ok, _ := cfg.awl.Get([]byte(client)); ok {
				if decoded, decOK := decodeAWL(v); decOK {
					aent = decoded
				}
			}
			aent.count++
			aent.last = now.Unix()
			_ = cfg.awl.Put([]byte(client), encodeAWL(aent))
		}
		return true
	}
	return false
}

func parseBool(params map[string]string, key string, dst *bool) {
	v, ok := params[key]
	if !ok {
		return
	}
	switch v {
	case "1", "true", "yes", "on":
		*dst = true
	default:
		*dst = false
	}
}

func parseSeconds(params map[string]string, key string, dst *time.Duration, perr *error) {
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
