// Package store wraps go.etcd.io/bbolt as the "opaque embedded B-tree"
// persistent store of spec §3 Resource: one file per store, one flat
// bucket of key/value entries, with a reserved key holding the last
// cleanup timestamp and an amortized cleanup sweep that rewrites the
// bucket keeping only still-live entries. It is a direct port of
// postlicyd/db.c's db_load/db_resource_acquire onto a pure-Go embedded
// database instead of Tokyo Cabinet.
package store

import (
	"encoding/binary"
	"time"

	"github.com/roadrunner-server/errors"
	"go.etcd.io/bbolt"
)

// cleanupKey mirrors postlicyd/db.c's static_cleanup marker key.
var cleanupKey = []byte("@@cleanup@@")

var bucketName = []byte("default")

// NeedCleanup decides, given the timestamp of the last sweep and the
// current time, whether a new sweep should run now.
type NeedCleanup func(lastCleanup, now time.Time) bool

// EntryCheck decides whether one stored entry is still live and should
// survive a cleanup sweep.
type EntryCheck func(value []byte, now time.Time) bool

// Store is one opened, possibly self-expiring key/value database.
type Store struct {
	db         *bbolt.DB
	path       string
	canExpire  bool
	needClean  NeedCleanup
	entryCheck EntryCheck
}

// Open opens (creating if absent) the database at path. When canExpire is
// true, a cleanup sweep runs synchronously at open time if needClean
// reports one is due, per spec §4.7's "amortized cleanup sweep" (the
// original runs this check on every resource acquisition, which for a
// shared resource means once per config (re)load, not once per query).
func Open(path string, canExpire bool, needClean NeedCleanup, entryCheck EntryCheck) (*Store, error) {
	const op = errors.Op("store_open")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.E(op, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.E(op, err)
	}

	s := &Store{db: db, path: path, canExpire: canExpire, needClean: needClean, entryCheck: entryCheck}

	if canExpire {
		if err := s.maybeCleanup(); err != nil {
			db.Close()
			return nil, errors.E(op, err)
		}
	}

	return s, nil
}

func (s *Store) maybeCleanup() error {
	now := time.Now()

	last, ok, err := s.lastCleanup()
	if err != nil {
		return err
	}
	if ok && s.needClean != nil && !s.needClean(last, now) {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)

		type kv struct{ key, value []byte }
		var keep []kv
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) == string(cleanupKey) {
				continue
			}
			if s.entryCheck == nil || s.entryCheck(v, now) {
				keep = append(keep, kv{append([]byte(nil), k...), append([]byte(nil), v...)})
			}
		}

		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketName)
		if err != nil {
			return err
		}
		for _, e := range keep {
			if err := b.Put(e.key, e.value); err != nil {
				return err
			}
		}
		return b.Put(cleanupKey, encodeTime(now))
	})
}

func (s *Store) lastCleanup() (time.Time, bool, error) {
	var t time.Time
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(cleanupKey)
		if v == nil || len(v) != 8 {
			return nil
		}
		t = decodeTime(v)
		ok = true
		return nil
	})
	return t, ok, err
}

// Get returns the value stored under key, and whether it was present. The
// returned slice is a copy and safe to retain past the transaction.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.E(errors.Op("store_get"), err)
	}
	return value, value != nil, nil
}

// Put writes key/value, overwriting any previous entry.
func (s *Store) Put(key, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
	if err != nil {
		return errors.E(errors.Op("store_put"), err)
	}
	return nil
}

// Delete removes key, if present.
func (s *Store) Delete(key []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
	if err != nil {
		return errors.E(errors.Op("store_delete"), err)
	}
	return nil
}

// ForEach walks every live entry (the cleanup marker excluded).
func (s *Store) ForEach(fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			if string(k) == string(cleanupKey) {
				return nil
			}
			return fn(k, v)
		})
	})
}

// Close releases the underlying file handle. Called by the store's
// resource.Registry destructor when its refcount reaches zero.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.Unix()))
	return buf
}

func decodeTime(buf []byte) time.Time {
	return time.Unix(int64(binary.BigEndian.Uint64(buf)), 0)
}
