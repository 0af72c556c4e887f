// Package trie implements the compiled, optionally memory-locked string
// set of spec §4.9 (the strlist filter kind's static sets), wrapping
// github.com/hashicorp/go-immutable-radix/v2 in place of postlicyd's
// hand-rolled common/trie.c. Two independent axes, both named directly
// after postlicyd/strlist.c's own config syntax
// ("[no]lock:(partial-)(prefix|suffix):weight:filename"):
//
//   - Orientation: Prefix sets are inserted and looked up as-is; Suffix
//     sets are inserted and looked up byte-reversed, so that e.g. every
//     hostname under ".example.com" shares the trie prefix "moc.elpmaxe.".
//   - Mode: Full requires an exact match; Partial matches if any inserted
//     key is a prefix of the lookup key (trie_prefix in the original).
package trie

import (
	"bufio"
	"os"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"github.com/roadrunner-server/errors"
	"golang.org/x/sys/unix"
)

// Orientation controls whether keys are stored as-is or reversed.
type Orientation int

const (
	Prefix Orientation = iota
	Suffix
)

// Mode controls whether a lookup requires an exact stored key or accepts
// any stored key that is a prefix of it.
type Mode int

const (
	Full Mode = iota
	Partial
)

// Trie is a compiled, read-only string set. Build it with a Builder; there
// is no incremental insert after Compile, matching the
// insert-then-compile-then-lookup lifecycle of the original.
type Trie struct {
	tree        *iradix.Tree[struct{}]
	orientation Orientation
	mode        Mode

	arena  []byte // concatenated key bytes backing every trie entry
	locked bool
}

// Builder accumulates keys before a single Compile call builds the
// immutable tree over them.
type Builder struct {
	orientation Orientation
	mode        Mode
	keys        [][]byte
	total       int
}

// NewBuilder starts an empty set with the given orientation and match mode.
func NewBuilder(orientation Orientation, mode Mode) *Builder {
	return &Builder{orientation: orientation, mode: mode}
}

// Insert adds one key (e.g. one line of a strlist source file).
func (b *Builder) Insert(key string) {
	key = b.transform(key)
	if key == "" {
		return
	}
	k := []byte(key)
	b.keys = append(b.keys, k)
	b.total += len(k)
}

// InsertFile inserts one key per non-empty, non-comment line of the file at
// path, in the
// format postlicyd's strlist sources use (spec §4.9).
func (b *Builder) InsertFile(path string) error {
	const op = errors.Op("trie_insert_file")
	f, err := os.Open(path)
	if err != nil {
		return errors.E(op, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b.Insert(line)
	}
	if err := sc.Err(); err != nil {
		return errors.E(op, err)
	}
	return nil
}

func (b *Builder) transform(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if b.orientation == Suffix {
		key = reverseString(key)
	}
	return key
}

// Compile builds the immutable radix tree. When lock is true, the
// concatenated key arena is mlock'd for the lifetime of the Trie (spec
// §4.9 "optional mlock to keep hot leaves resident"); Close must then be
// called to munlock it.
func (b *Builder) Compile(lock bool) (*Trie, error) {
	const op = errors.Op("trie_compile")

	arena := make([]byte, 0, b.total)
	offsets := make([][2]int, len(b.keys))
	for i, k := range b.keys {
		start := len(arena)
		arena = append(arena, k...)
		offsets[i] = [2]int{start, len(k)}
	}

	if lock && len(arena) > 0 {
		if err := unix.Mlock(arena); err != nil {
			return nil, errors.E(op, err)
		}
	}

	tree := iradix.New[struct{}]()
	txn := tree.Txn()
	for _, off := range offsets {
		k := arena[off[0] : off[0]+off[1] : off[0]+off[1]]
		txn.Insert(k, struct{}{})
	}
	tree = txn.Commit()

	return &Trie{tree: tree, orientation: b.orientation, mode: b.mode, arena: arena, locked: lock && len(arena) > 0}, nil
}

// Lookup reports whether key matches the set, according to the trie's
// orientation and mode.
func (t *Trie) Lookup(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if t.orientation == Suffix {
		key = reverseString(key)
	}
	k := []byte(key)

	if t.mode == Full {
		_, ok := t.tree.Get(k)
		return ok
	}
	_, _, ok := t.tree.Root().LongestPrefix(k)
	return ok
}

// Close munlocks the key arena, if it was locked. Safe to call on an
// unlocked Trie.
func (t *Trie) Close() error {
	if !t.locked {
		return nil
	}
	t.locked = false
	return unix.Munlock(t.arena)
}

// Len reports the number of distinct keys compiled into the trie.
func (t *Trie) Len() int {
	return t.tree.Len()
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
