// Package resource implements the refcounted shared-resource registry of
// spec §3: two filters naming the same (namespace, path) -- typically the
// same on-disk database or compiled trie -- share one handle, and a config
// reload acquires the new generation's resources before releasing the
// previous generation's, so that unchanged ones are never rebuilt.
package resource

import (
	"sync"

	"github.com/roadrunner-server/errors"
)

// Key identifies a shared resource.
type Key struct {
	Namespace string
	Path      string
}

type entry struct {
	value    any
	refcount int
	destroy  func(any) error
}

// Registry owns every live shared resource for one running configuration.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*entry)}
}

// Acquire returns the existing handle for key if one is live, bumping its
// refcount; otherwise it calls build to create one. destroy is invoked
// (once) when the refcount later reaches zero via Release.
func (r *Registry) Acquire(key Key, build func() (any, error), destroy func(any) error) (any, error) {
	const op = errors.Op("resource_acquire")

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.refcount++
		return e.value, nil
	}

	v, err := build()
	if err != nil {
		return nil, errors.E(op, err)
	}
	r.entries[key] = &entry{value: v, refcount: 1, destroy: destroy}
	return v, nil
}

// Release drops one reference to key, destroying the underlying resource
// once the refcount reaches zero.
func (r *Registry) Release(key Key) error {
	const op = errors.Op("resource_release")

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	e.refcount--
	if e.refcount > 0 {
		return nil
	}
	delete(r.entries, key)
	if e.destroy != nil {
		if err := e.destroy(e.value); err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}

// Len reports how many distinct resources are currently live, used by
// tests asserting config-reload idempotence (spec §8).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
