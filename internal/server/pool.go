package server

import "sync"

// freeList recycles *T values across connections, avoiding an allocation of
// a fresh filter.Context (and its counters array) for every accepted TCP
// connection. Mirrors the pool_t/p_delete reuse pattern of
// original_source/common's client_t allocator, expressed with sync.Pool
// instead of a hand-rolled free list.
type freeList[T any] struct {
	pool  sync.Pool
	reset func(*T)
}

// newFreeList builds a freeList whose values are produced by makeNew when
// the pool is empty and cleared by reset before being handed back out.
func newFreeList[T any](makeNew func() *T, reset func(*T)) *freeList[T] {
	return &freeList[T]{
		pool: sync.Pool{
			New: func() any { return makeNew() },
		},
		reset: reset,
	}
}

func (p *freeList[T]) get() *T {
	return p.pool.Get().(*T)
}

func (p *freeList[T]) put(v *T) {
	if p.reset != nil {
		p.reset(v)
	}
	p.pool.Put(v)
}
