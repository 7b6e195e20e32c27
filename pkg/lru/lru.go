// Package lru is a sharded, size-bounded map of per-key state. Each shard
// evicts its least recently used entry once full, and Sweep drops entries a
// caller no longer needs. Callbacks run under the shard lock and must not
// block.
package lru

import (
	"container/list"
	"hash/maphash"
	"sync"
	"sync/atomic"
)

const (
	DefaultCapacity = 100_000
	DefaultShards   = 32
)

type entry[V any] struct {
	key   string
	value V
}

type shard[V any] struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
	limit int
}

type Store[V any] struct {
	seed    maphash.Seed
	shards  []*shard[V]
	evicted atomic.Uint64
}

// New returns a store holding at most capacity keys spread over n shards.
func New[V any](capacity, n int) *Store[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if n <= 0 {
		n = DefaultShards
	}
	if n > capacity {
		n = capacity
	}
	per := capacity / n
	if capacity%n != 0 {
		per++
	}
	s := &Store[V]{seed: maphash.MakeSeed(), shards: make([]*shard[V], n)}
	for i := range s.shards {
		s.shards[i] = &shard[V]{items: map[string]*list.Element{}, order: list.New(), limit: per}
	}
	return s
}

func (s *Store[V]) shardFor(key string) *shard[V] {
	h := maphash.String(s.seed, key)
	return s.shards[h%uint64(len(s.shards))]
}

// Do runs fn on the value stored for key, creating it with init when absent,
// and marks the key as most recently used.
func (s *Store[V]) Do(key string, init func() V, fn func(v *V)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if el, ok := sh.items[key]; ok {
		sh.order.MoveToFront(el)
		fn(&el.Value.(*entry[V]).value)
		return
	}
	e := &entry[V]{key: key}
	if init != nil {
		e.value = init()
	}
	sh.items[key] = sh.order.PushFront(e)
	for sh.order.Len() > sh.limit {
		oldest := sh.order.Back()
		sh.order.Remove(oldest)
		delete(sh.items, oldest.Value.(*entry[V]).key)
		s.evicted.Add(1)
	}
	fn(&e.value)
}

// Peek runs fn on an existing value without changing its recency. It reports
// whether the key was present.
func (s *Store[V]) Peek(key string, fn func(v *V)) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	el, ok := sh.items[key]
	if !ok {
		return false
	}
	if fn != nil {
		fn(&el.Value.(*entry[V]).value)
	}
	return true
}

func (s *Store[V]) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	if el, ok := sh.items[key]; ok {
		sh.order.Remove(el)
		delete(sh.items, key)
	}
	sh.mu.Unlock()
}

// Sweep removes every entry for which stale returns true and reports how many
// were removed. Shards are locked one at a time.
func (s *Store[V]) Sweep(stale func(key string, v *V) bool) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for el := sh.order.Back(); el != nil; {
			prev := el.Prev()
			e := el.Value.(*entry[V])
			if stale(e.key, &e.value) {
				sh.order.Remove(el)
				delete(sh.items, e.key)
				removed++
			}
			el = prev
		}
		sh.mu.Unlock()
	}
	return removed
}

// Range visits every entry. The view is consistent per shard only.
func (s *Store[V]) Range(fn func(key string, v V)) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for el := sh.order.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry[V])
			fn(e.key, e.value)
		}
		sh.mu.Unlock()
	}
}

func (s *Store[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

// Evicted counts entries dropped because a shard was full.
func (s *Store[V]) Evicted() uint64 {
	return s.evicted.Load()
}
