// Package index is the in-memory key index rebuilt from hint files.
//
// [Map] implements [hint.Index] and [hint.Visitor]. Keys are spread over
// power-of-two shards by xxhash so concurrent scans of different buckets do
// not fight over one lock.
package index

import (
	"math/bits"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/tianyk/beansdb-research/internal/hint"
)

// DefaultShards is used when [New] is given a non-positive shard count.
const DefaultShards = 256

var (
	_ hint.Index   = (*Map)(nil)
	_ hint.Visitor = (*Map)(nil)
)

// Map is a sharded key to [hint.Item] map. It is safe for concurrent use.
type Map struct {
	shards []*shard
	mask   uint64
}

type shard struct {
	sync.RWMutex
	data map[string]hint.Item

	// Keeps neighbouring shards off one cache line.
	_ [64]byte
}

// New creates a Map with shards rounded up to a power of two.
func New(shards int) *Map {
	if shards <= 0 {
		shards = DefaultShards
	}

	n := 1 << bits.Len(uint(shards-1))

	m := &Map{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
	}

	for i := range m.shards {
		m.shards[i] = &shard{data: make(map[string]hint.Item)}
	}

	return m
}

func (m *Map) shardFor(key []byte) *shard {
	return m.shards[xxhash.Sum64(key)&m.mask]
}

// Get returns the item stored for key.
func (m *Map) Get(key []byte) (hint.Item, bool) {
	s := m.shardFor(key)

	s.RLock()
	it, ok := s.data[string(key)]
	s.RUnlock()

	return it, ok
}

// Set stores a copy of key with it.
func (m *Map) Set(key []byte, it hint.Item) {
	s := m.shardFor(key)

	s.Lock()
	s.data[string(key)] = it
	s.Unlock()
}

// Remove deletes key. Missing keys are ignored.
func (m *Map) Remove(key []byte) {
	s := m.shardFor(key)

	s.Lock()
	delete(s.data, string(key))
	s.Unlock()
}

// Len returns the number of keys. It is not atomic across shards.
func (m *Map) Len() int {
	total := 0

	for _, s := range m.shards {
		s.RLock()
		total += len(s.data)
		s.RUnlock()
	}

	return total
}

// Visit calls fn for every entry, one shard at a time, until fn returns
// false. fn must not modify m.
func (m *Map) Visit(fn func(key []byte, it hint.Item) bool) {
	for _, s := range m.shards {
		s.RLock()

		for k, it := range s.data {
			if !fn([]byte(k), it) {
				s.RUnlock()

				return
			}
		}

		s.RUnlock()
	}
}
