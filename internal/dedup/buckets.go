package dedup

import (
	"hash/fnv"
	"sort"
	"sync"
)

// Buckets is a fixed set of shard mutexes keyed by keyword. Two submissions
// that share any keyword contend on at least one shard; unrelated
// submissions proceed in parallel. Keyword-disjoint items can still score
// through the semantic and title signals; Detector.Lock widens to LockAll
// when that alone could reach a merge.
type Buckets struct {
	shards []sync.Mutex
}

// NewBuckets returns n shards (at least one).
func NewBuckets(n int) *Buckets {
	return &Buckets{shards: make([]sync.Mutex, max(n, 1))}
}

// Shards returns the sorted, distinct shard indexes for keywords.
func (b *Buckets) Shards(keywords []string) []int {
	if len(keywords) == 0 {
		return []int{0}
	}
	seen := map[int]bool{}
	var out []int
	for _, k := range keywords {
		h := fnv.New32a()
		_, _ = h.Write([]byte(k))
		i := int(h.Sum32() % uint32(len(b.shards)))
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// Lock takes every shard of keywords in ascending order and returns the
// matching unlock.
func (b *Buckets) Lock(keywords []string) (unlock func()) {
	idx := b.Shards(keywords)
	for _, i := range idx {
		b.shards[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			b.shards[idx[j]].Unlock()
		}
	}
}

// LockAll takes every shard in ascending order. It excludes every Lock
// holder.
func (b *Buckets) LockAll() (unlock func()) {
	for i := range b.shards {
		b.shards[i].Lock()
	}
	return func() {
		for j := len(b.shards) - 1; j >= 0; j-- {
			b.shards[j].Unlock()
		}
	}
}
