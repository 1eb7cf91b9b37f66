package dedup

import (
	"container/list"
	"hash/fnv"
	"strings"
	"sync"
)

// PairCache is a bounded, thread-safe LRU map from a canonicalized text-pair
// hash to the classifier verdict for that pair. The key is order-independent:
// verifying (a, b) and (b, a) hit the same entry.
type PairCache struct {
	mu      sync.Mutex
	maxSize int
	list    *list.List
	items   map[uint64]*list.Element
}

type pairEntry struct {
	key     uint64
	verdict Verdict
}

// NewPairCache creates a cache bounded at maxSize entries.
func NewPairCache(maxSize int) *PairCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &PairCache{
		maxSize: maxSize,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

// PairKey computes the order-independent hash of two texts. Both texts are
// lower-cased and whitespace-normalized first; the lexically smaller text is
// hashed before the larger one.
func PairKey(a, b string) uint64 {
	ca := canonicalize(a)
	cb := canonicalize(b)
	if ca > cb {
		ca, cb = cb, ca
	}
	h := fnv.New64a()
	h.Write([]byte(ca))
	h.Write([]byte{0})
	h.Write([]byte(cb))
	return h.Sum64()
}

func canonicalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Get returns the cached verdict for a key, refreshing its recency.
func (c *PairCache) Get(key uint64) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return "", false
	}
	c.list.MoveToFront(elem)
	return elem.Value.(*pairEntry).verdict, true
}

// Put stores a verdict, evicting the least recently used entry when full.
func (c *PairCache) Put(key uint64, verdict Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*pairEntry).verdict = verdict
		c.list.MoveToFront(elem)
		return
	}

	if c.list.Len() >= c.maxSize {
		oldest := c.list.Back()
		if oldest != nil {
			c.list.Remove(oldest)
			delete(c.items, oldest.Value.(*pairEntry).key)
		}
	}

	c.items[key] = c.list.PushFront(&pairEntry{key: key, verdict: verdict})
}

// Len returns the number of cached entries.
func (c *PairCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
