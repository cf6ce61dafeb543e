package cache

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// MaskedScore is the additive penalty for a hidden position. It is
// large enough that the position's weight underflows to zero after
// normalization, yet keeps every score finite so a fully hidden row
// still produces finite output.
const MaskedScore float32 = -1e9

// MaskCache defines a generic interface for caching attention masks.
type MaskCache interface {
	// Get retrieves a mask from the cache.
	Get(key string) (*tensor.Tensor, bool)
	// Put stores a mask in the cache.
	Put(key string, m *tensor.Tensor)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of MaskCache.
// Cached masks are shared, not copied; callers must treat them as
// read-only.
type MapCache struct {
	data map[string]*tensor.Tensor
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string]*tensor.Tensor),
	}
}

func (c *MapCache) Get(key string) (*tensor.Tensor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.data[key]
	return m, ok
}

func (c *MapCache) Put(key string, m *tensor.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = m
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Causal returns the causal mask for a target length tq attending over
// a source length ts, built once per shape and cached. Target row i may
// see source positions j <= i+(ts-tq), so the final target row sees the
// whole source even when the lengths differ. A target longer than the
// source leaves the earliest rows with nothing to see; those rows come
// back fully masked.
//
// The mask is shaped (1, 1, tq, ts) and broadcasts over batch and
// heads. Racing misses may build the mask twice; both results are
// identical and either may end up cached.
func Causal(c MaskCache, tq, ts int) *tensor.Tensor {
	key := fmt.Sprintf("causal:%d:%d", tq, ts)
	if m, ok := c.Get(key); ok {
		return m
	}

	m := tensor.New(1, 1, tq, ts)
	offset := ts - tq
	for i := 0; i < tq; i++ {
		start := i + offset + 1
		if start < 0 {
			start = 0
		}
		for j := start; j < ts; j++ {
			m.Set(0, 0, i, j, MaskedScore)
		}
	}
	c.Put(key, m)
	return m
}

// PaddingMask hides source positions at or beyond each sequence's real
// length. The result is shaped (len(lengths), 1, 1, ts) and broadcasts
// over heads and target positions. Padding masks depend on per-request
// lengths, so they are built fresh rather than cached.
func PaddingMask(lengths []int, ts int) *tensor.Tensor {
	m := tensor.New(len(lengths), 1, 1, ts)
	for b, n := range lengths {
		if n < 0 {
			n = 0
		}
		for j := n; j < ts; j++ {
			m.Set(b, 0, 0, j, MaskedScore)
		}
	}
	return m
}
