package block

import (
	"sync"
)

// BufferPool provides pooled activation buffers for intermediate
// projections. This dramatically reduces allocations during block
// forward passes.
type BufferPool struct {
	activations sync.Pool
}

// Global buffer pool
var pool = &BufferPool{}

// GetActivation gets a zeroed buffer of length n from the pool.
func (p *BufferPool) GetActivation(n int) []float32 {
	if v := p.activations.Get(); v != nil {
		buf := v.([]float32)
		if cap(buf) >= n {
			buf = buf[:n]
			// Zero only the region we hand out
			for i := range buf {
				buf[i] = 0
			}
			return buf
		}
	}
	return make([]float32, n)
}

// PutActivation returns a buffer to the pool.
func (p *BufferPool) PutActivation(buf []float32) {
	if buf != nil {
		p.activations.Put(buf)
	}
}
