package fastpath

import (
	"math"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// maxHeadDim is the widest head the fused kernel handles; wider heads
// fall back to the manual path.
const maxHeadDim = 128

// numWorkers defines the default parallelism for the fused kernel
var numWorkers = runtime.NumCPU()

// ensure interface compliance
var _ attention.Kernel = (*FusedCPU)(nil)

// FusedCPU is a single-pass attention kernel. Instead of materializing
// the full score matrix and softmaxing it in a second sweep, it keeps a
// running row maximum and exponential sum per target position and
// rescales the accumulated output whenever the maximum moves. One walk
// over the source axis per target row, no (Tq, Ts) score buffer.
type FusedCPU struct{}

func NewFusedCPU() *FusedCPU {
	return &FusedCPU{}
}

func (f *FusedCPU) Name() string {
	return "fused-cpu"
}

// Attend computes attention or declines with attention.ErrUnsupported
// for configurations outside the kernel's envelope: training dropout
// (the running pass has no weight matrix to drop), masks that broadcast
// along the score axes, heads wider than maxHeadDim, and empty
// sequences.
func (f *FusedCPU) Attend(q, k, v *tensor.Tensor, cfg attention.Config) (*tensor.Tensor, error) {
	batch, heads, tq, dk := q.Dims()
	_, _, ts, _ := k.Dims()
	_, _, _, dv := v.Dims()

	if cfg.Training && cfg.DropoutP > 0 {
		return nil, attention.Unsupportedf("training dropout needs the materialized weight matrix")
	}
	if dk > maxHeadDim {
		return nil, attention.Unsupportedf("head dim %d exceeds kernel limit %d", dk, maxHeadDim)
	}
	if tq == 0 || ts == 0 {
		return nil, attention.Unsupportedf("empty sequence")
	}
	if cfg.Mask != nil {
		_, _, mt, ms := cfg.Mask.Dims()
		if mt != tq || ms != ts {
			return nil, attention.Unsupportedf("mask (…, %d, %d) must be materialized to (…, %d, %d)", mt, ms, tq, ts)
		}
	}

	scale := cfg.Scale
	if scale == 0 {
		scale = float32(1.0 / math.Sqrt(float64(dk)))
	}

	out := tensor.New(batch, heads, tq, dv)
	items := batch * heads
	if items == 0 {
		return out, nil
	}

	workers := numWorkers
	if items < workers {
		workers = items
	}
	itemsPerWorker := (items + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * itemsPerWorker
		end := start + itemsPerWorker
		if start >= items {
			break
		}
		if end > items {
			end = items
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			acc := make([]float32, dv)
			for x := start; x < end; x++ {
				b := x / heads
				h := x % heads
				for i := 0; i < tq; i++ {
					fusedRow(q, k, v, out, cfg.Mask, scale, b, h, i, acc)
				}
			}
		}(start, end)
	}
	wg.Wait()

	return out, nil
}

// fusedRow runs the online-softmax accumulation for one target row.
// Invariant after step j: acc holds sum_{l<=j} exp(s_l - m) * V_l and
// sumExp holds sum_{l<=j} exp(s_l - m), with m the max score seen.
func fusedRow(q, k, v, out, mask *tensor.Tensor, scale float32, b, h, i int, acc []float32) {
	qRow := q.Row(b, h, i)
	_, _, ts, _ := k.Dims()

	var maskRow []float32
	if mask != nil {
		mb, mh, _, _ := mask.Dims()
		bi, hi := b, h
		if mb == 1 {
			bi = 0
		}
		if mh == 1 {
			hi = 0
		}
		maskRow = mask.Row(bi, hi, i)
	}

	for d := range acc {
		acc[d] = 0
	}
	maxVal := float32(math.Inf(-1))
	var sumExp float32

	for j := 0; j < ts; j++ {
		s := simd.DotProduct(qRow, k.Row(b, h, j)) * scale
		if maskRow != nil {
			s += maskRow[j]
		}

		if s > maxVal {
			// exp(-Inf) on the first step zeroes the empty state.
			corr := float32(math.Exp(float64(maxVal - s)))
			sumExp *= corr
			simd.VecScale(acc, corr)
			maxVal = s
		}

		w := float32(math.Exp(float64(s - maxVal)))
		sumExp += w
		simd.VecAddScaled(acc, v.Row(b, h, j), w)
	}

	outRow := out.Row(b, h, i)
	copy(outRow, acc)
	simd.VecScale(outRow, 1.0/sumExp)
}
