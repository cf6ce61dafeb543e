package attention

import (
	"runtime"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// numWorkers defines the default parallelism for the manual path
var numWorkers = runtime.NumCPU()

// ensure interface compliance
var _ Operator = (*Core)(nil)

// Core is the manual reference implementation of scaled dot-product
// attention. It always produces a result for valid inputs and is the
// semantic baseline every fast-path kernel is measured against:
// scores = scale * Q*K^T (+ mask), stable softmax over the source
// axis, optional inverted dropout, then the weighted sum over V.
type Core struct{}

func NewCore() *Core {
	return &Core{}
}

// Compute runs the manual path end to end.
func (c *Core) Compute(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error) {
	if err := validate(q, k, v, cfg); err != nil {
		return nil, err
	}
	out, _, err := c.run(q, k, v, cfg, false)
	return out, err
}

// ComputeWithWeights additionally returns the (B, H, Tq, Ts) weight
// tensor holding the coefficients actually applied to V, i.e. after
// softmax and after dropout when dropout is active.
func (c *Core) ComputeWithWeights(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := validate(q, k, v, cfg); err != nil {
		return nil, nil, err
	}
	return c.run(q, k, v, cfg, true)
}

// run assumes operands are already validated.
func (c *Core) run(q, k, v *tensor.Tensor, cfg Config, keepWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	batch, heads, tq, dk := q.Dims()
	_, _, ts, _ := k.Dims()
	_, _, _, dv := v.Dims()

	out := tensor.New(batch, heads, tq, dv)
	var weights *tensor.Tensor
	if keepWeights {
		weights = tensor.New(batch, heads, tq, ts)
	}

	// Zero-length target or source: empty result of the right shape,
	// no kernel work.
	if tq == 0 || ts == 0 {
		return out, weights, nil
	}

	scale := cfg.scaleOr(dk)
	items := batch * heads
	if items == 0 {
		return out, weights, nil
	}

	if cfg.dropoutActive() {
		// Dropout consumes the caller's random source. Process rows
		// in canonical (batch, head, target) order on a single
		// goroutine so identically seeded sources draw identical
		// patterns run to run.
		scores := make([]float32, ts)
		for b := 0; b < batch; b++ {
			for h := 0; h < heads; h++ {
				for i := 0; i < tq; i++ {
					attendRow(q, k, v, out, weights, cfg, scale, b, h, i, scores)
				}
			}
		}
		return out, weights, nil
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

			scores := make([]float32, ts)
			for x := start; x < end; x++ {
				b := x / heads
				h := x % heads
				for i := 0; i < tq; i++ {
					attendRow(q, k, v, out, weights, cfg, scale, b, h, i, scores)
				}
			}
		}(start, end)
	}
	wg.Wait()

	return out, weights, nil
}

// attendRow computes one target row: scores against every source
// position, mask, softmax, dropout, then the weighted sum over V.
func attendRow(q, k, v, out, weights *tensor.Tensor, cfg Config, scale float32, b, h, i int, scores []float32) {
	qRow := q.Row(b, h, i)
	ts := len(scores)

	for j := 0; j < ts; j++ {
		scores[j] = simd.DotProduct(qRow, k.Row(b, h, j)) * scale
	}

	if cfg.Mask != nil {
		addMaskRow(scores, cfg.Mask, b, h, i)
	}

	simd.Softmax(scores)

	if cfg.dropoutActive() {
		invKeep := 1.0 / (1.0 - cfg.DropoutP)
		for j := range scores {
			// One draw per weight regardless of outcome keeps the
			// source consumption aligned across identical calls.
			r := cfg.Rand.Float32()
			if r < cfg.DropoutP {
				scores[j] = 0
			} else {
				scores[j] *= invKeep
			}
		}
	}

	outRow := out.Row(b, h, i)
	for j, w := range scores {
		simd.VecAddScaled(outRow, v.Row(b, h, j), w)
	}

	if weights != nil {
		copy(weights.Row(b, h, i), scores)
	}
}

// addMaskRow adds the mask row for target position (b, h, i) onto the
// scores, resolving broadcast axes.
func addMaskRow(scores []float32, mask *tensor.Tensor, b, h, i int) {
	mb, mh, mt, ms := mask.Dims()
	row := mask.Row(maskIndex(b, mb), maskIndex(h, mh), maskIndex(i, mt))

	if ms == len(scores) {
		simd.VecAdd(scores, row)
		return
	}
	// Source axis broadcast: a single bias for the whole row.
	for j := range scores {
		scores[j] += row[0]
	}
}
