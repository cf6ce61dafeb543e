package block

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// SelfAttention is a multi-head self-attention block. It projects a
// flat activation into per-head queries, keys, and values, runs the
// attention operator over them, and projects the merged heads back to
// model width.
//
// Projections go through blas32, so swapping in an accelerated BLAS
// implementation speeds this layer up without code changes.
type SelfAttention struct {
	ModelDim int
	NumHeads int
	HeadDim  int

	op attention.Operator

	Wq, Wk, Wv, Wo blas32.General
	Bq, Bk, Bv, Bo []float32
}

// NewSelfAttention creates a block with Xavier-initialized weights
// drawn from rng. The operator decides how the attention itself runs;
// any dispatcher or core works.
func NewSelfAttention(modelDim, numHeads int, op attention.Operator, rng *rand.Rand) (*SelfAttention, error) {
	if modelDim <= 0 || numHeads <= 0 {
		return nil, fmt.Errorf("block: model dim %d and heads %d must be positive", modelDim, numHeads)
	}
	if modelDim%numHeads != 0 {
		return nil, fmt.Errorf("block: model dim %d not divisible by %d heads", modelDim, numHeads)
	}
	if op == nil {
		return nil, fmt.Errorf("block: attention operator is required")
	}
	if rng == nil {
		return nil, fmt.Errorf("block: weight initialization needs an explicit random source")
	}

	s := &SelfAttention{
		ModelDim: modelDim,
		NumHeads: numHeads,
		HeadDim:  modelDim / numHeads,
		op:       op,
		Wq:       newGeneral(modelDim, modelDim),
		Wk:       newGeneral(modelDim, modelDim),
		Wv:       newGeneral(modelDim, modelDim),
		Wo:       newGeneral(modelDim, modelDim),
		Bq:       make([]float32, modelDim),
		Bk:       make([]float32, modelDim),
		Bv:       make([]float32, modelDim),
		Bo:       make([]float32, modelDim),
	}
	xavierInit(s.Wq, rng)
	xavierInit(s.Wk, rng)
	xavierInit(s.Wv, rng)
	xavierInit(s.Wo, rng)
	return s, nil
}

func newGeneral(r, c int) blas32.General {
	return blas32.General{
		Rows:   r,
		Cols:   c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// xavierInit fills a weight matrix with Xavier/Glorot uniform values.
func xavierInit(m blas32.General, rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(m.Rows+m.Cols))
	for i := range m.Data {
		m.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

// Forward runs the block over a flat row-major activation of shape
// (batch*seq, ModelDim) and returns an activation of the same shape.
// The attention config passes straight through to the operator, so
// masks, dropout, and scale overrides behave exactly as they do on the
// operator itself.
func (s *SelfAttention) Forward(x []float32, batch, seq int, cfg attention.Config) ([]float32, error) {
	if batch < 0 || seq < 0 {
		return nil, fmt.Errorf("block: negative batch %d or seq %d", batch, seq)
	}
	if len(x) != batch*seq*s.ModelDim {
		return nil, fmt.Errorf("block: input length %d does not match batch %d x seq %d x model %d",
			len(x), batch, seq, s.ModelDim)
	}
	tokens := batch * seq

	qFlat := s.project(x, tokens, s.Wq, s.Bq)
	kFlat := s.project(x, tokens, s.Wk, s.Bk)
	vFlat := s.project(x, tokens, s.Wv, s.Bv)

	q := SplitHeads(qFlat, batch, seq, s.NumHeads, s.HeadDim)
	k := SplitHeads(kFlat, batch, seq, s.NumHeads, s.HeadDim)
	v := SplitHeads(vFlat, batch, seq, s.NumHeads, s.HeadDim)

	pool.PutActivation(qFlat)
	pool.PutActivation(kFlat)
	pool.PutActivation(vFlat)

	contextLayer, err := s.op.Compute(q, k, v, cfg)
	if err != nil {
		return nil, err
	}

	merged := MergeHeads(contextLayer)
	out := s.project(merged, tokens, s.Wo, s.Bo)
	pool.PutActivation(merged)

	return out, nil
}

// project computes x*w + bias for a flat (rows, w.Rows) activation.
// The returned buffer comes from the pool; the caller owns it.
func (s *SelfAttention) project(x []float32, rows int, w blas32.General, bias []float32) []float32 {
	out := pool.GetActivation(rows * w.Cols)
	if rows == 0 {
		return out
	}

	a := blas32.General{Rows: rows, Cols: w.Rows, Stride: w.Rows, Data: x}
	c := blas32.General{Rows: rows, Cols: w.Cols, Stride: w.Cols, Data: out}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, w, 0, c)

	for r := 0; r < rows; r++ {
		simd.VecAdd(out[r*w.Cols:(r+1)*w.Cols], bias)
	}
	return out
}

// SplitHeads reshapes a flat (batch*seq, heads*headDim) activation
// into the (batch, heads, seq, headDim) layout the attention operator
// works on.
func SplitHeads(x []float32, batch, seq, heads, headDim int) *tensor.Tensor {
	t := tensor.New(batch, heads, seq, headDim)
	model := heads * headDim
	for b := 0; b < batch; b++ {
		for i := 0; i < seq; i++ {
			row := x[(b*seq+i)*model : (b*seq+i+1)*model]
			for h := 0; h < heads; h++ {
				copy(t.Row(b, h, i), row[h*headDim:(h+1)*headDim])
			}
		}
	}
	return t
}

// MergeHeads is the inverse of SplitHeads: heads are laid back side by
// side per token.
func MergeHeads(t *tensor.Tensor) []float32 {
	batch, heads, seq, headDim := t.Dims()
	model := heads * headDim
	out := make([]float32, batch*seq*model)
	for b := 0; b < batch; b++ {
		for i := 0; i < seq; i++ {
			row := out[(b*seq+i)*model : (b*seq+i+1)*model]
			for h := 0; h < heads; h++ {
				copy(row[h*headDim:(h+1)*headDim], t.Row(b, h, i))
			}
		}
	}
	return out
}
