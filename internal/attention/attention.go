package attention

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Config carries the per-call options of a scaled dot-product attention
// invocation. The zero value requests plain inference-mode attention
// with the default 1/sqrt(headDim) scaling and no mask.
type Config struct {
	// Scale overrides the score scaling factor. Zero selects the
	// default 1/sqrt(headDim).
	Scale float32

	// Mask is an optional additive mask. Each axis must be either 1
	// (broadcast) or equal to the corresponding score axis
	// (batch, heads, targetLen, sourceLen). Masked positions carry a
	// large negative value; allowed positions carry zero.
	Mask *tensor.Tensor

	// DropoutP is the probability of zeroing an attention weight.
	// Must be in [0, 1). Only applied when Training is set.
	DropoutP float32

	// Training enables dropout. Inference calls leave it false so
	// DropoutP is ignored.
	Training bool

	// Rand is the explicit random source consumed by dropout.
	// Required when Training is set with DropoutP > 0; dropout never
	// reaches for an ambient global source. Two calls with
	// identically seeded sources draw identical dropout patterns.
	Rand *rand.Rand
}

// dropoutActive reports whether this call will consume Rand.
func (c Config) dropoutActive() bool {
	return c.Training && c.DropoutP > 0
}

// scaleOr resolves the effective score scale for the given head dim.
func (c Config) scaleOr(headDim int) float32 {
	if c.Scale != 0 {
		return c.Scale
	}
	return float32(1.0 / math.Sqrt(float64(headDim)))
}

// Operator is the caller-facing attention contract. Core and Dispatcher
// both satisfy it; which one a program runs with is fixed at
// construction time, not per call.
type Operator interface {
	// Compute runs scaled dot-product attention over
	// q (B, H, Tq, Dk), k (B, H, Ts, Dk), v (B, H, Ts, Dv) and
	// returns a fresh (B, H, Tq, Dv) tensor. Inputs are never
	// mutated.
	Compute(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error)
}

// validate checks every shape and config precondition shared by all
// execution paths. Violations surface as errors before any kernel runs,
// so the core and a fast path cannot disagree about what is malformed.
func validate(q, k, v *tensor.Tensor, cfg Config) error {
	if q == nil || k == nil || v == nil {
		return shapeErrorf("operands", "q, k, v must all be non-nil")
	}

	qb, qh, tq, dk := q.Dims()
	kb, kh, ts, kd := k.Dims()
	vb, vh, vs, _ := v.Dims()

	if kb != qb || vb != qb {
		return shapeErrorf("batch", "q=%d k=%d v=%d must match", qb, kb, vb)
	}
	if kh != qh || vh != qh {
		return shapeErrorf("heads", "q=%d k=%d v=%d must match", qh, kh, vh)
	}
	if kd != dk {
		return shapeErrorf("head dim", "q=%d k=%d must match for the score dot product", dk, kd)
	}
	if vs != ts {
		return shapeErrorf("source len", "k=%d v=%d must match", ts, vs)
	}
	if dk == 0 {
		return shapeErrorf("head dim", "must be positive, got 0")
	}

	if cfg.Mask != nil {
		mb, mh, mt, ms := cfg.Mask.Dims()
		if mb != 1 && mb != qb {
			return shapeErrorf("mask batch", "%d must be 1 or %d", mb, qb)
		}
		if mh != 1 && mh != qh {
			return shapeErrorf("mask heads", "%d must be 1 or %d", mh, qh)
		}
		if mt != 1 && mt != tq {
			return shapeErrorf("mask target len", "%d must be 1 or %d", mt, tq)
		}
		if ms != 1 && ms != ts {
			return shapeErrorf("mask source len", "%d must be 1 or %d", ms, ts)
		}
	}

	if cfg.DropoutP < 0 || cfg.DropoutP >= 1 {
		return shapeErrorf("dropout", "probability %v outside [0, 1)", cfg.DropoutP)
	}
	if cfg.dropoutActive() && cfg.Rand == nil {
		return shapeErrorf("dropout", "training dropout requires an explicit random source")
	}

	return nil
}

// maskIndex folds a score coordinate onto a broadcastable mask axis.
func maskIndex(i, axisLen int) int {
	if axisLen == 1 {
		return 0
	}
	return i
}
