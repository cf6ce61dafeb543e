package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/cache"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var tracer = otel.Tracer("bodkin-engine")

// Request is one attention computation.
type Request struct {
	Q, K, V *tensor.Tensor

	// Mask is an explicit additive mask. Causal asks the engine to
	// build and cache the standard causal mask instead; the two are
	// mutually exclusive.
	Mask   *tensor.Tensor
	Causal bool

	// Scale overrides the 1/sqrt(head_dim) default when non-zero.
	Scale float32

	DropoutP float32
	Training bool

	// Seed feeds the dropout source. Same seed, same drop pattern.
	Seed int64
}

// StreamResult is one finished request from AttendBatch.
type StreamResult struct {
	Index  int
	Output *tensor.Tensor
	Err    error
}

// Engine runs attention requests through a configured operator. It
// owns the mask cache, so repeated causal requests of the same shape
// reuse one mask.
type Engine struct {
	op    attention.Operator
	masks cache.MaskCache
}

// New creates an engine around the given operator. Any operator works:
// the plain core, or a dispatcher wrapping a fast-path kernel.
func New(op attention.Operator) *Engine {
	return &Engine{
		op:    op,
		masks: cache.NewMapCache(),
	}
}

// Attend runs a single request.
func (e *Engine) Attend(ctx context.Context, req Request) (*tensor.Tensor, error) {
	ctx, span := tracer.Start(ctx, "Attend")
	defer span.End()

	start := time.Now()
	defer func() {
		attendDuration.Observe(time.Since(start).Seconds())
	}()
	attendTotal.Inc()

	if err := ctx.Err(); err != nil {
		attendErrors.WithLabelValues("canceled").Inc()
		return nil, err
	}

	cfg, err := e.buildConfig(req)
	if err != nil {
		span.RecordError(err)
		attendErrors.WithLabelValues("config").Inc()
		return nil, err
	}

	if req.Q != nil {
		b, h, tq, _ := req.Q.Dims()
		span.SetAttributes(
			attribute.Int("batch", b),
			attribute.Int("heads", h),
			attribute.Int("target_len", tq),
		)
	}

	out, err := e.op.Compute(req.Q, req.K, req.V, cfg)
	if err != nil {
		span.RecordError(err)
		attendErrors.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}
	return out, nil
}

// AttendBatch runs requests in order, streaming results as they
// finish. The channel closes once every request is done or the
// context ends, whichever comes first.
func (e *Engine) AttendBatch(ctx context.Context, reqs []Request) <-chan StreamResult {
	out := make(chan StreamResult, len(reqs))
	go func() {
		defer close(out)
		for i, req := range reqs {
			if ctx.Err() != nil {
				return
			}
			res, err := e.Attend(ctx, req)
			out <- StreamResult{Index: i, Output: res, Err: err}
		}
	}()
	return out
}

func (e *Engine) buildConfig(req Request) (attention.Config, error) {
	cfg := attention.Config{
		Scale:    req.Scale,
		Mask:     req.Mask,
		DropoutP: req.DropoutP,
		Training: req.Training,
	}

	if req.Causal {
		if req.Mask != nil {
			return cfg, fmt.Errorf("engine: request carries both an explicit mask and the causal flag")
		}
		if req.Q == nil || req.K == nil {
			return cfg, fmt.Errorf("engine: causal mask needs query and key shapes")
		}
		_, _, tq, _ := req.Q.Dims()
		_, _, ts, _ := req.K.Dims()
		cfg.Mask = cache.Causal(e.masks, tq, ts)
	}

	if req.Training && req.DropoutP > 0 {
		cfg.Rand = rand.New(rand.NewSource(req.Seed))
	}
	return cfg, nil
}

func errorKind(err error) string {
	var shapeErr *attention.ShapeError
	if errors.As(err, &shapeErr) {
		return "shape"
	}
	return "internal"
}
