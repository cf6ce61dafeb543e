package attention

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// ensure interface compliance
var _ Operator = (*Dispatcher)(nil)

// Dispatcher tries a fast-path kernel first and falls back to the
// manual path when the kernel declines. The kernel is bound at
// construction; there is no per-call variant negotiation, no retry,
// and no caching of declines across calls.
//
// Outcome contract:
//   - kernel succeeds: its output is returned untouched
//   - kernel declines (errors.Is ErrUnsupported): the manual path runs
//     and the decline never surfaces to the caller
//   - kernel fails any other way: the error propagates unchanged and
//     the manual path does NOT run
type Dispatcher struct {
	kernel Kernel
	core   *Core
}

// NewDispatcher binds the given kernel. A nil kernel yields a
// dispatcher that always runs the manual path, which makes it
// behaviorally identical to Core.
func NewDispatcher(k Kernel) *Dispatcher {
	return &Dispatcher{
		kernel: k,
		core:   NewCore(),
	}
}

// Compute validates once, then routes.
func (d *Dispatcher) Compute(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error) {
	// Shape validation happens before any path is tried so malformed
	// calls fail identically whether or not a kernel is bound.
	if err := validate(q, k, v, cfg); err != nil {
		return nil, err
	}

	if d.kernel == nil {
		out, _, err := d.core.run(q, k, v, cfg, false)
		return out, err
	}

	name := d.kernel.Name()
	fastpathAttempts.WithLabelValues(name).Inc()

	out, err := d.kernel.Attend(q, k, v, cfg)
	if err == nil {
		return out, nil
	}

	if errors.Is(err, ErrUnsupported) {
		fastpathDeclines.WithLabelValues(name).Inc()
		log.Debug().Str("kernel", name).Err(err).Msg("Fast path declined, using manual path")
		fallback, _, ferr := d.core.run(q, k, v, cfg, false)
		return fallback, ferr
	}

	fastpathFailures.WithLabelValues(name).Inc()
	return nil, err
}
