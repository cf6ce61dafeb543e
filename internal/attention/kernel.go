package attention

import (
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Kernel is a fast-path attention capability: a fused CPU kernel, a
// remote accelerator sidecar, anything that can sometimes beat the
// manual path. A kernel inspects the operands it is given and either
// produces the full result or declines with an error wrapping
// ErrUnsupported. Declining is cheap and routine; kernels are expected
// to refuse dtypes, layouts, masks, and config they were not built for.
type Kernel interface {
	// Name identifies the kernel in logs and metrics.
	Name() string

	// Attend computes attention for operands it supports, or returns
	// an ErrUnsupported-wrapped error to route the call to the manual
	// path. Any other error is treated as fatal by the dispatcher.
	// Attend is only invoked on operands that already passed shape
	// validation.
	Attend(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error)
}

var (
	registryMu sync.Mutex
	registered Kernel
)

// Register installs k as the process-wide fast-path capability.
// At most one kernel can be registered per process; a second call
// panics. Registration normally happens once during startup wiring.
func Register(k Kernel) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registered != nil {
		panic("attention: fast-path kernel already registered: " + registered.Name())
	}
	registered = k
}

// Registered returns the installed fast-path kernel, or nil when the
// process runs without one.
func Registered() Kernel {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registered
}

// clearRegistry resets the process-wide kernel. Test use only.
func clearRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registered = nil
}
