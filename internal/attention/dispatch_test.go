package attention

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

// fakeKernel scripts a fast-path outcome and counts invocations.
type fakeKernel struct {
	name  string
	calls int
	fn    func(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error)
}

func (f *fakeKernel) Name() string { return f.name }

func (f *fakeKernel) Attend(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error) {
	f.calls++
	return f.fn(q, k, v, cfg)
}

func decliningKernel(name string) *fakeKernel {
	return &fakeKernel{name: name, fn: func(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error) {
		return nil, Unsupportedf("scripted decline")
	}}
}

func TestDispatcher_FallbackEqualsCore(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := randomTensor(rng, 2, 2, 4, 8)
	k := randomTensor(rng, 2, 2, 4, 8)
	v := randomTensor(rng, 2, 2, 4, 8)

	kern := decliningKernel("always-decline")
	d := NewDispatcher(kern)

	got, err := d.Compute(q, k, v, Config{})
	require.NoError(t, err, "decline must be recovered, never surfaced")
	require.Equal(t, 1, kern.calls)

	want, err := NewCore().Compute(q, k, v, Config{})
	require.NoError(t, err)

	assert.Equal(t, want.Data(), got.Data(), "fallback output must be identical to the manual path")
}

func TestDispatcher_FastPathOutputUntouched(t *testing.T) {
	q := tensor.New(1, 1, 2, 4)
	k := tensor.New(1, 1, 2, 4)
	v := tensor.New(1, 1, 2, 4)

	canned := tensor.New(1, 1, 2, 4)
	canned.Set(0, 0, 0, 0, 123.5)

	kern := &fakeKernel{name: "always-succeed", fn: func(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error) {
		return canned, nil
	}}

	got, err := NewDispatcher(kern).Compute(q, k, v, Config{})
	require.NoError(t, err)

	// The exact tensor the kernel produced, no copy, no rewrite.
	assert.Same(t, canned, got)
	assert.Equal(t, 1, kern.calls)
}

func TestDispatcher_FatalPropagates(t *testing.T) {
	q := tensor.New(1, 1, 2, 4)
	k := tensor.New(1, 1, 2, 4)
	v := tensor.New(1, 1, 2, 4)

	fatal := errors.New("device lost")
	kern := &fakeKernel{name: "always-fatal", fn: func(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error) {
		return nil, fatal
	}}

	out, err := NewDispatcher(kern).Compute(q, k, v, Config{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, fatal, "fatal kernel errors must propagate unchanged")
	assert.False(t, errors.Is(err, ErrUnsupported))
	assert.Equal(t, 1, kern.calls, "no retry after a fatal failure")
}

func TestDispatcher_NilKernelEqualsCore(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	q := randomTensor(rng, 1, 2, 3, 8)
	k := randomTensor(rng, 1, 2, 5, 8)
	v := randomTensor(rng, 1, 2, 5, 8)

	got, err := NewDispatcher(nil).Compute(q, k, v, Config{})
	require.NoError(t, err)

	want, err := NewCore().Compute(q, k, v, Config{})
	require.NoError(t, err)

	assert.Equal(t, want.Data(), got.Data())
}

func TestDispatcher_ValidatesBeforeKernel(t *testing.T) {
	kern := decliningKernel("never-reached")
	d := NewDispatcher(kern)

	q := tensor.New(2, 2, 3, 4)
	k := tensor.New(1, 2, 3, 4) // batch mismatch
	v := tensor.New(1, 2, 3, 4)

	_, err := d.Compute(q, k, v, Config{})
	require.Error(t, err)

	var shapeErr *ShapeError
	assert.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, 0, kern.calls, "malformed calls must fail before any path runs")
}

func TestDispatcher_DropoutSurvivesFallback(t *testing.T) {
	// A kernel decline must not eat the dropout config: the manual
	// path still consumes the caller's random source.
	rng := rand.New(rand.NewSource(7))
	q := randomTensor(rng, 1, 1, 6, 8)
	k := randomTensor(rng, 1, 1, 6, 8)
	v := randomTensor(rng, 1, 1, 6, 8)

	cfg := func() Config {
		return Config{DropoutP: 0.4, Training: true, Rand: rand.New(rand.NewSource(77))}
	}

	viaDispatcher, err := NewDispatcher(decliningKernel("decline")).Compute(q, k, v, cfg())
	require.NoError(t, err)

	viaCore, err := NewCore().Compute(q, k, v, cfg())
	require.NoError(t, err)

	assert.Equal(t, viaCore.Data(), viaDispatcher.Data())
}

func TestDispatcher_Metrics(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	q := randomTensor(rng, 1, 1, 2, 4)
	k := randomTensor(rng, 1, 1, 2, 4)
	v := randomTensor(rng, 1, 1, 2, 4)

	const name = "metrics-probe"
	startAttempts := getMetricValue(fastpathAttempts.WithLabelValues(name))
	startDeclines := getMetricValue(fastpathDeclines.WithLabelValues(name))
	startFailures := getMetricValue(fastpathFailures.WithLabelValues(name))

	kern := decliningKernel(name)
	d := NewDispatcher(kern)

	_, err := d.Compute(q, k, v, Config{})
	require.NoError(t, err)

	kern.fn = func(q, k, v *tensor.Tensor, cfg Config) (*tensor.Tensor, error) {
		return nil, errors.New("boom")
	}
	_, err = d.Compute(q, k, v, Config{})
	require.Error(t, err)

	assert.Equal(t, 2.0, getMetricValue(fastpathAttempts.WithLabelValues(name))-startAttempts)
	assert.Equal(t, 1.0, getMetricValue(fastpathDeclines.WithLabelValues(name))-startDeclines)
	assert.Equal(t, 1.0, getMetricValue(fastpathFailures.WithLabelValues(name))-startFailures)
}

func TestRegistry(t *testing.T) {
	clearRegistry()
	defer clearRegistry()

	assert.Nil(t, Registered())

	kern := decliningKernel("registered-kernel")
	Register(kern)
	require.Same(t, kern, Registered())

	// Second registration is a wiring bug and panics.
	assert.Panics(t, func() {
		Register(decliningKernel("second"))
	})
}

func TestUnsupportedf(t *testing.T) {
	err := Unsupportedf("head dim %d exceeds tile width", 256)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Contains(t, err.Error(), "head dim 256")
}
