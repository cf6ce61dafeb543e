package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense 4D float32 array with semantic axes
// (batch, heads, seqLen, dim), stored row-major in a flat slice.
// Element (b, h, i, d) lives at ((b*heads+h)*seqLen+i)*dim + d.
type Tensor struct {
	batch  int
	heads  int
	seqLen int
	dim    int
	data   []float32
}

// New allocates a zero-filled tensor of the given shape.
// Negative axis sizes panic; zero-length axes are legal and yield
// an empty backing slice.
func New(batch, heads, seqLen, dim int) *Tensor {
	if batch < 0 || heads < 0 || seqLen < 0 || dim < 0 {
		panic(fmt.Sprintf("tensor: negative dimension (%d, %d, %d, %d)", batch, heads, seqLen, dim))
	}
	return &Tensor{
		batch:  batch,
		heads:  heads,
		seqLen: seqLen,
		dim:    dim,
		data:   make([]float32, batch*heads*seqLen*dim),
	}
}

// FromData builds a tensor over a copy of data. Unlike New it never
// panics; it is the constructor for untrusted wire shapes. The length
// of data must equal the product of the axis sizes.
func FromData(batch, heads, seqLen, dim int, data []float32) (*Tensor, error) {
	if batch < 0 || heads < 0 || seqLen < 0 || dim < 0 {
		return nil, fmt.Errorf("tensor: negative dimension (%d, %d, %d, %d)", batch, heads, seqLen, dim)
	}
	// The product is built up one axis at a time so a huge claimed
	// shape errors out instead of wrapping around to a small count.
	size := batch
	for _, n := range []int{heads, seqLen, dim} {
		if n != 0 && size > math.MaxInt/n {
			return nil, fmt.Errorf("tensor: shape (%d, %d, %d, %d) overflows the element count", batch, heads, seqLen, dim)
		}
		size *= n
	}
	if len(data) != size {
		return nil, fmt.Errorf("tensor: data length %d does not match shape (%d, %d, %d, %d) = %d elements",
			len(data), batch, heads, seqLen, dim, size)
	}
	t := New(batch, heads, seqLen, dim)
	copy(t.data, data)
	return t, nil
}

// Dims returns the axis sizes (batch, heads, seqLen, dim).
func (t *Tensor) Dims() (batch, heads, seqLen, dim int) {
	return t.batch, t.heads, t.seqLen, t.dim
}

// Len returns the total number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// At returns the value at (b, h, i, d).
func (t *Tensor) At(b, h, i, d int) float32 {
	return t.data[((b*t.heads+h)*t.seqLen+i)*t.dim+d]
}

// Set writes the value at (b, h, i, d).
func (t *Tensor) Set(b, h, i, d int, v float32) {
	t.data[((b*t.heads+h)*t.seqLen+i)*t.dim+d] = v
}

// Row returns the innermost vector at (b, h, i) as a slice view into
// the backing array. Mutating the returned slice mutates the tensor.
func (t *Tensor) Row(b, h, i int) []float32 {
	start := ((b*t.heads+h)*t.seqLen + i) * t.dim
	return t.data[start : start+t.dim]
}

// Data returns the flat backing slice without copying.
func (t *Tensor) Data() []float32 {
	return t.data
}

// ToHost returns a copy of the flat data.
func (t *Tensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.batch, t.heads, t.seqLen, t.dim)
	copy(c.data, t.data)
	return c
}

// SameShape reports whether the two tensors have identical axis sizes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.batch == o.batch && t.heads == o.heads && t.seqLen == o.seqLen && t.dim == o.dim
}

// ShapeString renders the shape for error messages and logs.
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", t.batch, t.heads, t.seqLen, t.dim)
}
