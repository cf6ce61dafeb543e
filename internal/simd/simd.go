package simd

import "math"

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecScale performs dst *= scale for float32 vectors
func VecScale(dst []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= scale
		dst[i+1] *= scale
		dst[i+2] *= scale
		dst[i+3] *= scale
	}
	for ; i < len(dst); i++ {
		dst[i] *= scale
	}
}

// MaxVal returns the maximum element of a non-empty float32 vector
func MaxVal(row []float32) float32 {
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Softmax applies a numerically stable softmax in-place to a row.
// The row maximum is subtracted before exponentiation so large scores
// cannot overflow.
func Softmax(row []float32) {
	if len(row) == 0 {
		return
	}

	max := MaxVal(row)

	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - max)))
		row[i] = e
		sum += e
	}

	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}
