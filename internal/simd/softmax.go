package simd

import "math"

// Softmax normalizes x in place using the max-shifted formulation. Exact
// math.Exp is used on every variant: attention weights and sampling both
// depend on softmax being deterministic across kernels.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

// RMSNorm writes out = x * weight / rms(x). Row-level primitive shared by
// every layer norm site in the forward pass.
func RMSNorm(x, weight, out []float32, eps float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	inv := 1 / float32(math.Sqrt(float64(ss/float32(len(x)))+float64(eps)))
	for i := range x {
		out[i] = x[i] * inv * weight[i]
	}
}

// SwiGLU writes out = up * gate * sigmoid(gate), the gated FFN activation.
func SwiGLU(gate, up, out []float32) {
	for i := range gate {
		g := gate[i]
		sigmoid := 1 / (1 + float32(math.Exp(float64(-g))))
		out[i] = up[i] * g * sigmoid
	}
}
