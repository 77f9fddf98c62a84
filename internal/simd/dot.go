package simd

import (
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/quant"
)

// dotF32Scalar is the reference implementation. All vector variants must
// agree with it within relative tolerance 1e-2.
func dotF32Scalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// dotF32Unroll8 accumulates in four independent lanes of stride 8, matching
// the accumulator layout of a 256-bit FMA loop.
func dotF32Unroll8(a, b []float32) float32 {
	n := len(a)
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+8 <= n; i += 8 {
		s0 += a[i]*b[i] + a[i+4]*b[i+4]
		s1 += a[i+1]*b[i+1] + a[i+5]*b[i+5]
		s2 += a[i+2]*b[i+2] + a[i+6]*b[i+6]
		s3 += a[i+3]*b[i+3] + a[i+7]*b[i+7]
	}
	sum := s0 + s1 + s2 + s3
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// dotF32Unroll16 widens the accumulation to eight lanes of stride 16 for
// 512-bit units.
func dotF32Unroll16(a, b []float32) float32 {
	n := len(a)
	var acc [8]float32
	i := 0
	for ; i+16 <= n; i += 16 {
		for l := 0; l < 8; l++ {
			acc[l] += a[i+l]*b[i+l] + a[i+l+8]*b[i+l+8]
		}
	}
	sum := acc[0] + acc[1] + acc[2] + acc[3] + acc[4] + acc[5] + acc[6] + acc[7]
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// MatVecF32 computes out = W·x for row-major W with len(out) rows of
// len(x) columns.
func (k *Kernel) MatVecF32(w, x, out []float32) {
	cols := len(x)
	for r := range out {
		out[r] = k.dot(w[r*cols:(r+1)*cols], x)
	}
}

// DotQ8Row computes the dot product of one Q8_0-encoded row against a dense
// vector without materializing the row: sum over blocks of
// d * sum_i(q_i * x_i). Identical across variants by construction.
func (k *Kernel) DotQ8Row(raw []byte, x []float32) float32 {
	numBlocks := len(x) / quant.BlockSizeQ8_0
	var sum float32
	for b := 0; b < numBlocks; b++ {
		block := raw[b*quant.BlockBytesQ8_0:]
		d := quant.Fp16ToFp32(binary.LittleEndian.Uint16(block[0:2]))
		qs := block[2 : 2+quant.BlockSizeQ8_0]
		xb := x[b*quant.BlockSizeQ8_0:]

		var s0, s1, s2, s3 float32
		for i := 0; i < quant.BlockSizeQ8_0; i += 4 {
			s0 += float32(int8(qs[i])) * xb[i]
			s1 += float32(int8(qs[i+1])) * xb[i+1]
			s2 += float32(int8(qs[i+2])) * xb[i+2]
			s3 += float32(int8(qs[i+3])) * xb[i+3]
		}
		sum += d * (s0 + s1 + s2 + s3)
	}
	return sum
}

// DotQ4Row computes the dot product of one Q4_0-encoded row against a dense
// vector. Byte j of a block packs element j (low nibble) and element j+16
// (high nibble); values decode as d*(q-8).
func (k *Kernel) DotQ4Row(raw []byte, x []float32) float32 {
	numBlocks := len(x) / quant.BlockSizeQ4_0
	var sum float32
	for b := 0; b < numBlocks; b++ {
		block := raw[b*quant.BlockBytesQ4_0:]
		d := quant.Fp16ToFp32(binary.LittleEndian.Uint16(block[0:2]))
		qs := block[2:18]
		xb := x[b*quant.BlockSizeQ4_0:]

		var lo, hi float32
		for j := 0; j < 16; j++ {
			lo += float32(int8(qs[j]&0x0F)-8) * xb[j]
			hi += float32(int8(qs[j]>>4)-8) * xb[j+16]
		}
		sum += d * (lo + hi)
	}
	return sum
}

// MatVecQ8 computes out = W·x for a Q8_0 row-major matrix given as raw
// block bytes.
func (k *Kernel) MatVecQ8(raw []byte, x, out []float32) {
	rowBytes := len(x) / quant.BlockSizeQ8_0 * quant.BlockBytesQ8_0
	for r := range out {
		out[r] = k.DotQ8Row(raw[r*rowBytes:(r+1)*rowBytes], x)
	}
}

// MatVecQ4 computes out = W·x for a Q4_0 row-major matrix given as raw
// block bytes.
func (k *Kernel) MatVecQ4(raw []byte, x, out []float32) {
	rowBytes := len(x) / quant.BlockSizeQ4_0 * quant.BlockBytesQ4_0
	for r := range out {
		out[r] = k.DotQ4Row(raw[r*rowBytes:(r+1)*rowBytes], x)
	}
}

// ParallelRows splits [0, rows) into contiguous chunks across at most
// `threads` workers (NumCPU when threads <= 0) and joins before returning.
// The per-step worker pool for attention heads and matrix rows: callers get
// synchronous semantics, parallelism never leaks out of a forward pass.
func ParallelRows(rows, threads int, fn func(start, end int)) {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if threads > rows {
		threads = rows
	}
	if threads <= 1 {
		fn(0, rows)
		return
	}

	chunk := (rows + threads - 1) / threads
	var wg sync.WaitGroup
	for start := 0; start < rows; start += chunk {
		end := start + chunk
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
