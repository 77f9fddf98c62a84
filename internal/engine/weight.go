package engine

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/gguf"
	"github.com/23skdu/longbow-bodkin/internal/quant"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// Weight wraps one tensor descriptor for use by the executor. Matrix rows
// are consumed either directly in quantized form (Q4_0/Q8_0 kernels) or
// decoded row by row into scratch; 1-D tensors are decoded once at bind
// time since they are tiny and read every pass.
type Weight struct {
	Name string
	Type quant.Type
	Rows int
	Cols int

	raw []byte
	vec []float32 // eager decode, 1-D tensors only
}

func (m *Model) weight(name string) (*Weight, error) {
	t, ok := m.File.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("model is missing tensor %q", name)
	}
	return newWeight(t)
}

func newWeight(t *gguf.TensorInfo) (*Weight, error) {
	w := &Weight{
		Name: t.Name,
		Type: t.Type,
		raw:  t.Data(),
	}
	switch len(t.Dimensions) {
	case 1:
		w.Rows = 1
		w.Cols = int(t.Dimensions[0])
	case 2:
		// Container dimension order is [cols, rows] for row-major weights.
		w.Cols = int(t.Dimensions[0])
		w.Rows = int(t.Dimensions[1])
	default:
		return nil, fmt.Errorf("tensor %q: unsupported rank %d", t.Name, len(t.Dimensions))
	}

	if w.Rows == 1 {
		vec, err := quant.Dequantize(w.Type, w.raw, w.Cols)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		w.vec = vec
	}
	return w, nil
}

// Vec returns the eagerly decoded values of a 1-D tensor.
func (w *Weight) Vec() []float32 {
	return w.vec
}

// rowBytes is the encoded length of one matrix row.
func (w *Weight) rowBytes() int {
	return int(w.Type.SizeBytes(uint64(w.Cols)))
}

// Row decodes matrix row r into dst (len Cols).
func (w *Weight) Row(r int, dst []float32) error {
	rb := w.rowBytes()
	return quant.DequantizeInto(w.Type, w.raw[r*rb:(r+1)*rb], dst)
}

// MatVec computes out = W·x with len(out) == Rows and len(x) == Cols,
// splitting rows across the joined worker pool. Q4_0 and Q8_0 rows are
// consumed in place without materializing the dequantized matrix; other
// types decode one row at a time into per-worker scratch, keeping peak
// memory at one row per worker.
func (w *Weight) MatVec(k *simd.Kernel, x, out []float32, threads int) {
	rb := w.rowBytes()
	switch w.Type {
	case quant.TypeQ8_0:
		simd.ParallelRows(w.Rows, threads, func(start, end int) {
			for r := start; r < end; r++ {
				out[r] = k.DotQ8Row(w.raw[r*rb:(r+1)*rb], x)
			}
		})
	case quant.TypeQ4_0:
		simd.ParallelRows(w.Rows, threads, func(start, end int) {
			for r := start; r < end; r++ {
				out[r] = k.DotQ4Row(w.raw[r*rb:(r+1)*rb], x)
			}
		})
	default:
		simd.ParallelRows(w.Rows, threads, func(start, end int) {
			scratch := make([]float32, w.Cols)
			for r := start; r < end; r++ {
				if err := quant.DequantizeInto(w.Type, w.raw[r*rb:(r+1)*rb], scratch); err != nil {
					// Types are validated at load; a failure here is a bug.
					panic(fmt.Sprintf("decode row %d of %s: %v", r, w.Name, err))
				}
				out[r] = k.DotF32(scratch, x)
			}
		})
	}
}
