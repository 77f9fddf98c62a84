package engine

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/gguf"
	"github.com/23skdu/longbow-bodkin/internal/quant"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

func openWeight(t *testing.T, wt gguf.WriterTensor) *Weight {
	t.Helper()
	path := filepath.Join(t.TempDir(), "w.gguf")
	if err := gguf.WriteFile(path, nil, []gguf.WriterTensor{wt}); err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })

	ti, ok := f.Tensor(wt.Name)
	if !ok {
		t.Fatalf("tensor %q missing", wt.Name)
	}
	w, err := newWeight(ti)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWeightQ8MatVecMatchesDequantize(t *testing.T) {
	const rows, cols = 8, 64
	rng := rand.New(rand.NewSource(21))
	vals := make([]float32, rows*cols)
	for i := range vals {
		vals[i] = rng.Float32()*2 - 1
	}

	w := openWeight(t, gguf.WriterTensor{
		Name: "w", Dims: []uint64{cols, rows}, Type: quant.TypeQ8_0, Values: vals,
	})
	if w.Rows != rows || w.Cols != cols {
		t.Fatalf("shape: got %dx%d", w.Rows, w.Cols)
	}

	x := make([]float32, cols)
	for i := range x {
		x[i] = rng.Float32()
	}

	out := make([]float32, rows)
	w.MatVec(simd.Scalar(), x, out, 2)

	dec := make([]float32, cols)
	for r := 0; r < rows; r++ {
		if err := w.Row(r, dec); err != nil {
			t.Fatal(err)
		}
		var want float32
		for i := range dec {
			want += dec[i] * x[i]
		}
		if math.Abs(float64(out[r]-want)) > 1e-3 {
			t.Errorf("row %d: got %v want %v", r, out[r], want)
		}
	}
}

func TestWeightVectorDecodesEagerly(t *testing.T) {
	vals := []float32{1, 2, 3, 4}
	w := openWeight(t, gguf.WriterTensor{
		Name: "v", Dims: []uint64{4}, Type: quant.TypeF32, Values: vals,
	})

	if w.Rows != 1 || w.Cols != 4 {
		t.Fatalf("shape: got %dx%d", w.Rows, w.Cols)
	}
	vec := w.Vec()
	for i := range vals {
		if vec[i] != vals[i] {
			t.Errorf("elem %d: got %v want %v", i, vec[i], vals[i])
		}
	}
}
