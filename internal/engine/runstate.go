package engine

import "github.com/23skdu/longbow-bodkin/internal/config"

// runState holds the per-session scratch buffers one forward pass writes
// through. Allocated once per session so the token loop is allocation free.
type runState struct {
	x   []float32 // residual stream (dim)
	xb  []float32 // normed activation (dim)
	xb2 []float32 // attention/ffn output before residual add (dim)

	q []float32 // query vector (heads * headDim)
	k []float32 // key vector (kvHeads * headDim)
	v []float32 // value vector (kvHeads * headDim)

	hb  []float32 // ffn gate branch (hiddenDim)
	hb2 []float32 // ffn up branch (hiddenDim)

	// One score row per query head so heads can run in parallel.
	att [][]float32

	embed  []float32 // final-norm hidden state of the last pass (dim)
	logits []float32 // vocabSize
}

func newRunState(cfg *config.Config, window int) *runState {
	rs := &runState{
		x:      make([]float32, cfg.Dim),
		xb:     make([]float32, cfg.Dim),
		xb2:    make([]float32, cfg.Dim),
		q:      make([]float32, cfg.Heads*cfg.HeadDim),
		k:      make([]float32, cfg.KVDim()),
		v:      make([]float32, cfg.KVDim()),
		hb:     make([]float32, cfg.HiddenDim),
		hb2:    make([]float32, cfg.HiddenDim),
		att:    make([][]float32, cfg.Heads),
		embed:  make([]float32, cfg.Dim),
		logits: make([]float32, cfg.VocabSize),
	}
	for h := range rs.att {
		rs.att[h] = make([]float32, window)
	}
	return rs
}
