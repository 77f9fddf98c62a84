// bodkin-gen writes a small synthetic model container with a toy vocabulary
// and seeded random weights. Useful for smoke tests and benchmarks without
// shipping real model blobs.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/23skdu/longbow-bodkin/internal/gguf"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/quant"
)

var (
	outPath = flag.String("o", "model.gguf", "Output container path")
	layers  = flag.Int("layers", 2, "Number of decoder layers")
	dim     = flag.Int("dim", 64, "Embedding dimension")
	heads   = flag.Int("heads", 4, "Attention heads")
	kvHeads = flag.Int("kv-heads", 2, "KV heads")
	hidden  = flag.Int("hidden", 128, "FFN hidden dimension")
	vocab   = flag.Int("vocab", 256, "Vocabulary size")
	ctxLen  = flag.Int("context", 128, "Context length")
	seed    = flag.Int64("seed", 1, "Weight RNG seed")
	q8      = flag.Bool("q8", false, "Encode matrix weights as Q8_0 instead of F32")
)

func main() {
	flag.Parse()
	logger.Setup("info", "console")

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bodkin-gen: %v\n", err)
		os.Exit(1)
	}
	logger.Log.Info("container written", "path", *outPath,
		"layers", *layers, "dim", *dim, "vocab", *vocab)
}

func run() error {
	rng := rand.New(rand.NewSource(*seed))

	tokens := make([]string, *vocab)
	for i := range tokens {
		// Bytes first so every input is encodable, then filler pieces.
		if i < 256 {
			tokens[i] = fmt.Sprintf("<0x%02X>", i)
		} else {
			tokens[i] = fmt.Sprintf("piece%d", i)
		}
	}

	kv := []gguf.KV{
		{Key: "general.architecture", Value: "llama"},
		{Key: "general.name", Value: "bodkin-synthetic"},
		{Key: "llama.block_count", Value: uint32(*layers)},
		{Key: "llama.embedding_length", Value: uint32(*dim)},
		{Key: "llama.feed_forward_length", Value: uint32(*hidden)},
		{Key: "llama.attention.head_count", Value: uint32(*heads)},
		{Key: "llama.attention.head_count_kv", Value: uint32(*kvHeads)},
		{Key: "llama.context_length", Value: uint32(*ctxLen)},
		{Key: "llama.attention.layer_norm_rms_epsilon", Value: float32(1e-5)},
		{Key: "llama.rope.freq_base", Value: float32(10000)},
		{Key: "tokenizer.ggml.tokens", Value: tokens},
	}

	matType := quant.TypeF32
	if *q8 {
		matType = quant.TypeQ8_0
	}

	matrix := func(name string, rows, cols int) gguf.WriterTensor {
		vals := make([]float32, rows*cols)
		for i := range vals {
			vals[i] = (rng.Float32()*2 - 1) * 0.08
		}
		return gguf.WriterTensor{
			Name: name, Dims: []uint64{uint64(cols), uint64(rows)},
			Type: matType, Values: vals,
		}
	}
	norm := func(name string, n int) gguf.WriterTensor {
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = 1
		}
		return gguf.WriterTensor{
			Name: name, Dims: []uint64{uint64(n)},
			Type: quant.TypeF32, Values: vals,
		}
	}

	headDim := *dim / *heads
	kvDim := *kvHeads * headDim

	tensors := []gguf.WriterTensor{
		matrix("token_embd.weight", *vocab, *dim),
		norm("output_norm.weight", *dim),
	}
	for l := 0; l < *layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		tensors = append(tensors,
			matrix(p+"attn_q.weight", *dim, *dim),
			matrix(p+"attn_k.weight", kvDim, *dim),
			matrix(p+"attn_v.weight", kvDim, *dim),
			matrix(p+"attn_output.weight", *dim, *dim),
			norm(p+"attn_norm.weight", *dim),
			matrix(p+"ffn_gate.weight", *hidden, *dim),
			matrix(p+"ffn_down.weight", *dim, *hidden),
			matrix(p+"ffn_up.weight", *hidden, *dim),
			norm(p+"ffn_norm.weight", *dim),
		)
	}

	return gguf.WriteFile(*outPath, kv, tensors)
}
