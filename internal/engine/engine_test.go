package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/gguf"
	"github.com/23skdu/longbow-bodkin/internal/quant"
)

// writeTestModel builds a 2-layer container small enough to run the full
// stack in milliseconds: dim 16, 2 heads sharing 1 kv head, byte-level
// vocabulary with explicit BOS/EOS.
func writeTestModel(t *testing.T) string {
	t.Helper()
	const (
		layers = 2
		dim    = 16
		heads  = 2
		kvH    = 1
		hidden = 32
	)
	rng := rand.New(rand.NewSource(99))

	tokens := make([]string, 0, 258)
	for i := 0; i < 256; i++ {
		tokens = append(tokens, fmt.Sprintf("<0x%02X>", i))
	}
	tokens = append(tokens, "<s>", "</s>")
	vocab := len(tokens)

	kv := []gguf.KV{
		{Key: "general.architecture", Value: "llama"},
		{Key: "llama.block_count", Value: uint32(layers)},
		{Key: "llama.embedding_length", Value: uint32(dim)},
		{Key: "llama.feed_forward_length", Value: uint32(hidden)},
		{Key: "llama.attention.head_count", Value: uint32(heads)},
		{Key: "llama.attention.head_count_kv", Value: uint32(kvH)},
		{Key: "llama.context_length", Value: uint32(64)},
		{Key: "tokenizer.ggml.tokens", Value: tokens},
		{Key: "tokenizer.ggml.bos_token_id", Value: uint32(256)},
		{Key: "tokenizer.ggml.eos_token_id", Value: uint32(257)},
	}

	matrix := func(name string, rows, cols int) gguf.WriterTensor {
		vals := make([]float32, rows*cols)
		for i := range vals {
			vals[i] = (rng.Float32()*2 - 1) * 0.1
		}
		return gguf.WriterTensor{Name: name, Dims: []uint64{uint64(cols), uint64(rows)},
			Type: quant.TypeF32, Values: vals}
	}
	norm := func(name string, n int) gguf.WriterTensor {
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = 1
		}
		return gguf.WriterTensor{Name: name, Dims: []uint64{uint64(n)},
			Type: quant.TypeF32, Values: vals}
	}

	headDim := dim / heads
	emb := matrix("token_embd.weight", vocab, dim)
	// With tied output weights the EOS logit is dot(emb[257], hidden). Zero
	// that row and give tokens 10/11 opposed embeddings so greedy decoding
	// always finds a non-EOS logit >= 0 and never stops on the first step.
	for i := 0; i < dim; i++ {
		emb.Values[257*dim+i] = 0
		emb.Values[11*dim+i] = -emb.Values[10*dim+i]
	}
	tensors := []gguf.WriterTensor{
		emb,
		norm("output_norm.weight", dim),
	}
	for l := 0; l < layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		tensors = append(tensors,
			matrix(p+"attn_q.weight", dim, dim),
			matrix(p+"attn_k.weight", kvH*headDim, dim),
			matrix(p+"attn_v.weight", kvH*headDim, dim),
			matrix(p+"attn_output.weight", dim, dim),
			norm(p+"attn_norm.weight", dim),
			matrix(p+"ffn_gate.weight", hidden, dim),
			matrix(p+"ffn_down.weight", dim, hidden),
			matrix(p+"ffn_up.weight", hidden, dim),
			norm(p+"ffn_norm.weight", dim),
		)
	}

	path := filepath.Join(t.TempDir(), "test.gguf")
	if err := gguf.WriteFile(path, kv, tensors); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadTestModel(t *testing.T) *Model {
	t.Helper()
	s := config.DefaultSettings()
	s.Threads = 1
	m, err := LoadModel(writeTestModel(t), s)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestLoadModelReadsHyperparameters(t *testing.T) {
	m := loadTestModel(t)

	if m.Config.Layers != 2 || m.Config.Dim != 16 || m.Config.Heads != 2 {
		t.Errorf("unexpected config: %+v", m.Config)
	}
	if m.Config.KVHeads != 1 || m.Config.HeadDim != 8 {
		t.Errorf("unexpected config: %+v", m.Config)
	}
	if m.Config.SeqLen != 64 {
		t.Errorf("context: got %d want 64", m.Config.SeqLen)
	}
	if m.Config.VocabSize != 258 {
		t.Errorf("vocab: got %d want 258", m.Config.VocabSize)
	}
	if m.MaxContext() != 64 || !m.SupportsStreaming() {
		t.Error("capability query mismatch")
	}
	// No output.weight in the container: the LM head ties to the embedding.
	if m.Weights.Output != m.Weights.TokenEmb {
		t.Error("expected tied output weights")
	}
}

func TestLoadModelMissingTensorFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.gguf")
	kv := []gguf.KV{
		{Key: "general.architecture", Value: "llama"},
		{Key: "llama.block_count", Value: uint32(1)},
		{Key: "llama.embedding_length", Value: uint32(8)},
		{Key: "llama.feed_forward_length", Value: uint32(16)},
		{Key: "llama.attention.head_count", Value: uint32(2)},
		{Key: "tokenizer.ggml.tokens", Value: []string{"a", "b"}},
	}
	if err := gguf.WriteFile(path, kv, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModel(path, config.DefaultSettings()); err == nil {
		t.Error("expected error for missing weights")
	}
}

func TestForwardIsDeterministic(t *testing.T) {
	m := loadTestModel(t)

	run := func() []float32 {
		s, err := NewSession(m, 16)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()

		var logits []float32
		for _, tok := range []int{256, 10, 20, 30} {
			if logits, err = s.Forward(tok); err != nil {
				t.Fatal(err)
			}
		}
		out := make([]float32, len(logits))
		copy(out, logits)
		return out
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logit %d differs: %v != %v", i, a[i], b[i])
		}
	}
}

func TestForwardLogitsFinite(t *testing.T) {
	m := loadTestModel(t)
	s, err := NewSession(m, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	logits, err := s.Forward(42)
	if err != nil {
		t.Fatal(err)
	}
	if len(logits) != m.Config.VocabSize {
		t.Fatalf("logits length %d, want %d", len(logits), m.Config.VocabSize)
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d not finite: %v", i, v)
		}
	}
	if s.Position() != 1 {
		t.Errorf("position: got %d want 1", s.Position())
	}
}

func TestForwardRejectsBadToken(t *testing.T) {
	m := loadTestModel(t)
	s, err := NewSession(m, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Forward(-1); err == nil {
		t.Error("negative token should fail")
	}
	if _, err := s.Forward(100000); err == nil {
		t.Error("out-of-vocab token should fail")
	}
	if s.Position() != 0 {
		t.Error("failed forward must not advance the position")
	}
}

func TestForwardOverflowsAtWindow(t *testing.T) {
	m := loadTestModel(t)
	s, err := NewSession(m, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.Forward(i + 1); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	_, err = s.Forward(4)
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("expected ErrContextOverflow, got %v", err)
	}
	if s.Position() != 3 {
		t.Errorf("position moved on failure: %d", s.Position())
	}
}

func TestSessionReset(t *testing.T) {
	m := loadTestModel(t)
	s, err := NewSession(m, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 4; i++ {
		if _, err := s.Forward(i); err != nil {
			t.Fatal(err)
		}
	}
	s.Reset()
	if s.Position() != 0 || len(s.History()) != 0 {
		t.Error("reset did not clear session state")
	}
	if _, err := s.Forward(1); err != nil {
		t.Errorf("forward after reset: %v", err)
	}
}

func TestGenerateGreedyIsReproducible(t *testing.T) {
	m := loadTestModel(t)

	run := func() []int {
		s, err := NewSession(m, 32)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()

		var out []int
		opts := GenerateOptions{MaxTokens: 5, Sampler: SamplerConfig{Temperature: 0}}
		_, err = s.Generate(context.Background(), "hi", opts, func(id int, piece string) error {
			out = append(out, id)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("token %d differs: %d != %d", i, a[i], b[i])
		}
	}
}

func TestGenerateHonorsCancellation(t *testing.T) {
	m := loadTestModel(t)
	s, err := NewSession(m, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := DefaultGenerateOptions()
	_, err = s.Generate(ctx, "hi", opts, func(int, string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateStopsOnEmitError(t *testing.T) {
	m := loadTestModel(t)
	s, err := NewSession(m, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	sentinel := errors.New("stop")
	opts := GenerateOptions{MaxTokens: 10, Sampler: SamplerConfig{Temperature: 0}}
	n, err := s.Generate(context.Background(), "hi", opts, func(int, string) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if n != 0 {
		t.Errorf("emitted count: got %d want 0", n)
	}
}

func TestGenerateOverflowsSmallWindow(t *testing.T) {
	m := loadTestModel(t)
	s, err := NewSession(m, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// BOS + 2 prompt tokens leave one free position: the first sampled
	// token's forward pass hits the wall.
	opts := GenerateOptions{MaxTokens: 10, Sampler: SamplerConfig{Temperature: 0}}
	_, err = s.Generate(context.Background(), "hi", opts, func(int, string) error { return nil })
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("expected ErrContextOverflow, got %v", err)
	}
}

func TestGenerateMaxTokensExactlyFillsWindow(t *testing.T) {
	// BOS + 2 prompt tokens consume the whole window. The single requested
	// token samples from the prefill logits and needs no further forward
	// pass, so hitting the limit is a normal completion, not an overflow.
	m := loadTestModel(t)
	s, err := NewSession(m, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	opts := GenerateOptions{MaxTokens: 1, Sampler: SamplerConfig{Temperature: 0}}
	n, err := s.Generate(context.Background(), "hi", opts, func(int, string) error { return nil })
	if err != nil {
		t.Fatalf("exact-fit generation failed: %v", err)
	}
	if n != 1 {
		t.Errorf("emitted count: got %d want 1", n)
	}
	if s.Position() != 3 {
		t.Errorf("position: got %d want 3", s.Position())
	}
}

func TestGenerateSkipsTrailingForward(t *testing.T) {
	// The last emitted token must not cost a forward pass whose logits are
	// never consumed.
	m := loadTestModel(t)
	s, err := NewSession(m, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	const maxTokens = 3
	opts := GenerateOptions{MaxTokens: maxTokens, Sampler: SamplerConfig{Temperature: 0}}
	n, err := s.Generate(context.Background(), "hi", opts, func(int, string) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if n != maxTokens {
		t.Fatalf("emitted count: got %d want %d", n, maxTokens)
	}
	// Prompt is BOS + 2 bytes; each emitted token except the last adds one
	// forward pass.
	if want := 3 + maxTokens - 1; s.Position() != want {
		t.Errorf("position: got %d want %d", s.Position(), want)
	}
}

func TestHiddenStateDimension(t *testing.T) {
	m := loadTestModel(t)
	s, err := NewSession(m, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Forward(7); err != nil {
		t.Fatal(err)
	}
	h := s.HiddenState()
	if len(h) != m.Config.Dim {
		t.Fatalf("hidden state length %d, want %d", len(h), m.Config.Dim)
	}
	var norm float64
	for _, v := range h {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		t.Error("hidden state should not be all zeros")
	}
}

func TestMatVecMatchesRowDecode(t *testing.T) {
	// The pooled MatVec path must agree with a plain per-row decode and dot.
	m := loadTestModel(t)

	w := m.Weights.AttnQ[0]
	x := make([]float32, w.Cols)
	for i := range x {
		x[i] = float32(i%7) * 0.1
	}

	direct := make([]float32, w.Rows)
	w.MatVec(m.kernel, x, direct, 1)

	row := make([]float32, w.Cols)
	for r := 0; r < w.Rows; r++ {
		if err := w.Row(r, row); err != nil {
			t.Fatal(err)
		}
		var want float32
		for i := range row {
			want += row[i] * x[i]
		}
		if math.Abs(float64(direct[r]-want)) > 1e-2 {
			t.Errorf("row %d: got %v want %v", r, direct[r], want)
		}
	}
}
