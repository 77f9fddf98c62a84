package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/gguf"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tokenizer"
)

// Model is an immutable loaded model: hyperparameters, the tensor registry
// and the memory-mapped weight data. One Model serves any number of
// concurrent sessions; weight reads take no locks because the mapping is
// read-only for the engine lifetime.
type Model struct {
	File      *gguf.File
	Config    config.Config
	Weights   *Weights
	Tokenizer *tokenizer.Tokenizer

	kernel  *simd.Kernel
	threads int
}

// Weights is the named registry for the decoder stack. Matrix weights stay
// quantized in the mapping; small vector weights are decoded once at load.
type Weights struct {
	TokenEmb *Weight

	AttnQ    []*Weight
	AttnK    []*Weight
	AttnV    []*Weight
	AttnO    []*Weight
	AttnNorm []*Weight

	FfnGate []*Weight
	FfnDown []*Weight
	FfnUp   []*Weight
	FfnNorm []*Weight

	OutputNorm *Weight
	Output     *Weight // tied to TokenEmb when the container has no output.weight
}

// LoadModel parses the container at path, validates hyperparameters and
// binds the weight registry. Load cost is proportional to metadata size:
// only norm vectors are decoded eagerly, matrix tensors remain views into
// the mapping.
func LoadModel(path string, settings config.Settings) (*Model, error) {
	start := time.Now()

	f, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}

	m := &Model{
		File:    f,
		kernel:  simd.Active(),
		threads: settings.Threads,
	}
	if err := m.readConfig(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if settings.ContextLength > 0 && settings.ContextLength < m.Config.SeqLen {
		m.Config.SeqLen = settings.ContextLength
	}
	if err := m.Config.Validate(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("model hyperparameters: %w", err)
	}

	tok, err := tokenizer.FromFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	m.Tokenizer = tok

	if err := m.bindWeights(); err != nil {
		_ = f.Close()
		return nil, err
	}

	metrics.ModelLoadDuration.Observe(time.Since(start).Seconds())
	logger.Log.Info("model loaded",
		"path", path,
		"arch", m.Config.Architecture,
		"layers", m.Config.Layers,
		"dim", m.Config.Dim,
		"heads", m.Config.Heads,
		"kv_heads", m.Config.KVHeads,
		"vocab", m.Config.VocabSize,
		"context", m.Config.SeqLen,
		"load_ms", time.Since(start).Milliseconds())
	return m, nil
}

func (m *Model) readConfig() error {
	f := m.File
	cfg := config.Default()
	cfg.Architecture = f.Architecture()

	need := func(suffix string) (int, error) {
		v, ok := f.ArchUint(suffix)
		if !ok {
			return 0, fmt.Errorf("metadata missing %s.%s", cfg.Architecture, suffix)
		}
		return int(v), nil
	}

	var err error
	if cfg.Layers, err = need("block_count"); err != nil {
		return err
	}
	if cfg.Dim, err = need("embedding_length"); err != nil {
		return err
	}
	if cfg.Heads, err = need("attention.head_count"); err != nil {
		return err
	}
	if cfg.HiddenDim, err = need("feed_forward_length"); err != nil {
		return err
	}

	cfg.KVHeads = cfg.Heads
	if v, ok := f.ArchUint("attention.head_count_kv"); ok {
		cfg.KVHeads = int(v)
	}
	cfg.HeadDim = cfg.Dim / cfg.Heads
	if v, ok := f.ArchUint("attention.key_length"); ok {
		cfg.HeadDim = int(v)
	}
	if v, ok := f.ArchUint("context_length"); ok {
		cfg.SeqLen = int(v)
	}
	if v, ok := f.ArchFloat("rope.freq_base"); ok {
		cfg.RopeTheta = v
	}
	if v, ok := f.ArchFloat("attention.layer_norm_rms_epsilon"); ok {
		cfg.Eps = v
	}

	if v, ok := f.ArchUint("vocab_size"); ok {
		cfg.VocabSize = int(v)
	} else if toks, ok := f.StrArray("tokenizer.ggml.tokens"); ok {
		cfg.VocabSize = len(toks)
	}

	m.Config = cfg
	return nil
}

func (m *Model) bindWeights() error {
	w := &Weights{
		AttnQ:    make([]*Weight, m.Config.Layers),
		AttnK:    make([]*Weight, m.Config.Layers),
		AttnV:    make([]*Weight, m.Config.Layers),
		AttnO:    make([]*Weight, m.Config.Layers),
		AttnNorm: make([]*Weight, m.Config.Layers),
		FfnGate:  make([]*Weight, m.Config.Layers),
		FfnDown:  make([]*Weight, m.Config.Layers),
		FfnUp:    make([]*Weight, m.Config.Layers),
		FfnNorm:  make([]*Weight, m.Config.Layers),
	}

	var err error
	if w.TokenEmb, err = m.weight("token_embd.weight"); err != nil {
		return err
	}
	if w.OutputNorm, err = m.weight("output_norm.weight"); err != nil {
		return err
	}
	if out, werr := m.weight("output.weight"); werr == nil {
		w.Output = out
	} else {
		// Tied embeddings: the embedding matrix doubles as the LM head.
		w.Output = w.TokenEmb
	}

	for l := 0; l < m.Config.Layers; l++ {
		prefix := fmt.Sprintf("blk.%d.", l)
		for _, bind := range []struct {
			name string
			dst  *[]*Weight
		}{
			{"attn_q.weight", &w.AttnQ},
			{"attn_k.weight", &w.AttnK},
			{"attn_v.weight", &w.AttnV},
			{"attn_output.weight", &w.AttnO},
			{"attn_norm.weight", &w.AttnNorm},
			{"ffn_gate.weight", &w.FfnGate},
			{"ffn_down.weight", &w.FfnDown},
			{"ffn_up.weight", &w.FfnUp},
			{"ffn_norm.weight", &w.FfnNorm},
		} {
			wt, err := m.weight(prefix + bind.name)
			if err != nil {
				return err
			}
			(*bind.dst)[l] = wt
		}
	}

	m.Weights = w
	return nil
}

// MaxContext returns the maximum context length available to sessions of
// this model. Part of the capability query consumed by the platform.
func (m *Model) MaxContext() int {
	return m.Config.SeqLen
}

// SupportsStreaming reports that generation is streamed token by token.
func (m *Model) SupportsStreaming() bool {
	return true
}

// Close unmaps the container. All sessions must be closed first.
func (m *Model) Close() error {
	return m.File.Close()
}
