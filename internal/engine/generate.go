// Package engine executes quantized decoder models: container loading,
// the per-token forward pass, sampling and the streaming generation loop.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// GenerateOptions bounds one generation request.
type GenerateOptions struct {
	MaxTokens int
	Sampler   SamplerConfig
}

// DefaultGenerateOptions returns the CLI defaults.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		MaxTokens: 256,
		Sampler:   DefaultSamplerConfig(),
	}
}

// TokenFunc receives each generated token as it is produced. Returning an
// error stops the generation and propagates the error to the caller.
type TokenFunc func(id int, piece string) error

// Generate encodes the prompt, prepends BOS on a fresh session and streams
// sampled tokens through emit. See GenerateTokens for the loop semantics.
func (s *Session) Generate(ctx context.Context, prompt string, opts GenerateOptions, emit TokenFunc) (int, error) {
	tok := s.Model.Tokenizer
	ids := tok.Encode(prompt)
	if s.pos == 0 && tok.BOS >= 0 {
		ids = append([]int{tok.BOS}, ids...)
	}
	return s.GenerateTokens(ctx, ids, opts, emit)
}

// GenerateTokens prefills the session with the prompt tokens and streams
// sampled tokens through emit until MaxTokens, EOS, context overflow or ctx
// cancellation. The context is checked between forward passes only; a pass
// in flight runs to completion. A cancelled session must be discarded, not
// resumed. Returns the number of tokens emitted.
func (s *Session) GenerateTokens(ctx context.Context, ids []int, opts GenerateOptions, emit TokenFunc) (int, error) {
	start := time.Now()
	tok := s.Model.Tokenizer

	if len(ids) == 0 {
		return 0, fmt.Errorf("prompt produced no tokens")
	}
	metrics.PromptTokensHistogram.Observe(float64(len(ids)))

	sampler := NewSampler(opts.Sampler)

	// Prefill. The logits after the last prompt token seed the loop.
	var logits []float32
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			metrics.GenerationsCancelledTotal.Inc()
			return 0, err
		}
		var err error
		if logits, err = s.Forward(id); err != nil {
			return 0, err
		}
	}

	generated := 0
	for generated < opts.MaxTokens {
		if err := ctx.Err(); err != nil {
			metrics.GenerationsCancelledTotal.Inc()
			return generated, err
		}

		next := sampler.Sample(logits, s.history)
		if tok.IsEOS(next) {
			break
		}

		if err := emit(next, tok.Decode([]int{next})); err != nil {
			return generated, err
		}
		generated++
		metrics.RecordToken()

		// The limit is reached: the emitted token needs no forward pass of
		// its own, and skipping it keeps an exactly-filled cache from
		// turning a normal completion into an overflow.
		if generated == opts.MaxTokens {
			break
		}

		var err error
		if logits, err = s.Forward(next); err != nil {
			return generated, err
		}
	}

	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	logger.Log.Debug("generation finished",
		"session", s.ID.String(),
		"prompt_tokens", len(ids),
		"generated", generated,
		"duration_ms", time.Since(start).Milliseconds())
	return generated, nil
}
