package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// SamplerConfig controls the logits-to-token transform. Zero temperature
// selects the argmax deterministically; TopK <= 0 and TopP outside (0,1)
// disable their respective filters.
type SamplerConfig struct {
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64
	Seed        int64
}

// DefaultSamplerConfig matches the generation defaults used by the CLI.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Temperature: 0.7,
		TopK:        40,
		TopP:        0.9,
		RepPenalty:  1.1,
	}
}

type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

// NewSampler builds a sampler with its own seeded source. Seed 0 draws from
// the clock; any fixed seed makes the token stream reproducible.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample picks the next token from logits. The pipeline is repetition
// penalty, temperature scaling, softmax, then top-k and top-p truncation
// with renormalization. logits are mutated by the penalty step.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if !validLogits(logits) {
		return firstValidToken(logits)
	}

	if s.Config.RepPenalty > 1.0 && len(history) > 0 {
		s.applyRepetitionPenalty(logits, history)
	}

	temp := s.Config.Temperature
	if temp == 0 {
		return argMax(logits)
	}

	probs := temperatureSoftmax(logits, temp)

	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	if len(candidates) == 0 {
		return argMax(logits)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)
	if len(candidates) == 0 {
		return argMax(logits)
	}

	return s.sampleFromCandidates(candidates)
}

// applyRepetitionPenalty discounts tokens seen in the last 64 positions.
// Positive logits divide by the penalty, negative ones multiply, so the
// discount always pushes the logit toward less likely.
func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int) {
	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}

	seen := make(map[int]struct{})
	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if id >= 0 && id < len(logits) {
			if logits[id] > 0 {
				logits[id] /= float32(s.Config.RepPenalty)
			} else {
				logits[id] *= float32(s.Config.RepPenalty)
			}
		}
	}
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

type tokenProb struct {
	id   int
	prob float64
}

func temperatureSoftmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / temperature
	}

	maxVal := probs[0]
	for _, v := range probs {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func firstValidToken(logits []float32) int {
	for i, v := range logits {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			return i
		}
	}
	return 0
}

func argMax(logits []float32) int {
	maxIdx := 0
	maxVal := float32(math.Inf(-1))
	for i, v := range logits {
		if !math.IsNaN(float64(v)) && v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP truncates the sorted candidates at cumulative probability p and
// renormalizes the survivors.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			selected := candidates[:i+1]

			total := 0.0
			for _, c := range selected {
				total += c.prob
			}
			for i := range selected {
				selected[i].prob /= total
			}
			return selected
		}
	}
	return candidates
}
