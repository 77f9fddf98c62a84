package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// Forward runs one decoder step for token at the session's current position
// and returns the logits over the vocabulary. The returned slice is scratch
// owned by the session, valid until the next call. On success the position
// advances and the token joins the history; a full cache fails with
// ErrContextOverflow and leaves the session unchanged.
func (s *Session) Forward(token int) ([]float32, error) {
	m := s.Model
	cfg := &m.Config
	rs := s.rs
	pos := s.pos

	if pos >= s.cache.Capacity() {
		return nil, fmt.Errorf("position %d with window %d: %w", pos, s.cache.Capacity(), ErrContextOverflow)
	}
	if token < 0 || token >= cfg.VocabSize {
		return nil, fmt.Errorf("token %d out of vocabulary range [0,%d)", token, cfg.VocabSize)
	}

	start := time.Now()

	if err := m.Weights.TokenEmb.Row(token, rs.x); err != nil {
		return nil, fmt.Errorf("embedding row %d: %w", token, err)
	}

	for l := 0; l < cfg.Layers; l++ {
		w := m.Weights

		simd.RMSNorm(rs.x, w.AttnNorm[l].Vec(), rs.xb, cfg.Eps)

		w.AttnQ[l].MatVec(m.kernel, rs.xb, rs.q, m.threads)
		w.AttnK[l].MatVec(m.kernel, rs.xb, rs.k, m.threads)
		w.AttnV[l].MatVec(m.kernel, rs.xb, rs.v, m.threads)

		s.rope(rs.q, cfg.Heads, pos)
		s.rope(rs.k, cfg.KVHeads, pos)

		if err := s.cache.Append(l, pos, rs.k, rs.v); err != nil {
			return nil, err
		}

		s.attend(l, pos)

		w.AttnO[l].MatVec(m.kernel, rs.xb, rs.xb2, m.threads)
		for i := range rs.x {
			rs.x[i] += rs.xb2[i]
		}

		simd.RMSNorm(rs.x, w.FfnNorm[l].Vec(), rs.xb, cfg.Eps)
		w.FfnGate[l].MatVec(m.kernel, rs.xb, rs.hb, m.threads)
		w.FfnUp[l].MatVec(m.kernel, rs.xb, rs.hb2, m.threads)
		simd.SwiGLU(rs.hb, rs.hb2, rs.hb)
		w.FfnDown[l].MatVec(m.kernel, rs.hb, rs.xb2, m.threads)
		for i := range rs.x {
			rs.x[i] += rs.xb2[i]
		}
	}

	simd.RMSNorm(rs.x, m.Weights.OutputNorm.Vec(), rs.embed, cfg.Eps)
	m.Weights.Output.MatVec(m.kernel, rs.embed, rs.logits, m.threads)

	s.pos++
	s.history = append(s.history, token)

	metrics.RecordForward(start)
	return rs.logits, nil
}

// rope applies rotary embedding for the given position in place. Each head
// rotates its interleaved (even, odd) pairs by pos * theta^-(i/headDim).
func (s *Session) rope(vec []float32, heads, pos int) {
	hd := s.Model.Config.HeadDim
	theta := float64(s.Model.Config.RopeTheta)
	for h := 0; h < heads; h++ {
		base := h * hd
		for i := 0; i < hd; i += 2 {
			freq := 1.0 / math.Pow(theta, float64(i)/float64(hd))
			angle := float64(pos) * freq
			sin, cos := math.Sincos(angle)

			v0 := vec[base+i]
			v1 := vec[base+i+1]
			vec[base+i] = v0*float32(cos) - v1*float32(sin)
			vec[base+i+1] = v0*float32(sin) + v1*float32(cos)
		}
	}
}

// attend runs streaming attention over positions [0, pos] for every query
// head and writes the concatenated head outputs into rs.xb. Heads split
// across workers; each worker keeps one decoded key row as scratch so
// memory stays flat in context length.
func (s *Session) attend(layer, pos int) {
	cfg := &s.Model.Config
	rs := s.rs
	hd := cfg.HeadDim
	group := cfg.GQARatio()
	scale := 1 / float32(math.Sqrt(float64(hd)))

	simd.ParallelRows(cfg.Heads, s.Model.threads, func(start, end int) {
		key := make([]float32, hd)
		for h := start; h < end; h++ {
			kvHead := h / group
			q := rs.q[h*hd : (h+1)*hd]
			att := rs.att[h][:pos+1]

			for p := 0; p <= pos; p++ {
				s.cache.KeyRow(layer, p, kvHead, key)
				att[p] = s.Model.kernel.DotF32(q, key) * scale
			}
			simd.Softmax(att)

			out := rs.xb[h*hd : (h+1)*hd]
			for i := range out {
				out[i] = 0
			}
			for p := 0; p <= pos; p++ {
				s.cache.AccumValueRow(layer, p, kvHead, att[p], out)
			}
		}
	})
}
