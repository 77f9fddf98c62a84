package engine

import (
	"github.com/google/uuid"

	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Session is one conversation's execution state: position counter, token
// history and the owned KV cache. It is exclusively owned by the goroutine
// driving its generation loop and must never be shared.
type Session struct {
	ID    uuid.UUID
	Model *Model

	cache   *kvcache.Cache
	pos     int
	history []int

	rs *runState
}

// NewSession opens a session against a loaded model. window bounds the KV
// cache; zero or anything above the model maximum uses the model maximum.
func NewSession(m *Model, window int) (*Session, error) {
	if window <= 0 || window > m.Config.SeqLen {
		window = m.Config.SeqLen
	}
	cache, err := kvcache.New(m.Config.Layers, window, m.Config.KVHeads, m.Config.HeadDim)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:    uuid.New(),
		Model: m,
		cache: cache,
		rs:    newRunState(&m.Config, window),
	}
	metrics.SessionsActive.Inc()
	logger.Log.Debug("session opened", "session", s.ID.String(), "window", window)
	return s, nil
}

// Position returns the number of tokens consumed so far.
func (s *Session) Position() int {
	return s.pos
}

// History returns the tokens processed by this session, prompt included.
// The slice is owned by the session.
func (s *Session) History() []int {
	return s.history
}

// Window returns the session's cache capacity in positions.
func (s *Session) Window() int {
	return s.cache.Capacity()
}

// Reset rewinds the session to an empty state. Cached entries beyond the
// position become unreachable, so the cache memory is simply reused.
func (s *Session) Reset() {
	s.pos = 0
	s.history = s.history[:0]
}

// Close releases the session's accounting. The KV cache is garbage
// collected with the session.
func (s *Session) Close() {
	metrics.SessionsActive.Dec()
	logger.Log.Debug("session closed", "session", s.ID.String(), "position", s.pos)
}

// HiddenState returns a copy of the final-norm hidden vector from the most
// recent forward pass, the embedding exported over Flight.
func (s *Session) HiddenState() []float32 {
	out := make([]float32, len(s.rs.embed))
	copy(out, s.rs.embed)
	return out
}
