package engine

import "github.com/23skdu/longbow-bodkin/internal/kvcache"

// ErrContextOverflow is surfaced when a session runs out of KV cache
// positions. Re-exported so callers can match it without importing the
// cache package.
var ErrContextOverflow = kvcache.ErrContextOverflow
