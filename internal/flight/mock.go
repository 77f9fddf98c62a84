package flight

import (
	"context"
	"fmt"
	"sync"
)

// MockExporter keeps exported batches in memory for tests.
type MockExporter struct {
	mu        sync.RWMutex
	connected bool
	vectors   map[string][]float32
}

func NewMockExporter() *MockExporter {
	return &MockExporter{vectors: make(map[string][]float32)}
}

func (m *MockExporter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockExporter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockExporter) Export(ctx context.Context, ids []string, vectors [][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("flight export: not connected")
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("flight export: %d ids for %d vectors", len(ids), len(vectors))
	}
	for i, id := range ids {
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		m.vectors[id] = vec
	}
	return nil
}

// Stored returns the vector exported under id.
func (m *MockExporter) Stored(id string) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vectors[id]
	return v, ok
}

// Count returns the number of stored vectors.
func (m *MockExporter) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}
