package embedsource

import (
	"context"
	"sync"

	"github.com/23skdu/longbow-volley/internal/sequence"
)

// Memory is an in-process Source.
type Memory struct {
	mu   sync.RWMutex
	data map[int64][]sequence.Overlay[float32]
}

func NewMemory() *Memory {
	return &Memory{data: make(map[int64][]sequence.Overlay[float32])}
}

// Put replaces the overlays of seqID.
func (m *Memory) Put(seqID int64, overlays []sequence.Overlay[float32]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[seqID] = overlays
}

func (m *Memory) Fetch(ctx context.Context, seqID int64) ([]sequence.Overlay[float32], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[seqID], nil
}

// Snapshot copies the stored overlays.
func (m *Memory) Snapshot() map[int64][]sequence.Overlay[float32] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64][]sequence.Overlay[float32], len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[int64][]sequence.Overlay[float32])
}
